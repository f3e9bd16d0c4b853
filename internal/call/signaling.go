package call

import "context"

// Subscription is a live feed of call records matching a filter. The channel
// returned by Updates is closed after Unsubscribe or when the relay drops the
// subscription; callers re-subscribe to resume.
type Subscription interface {
	ID() string
	Updates() <-chan Record
}

// SignalingChannel is the relay as seen by the engine. Publish applies one
// atomic patch and returns the record as stored. Delivery on subscriptions is
// at-least-once and may skip or repeat states, so consumers compare revisions.
type SignalingChannel interface {
	Publish(ctx context.Context, callID string, p Patch) (Record, error)
	Fetch(ctx context.Context, callID string) (Record, error)
	Subscribe(ctx context.Context, f Filter) (Subscription, error)
	Unsubscribe(sub Subscription) error
}
