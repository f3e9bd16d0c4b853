package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/petervdpas/peercall/internal/call"
	"github.com/rs/zerolog"
)

// Store is the durable side of the relay. Implementations apply patches with
// call.ApplyPatch atomically.
type Store interface {
	Apply(ctx context.Context, callID string, p call.Patch) (call.Record, error)
	Get(ctx context.Context, callID string) (call.Record, error)
	List(ctx context.Context, f call.Filter, limit int) ([]call.Record, error)
}

// Notifier carries change notifications between relay processes that share
// one store.
type Notifier interface {
	Notify(ctx context.Context, rec call.Record) error
	// Listen delivers notifications from every process until ctx ends.
	Listen(ctx context.Context, fn func(call.Record)) error
}

// ErrUnknownSubscription is returned when unsubscribing twice or with a
// subscription this relay did not hand out.
var ErrUnknownSubscription = errors.New("unknown subscription")

// Local is a SignalingChannel backed directly by a Store and a Hub. The relay
// server uses it for its clients; a peer without a remote relay uses it
// in-process.
type Local struct {
	store    Store
	hub      *Hub
	notifier Notifier
	log      zerolog.Logger
}

func NewLocal(store Store, logger zerolog.Logger) *Local {
	return &Local{
		store: store,
		hub:   NewHub(),
		log:   logger.With().Str("component", "relay").Logger(),
	}
}

// SetNotifier routes change notifications through n. Call before Run.
func (l *Local) SetNotifier(n Notifier) { l.notifier = n }

func (l *Local) Hub() *Hub { return l.hub }

// Run feeds notifications from other relay processes into the hub. Without a
// notifier it just waits for ctx.
func (l *Local) Run(ctx context.Context) error {
	if l.notifier == nil {
		<-ctx.Done()
		return nil
	}
	err := l.notifier.Listen(ctx, l.hub.Publish)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (l *Local) Publish(ctx context.Context, callID string, p call.Patch) (call.Record, error) {
	rec, err := l.store.Apply(ctx, callID, p)
	if err != nil {
		return call.Record{}, err
	}
	l.hub.Publish(rec)
	if l.notifier != nil {
		if err := l.notifier.Notify(ctx, rec); err != nil {
			l.log.Warn().Err(err).Str("call_id", callID).Msg("notify failed")
		}
	}
	l.log.Debug().Str("call_id", callID).Str("actor", p.Actor).Str("status", string(rec.Status)).Int64("rev", rec.Revision).Msg("applied")
	return rec, nil
}

func (l *Local) Fetch(ctx context.Context, callID string) (call.Record, error) {
	return l.store.Get(ctx, callID)
}

// Subscribe registers the feed first and then replays current records, so no
// change can fall between the two. Receiver and caller feeds replay only
// calls that are still live.
func (l *Local) Subscribe(ctx context.Context, f call.Filter) (call.Subscription, error) {
	if f.Empty() {
		return nil, fmt.Errorf("%w: empty filter", call.ErrInvalidPatch)
	}
	sub := l.hub.Subscribe(f)

	recs, err := l.store.List(ctx, f, 0)
	if err != nil {
		l.hub.Unsubscribe(sub.ID())
		if errors.Is(err, call.ErrRelayUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: replay: %v", call.ErrRelayUnavailable, err)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	for _, rec := range recs {
		if f.CallID == "" && rec.Status.Terminal() {
			continue
		}
		l.hub.Offer(sub.ID(), rec)
	}
	return sub, nil
}

func (l *Local) Unsubscribe(sub call.Subscription) error {
	if !l.hub.Unsubscribe(sub.ID()) {
		return ErrUnknownSubscription
	}
	return nil
}

// List passes through to the store for the read-only HTTP API.
func (l *Local) List(ctx context.Context, f call.Filter, limit int) ([]call.Record, error) {
	return l.store.List(ctx, f, limit)
}

// Close ends all subscriptions.
func (l *Local) Close() {
	l.hub.Close()
}
