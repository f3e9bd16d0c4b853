package call

import "context"

// Stream is a local or remote media stream handle.
type Stream interface {
	ID() string
	Kinds() []MediaKind
}

// SessionTransport wraps one peer-to-peer media transport.
//
// CreateOffer runs at most once and only before a remote descriptor is set.
// CreateAnswer runs at most once and only after a remote offer. Remote
// descriptors require local media and are accepted once per role. Remote
// candidates may arrive at any time and are queued until the transport can take
// them. Close is idempotent.
type SessionTransport interface {
	AcquireLocalMedia(ctx context.Context, kinds []MediaKind) (Stream, error)
	CreateOffer(ctx context.Context) (Descriptor, error)
	ApplyRemoteDescriptor(ctx context.Context, d Descriptor, role Role) error
	CreateAnswer(ctx context.Context) (Descriptor, error)
	OnLocalCandidate(fn func(Candidate))
	ApplyRemoteCandidate(c Candidate) error
	OnRemoteStream(fn func(Stream))
	SetMediaEnabled(kind MediaKind, enabled bool) error
	Close() error
}

// TransportFactory builds a fresh transport for one call attempt.
type TransportFactory func(callID string) (SessionTransport, error)
