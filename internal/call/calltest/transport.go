// Package calltest provides in-memory doubles for exercising call.Engine
// without pion or a live relay.
package calltest

import (
	"context"
	"fmt"
	"sync"

	"github.com/petervdpas/peercall/internal/call"
)

// Stream is a fake media stream.
type Stream struct {
	StreamID    string
	StreamKinds []call.MediaKind
}

func (s Stream) ID() string              { return s.StreamID }
func (s Stream) Kinds() []call.MediaKind { return s.StreamKinds }

// Transport is a scripted call.SessionTransport that enforces the ordering
// rules of the real one and records what the engine did with it.
type Transport struct {
	CallID string

	mu           sync.Mutex
	mediaErr     error
	acquired     bool
	acquireCalls int
	kinds        []call.MediaKind
	offered      bool
	answered     bool
	remote       map[call.Role]bool
	roles        []call.Role
	queued       []call.Candidate
	seen         map[string]bool
	candCalls    int
	applied      []call.Candidate
	enabled      map[call.MediaKind]bool
	closeCalls   int
	closed       int
	onCandidate  func(call.Candidate)
	onStream     func(call.Stream)
	remoteStream *Stream
}

func NewTransport(callID string) *Transport {
	return &Transport{
		CallID:  callID,
		remote:  make(map[call.Role]bool),
		seen:    make(map[string]bool),
		enabled: make(map[call.MediaKind]bool),
	}
}

func (t *Transport) AcquireLocalMedia(ctx context.Context, kinds []call.MediaKind) (call.Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.acquireCalls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.mediaErr != nil {
		return nil, t.mediaErr
	}
	t.acquired = true
	t.kinds = kinds
	for _, k := range kinds {
		t.enabled[k] = true
	}
	return Stream{StreamID: "local-" + t.CallID, StreamKinds: kinds}, nil
}

func (t *Transport) CreateOffer(ctx context.Context) (call.Descriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.offered || len(t.roles) > 0 {
		return call.Descriptor{}, fmt.Errorf("%w: offer after remote descriptor", call.ErrInvalidState)
	}
	t.offered = true
	return call.Descriptor{Type: call.RoleOffer, SDP: "v=0 offer " + t.CallID}, nil
}

func (t *Transport) ApplyRemoteDescriptor(ctx context.Context, d call.Descriptor, role call.Role) error {
	t.mu.Lock()
	if !t.acquired {
		t.mu.Unlock()
		return fmt.Errorf("%w: no local media", call.ErrInvalidState)
	}
	if t.remote[role] {
		t.mu.Unlock()
		return fmt.Errorf("%w: remote %s already applied", call.ErrInvalidState, role)
	}
	t.remote[role] = true
	t.roles = append(t.roles, role)
	t.applied = append(t.applied, t.queued...)
	t.queued = nil
	fn, st := t.onStream, t.remoteStream
	t.mu.Unlock()

	if fn != nil && st != nil {
		go fn(*st)
	}
	return nil
}

func (t *Transport) CreateAnswer(ctx context.Context) (call.Descriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.remote[call.RoleOffer] || t.answered {
		return call.Descriptor{}, fmt.Errorf("%w: answer without offer", call.ErrInvalidState)
	}
	t.answered = true
	return call.Descriptor{Type: call.RoleAnswer, SDP: "v=0 answer " + t.CallID}, nil
}

func (t *Transport) OnLocalCandidate(fn func(call.Candidate)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *Transport) ApplyRemoteCandidate(c call.Candidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.candCalls++
	if t.seen[c.Key()] {
		return nil
	}
	t.seen[c.Key()] = true
	if len(t.roles) == 0 {
		t.queued = append(t.queued, c)
		return nil
	}
	t.applied = append(t.applied, c)
	return nil
}

func (t *Transport) OnRemoteStream(fn func(call.Stream)) {
	t.mu.Lock()
	t.onStream = fn
	t.mu.Unlock()
}

func (t *Transport) SetMediaEnabled(kind call.MediaKind, enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.enabled[kind]; !ok {
		return fmt.Errorf("%w: no %s track", call.ErrInvalidState, kind)
	}
	t.enabled[kind] = enabled
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeCalls++
	if t.closeCalls == 1 {
		t.closed++
	}
	return nil
}

// EmitCandidate plays a locally discovered candidate into the engine.
func (t *Transport) EmitCandidate(c call.Candidate) {
	t.mu.Lock()
	fn := t.onCandidate
	t.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// Acquired reports whether local media was handed out.
func (t *Transport) Acquired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acquired
}

func (t *Transport) AcquireCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acquireCalls
}

// Roles lists applied remote descriptor roles in order.
func (t *Transport) Roles() []call.Role {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]call.Role(nil), t.roles...)
}

// CandidateCalls counts ApplyRemoteCandidate calls, duplicates included.
func (t *Transport) CandidateCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.candCalls
}

// Applied lists candidates that took effect.
func (t *Transport) Applied() []call.Candidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]call.Candidate(nil), t.applied...)
}

func (t *Transport) Enabled(kind call.MediaKind) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled[kind]
}

// Released reports how many times resources were actually released.
func (t *Transport) Released() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) CloseCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCalls
}

// Factory hands out Transports and remembers them by call id.
type Factory struct {
	// MediaErr, when set, makes every AcquireLocalMedia fail with it.
	MediaErr error
	// RemoteStream makes each transport report one remote stream once a
	// remote descriptor is applied.
	RemoteStream bool

	mu         sync.Mutex
	transports map[string]*Transport
	order      []*Transport
}

func NewFactory() *Factory {
	return &Factory{transports: make(map[string]*Transport)}
}

// New satisfies call.TransportFactory.
func (f *Factory) New(callID string) (call.SessionTransport, error) {
	t := NewTransport(callID)
	f.mu.Lock()
	t.mediaErr = f.MediaErr
	if f.RemoteStream {
		t.remoteStream = &Stream{StreamID: "remote-" + callID, StreamKinds: []call.MediaKind{call.KindAudio, call.KindVideo}}
	}
	f.transports[callID] = t
	f.order = append(f.order, t)
	f.mu.Unlock()
	return t, nil
}

func (f *Factory) Get(callID string) *Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transports[callID]
}

// Count is the number of transports created so far.
func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}
