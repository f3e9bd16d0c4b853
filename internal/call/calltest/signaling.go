package calltest

import (
	"context"
	"sync"

	"github.com/petervdpas/peercall/internal/call"
)

// Published is one Publish call seen by a Recorder.
type Published struct {
	CallID string
	Patch  call.Patch
	Err    error
}

// Recorder wraps a SignalingChannel, logs publishes, injects failures and can
// hold back notifications to widen race windows.
type Recorder struct {
	call.SignalingChannel

	mu        sync.Mutex
	published []Published
	failNext  int
	failErr   error
	gate      chan struct{}
	subs      map[string]*recordedSub
	loseAck   func(call.Patch) bool
	landed    chan call.Record
}

func NewRecorder(inner call.SignalingChannel) *Recorder {
	return &Recorder{SignalingChannel: inner, subs: make(map[string]*recordedSub)}
}

// FailNext makes the next n publishes fail with err before reaching the relay.
func (r *Recorder) FailNext(n int, err error) {
	r.mu.Lock()
	r.failNext, r.failErr = n, err
	r.mu.Unlock()
}

// LoseAck makes the next publish matching fn land on the relay and then block
// until its context ends, as if the acknowledgment never came back. The landed
// record is sent on the returned channel.
func (r *Recorder) LoseAck(fn func(call.Patch) bool) <-chan call.Record {
	landed := make(chan call.Record, 1)
	r.mu.Lock()
	r.loseAck, r.landed = fn, landed
	r.mu.Unlock()
	return landed
}

// Hold stops delivering notifications until Release.
func (r *Recorder) Hold() {
	r.mu.Lock()
	if r.gate == nil {
		r.gate = make(chan struct{})
	}
	r.mu.Unlock()
}

func (r *Recorder) Release() {
	r.mu.Lock()
	if r.gate != nil {
		close(r.gate)
		r.gate = nil
	}
	r.mu.Unlock()
}

// Published returns every publish so far.
func (r *Recorder) Published() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Published(nil), r.published...)
}

func (r *Recorder) Publish(ctx context.Context, callID string, p call.Patch) (call.Record, error) {
	r.mu.Lock()
	if r.failNext > 0 {
		r.failNext--
		err := r.failErr
		r.published = append(r.published, Published{CallID: callID, Patch: p, Err: err})
		r.mu.Unlock()
		return call.Record{}, err
	}
	var landed chan call.Record
	if r.loseAck != nil && r.loseAck(p) {
		landed = r.landed
		r.loseAck, r.landed = nil, nil
	}
	r.mu.Unlock()

	rec, err := r.SignalingChannel.Publish(ctx, callID, p)
	if landed != nil && err == nil {
		landed <- rec
		<-ctx.Done()
		err = ctx.Err()
		rec = call.Record{}
	}

	r.mu.Lock()
	r.published = append(r.published, Published{CallID: callID, Patch: p, Err: err})
	r.mu.Unlock()
	return rec, err
}

type recordedSub struct {
	inner call.Subscription
	out   chan call.Record
	stop  chan struct{}
	once  sync.Once
}

func (s *recordedSub) ID() string                  { return s.inner.ID() }
func (s *recordedSub) Updates() <-chan call.Record { return s.out }

func (r *Recorder) Subscribe(ctx context.Context, f call.Filter) (call.Subscription, error) {
	inner, err := r.SignalingChannel.Subscribe(ctx, f)
	if err != nil {
		return nil, err
	}
	s := &recordedSub{inner: inner, out: make(chan call.Record, 16), stop: make(chan struct{})}
	r.mu.Lock()
	r.subs[inner.ID()] = s
	r.mu.Unlock()
	go r.forward(s)
	return s, nil
}

func (r *Recorder) Unsubscribe(sub call.Subscription) error {
	r.mu.Lock()
	s, ok := r.subs[sub.ID()]
	delete(r.subs, sub.ID())
	r.mu.Unlock()
	if !ok {
		return r.SignalingChannel.Unsubscribe(sub)
	}
	s.once.Do(func() { close(s.stop) })
	return r.SignalingChannel.Unsubscribe(s.inner)
}

func (r *Recorder) forward(s *recordedSub) {
	defer close(s.out)
	for rec := range s.inner.Updates() {
		r.mu.Lock()
		gate := r.gate
		r.mu.Unlock()
		if gate != nil {
			select {
			case <-gate:
			case <-s.stop:
				return
			}
		}
		select {
		case s.out <- rec:
		case <-s.stop:
			return
		}
	}
}
