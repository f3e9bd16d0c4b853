// Package relay ferries call records between peers: a store for the durable
// record, a hub for change notifications, and a websocket server and client
// that carry both across the network.
package relay

import (
	"sync"

	"github.com/google/uuid"
	"github.com/petervdpas/peercall/internal/call"
)

// Subscription is one filtered feed from a Hub. Publishers never block on it:
// undelivered records are coalesced per call, keeping only the newest revision.
type Subscription struct {
	id     string
	filter call.Filter
	out    chan call.Record

	mu      sync.Mutex
	pending map[string]call.Record
	order   []string
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (s *Subscription) ID() string                  { return s.id }
func (s *Subscription) Filter() call.Filter         { return s.filter }
func (s *Subscription) Updates() <-chan call.Record { return s.out }

func (s *Subscription) offer(rec call.Record) {
	s.mu.Lock()
	prev, queued := s.pending[rec.CallID]
	switch {
	case !queued:
		s.order = append(s.order, rec.CallID)
		s.pending[rec.CallID] = rec
	case rec.Revision > prev.Revision:
		s.pending[rec.CallID] = rec
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) next() (call.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return call.Record{}, false
	}
	id := s.order[0]
	s.order = s.order[1:]
	rec := s.pending[id]
	delete(s.pending, id)
	return rec, true
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		rec, ok := s.next()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		select {
		case s.out <- rec:
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.done) })
}

// Hub fans published records out to matching subscriptions.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]*Subscription)}
}

// Subscribe registers a feed for f. Records offered before the first read are
// buffered.
func (h *Hub) Subscribe(f call.Filter) *Subscription {
	s := &Subscription{
		id:      uuid.NewString(),
		filter:  f,
		out:     make(chan call.Record, 1),
		pending: make(map[string]call.Record),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	h.mu.Lock()
	h.subs[s.id] = s
	h.mu.Unlock()
	go s.pump()
	return s
}

// Unsubscribe closes the feed. It reports false for an unknown or already
// closed subscription.
func (h *Hub) Unsubscribe(id string) bool {
	h.mu.Lock()
	s, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()
	if ok {
		s.close()
	}
	return ok
}

// Publish offers rec to every subscription whose filter matches.
func (h *Hub) Publish(rec call.Record) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.filter.Match(rec) {
			s.offer(rec.Clone())
		}
	}
}

// Offer delivers rec to one subscription, used for replay on subscribe.
func (h *Hub) Offer(id string, rec call.Record) {
	h.mu.RLock()
	s, ok := h.subs[id]
	h.mu.RUnlock()
	if ok {
		s.offer(rec.Clone())
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscription)
	h.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}
