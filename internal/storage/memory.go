package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/petervdpas/peercall/internal/call"
)

// DefaultListLimit caps List when the caller passes no limit.
const DefaultListLimit = 100

// Memory is an in-process call record store.
type Memory struct {
	mu    sync.RWMutex
	calls map[string]call.Record
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{calls: make(map[string]call.Record), now: time.Now}
}

func (m *Memory) Apply(ctx context.Context, callID string, p call.Patch) (call.Record, error) {
	if err := ctx.Err(); err != nil {
		return call.Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var cur *call.Record
	if r, ok := m.calls[callID]; ok {
		cur = &r
	}
	rec, err := call.ApplyPatch(cur, callID, p, m.now().UTC())
	if err != nil {
		return call.Record{}, err
	}
	m.calls[callID] = rec
	return rec.Clone(), nil
}

func (m *Memory) Get(ctx context.Context, callID string) (call.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.calls[callID]
	if !ok {
		return call.Record{}, fmt.Errorf("%w: %s", call.ErrNotFound, callID)
	}
	return r.Clone(), nil
}

func (m *Memory) List(ctx context.Context, f call.Filter, limit int) ([]call.Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	m.mu.RLock()
	var out []call.Record
	for _, r := range m.calls {
		if f.Match(r) {
			out = append(out, r.Clone())
		}
	}
	m.mu.RUnlock()
	sortNewest(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortNewest(recs []call.Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].CallID < recs[j].CallID
	})
}
