package call

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// InviteSink receives invites surfaced by a Watcher. Engine implements it.
type InviteSink interface {
	InviteReceived(rec Record)
	InviteGone(rec Record)
}

type watched struct {
	revision  int64
	createdAt time.Time
	callerID  string
	status    Status
	surfaced  bool
}

// Watcher listens for call records addressed to one identity and surfaces each
// offered, unanswered call once.
type Watcher struct {
	sig  SignalingChannel
	self string
	sink InviteSink
	log  zerolog.Logger
	ttl  atomic.Int64
	now  func() time.Time

	calls map[string]*watched
}

func NewWatcher(sig SignalingChannel, self string, sink InviteSink, ttl time.Duration, logger zerolog.Logger) *Watcher {
	w := &Watcher{
		sig:   sig,
		self:  self,
		sink:  sink,
		log:   logger.With().Str("component", "watcher").Logger(),
		now:   time.Now,
		calls: make(map[string]*watched),
	}
	w.SetTTL(ttl)
	return w
}

// SetTTL changes how old an invite may be before it counts as missed.
func (w *Watcher) SetTTL(d time.Duration) {
	if d <= 0 {
		d = DefaultOptions().InviteTTL
	}
	w.ttl.Store(int64(d))
}

func (w *Watcher) inviteTTL() time.Duration { return time.Duration(w.ttl.Load()) }

// Run watches until ctx ends. A dropped subscription is re-opened with backoff.
func (w *Watcher) Run(ctx context.Context) error {
	prune := time.NewTicker(w.inviteTTL())
	defer prune.Stop()

	for {
		sub, err := w.subscribe(ctx)
		if err != nil {
			return err
		}
		w.log.Debug().Str("sub", sub.ID()).Msg("watching invites")

	recv:
		for {
			select {
			case <-ctx.Done():
				_ = w.sig.Unsubscribe(sub)
				return ctx.Err()
			case <-prune.C:
				w.prune()
			case rec, ok := <-sub.Updates():
				if !ok {
					break recv
				}
				w.handle(rec)
			}
		}
		_ = w.sig.Unsubscribe(sub)
		w.log.Warn().Msg("invite subscription dropped")
	}
}

func (w *Watcher) subscribe(ctx context.Context) (Subscription, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	b.MaxInterval = 30 * time.Second
	return backoff.RetryNotifyWithData(func() (Subscription, error) {
		return w.sig.Subscribe(ctx, Filter{ReceiverID: w.self})
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		w.log.Warn().Err(err).Dur("retry_in", d).Msg("invite subscribe failed")
	})
}

func (w *Watcher) handle(rec Record) {
	if rec.ReceiverID != w.self {
		return
	}
	c, known := w.calls[rec.CallID]
	if known && rec.Revision <= c.revision {
		return
	}
	if !known {
		c = &watched{createdAt: rec.CreatedAt, callerID: rec.CallerID}
		w.calls[rec.CallID] = c
	}
	c.revision = rec.Revision
	c.status = rec.Status

	switch {
	case rec.Status.Terminal() || rec.Answer != nil:
		if c.surfaced {
			c.surfaced = false
			w.sink.InviteGone(rec)
		}
	case rec.Offer == nil || c.surfaced:
	case w.now().Sub(rec.CreatedAt) > w.inviteTTL():
		w.log.Info().Str("call_id", rec.CallID).Str("peer", rec.CallerID).Msg("missed call")
	default:
		c.surfaced = true
		w.sink.InviteReceived(rec)
	}
}

// prune forgets calls old enough that the TTL check would ignore them anyway.
// An invite still on offer by then belongs to a caller that vanished.
func (w *Watcher) prune() {
	cutoff := w.now().Add(-2 * w.inviteTTL())
	for id, c := range w.calls {
		if !c.createdAt.Before(cutoff) {
			continue
		}
		if c.surfaced {
			w.sink.InviteGone(Record{CallID: id, CallerID: c.callerID, ReceiverID: w.self, Status: c.status, Revision: c.revision})
		}
		delete(w.calls, id)
	}
}
