package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const teardownTimeout = 10 * time.Second

type toggleResult struct {
	off bool
	err error
}

type command struct {
	kind  MediaKind
	reply chan toggleResult
}

// session is one call attempt. Setup (dial or answer) runs on the caller's
// goroutine; once the call is live, run owns every field below the channels and
// handles relay updates, local candidates, remote streams and commands one at a
// time.
type session struct {
	e        *Engine
	id       string
	peer     string
	outgoing bool
	kinds    []MediaKind
	log      zerolog.Logger

	hangup   chan struct{}
	hangOnce sync.Once
	ready    chan struct{}
	closing  chan struct{}
	done     chan struct{}

	cmds          chan command
	localCands    chan Candidate
	remoteStreams chan Stream

	snap atomic.Pointer[SessionStatus]

	tr        SessionTransport
	sub       Subscription
	machine   *Machine
	published bool // the record may exist on the relay
	endSent   bool
	answered  bool
	lastRev   int64
	seen      map[string]struct{}
	streams   map[string]struct{}
	off       map[MediaKind]bool
	startedAt *time.Time
}

func newSession(e *Engine, id, peer string, outgoing bool, kinds []MediaKind) *session {
	s := &session{
		e:             e,
		id:            id,
		peer:          peer,
		outgoing:      outgoing,
		kinds:         kinds,
		log:           e.log.With().Str("call_id", id).Str("peer", peer).Logger(),
		hangup:        make(chan struct{}),
		ready:         make(chan struct{}),
		closing:       make(chan struct{}),
		done:          make(chan struct{}),
		cmds:          make(chan command),
		localCands:    make(chan Candidate, 64),
		remoteStreams: make(chan Stream, 8),
		machine:       NewMachine(StatusPending),
		seen:          make(map[string]struct{}),
		streams:       make(map[string]struct{}),
		off:           make(map[MediaKind]bool),
	}
	s.snapshot()
	return s
}

func (s *session) requestHangup() {
	s.hangOnce.Do(func() { close(s.hangup) })
}

// cancelOnHangup derives a context that also ends when hang-up is requested.
func (s *session) cancelOnHangup(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.hangup:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// dial is the caller's setup: media, offer, record, subscription.
func (s *session) dial(ctx context.Context) (err error) {
	ctx, cancel := s.cancelOnHangup(ctx)
	defer cancel()
	defer func() {
		if err != nil {
			s.abort(err)
		}
	}()

	if err = s.openTransport(ctx); err != nil {
		return err
	}
	offer, err := s.tr.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}

	create := Patch{
		Actor:      s.e.self,
		CallerID:   s.e.self,
		ReceiverID: s.peer,
		Kinds:      s.kinds,
		Status:     StatusPending,
		Offer:      &offer,
	}
	// Set before publishing: the create can land even when its acknowledgment
	// is lost to cancellation.
	s.published = true
	rec, err := s.publish(ctx, create)
	if errors.Is(err, ErrPublishConflict) {
		// A timed-out attempt may have landed; keep it if the offer is ours.
		if got, ferr := s.e.sig.Fetch(ctx, s.id); ferr == nil && got.CallerID == s.e.self && got.Offer != nil && got.Offer.SDP == offer.SDP {
			rec, err = got, nil
		}
	}
	if err != nil {
		return fmt.Errorf("publish offer: %w", err)
	}
	if _, err = s.machine.Fire(EventOfferPublished); err != nil {
		return err
	}
	s.setStatus(s.machine.Current())
	s.log.Info().Strs("kinds", kindStrings(s.kinds)).Msg("ringing")

	if err = s.subscribe(ctx); err != nil {
		return err
	}
	if err = s.handleRecord(ctx, rec); err != nil {
		return err
	}
	close(s.ready)
	go s.run()
	return nil
}

// answer is the receiver's setup after accept.
func (s *session) answer(ctx context.Context, rec Record) (err error) {
	ctx, cancel := s.cancelOnHangup(ctx)
	defer cancel()
	defer func() {
		if err != nil {
			s.abort(err)
		}
	}()

	s.published = true
	if err = s.machine.Observe(rec.Status); err != nil {
		return err
	}
	s.lastRev = rec.Revision

	if err = s.openTransport(ctx); err != nil {
		return err
	}
	if err = s.tr.ApplyRemoteDescriptor(ctx, *rec.Offer, RoleOffer); err != nil {
		return fmt.Errorf("apply offer: %w", err)
	}
	ans, err := s.tr.CreateAnswer(ctx)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}

	out, err := s.publish(ctx, Patch{Actor: s.e.self, Answer: &ans, Status: StatusConnected})
	if errors.Is(err, ErrPublishConflict) {
		if got, ferr := s.e.sig.Fetch(ctx, s.id); ferr == nil && got.Answer != nil && got.Answer.SDP == ans.SDP {
			out, err = got, nil
		}
	}
	if err != nil {
		return fmt.Errorf("publish answer: %w", err)
	}
	s.answered = true
	s.startedAt = out.StartedAt
	if _, err = s.machine.Fire(EventAnswerApplied); err != nil {
		return err
	}
	s.setStatus(s.machine.Current())
	s.log.Info().Msg("answered")

	if err = s.subscribe(ctx); err != nil {
		return err
	}
	if err = s.handleRecord(ctx, out); err != nil {
		return err
	}
	close(s.ready)
	go s.run()
	return nil
}

func (s *session) openTransport(ctx context.Context) error {
	tr, err := s.e.newTransport(s.id)
	if err != nil {
		return fmt.Errorf("new transport: %w", err)
	}
	s.tr = tr
	tr.OnLocalCandidate(func(c Candidate) {
		select {
		case s.localCands <- c:
		case <-s.closing:
		}
	})
	tr.OnRemoteStream(func(st Stream) {
		select {
		case s.remoteStreams <- st:
		case <-s.closing:
		}
	})

	local, err := tr.AcquireLocalMedia(ctx, s.kinds)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, ErrMediaUnavailable) {
			err = fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
		}
		return err
	}
	s.e.notify(Notice{
		Type:   NoticeLocalStream,
		CallID: s.id,
		PeerID: s.peer,
		Stream: &StreamInfo{ID: local.ID(), Kinds: local.Kinds()},
	})
	return nil
}

// abort tears down a session whose setup failed. A record that already exists
// is moved to a terminal state so the peer is not left ringing.
func (s *session) abort(cause error) {
	hungUp := isHangup(s.hangup)
	if s.published {
		if err := s.end(s.terminalStatus(), 0); err != nil {
			s.log.Warn().Err(err).Msg("could not end call after failed setup")
		}
	}
	switch {
	case hungUp:
		s.log.Info().Msg("cancelled during setup")
	case IsFatal(cause):
		s.log.Error().Err(cause).Msg("setup failed")
		s.e.notify(Notice{Type: NoticeError, CallID: s.id, PeerID: s.peer, Err: wrapErr("setup", s.id, cause), Fatal: true})
	default:
		s.log.Info().Err(cause).Msg("peer acted first")
	}
	s.finish()
}

func (s *session) run() {
	defer s.finish()

	ctx, cancel := s.cancelOnHangup(context.Background())
	defer cancel()

	var ring <-chan time.Time
	if s.outgoing && !s.answered {
		t := time.NewTimer(s.e.options().RingTimeout)
		defer t.Stop()
		ring = t.C
	}

	for !s.machine.Current().Terminal() {
		select {
		case <-s.hangup:
			s.log.Info().Msg("hang up")
			if err := s.end(StatusEnded, -1); err != nil {
				s.fatal(err)
			}

		case rec, ok := <-s.updates():
			if !ok {
				if err := s.resubscribe(ctx); err != nil && ctx.Err() == nil {
					s.fail(err)
				}
				continue
			}
			if err := s.handleRecord(ctx, rec); err != nil && ctx.Err() == nil {
				s.fail(err)
			}

		case c := <-s.localCands:
			s.publishCandidate(ctx, c)

		case st := <-s.remoteStreams:
			if _, dup := s.streams[st.ID()]; dup {
				continue
			}
			s.streams[st.ID()] = struct{}{}
			s.log.Info().Str("stream", st.ID()).Msg("remote stream")
			s.e.notify(Notice{
				Type:   NoticeRemoteStream,
				CallID: s.id,
				PeerID: s.peer,
				Stream: &StreamInfo{ID: st.ID(), Kinds: st.Kinds()},
			})

		case cmd := <-s.cmds:
			off, err := s.applyToggle(cmd.kind)
			cmd.reply <- toggleResult{off: off, err: err}

		case <-ring:
			ring = nil
			s.fail(fmt.Errorf("%w: no answer after %s", ErrNegotiationTimeout, s.e.options().RingTimeout))
		}
		if s.answered {
			ring = nil
		}
	}
}

// handleRecord folds one relay notification into the local view. Stale or
// repeated revisions are skipped.
func (s *session) handleRecord(ctx context.Context, rec Record) error {
	if rec.Revision <= s.lastRev {
		return nil
	}
	s.lastRev = rec.Revision

	if rec.Status.Terminal() {
		s.settle(rec.Status)
		return nil
	}
	if s.tr == nil {
		return nil
	}

	if s.outgoing && rec.Answer != nil && !s.answered {
		if err := s.tr.ApplyRemoteDescriptor(ctx, *rec.Answer, RoleAnswer); err != nil {
			return fmt.Errorf("apply answer: %w", err)
		}
		s.answered = true
		s.startedAt = rec.StartedAt
		if _, err := s.machine.Fire(EventAnswerApplied); err != nil {
			s.log.Debug().Err(err).Msg("ignored transition")
		}
		s.setStatus(s.machine.Current())
		s.log.Info().Msg("connected")
	}

	for _, ce := range rec.Candidates {
		if ce.From == s.e.self {
			continue
		}
		key := ce.Candidate.Key()
		if _, ok := s.seen[key]; ok {
			continue
		}
		s.seen[key] = struct{}{}
		if err := s.tr.ApplyRemoteCandidate(ce.Candidate); err != nil {
			s.log.Warn().Err(err).Str("candidate", ce.Candidate.Candidate).Msg("remote candidate rejected")
		}
	}
	return nil
}

func (s *session) publishCandidate(ctx context.Context, c Candidate) {
	rec, err := s.publish(ctx, Patch{Actor: s.e.self, Candidate: &c})
	switch {
	case err == nil:
		if err := s.handleRecord(ctx, rec); err != nil {
			s.fail(err)
		}
	case ctx.Err() != nil:
	case !IsFatal(err):
		s.reconcile(ctx)
	default:
		s.fail(fmt.Errorf("publish candidate: %w", err))
	}
}

// end publishes the terminal status at most once and settles the local view.
// retries < 0 uses the configured budget. Losing the race to the peer is not
// an error; the authoritative record decides the final status. A record that
// never landed needs no terminal status.
func (s *session) end(to Status, retries int) error {
	if s.machine.Current().Terminal() || s.endSent {
		return nil
	}
	s.endSent = true

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	opts := s.e.options()
	if retries >= 0 {
		opts.RetryMax = retries
	}
	publishStatus := func(to Status) (Record, error) {
		var rec Record
		err := retry(ctx, opts, func(ctx context.Context) error {
			var err error
			rec, err = s.e.sig.Publish(ctx, s.id, Patch{Actor: s.e.self, Status: to})
			return err
		})
		return rec, err
	}
	rec, err := publishStatus(to)
	if errors.Is(err, ErrIllegalTransition) && to != StatusEnded {
		// Our answer landed without an acknowledgment, so the record is live
		// and only Ended closes it.
		s.log.Debug().Err(err).Str("status", string(to)).Msg("record moved on, ending instead")
		to = StatusEnded
		rec, err = publishStatus(to)
	}
	switch {
	case err == nil:
		s.lastRev = rec.Revision
		s.settle(rec.Status)
		return nil
	case errors.Is(err, ErrNotFound):
		s.log.Debug().Msg("record never landed")
		s.settle(to)
		return nil
	case !IsFatal(err):
		s.log.Debug().Err(err).Msg("peer ended first")
		s.reconcile(ctx)
		if !s.machine.Current().Terminal() {
			s.settle(to)
		}
		return nil
	}
	s.settle(to)
	return err
}

// fail forces the call to Ended and reports a fatal error.
func (s *session) fail(cause error) {
	if err := s.end(StatusEnded, 0); err != nil {
		s.log.Warn().Err(err).Msg("could not publish end")
	}
	s.fatal(cause)
}

func (s *session) fatal(err error) {
	s.log.Error().Err(err).Msg("call failed")
	s.e.notify(Notice{Type: NoticeError, CallID: s.id, PeerID: s.peer, Err: wrapErr("call", s.id, err), Fatal: true})
}

// reconcile re-reads the authoritative record after a conflict.
func (s *session) reconcile(ctx context.Context) {
	rec, err := s.e.sig.Fetch(ctx, s.id)
	if err != nil {
		s.log.Warn().Err(err).Msg("reconcile fetch failed")
		return
	}
	if err := s.handleRecord(ctx, rec); err != nil {
		s.fail(err)
	}
}

// settle moves the local view to a terminal status.
func (s *session) settle(to Status) {
	if s.machine.Current().Terminal() {
		return
	}
	if err := s.machine.Observe(to); err != nil {
		if _, ferr := s.machine.Fire(EventTerminated); ferr != nil {
			s.log.Debug().Err(ferr).Msg("ignored transition")
			return
		}
	}
	s.setStatus(s.machine.Current())
	s.log.Info().Str("status", string(s.machine.Current())).Msg("call over")
}

func (s *session) terminalStatus() Status {
	if !s.outgoing && !s.answered {
		return StatusRejected
	}
	return StatusEnded
}

func (s *session) publish(ctx context.Context, p Patch) (Record, error) {
	var rec Record
	err := retry(ctx, s.e.options(), func(ctx context.Context) error {
		var err error
		rec, err = s.e.sig.Publish(ctx, s.id, p)
		return err
	})
	return rec, err
}

func (s *session) subscribe(ctx context.Context) error {
	var sub Subscription
	err := retry(ctx, s.e.options(), func(ctx context.Context) error {
		var err error
		sub, err = s.e.sig.Subscribe(ctx, Filter{CallID: s.id})
		return err
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.sub = sub
	return nil
}

// resubscribe replaces a subscription the relay dropped. The replay on
// subscribe covers anything missed in between.
func (s *session) resubscribe(ctx context.Context) error {
	s.log.Warn().Msg("subscription dropped, resubscribing")
	s.unsubscribe()
	return s.subscribe(ctx)
}

func (s *session) unsubscribe() {
	if s.sub == nil {
		return
	}
	if err := s.e.sig.Unsubscribe(s.sub); err != nil {
		s.log.Debug().Err(err).Msg("unsubscribe")
	}
	s.sub = nil
}

func (s *session) updates() <-chan Record {
	if s.sub == nil {
		return nil
	}
	return s.sub.Updates()
}

func (s *session) toggle(kind MediaKind) (bool, error) {
	select {
	case <-s.done:
		return false, ErrUnknownCall
	case <-s.ready:
	default:
		return false, fmt.Errorf("%w: call is still connecting", ErrInvalidState)
	}
	reply := make(chan toggleResult, 1)
	select {
	case s.cmds <- command{kind: kind, reply: reply}:
	case <-s.done:
		return false, ErrUnknownCall
	}
	r := <-reply
	return r.off, r.err
}

func (s *session) applyToggle(kind MediaKind) (bool, error) {
	if !lo.Contains(s.kinds, kind) {
		return false, fmt.Errorf("%w: no %s in this call", ErrInvalidState, kind)
	}
	off := !s.off[kind]
	if err := s.tr.SetMediaEnabled(kind, !off); err != nil {
		return s.off[kind], err
	}
	s.off[kind] = off
	s.snapshot()
	s.log.Info().Str("kind", string(kind)).Bool("off", off).Msg("toggled")
	return off, nil
}

func (s *session) setStatus(st Status) {
	s.snapshot()
	s.e.notify(Notice{Type: NoticeStatus, CallID: s.id, PeerID: s.peer, Status: st})
}

func (s *session) snapshot() {
	s.snap.Store(&SessionStatus{
		CallID:        s.id,
		PeerID:        s.peer,
		Outgoing:      s.outgoing,
		Status:        s.machine.Current(),
		Kinds:         s.kinds,
		AudioMuted:    s.off[KindAudio],
		VideoDisabled: s.off[KindVideo],
		StartedAt:     s.startedAt,
	})
}

func (s *session) status() SessionStatus {
	return *s.snap.Load()
}

func (s *session) finish() {
	close(s.closing)
	if s.tr != nil {
		if err := s.tr.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close transport")
		}
	}
	s.unsubscribe()
	s.e.removeSession(s.id)
	close(s.done)
	s.log.Debug().Msg("session closed")
}

func isHangup(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func kindStrings(kinds []MediaKind) []string {
	return lo.Map(kinds, func(k MediaKind, _ int) string { return string(k) })
}
