// Package call negotiates and tracks one-to-one media calls. Signaling goes
// through a SignalingChannel (the relay) and media through a SessionTransport;
// both are injected, so the package depends on neither pion nor a live relay.
package call

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// NoticeType names a notification delivered to Engine subscribers.
type NoticeType string

const (
	NoticeIncoming     NoticeType = "incoming"
	NoticeLocalStream  NoticeType = "local_stream"
	NoticeRemoteStream NoticeType = "remote_stream"
	NoticeStatus       NoticeType = "status"
	NoticeError        NoticeType = "error"
	NoticeInviteGone   NoticeType = "invite_gone"
)

// StreamInfo describes a media stream in a notice.
type StreamInfo struct {
	ID    string      `json:"id"`
	Kinds []MediaKind `json:"kinds"`
}

// Notice is what the UI layer sees: invites, streams, status changes, errors.
type Notice struct {
	Type   NoticeType  `json:"type"`
	CallID string      `json:"call_id"`
	PeerID string      `json:"peer_id,omitempty"`
	Status Status      `json:"status,omitempty"`
	Stream *StreamInfo `json:"stream,omitempty"`
	Invite *Invite     `json:"invite,omitempty"`
	Error  string      `json:"error,omitempty"`
	Fatal  bool        `json:"fatal,omitempty"`
	Err    error       `json:"-"`
}

// Invite is an incoming call waiting for AcceptCall or DeclineCall.
type Invite struct {
	CallID    string      `json:"call_id"`
	CallerID  string      `json:"caller_id"`
	Kinds     []MediaKind `json:"kinds"`
	CreatedAt time.Time   `json:"created_at"`

	rec Record
}

// SessionStatus is a point-in-time view of one active call.
type SessionStatus struct {
	CallID        string      `json:"call_id"`
	PeerID        string      `json:"peer_id"`
	Outgoing      bool        `json:"outgoing"`
	Status        Status      `json:"status"`
	Kinds         []MediaKind `json:"kinds"`
	AudioMuted    bool        `json:"audio_muted"`
	VideoDisabled bool        `json:"video_disabled"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
}

// Engine owns the local call sessions of one identity.
type Engine struct {
	self         string
	sig          SignalingChannel
	newTransport TransportFactory
	log          zerolog.Logger

	optMu sync.RWMutex
	opts  Options

	mu       sync.Mutex
	sessions map[string]*session
	invites  map[string]Invite
	closed   bool

	listenerMu sync.RWMutex
	listeners  map[chan Notice]struct{}

	wg sync.WaitGroup
}

// New creates an Engine for identity self.
func New(self string, sig SignalingChannel, newTransport TransportFactory, opts Options, logger zerolog.Logger) *Engine {
	return &Engine{
		self:         self,
		sig:          sig,
		newTransport: newTransport,
		log:          logger.With().Str("component", "call").Logger(),
		opts:         opts.withDefaults(),
		sessions:     make(map[string]*session),
		invites:      make(map[string]Invite),
		listeners:    make(map[chan Notice]struct{}),
	}
}

func (e *Engine) Self() string { return e.self }

// SetOptions swaps timing options. Running sessions pick them up at their next
// relay operation.
func (e *Engine) SetOptions(o Options) {
	e.optMu.Lock()
	e.opts = o.withDefaults()
	e.optMu.Unlock()
}

func (e *Engine) options() Options {
	e.optMu.RLock()
	defer e.optMu.RUnlock()
	return e.opts
}

// Subscribe returns a channel of notices. Slow readers drop notices rather than
// stall calls.
func (e *Engine) Subscribe() (ch chan Notice, cancel func()) {
	ch = make(chan Notice, 64)

	e.listenerMu.Lock()
	e.listeners[ch] = struct{}{}
	e.listenerMu.Unlock()

	cancel = func() {
		e.listenerMu.Lock()
		if _, ok := e.listeners[ch]; ok {
			delete(e.listeners, ch)
			close(ch)
		}
		e.listenerMu.Unlock()
	}
	return ch, cancel
}

func (e *Engine) notify(n Notice) {
	if n.Err != nil && n.Error == "" {
		n.Error = n.Err.Error()
	}
	e.listenerMu.RLock()
	for ch := range e.listeners {
		select {
		case ch <- n:
		default:
		}
	}
	e.listenerMu.RUnlock()
}

// StartCall places a call to peerID. It returns once the offer is on the relay
// and the call is ringing; the rest of the call runs in the background.
func (e *Engine) StartCall(ctx context.Context, peerID string, kinds ...MediaKind) (string, error) {
	if peerID == "" || peerID == e.self {
		return "", wrapErr("start", "", fmt.Errorf("%w: bad peer %q", ErrInvalidPatch, peerID))
	}
	callID := uuid.NewString()
	s, err := e.register(callID, peerID, true, NormalizeKinds(kinds))
	if err != nil {
		return "", wrapErr("start", callID, err)
	}
	if err := s.dial(ctx); err != nil {
		return "", wrapErr("start", callID, err)
	}
	return callID, nil
}

// AcceptCall answers an incoming call. The invite does not need to have been
// surfaced by the watcher; the record is fetched when unknown.
func (e *Engine) AcceptCall(ctx context.Context, callID string) error {
	rec, err := e.takeInvite(ctx, callID)
	if err != nil {
		return wrapErr("accept", callID, err)
	}
	s, err := e.register(callID, rec.CallerID, false, NormalizeKinds(rec.Kinds))
	if err != nil {
		e.restoreInvite(rec)
		return wrapErr("accept", callID, err)
	}
	if err := s.answer(ctx, rec); err != nil {
		return wrapErr("accept", callID, err)
	}
	return nil
}

// DeclineCall rejects an incoming call without touching media. A caller that
// already gave up is not an error.
func (e *Engine) DeclineCall(ctx context.Context, callID string) error {
	rec, err := e.takeInvite(ctx, callID)
	if err != nil {
		return wrapErr("decline", callID, err)
	}
	opts := e.options()
	var out Record
	err = retry(ctx, opts, func(ctx context.Context) error {
		var err error
		out, err = e.sig.Publish(ctx, callID, Patch{Actor: e.self, Status: StatusRejected})
		return err
	})
	switch {
	case err == nil:
	case !IsFatal(err):
		e.log.Debug().Str("call_id", callID).Err(err).Msg("decline raced with caller")
		if out, err = e.sig.Fetch(ctx, callID); err != nil {
			return nil
		}
	default:
		e.restoreInvite(rec)
		return wrapErr("decline", callID, err)
	}
	e.log.Info().Str("call_id", callID).Str("peer", rec.CallerID).Msg("declined")
	e.notify(Notice{Type: NoticeStatus, CallID: callID, PeerID: rec.CallerID, Status: out.Status})
	return nil
}

// HangUp ends an active call and waits for its teardown.
func (e *Engine) HangUp(callID string) error {
	s, ok := e.session(callID)
	if !ok {
		return wrapErr("hangup", callID, ErrUnknownCall)
	}
	s.requestHangup()
	<-s.done
	return nil
}

// ToggleAudio flips local audio. Returns the new muted state.
func (e *Engine) ToggleAudio(callID string) (bool, error) {
	return e.toggle(callID, KindAudio)
}

// ToggleVideo flips local video. Returns the new disabled state.
func (e *Engine) ToggleVideo(callID string) (bool, error) {
	return e.toggle(callID, KindVideo)
}

func (e *Engine) toggle(callID string, kind MediaKind) (bool, error) {
	s, ok := e.session(callID)
	if !ok {
		return false, wrapErr("toggle", callID, ErrUnknownCall)
	}
	off, err := s.toggle(kind)
	return off, wrapErr("toggle", callID, err)
}

// Sessions lists active calls, oldest first.
func (e *Engine) Sessions() []SessionStatus {
	e.mu.Lock()
	out := make([]SessionStatus, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s.status())
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CallID < out[j].CallID })
	return out
}

// Invites lists incoming calls still waiting for a decision.
func (e *Engine) Invites() []Invite {
	e.mu.Lock()
	out := lo.Values(e.invites)
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// InviteReceived is called by the Watcher for each new offered record
// addressed to this identity.
func (e *Engine) InviteReceived(rec Record) {
	inv := Invite{
		CallID:    rec.CallID,
		CallerID:  rec.CallerID,
		Kinds:     NormalizeKinds(rec.Kinds),
		CreatedAt: rec.CreatedAt,
		rec:       rec.Clone(),
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if _, busy := e.sessions[rec.CallID]; busy {
		e.mu.Unlock()
		return
	}
	e.invites[rec.CallID] = inv
	e.mu.Unlock()

	e.log.Info().Str("call_id", rec.CallID).Str("peer", rec.CallerID).Msg("incoming call")
	e.notify(Notice{Type: NoticeIncoming, CallID: rec.CallID, PeerID: rec.CallerID, Status: rec.Status, Invite: &inv})
}

// InviteGone drops an invite whose call was cancelled or answered elsewhere.
func (e *Engine) InviteGone(rec Record) {
	e.mu.Lock()
	_, ok := e.invites[rec.CallID]
	delete(e.invites, rec.CallID)
	e.mu.Unlock()
	if !ok {
		return
	}
	e.log.Info().Str("call_id", rec.CallID).Str("status", string(rec.Status)).Msg("invite gone")
	e.notify(Notice{Type: NoticeInviteGone, CallID: rec.CallID, PeerID: rec.CallerID, Status: rec.Status})
}

func (e *Engine) takeInvite(ctx context.Context, callID string) (Record, error) {
	e.mu.Lock()
	inv, ok := e.invites[callID]
	delete(e.invites, callID)
	e.mu.Unlock()

	rec := inv.rec
	if !ok {
		var err error
		if rec, err = e.sig.Fetch(ctx, callID); err != nil {
			return Record{}, err
		}
	}
	switch {
	case rec.ReceiverID != e.self:
		return Record{}, fmt.Errorf("%w: call is not addressed to %s", ErrIllegalTransition, e.self)
	case rec.Status.Terminal():
		return Record{}, fmt.Errorf("%w: call already %s", ErrPublishConflict, rec.Status)
	case rec.Answer != nil:
		return Record{}, fmt.Errorf("%w: call already answered", ErrPublishConflict)
	case rec.Offer == nil:
		return Record{}, fmt.Errorf("%w: call has no offer yet", ErrInvalidState)
	}
	return rec, nil
}

func (e *Engine) restoreInvite(rec Record) {
	e.mu.Lock()
	if !e.closed {
		e.invites[rec.CallID] = Invite{CallID: rec.CallID, CallerID: rec.CallerID, Kinds: NormalizeKinds(rec.Kinds), CreatedAt: rec.CreatedAt, rec: rec}
	}
	e.mu.Unlock()
}

// register reserves the per-peer slot for a new session.
func (e *Engine) register(callID, peerID string, outgoing bool, kinds []MediaKind) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.New("engine closed")
	}
	for _, s := range e.sessions {
		if s.peer == peerID {
			return nil, fmt.Errorf("%w: %s", ErrSessionExists, peerID)
		}
	}
	if _, ok := e.sessions[callID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, callID)
	}
	s := newSession(e, callID, peerID, outgoing, kinds)
	e.sessions[callID] = s
	e.wg.Add(1)
	return s, nil
}

func (e *Engine) session(callID string) (*session, bool) {
	e.mu.Lock()
	s, ok := e.sessions[callID]
	e.mu.Unlock()
	return s, ok
}

func (e *Engine) removeSession(callID string) {
	e.mu.Lock()
	delete(e.sessions, callID)
	e.mu.Unlock()
	e.wg.Done()
}

// Close hangs up every session, waits for teardown and closes subscriber
// channels. Safe to call more than once.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	sessions := lo.Values(e.sessions)
	e.invites = make(map[string]Invite)
	e.mu.Unlock()

	for _, s := range sessions {
		s.requestHangup()
	}
	e.wg.Wait()

	e.listenerMu.Lock()
	for ch := range e.listeners {
		close(ch)
	}
	e.listeners = make(map[chan Notice]struct{})
	e.listenerMu.Unlock()
}
