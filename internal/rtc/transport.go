package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petervdpas/peercall/internal/call"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const pliInterval = 3 * time.Second

type stream struct {
	id    string
	kinds []call.MediaKind
}

func (s stream) ID() string              { return s.id }
func (s stream) Kinds() []call.MediaKind { return s.kinds }

type localTrack struct {
	track  webrtc.TrackLocal
	sender *webrtc.RTPSender
	muted  bool
}

// Stats counts RTP received on remote tracks.
type Stats struct {
	Packets uint64
	Bytes   uint64
}

// Transport is one pion PeerConnection driven by the call engine.
type Transport struct {
	callID        string
	pc            *webrtc.PeerConnection
	source        MediaSource
	allowRecvOnly bool
	log           zerolog.Logger

	mu          sync.Mutex
	acquired    bool
	local       map[call.MediaKind]*localTrack
	release     func()
	offered     bool
	answered    bool
	remote      map[call.Role]bool
	queued      []webrtc.ICECandidateInit
	seen        map[string]struct{}
	streams     map[string][]call.MediaKind
	onCandidate func(call.Candidate)
	onStream    func(call.Stream)

	packets atomic.Uint64
	bytes   atomic.Uint64

	done      chan struct{}
	closed    bool
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

var _ call.SessionTransport = (*Transport)(nil)

func newTransport(callID string, pc *webrtc.PeerConnection, source MediaSource, allowRecvOnly bool, logger zerolog.Logger) *Transport {
	t := &Transport{
		callID:        callID,
		pc:            pc,
		source:        source,
		allowRecvOnly: allowRecvOnly,
		log:           logger.With().Str("call_id", callID).Logger(),
		local:         make(map[call.MediaKind]*localTrack),
		remote:        make(map[call.Role]bool),
		seen:          make(map[string]struct{}),
		streams:       make(map[string][]call.MediaKind),
		done:          make(chan struct{}),
	}
	pc.OnICECandidate(t.handleLocalCandidate)
	pc.OnTrack(t.handleTrack)
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.log.Debug().Str("state", s.String()).Msg("peer connection state")
	})
	return t
}

func kindOf(k webrtc.RTPCodecType) call.MediaKind {
	if k == webrtc.RTPCodecTypeVideo {
		return call.KindVideo
	}
	return call.KindAudio
}

func codecType(k call.MediaKind) webrtc.RTPCodecType {
	if k == call.KindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

// AcquireLocalMedia captures the requested kinds and attaches them to the
// connection. Without capture the call continues receive-only when allowed.
func (t *Transport) AcquireLocalMedia(ctx context.Context, kinds []call.MediaKind) (call.Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.acquired {
		return nil, fmt.Errorf("%w: local media already acquired", call.ErrInvalidState)
	}

	tracks, release, err := t.source.Capture(ctx, kinds)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !t.allowRecvOnly {
			if errors.Is(err, call.ErrMediaUnavailable) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", call.ErrMediaUnavailable, err)
		}
		t.log.Warn().Err(err).Msg("capture failed, continuing receive-only")
		if err := t.addRecvOnly(kinds); err != nil {
			return nil, err
		}
		t.acquired = true
		return stream{id: "local-" + t.callID}, nil
	}

	var got []call.MediaKind
	for _, tr := range tracks {
		sender, err := t.pc.AddTrack(tr)
		if err != nil {
			if release != nil {
				release()
			}
			return nil, fmt.Errorf("%w: add %s track: %v", call.ErrMediaUnavailable, tr.Kind(), err)
		}
		k := kindOf(tr.Kind())
		t.local[k] = &localTrack{track: tr, sender: sender}
		got = append(got, k)
		t.wg.Add(1)
		go t.drainRTCP(sender)
	}
	// Receive what we asked for even if capture came up short.
	if err := t.addRecvOnly(lo.Without(call.NormalizeKinds(kinds), got...)); err != nil {
		if release != nil {
			release()
		}
		return nil, err
	}

	t.release = release
	t.acquired = true
	t.log.Info().Int("tracks", len(tracks)).Msg("local media attached")
	return stream{id: "local-" + t.callID, kinds: got}, nil
}

func (t *Transport) addRecvOnly(kinds []call.MediaKind) error {
	for _, k := range call.NormalizeKinds(kinds) {
		if _, err := t.pc.AddTransceiverFromKind(codecType(k), webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", k, err)
		}
	}
	return nil
}

// drainRTCP keeps interceptors (NACK, reports) running for a sender.
func (t *Transport) drainRTCP(sender *webrtc.RTPSender) {
	defer t.wg.Done()
	for {
		if _, _, err := sender.ReadRTCP(); err != nil {
			return
		}
	}
}

func (t *Transport) CreateOffer(ctx context.Context) (call.Descriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.offered || len(t.remote) > 0 {
		return call.Descriptor{}, fmt.Errorf("%w: offer after remote descriptor", call.ErrInvalidState)
	}
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return call.Descriptor{}, fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return call.Descriptor{}, fmt.Errorf("set local offer: %w", err)
	}
	t.offered = true
	return call.Descriptor{Type: call.RoleOffer, SDP: offer.SDP}, nil
}

func (t *Transport) ApplyRemoteDescriptor(ctx context.Context, d call.Descriptor, role call.Role) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.acquired {
		return fmt.Errorf("%w: no local media", call.ErrInvalidState)
	}
	if len(t.remote) > 0 {
		return fmt.Errorf("%w: remote %s after remote descriptor", call.ErrInvalidState, role)
	}
	var typ webrtc.SDPType
	switch role {
	case call.RoleOffer:
		if t.offered {
			return fmt.Errorf("%w: remote offer after local offer", call.ErrInvalidState)
		}
		typ = webrtc.SDPTypeOffer
	case call.RoleAnswer:
		if !t.offered {
			return fmt.Errorf("%w: remote answer without local offer", call.ErrInvalidState)
		}
		typ = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("%w: unknown role %q", call.ErrInvalidState, role)
	}
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: d.SDP}); err != nil {
		return fmt.Errorf("set remote %s: %w", role, err)
	}
	t.remote[role] = true

	for _, c := range t.queued {
		if err := t.pc.AddICECandidate(c); err != nil {
			t.log.Warn().Err(err).Str("candidate", c.Candidate).Msg("queued candidate rejected")
		}
	}
	t.queued = nil
	return nil
}

func (t *Transport) CreateAnswer(ctx context.Context) (call.Descriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.remote[call.RoleOffer] || t.answered {
		return call.Descriptor{}, fmt.Errorf("%w: answer without remote offer", call.ErrInvalidState)
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return call.Descriptor{}, fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return call.Descriptor{}, fmt.Errorf("set local answer: %w", err)
	}
	t.answered = true
	return call.Descriptor{Type: call.RoleAnswer, SDP: answer.SDP}, nil
}

func (t *Transport) OnLocalCandidate(fn func(call.Candidate)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *Transport) handleLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return // gathering complete
	}
	t.mu.Lock()
	fn := t.onCandidate
	t.mu.Unlock()
	if fn == nil {
		return
	}
	init := c.ToJSON()
	fn(call.Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	})
}

// ApplyRemoteCandidate adds a peer candidate, holding it until a remote
// descriptor is in place. Repeats are ignored.
func (t *Transport) ApplyRemoteCandidate(c call.Candidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := c.Key()
	if _, dup := t.seen[key]; dup {
		return nil
	}
	t.seen[key] = struct{}{}

	init := webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
	if len(t.remote) == 0 {
		t.queued = append(t.queued, init)
		return nil
	}
	if err := t.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (t *Transport) OnRemoteStream(fn func(call.Stream)) {
	t.mu.Lock()
	t.onStream = fn
	t.mu.Unlock()
}

func (t *Transport) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	k := kindOf(track.Kind())
	id := track.StreamID()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	kinds, known := t.streams[id]
	t.streams[id] = append(kinds, k)
	fn := t.onStream
	t.wg.Add(1)
	if k == call.KindVideo {
		t.wg.Add(1)
	}
	t.mu.Unlock()

	t.log.Info().Str("stream", id).Str("kind", string(k)).Str("codec", track.Codec().MimeType).Msg("remote track")
	if !known && fn != nil {
		fn(stream{id: id, kinds: []call.MediaKind{k}})
	}

	go t.readTrack(track)
	if k == call.KindVideo {
		go t.requestKeyframes(track)
	}
}

// readTrack drains a remote track. Rendering is someone else's job; the
// packets only feed Stats.
func (t *Transport) readTrack(track *webrtc.TrackRemote) {
	defer t.wg.Done()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		t.account(pkt)
	}
}

func (t *Transport) account(pkt *rtp.Packet) {
	t.packets.Add(1)
	t.bytes.Add(uint64(len(pkt.Payload)))
}

func (t *Transport) requestKeyframes(track *webrtc.TrackRemote) {
	defer t.wg.Done()
	tick := time.NewTicker(pliInterval)
	defer tick.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-tick.C:
			pli := &rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}
			if err := t.pc.WriteRTCP([]rtcp.Packet{pli}); err != nil {
				t.log.Debug().Err(err).Msg("pli")
			}
		}
	}
}

// Stats reports remote RTP received so far.
func (t *Transport) Stats() Stats {
	return Stats{Packets: t.packets.Load(), Bytes: t.bytes.Load()}
}

// SetMediaEnabled mutes a local kind by detaching its track from the sender.
func (t *Transport) SetMediaEnabled(kind call.MediaKind, enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	lt, ok := t.local[kind]
	if !ok {
		return fmt.Errorf("%w: no local %s track", call.ErrInvalidState, kind)
	}
	if lt.muted == !enabled {
		return nil
	}
	var next webrtc.TrackLocal
	if enabled {
		next = lt.track
	}
	if err := lt.sender.ReplaceTrack(next); err != nil {
		return fmt.Errorf("replace %s track: %w", kind, err)
	}
	lt.muted = !enabled
	return nil
}

// Close tears the connection down and releases capture exactly once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.closeErr = t.pc.Close()

		t.mu.Lock()
		t.closed = true
		release := t.release
		t.release = nil
		t.mu.Unlock()
		if release != nil {
			release()
		}
		t.wg.Wait()
		t.log.Debug().Msg("transport closed")
	})
	return t.closeErr
}
