package rtc_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/rtc"
	"github.com/pion/transport/v3/vnet"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// countingSource records how often capture is released.
type countingSource struct {
	inner    rtc.MediaSource
	released atomic.Int32
}

func (s *countingSource) Capture(ctx context.Context, kinds []call.MediaKind) ([]webrtc.TrackLocal, func(), error) {
	tracks, release, err := s.inner.Capture(ctx, kinds)
	if err != nil {
		return nil, nil, err
	}
	return tracks, func() {
		s.released.Add(1)
		release()
	}, nil
}

func newVNet(t *testing.T, ips ...string) []*vnet.Net {
	t.Helper()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: rtc.NewLoggerFactory(zerolog.Nop()),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	var nets []*vnet.Net
	for _, ip := range ips {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			t.Fatalf("new net %s: %v", ip, err)
		}
		if err := router.AddNet(n); err != nil {
			t.Fatalf("add net %s: %v", ip, err)
		}
		nets = append(nets, n)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })
	return nets
}

func newAPI(t *testing.T, n *vnet.Net, source rtc.MediaSource, recvOnly bool) *rtc.API {
	t.Helper()
	api, err := rtc.NewAPI(rtc.Options{Net: n, AllowReceiveOnly: recvOnly}, source, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	return api
}

func newTransport(t *testing.T, api *rtc.API, id string) *rtc.Transport {
	t.Helper()
	st, err := api.NewTransport(id)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	tr := st.(*rtc.Transport)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestTransportNegotiates(t *testing.T) {
	nets := newVNet(t, "10.0.0.1", "10.0.0.2")
	srcA := &countingSource{inner: rtc.NewSyntheticSource()}
	srcB := &countingSource{inner: rtc.NewSyntheticSource()}
	a := newTransport(t, newAPI(t, nets[0], srcA, false), "c1")
	b := newTransport(t, newAPI(t, nets[1], srcB, false), "c1")

	// Candidates may cross before either side has a remote descriptor.
	a.OnLocalCandidate(func(c call.Candidate) { _ = b.ApplyRemoteCandidate(c) })
	b.OnLocalCandidate(func(c call.Candidate) { _ = a.ApplyRemoteCandidate(c) })

	streamsA := make(chan call.Stream, 4)
	streamsB := make(chan call.Stream, 4)
	a.OnRemoteStream(func(s call.Stream) { streamsA <- s })
	b.OnRemoteStream(func(s call.Stream) { streamsB <- s })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	local, err := a.AcquireLocalMedia(ctx, nil)
	if err != nil {
		t.Fatalf("A media: %v", err)
	}
	if len(local.Kinds()) != 2 {
		t.Fatalf("local kinds %v", local.Kinds())
	}
	if _, err := b.AcquireLocalMedia(ctx, nil); err != nil {
		t.Fatalf("B media: %v", err)
	}

	offer, err := a.CreateOffer(ctx)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if offer.Type != call.RoleOffer || !strings.Contains(offer.SDP, "m=audio") || !strings.Contains(offer.SDP, "m=video") {
		t.Fatalf("offer %q", offer.SDP)
	}
	if err := b.ApplyRemoteDescriptor(ctx, offer, call.RoleOffer); err != nil {
		t.Fatalf("B apply offer: %v", err)
	}
	answer, err := b.CreateAnswer(ctx)
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if err := a.ApplyRemoteDescriptor(ctx, answer, call.RoleAnswer); err != nil {
		t.Fatalf("A apply answer: %v", err)
	}
	if err := a.ApplyRemoteDescriptor(ctx, answer, call.RoleAnswer); !errors.Is(err, call.ErrInvalidState) {
		t.Fatalf("second answer = %v", err)
	}

	for name, ch := range map[string]chan call.Stream{"A": streamsA, "B": streamsB} {
		select {
		case s := <-ch:
			if s.ID() == "" || len(s.Kinds()) == 0 {
				t.Fatalf("%s stream %+v", name, s)
			}
		case <-ctx.Done():
			t.Fatalf("%s never saw a remote stream", name)
		}
	}

	// Both tracks share one stream id, so the stream is reported once.
	time.Sleep(200 * time.Millisecond)
	if n := len(streamsA); n != 0 {
		t.Fatalf("A saw %d extra streams", n)
	}
	for b.Stats().Packets == 0 {
		select {
		case <-ctx.Done():
			t.Fatal("no RTP received")
		case <-time.After(20 * time.Millisecond):
		}
	}

	if err := a.SetMediaEnabled(call.KindAudio, false); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if err := a.SetMediaEnabled(call.KindAudio, false); err != nil {
		t.Fatalf("mute twice: %v", err)
	}
	if err := a.SetMediaEnabled(call.KindAudio, true); err != nil {
		t.Fatalf("unmute: %v", err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = a.Close()
	if got := srcA.released.Load(); got != 1 {
		t.Fatalf("released %d times", got)
	}
}

func TestTransportOrdering(t *testing.T) {
	nets := newVNet(t, "10.0.0.1")
	tr := newTransport(t, newAPI(t, nets[0], rtc.NewSyntheticSource(), false), "c1")
	ctx := context.Background()

	if err := tr.ApplyRemoteDescriptor(ctx, call.Descriptor{Type: call.RoleOffer, SDP: "v=0"}, call.RoleOffer); !errors.Is(err, call.ErrInvalidState) {
		t.Fatalf("descriptor before media = %v", err)
	}
	if _, err := tr.CreateAnswer(ctx); !errors.Is(err, call.ErrInvalidState) {
		t.Fatalf("answer before offer = %v", err)
	}

	mid := "0"
	c := call.Candidate{Candidate: "candidate:1 1 udp 2130706431 10.0.0.9 5000 typ host", SDPMid: &mid}
	if err := tr.ApplyRemoteCandidate(c); err != nil {
		t.Fatalf("early candidate: %v", err)
	}
	if err := tr.ApplyRemoteCandidate(c); err != nil {
		t.Fatalf("duplicate candidate: %v", err)
	}

	local, err := tr.AcquireLocalMedia(ctx, []call.MediaKind{call.KindAudio})
	if err != nil {
		t.Fatal(err)
	}
	if k := local.Kinds(); len(k) != 1 || k[0] != call.KindAudio {
		t.Fatalf("kinds %v", k)
	}
	if _, err := tr.AcquireLocalMedia(ctx, nil); !errors.Is(err, call.ErrInvalidState) {
		t.Fatalf("second acquire = %v", err)
	}
	if err := tr.SetMediaEnabled(call.KindVideo, false); !errors.Is(err, call.ErrInvalidState) {
		t.Fatalf("mute missing kind = %v", err)
	}
	if _, err := tr.CreateOffer(ctx); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if _, err := tr.CreateOffer(ctx); !errors.Is(err, call.ErrInvalidState) {
		t.Fatalf("second offer = %v", err)
	}
	if err := tr.ApplyRemoteDescriptor(ctx, call.Descriptor{Type: call.RoleOffer, SDP: "v=0"}, call.RoleOffer); !errors.Is(err, call.ErrInvalidState) {
		t.Fatalf("remote offer after local offer = %v", err)
	}
}

func TestCaptureFailure(t *testing.T) {
	nets := newVNet(t, "10.0.0.1")
	ctx := context.Background()

	t.Run("fails without receive-only", func(t *testing.T) {
		tr := newTransport(t, newAPI(t, nets[0], rtc.FailingSource{Err: errors.New("no camera")}, false), "c1")
		if _, err := tr.AcquireLocalMedia(ctx, nil); !errors.Is(err, call.ErrMediaUnavailable) {
			t.Fatalf("AcquireLocalMedia = %v", err)
		}
	})

	t.Run("receive-only", func(t *testing.T) {
		tr := newTransport(t, newAPI(t, nets[0], rtc.FailingSource{}, true), "c2")
		local, err := tr.AcquireLocalMedia(ctx, nil)
		if err != nil {
			t.Fatalf("AcquireLocalMedia: %v", err)
		}
		if len(local.Kinds()) != 0 {
			t.Fatalf("kinds %v", local.Kinds())
		}
		offer, err := tr.CreateOffer(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if strings.Count(offer.SDP, "a=recvonly") != 2 {
			t.Fatalf("offer %q", offer.SDP)
		}
	})
}

func TestSyntheticSourceRelease(t *testing.T) {
	src := rtc.NewSyntheticSource()
	tracks, release, err := src.Capture(context.Background(), []call.MediaKind{call.KindVideo, call.KindAudio})
	if err != nil {
		t.Fatal(err)
	}
	if len(tracks) != 2 || tracks[0].Kind() != webrtc.RTPCodecTypeVideo || tracks[0].StreamID() != tracks[1].StreamID() {
		t.Fatalf("tracks %+v", tracks)
	}
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release()
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := src.Capture(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled capture = %v", err)
	}
}
