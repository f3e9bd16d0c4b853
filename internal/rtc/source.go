package rtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/petervdpas/peercall/internal/call"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// MediaSource captures local tracks for one call. release stops capture and
// must be safe to call once.
type MediaSource interface {
	Capture(ctx context.Context, kinds []call.MediaKind) (tracks []webrtc.TrackLocal, release func(), err error)
}

// Opus silence and a tiny VP8 payload. Nothing decodes them; they keep RTP
// flowing so headless peers and tests see remote tracks.
var (
	opusSilence = []byte{0xf8, 0xff, 0xfe}
	vp8Blank    = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x02, 0x00, 0x02, 0x00}
)

// SyntheticSource produces sample tracks without capture hardware.
type SyntheticSource struct {
	AudioInterval time.Duration
	VideoInterval time.Duration
}

func NewSyntheticSource() *SyntheticSource {
	return &SyntheticSource{AudioInterval: 20 * time.Millisecond, VideoInterval: 33 * time.Millisecond}
}

func (s *SyntheticSource) Capture(ctx context.Context, kinds []call.MediaKind) ([]webrtc.TrackLocal, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	streamID := "synthetic-" + uuid.NewString()
	stop := make(chan struct{})
	var wg sync.WaitGroup
	var tracks []webrtc.TrackLocal

	for _, k := range call.NormalizeKinds(kinds) {
		var (
			codec    webrtc.RTPCodecCapability
			payload  []byte
			interval time.Duration
		)
		switch k {
		case call.KindAudio:
			codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
			payload, interval = opusSilence, s.AudioInterval
		case call.KindVideo:
			codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
			payload, interval = vp8Blank, s.VideoInterval
		}
		track, err := webrtc.NewTrackLocalStaticSample(codec, string(k), streamID)
		if err != nil {
			close(stop)
			wg.Wait()
			return nil, nil, fmt.Errorf("%w: %s track: %v", call.ErrMediaUnavailable, k, err)
		}
		tracks = append(tracks, track)

		wg.Add(1)
		go func() {
			defer wg.Done()
			feed(track, payload, interval, stop)
		}()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
		})
	}
	return tracks, release, nil
}

func feed(track *webrtc.TrackLocalStaticSample, payload []byte, interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			// Unbound tracks drop samples; errors only mean the peer is gone.
			_ = track.WriteSample(media.Sample{Data: payload, Duration: interval})
		}
	}
}

// FailingSource always fails capture, standing in for a machine without a
// camera or microphone.
type FailingSource struct {
	Err error
}

func (s FailingSource) Capture(context.Context, []call.MediaKind) ([]webrtc.TrackLocal, func(), error) {
	err := s.Err
	if err == nil {
		err = call.ErrMediaUnavailable
	}
	return nil, nil, err
}
