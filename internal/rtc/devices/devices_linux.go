//go:build linux

package devices

import (
	"context"
	"errors"
	"fmt"

	"github.com/petervdpas/peercall/internal/call"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Source captures VP8 video and Opus audio from local devices.
type Source struct {
	opts     Options
	selector *mediadevices.CodecSelector
	log      zerolog.Logger
}

func New(opts Options, logger zerolog.Logger) (*Source, error) {
	opts = opts.withDefaults()

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = opts.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	return &Source{
		opts:     opts,
		selector: selector,
		log:      newLogger(logger),
	}, nil
}

// RegisterCodecs makes the MediaEngine offer exactly what the encoders produce.
func (s *Source) RegisterCodecs(m *webrtc.MediaEngine) error {
	s.selector.Populate(m)
	return nil
}

// Devices lists capture devices.
func (s *Source) Devices() []Device {
	return lo.Map(mediadevices.EnumerateDevices(), func(d mediadevices.MediaDeviceInfo, _ int) Device {
		return Device{ID: d.DeviceID, Kind: kindName(d.Kind), Label: d.Label}
	})
}

func kindName(k mediadevices.MediaDeviceType) string {
	switch k {
	case mediadevices.VideoInput:
		return "videoinput"
	case mediadevices.AudioInput:
		return "audioinput"
	case mediadevices.AudioOutput:
		return "audiooutput"
	}
	return "unknown"
}

type attempt struct {
	video bool
	audio bool
	label string
}

// attempts orders what to try. GetUserMedia fails as a unit, so a busy
// microphone must not also cost the camera.
func attempts(kinds []call.MediaKind) []attempt {
	video := lo.Contains(kinds, call.KindVideo)
	audio := lo.Contains(kinds, call.KindAudio)
	switch {
	case video && audio:
		return []attempt{{true, true, "video+audio"}, {true, false, "video-only"}, {false, true, "audio-only"}}
	case video:
		return []attempt{{true, false, "video-only"}}
	default:
		return []attempt{{false, true, "audio-only"}}
	}
}

func (s *Source) Capture(ctx context.Context, kinds []call.MediaKind) ([]webrtc.TrackLocal, func(), error) {
	if devs := s.Devices(); len(devs) == 0 {
		s.log.Warn().Msg("no media devices found")
	} else {
		for _, d := range devs {
			s.log.Debug().Str("kind", d.Kind).Str("label", d.Label).Msg("media device")
		}
	}

	var errs []error
	for _, a := range attempts(call.NormalizeKinds(kinds)) {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		tracks, err := s.open(a)
		if err != nil {
			s.log.Warn().Err(err).Str("attempt", a.label).Msg("capture failed")
			errs = append(errs, fmt.Errorf("%s: %w", a.label, err))
			continue
		}
		s.log.Info().Str("attempt", a.label).Int("tracks", len(tracks)).Msg("local media captured")

		out := make([]webrtc.TrackLocal, 0, len(tracks))
		for _, tr := range tracks {
			out = append(out, tr)
		}
		release := func() {
			for _, tr := range tracks {
				_ = tr.Close()
			}
		}
		return out, release, nil
	}
	return nil, nil, fmt.Errorf("%w: %v", call.ErrMediaUnavailable, errors.Join(errs...))
}

func (s *Source) open(a attempt) ([]mediadevices.Track, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: s.selector}
	if a.video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only; some MJPEG nodes emit frames that break the
			// VP8 encoder and with it negotiation.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: s.opts.MaxWidth}
			c.Height = prop.IntRanged{Max: s.opts.MaxHeight}
		}
	}
	if a.audio {
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}
	tracks := stream.GetTracks()
	for _, tr := range tracks {
		tr.OnEnded(func(err error) {
			if err != nil {
				s.log.Warn().Err(err).Msg("local track ended")
			}
		})
		if tr.Kind() != webrtc.RTPCodecTypeVideo {
			continue
		}
		// Open the encoder once before handing the track to pion.
		r, err := tr.NewEncodedReader(webrtc.MimeTypeVP8)
		if err != nil {
			for _, t := range tracks {
				_ = t.Close()
			}
			return nil, fmt.Errorf("video encoder: %w", err)
		}
		_ = r.Close()
	}
	return tracks, nil
}
