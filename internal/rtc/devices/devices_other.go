//go:build !linux

package devices

import (
	"context"
	"runtime"

	"github.com/petervdpas/peercall/internal/call"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Source has no capture drivers on this platform.
type Source struct {
	log zerolog.Logger
}

func New(_ Options, logger zerolog.Logger) (*Source, error) {
	return &Source{log: newLogger(logger)}, nil
}

func (s *Source) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (s *Source) Devices() []Device { return nil }

func (s *Source) Capture(context.Context, []call.MediaKind) ([]webrtc.TrackLocal, func(), error) {
	s.log.Warn().Str("os", runtime.GOOS).Msg("device capture not supported")
	return nil, nil, call.ErrMediaUnavailable
}
