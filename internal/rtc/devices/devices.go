// Package devices captures camera and microphone for rtc through
// pion/mediadevices. Capture is only available on Linux; elsewhere every
// attempt reports call.ErrMediaUnavailable.
package devices

import "github.com/rs/zerolog"

// Options bounds capture. Zero values use the defaults.
type Options struct {
	MaxWidth     int
	MaxHeight    int
	VideoBitRate int
}

func (o Options) withDefaults() Options {
	if o.MaxWidth <= 0 {
		o.MaxWidth = 640
	}
	if o.MaxHeight <= 0 {
		o.MaxHeight = 480
	}
	if o.VideoBitRate <= 0 {
		o.VideoBitRate = 1_500_000
	}
	return o
}

// Device is one capture device seen by mediadevices.
type Device struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Label string `json:"label"`
}

func newLogger(logger zerolog.Logger) zerolog.Logger {
	return logger.With().Str("component", "devices").Logger()
}
