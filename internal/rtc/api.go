// Package rtc implements call.SessionTransport on pion/webrtc.
package rtc

import (
	"fmt"
	"time"

	"github.com/petervdpas/peercall/internal/call"
	"github.com/pion/interceptor"
	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Options configures the pion API shared by every call of one peer.
type Options struct {
	ICEServers []string

	// Generous ICE timeouts keep a call alive through a brief relay or NAT
	// outage. Zero values use the defaults below.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// AllowReceiveOnly lets a call proceed without local capture.
	AllowReceiveOnly bool

	// Net replaces the OS network stack (vnet in tests).
	Net transport.Net
}

func DefaultOptions() Options {
	return Options{
		ICEServers:          []string{"stun:stun.l.google.com:19302"},
		DisconnectedTimeout: 30 * time.Second,
		FailedTimeout:       120 * time.Second,
		KeepAliveInterval:   2 * time.Second,
	}
}

// CodecRegistrar is implemented by media sources that encode with their own
// codec set and must populate the MediaEngine to match.
type CodecRegistrar interface {
	RegisterCodecs(m *webrtc.MediaEngine) error
}

// API builds Transports that share one pion API and one media source.
type API struct {
	api    *webrtc.API
	opts   Options
	source MediaSource
	log    zerolog.Logger
}

// NewAPI wires the media engine, default interceptors and setting engine.
func NewAPI(opts Options, source MediaSource, logger zerolog.Logger) (*API, error) {
	d := DefaultOptions()
	if opts.DisconnectedTimeout <= 0 {
		opts.DisconnectedTimeout = d.DisconnectedTimeout
	}
	if opts.FailedTimeout <= 0 {
		opts.FailedTimeout = d.FailedTimeout
	}
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = d.KeepAliveInterval
	}

	mediaEngine := &webrtc.MediaEngine{}
	if reg, ok := source.(CodecRegistrar); ok {
		if err := reg.RegisterCodecs(mediaEngine); err != nil {
			return nil, fmt.Errorf("register codecs: %w", err)
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(opts.DisconnectedTimeout, opts.FailedTimeout, opts.KeepAliveInterval)
	se.LoggerFactory = NewLoggerFactory(logger)
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}

	return &API{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(se),
		),
		opts:   opts,
		source: source,
		log:    logger.With().Str("component", "rtc").Logger(),
	}, nil
}

func (a *API) configuration() webrtc.Configuration {
	var cfg webrtc.Configuration
	if len(a.opts.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: a.opts.ICEServers}}
	}
	return cfg
}

// NewTransport creates the transport for one call attempt. It satisfies
// call.TransportFactory.
func (a *API) NewTransport(callID string) (call.SessionTransport, error) {
	pc, err := a.api.NewPeerConnection(a.configuration())
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return newTransport(callID, pc, a.source, a.opts.AllowReceiveOnly, a.log), nil
}
