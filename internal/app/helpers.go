package app

import (
	"strings"
	"time"

	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/config"
	"github.com/petervdpas/peercall/internal/rtc"
	"github.com/rs/zerolog"
)

// NormalizeLocalViewer ensures the control API only binds to localhost
// and returns listen addr and browser URL.
func NormalizeLocalViewer(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}
	return a, "http://" + a
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func callOptions(c config.Call) call.Options {
	return call.Options{
		RingTimeout:    seconds(c.RingTimeoutSec),
		InviteTTL:      seconds(c.InviteTTLSec),
		RetryMax:       c.RetryMax,
		RetryBase:      time.Duration(c.RetryBaseMs) * time.Millisecond,
		PublishTimeout: seconds(c.PublishTimeoutSec),
	}
}

func rtcOptions(cfg config.Config) rtc.Options {
	return rtc.Options{
		ICEServers:          cfg.WebRTC.ICEServers,
		DisconnectedTimeout: seconds(cfg.WebRTC.DisconnectedTimeoutSec),
		FailedTimeout:       seconds(cfg.WebRTC.FailedTimeoutSec),
		KeepAliveInterval:   seconds(cfg.WebRTC.KeepAliveSec),
		AllowReceiveOnly:    cfg.Media.AllowReceiveOnly,
	}
}

func logBanner(log zerolog.Logger, dir, cfgPath string, cfg config.Config, role string) {
	ev := log.Info().
		Str("role", role).
		Str("dir", dir).
		Str("config", cfgPath)
	if role == "peer" {
		relayURL := cfg.Relay.URL
		if relayURL == "" {
			relayURL = "in-process"
		}
		ev = ev.Str("identity", cfg.Identity.ID).Str("relay", relayURL).Str("media", cfg.Media.Source)
	} else {
		ev = ev.Str("listen", cfg.Relay.Listen).Str("store", cfg.Relay.Store)
	}
	ev.Msg("peercall scope")
}
