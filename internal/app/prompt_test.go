package app

import (
	"bytes"
	"strings"
	"testing"

	"github.com/petervdpas/peercall/internal/config"
)

func TestPromptPeer(t *testing.T) {
	cfg := testConfig("alice")
	in := strings.NewReader("bob\nws://relay.example:8787/ws\n\nnone\nabc\n45\ndebug\n")
	var out bytes.Buffer
	got := PromptInteractive(in, &out, "peer", "/tmp/bob", "/tmp/bob/peercall.json", cfg)

	if got.Identity.ID != "bob" || got.Relay.URL != "ws://relay.example:8787/ws" {
		t.Fatalf("identity/relay %+v %+v", got.Identity, got.Relay)
	}
	if got.Viewer.HTTPAddr != cfg.Viewer.HTTPAddr {
		t.Fatalf("empty answer changed viewer addr to %q", got.Viewer.HTTPAddr)
	}
	if got.Media.Source != "none" || got.Call.RingTimeoutSec != 45 || got.Log.Level != "debug" {
		t.Fatalf("got %+v %+v %+v", got.Media, got.Call, got.Log)
	}
	if !strings.Contains(out.String(), "Please enter a number.") {
		t.Fatalf("no retry prompt in %q", out.String())
	}
}

func TestPromptRelay(t *testing.T) {
	cfg := config.Default()
	cfg.Identity.ID = "relay"
	in := strings.NewReader(":9000\nredis\n10.0.0.5:6379\n2\nyes\n\n")
	got := PromptInteractive(in, &bytes.Buffer{}, "relay", "d", "c", cfg)

	r := got.Relay
	if r.Listen != ":9000" || r.Store != "redis" || r.Redis.Addr != "10.0.0.5:6379" || r.Redis.DB != 2 || !r.Redis.Notify {
		t.Fatalf("relay %+v", r)
	}
	if got.Log.Level != cfg.Log.Level {
		t.Fatalf("level %q", got.Log.Level)
	}
}

func TestPromptInvalidKeepsConfig(t *testing.T) {
	cfg := testConfig("alice")
	in := strings.NewReader("\nhttp://not-a-ws\n\n\n\n\n")
	got := PromptInteractive(in, &bytes.Buffer{}, "peer", "d", "c", cfg)
	if got.Relay.URL != cfg.Relay.URL {
		t.Fatalf("invalid answers were kept: %q", got.Relay.URL)
	}
}

func TestPromptEOFUsesDefaults(t *testing.T) {
	cfg := testConfig("alice")
	got := PromptInteractive(strings.NewReader(""), &bytes.Buffer{}, "peer", "d", "c", cfg)
	if got.Identity.ID != "alice" || got.Call.RingTimeoutSec != cfg.Call.RingTimeoutSec {
		t.Fatalf("got %+v", got)
	}
}
