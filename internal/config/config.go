package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/petervdpas/peercall/internal/util"
	"github.com/rs/zerolog"
)

// FileName is the config file inside a peer or relay directory.
const FileName = "peercall.json"

type Config struct {
	Identity Identity `json:"identity"`
	Relay    Relay    `json:"relay"`
	Call     Call     `json:"call"`
	WebRTC   WebRTC   `json:"webrtc"`
	Media    Media    `json:"media"`
	Viewer   Viewer   `json:"viewer"`
	Log      Log      `json:"log"`
}

type Identity struct {
	// Opaque id other peers dial. Generated when the config is first created.
	ID string `json:"id"`
}

type Relay struct {
	// Relay websocket endpoint, e.g. ws://relay.example.org:8787/ws.
	// Empty means the peer runs an in-process relay (single machine only).
	URL string `json:"url"`

	// Listen address for `peercall relay`.
	Listen string `json:"listen"`

	// Record store: "memory", "sqlite" or "redis".
	Store      string `json:"store"`
	SQLitePath string `json:"sqlite_path"` // relative to the relay directory
	Redis      Redis  `json:"redis"`

	RequestTimeoutSec int `json:"request_timeout_seconds"`
}

type Redis struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
	TTLHours int    `json:"ttl_hours"`

	// Fan out record changes over pub/sub so several relays can share one Redis.
	Notify bool `json:"notify"`
}

type Call struct {
	RingTimeoutSec    int `json:"ring_timeout_seconds"`
	InviteTTLSec      int `json:"invite_ttl_seconds"`
	RetryMax          int `json:"retry_max"`
	RetryBaseMs       int `json:"retry_base_ms"`
	PublishTimeoutSec int `json:"publish_timeout_seconds"`
}

type WebRTC struct {
	ICEServers             []string `json:"ice_servers"`
	DisconnectedTimeoutSec int      `json:"disconnected_timeout_seconds"`
	FailedTimeoutSec       int      `json:"failed_timeout_seconds"`
	KeepAliveSec           int      `json:"keepalive_seconds"`
}

type Media struct {
	// "synthetic" (generated silence and black frames), "devices" or "none".
	Source           string `json:"source"`
	AllowReceiveOnly bool   `json:"allow_receive_only"`
	MaxWidth         int    `json:"max_width"`
	MaxHeight        int    `json:"max_height"`
	VideoBitRate     int    `json:"video_bitrate"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
}

type Log struct {
	Level       string `json:"level"`
	Format      string `json:"format"` // console or json
	BufferLines int    `json:"buffer_lines"`
}

func Default() Config {
	return Config{
		Relay: Relay{
			URL:               "",
			Listen:            ":8787",
			Store:             "memory",
			SQLitePath:        "data/calls.db",
			RequestTimeoutSec: 10,
			Redis: Redis{
				Addr:     "127.0.0.1:6379",
				Prefix:   "peercall:",
				TTLHours: 24,
			},
		},
		Call: Call{
			RingTimeoutSec:    30,
			InviteTTLSec:      60,
			RetryMax:          4,
			RetryBaseMs:       250,
			PublishTimeoutSec: 5,
		},
		WebRTC: WebRTC{
			ICEServers:             []string{"stun:stun.l.google.com:19302"},
			DisconnectedTimeoutSec: 5,
			FailedTimeoutSec:       25,
			KeepAliveSec:           2,
		},
		Media: Media{
			Source:       "synthetic",
			MaxWidth:     640,
			MaxHeight:    480,
			VideoBitRate: 1_500_000,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8080",
		},
		Log: Log{
			Level:       "info",
			Format:      "console",
			BufferLines: 1000,
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if _, err := util.ValidateID(c.Identity.ID); err != nil {
		return fmt.Errorf("identity.id: %w", err)
	}

	// Relay
	if u := strings.TrimSpace(c.Relay.URL); u != "" {
		if err := validateRelayURL(u); err != nil {
			return fmt.Errorf("relay.url: %w", err)
		}
	}
	if err := validateHostPort(c.Relay.Listen); err != nil {
		return fmt.Errorf("relay.listen: %w", err)
	}
	switch c.Relay.Store {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Relay.SQLitePath) == "" {
			return errors.New("relay.sqlite_path is required when relay.store is sqlite")
		}
	case "redis":
		if strings.TrimSpace(c.Relay.Redis.Addr) == "" {
			return errors.New("relay.redis.addr is required when relay.store is redis")
		}
		if c.Relay.Redis.DB < 0 {
			return errors.New("relay.redis.db must be >= 0")
		}
		if c.Relay.Redis.TTLHours < 0 {
			return errors.New("relay.redis.ttl_hours must be >= 0")
		}
	default:
		return fmt.Errorf("relay.store must be memory, sqlite or redis, not %q", c.Relay.Store)
	}
	if c.Relay.Redis.Notify && c.Relay.Store != "redis" {
		return errors.New("relay.redis.notify requires relay.store=redis")
	}
	if c.Relay.RequestTimeoutSec <= 0 {
		return errors.New("relay.request_timeout_seconds must be > 0")
	}

	// Call
	if c.Call.RingTimeoutSec < 1 || c.Call.RingTimeoutSec > 600 {
		return errors.New("call.ring_timeout_seconds must be 1..600")
	}
	if c.Call.InviteTTLSec <= 0 {
		return errors.New("call.invite_ttl_seconds must be > 0")
	}
	if c.Call.RetryMax < 0 || c.Call.RetryMax > 20 {
		return errors.New("call.retry_max must be 0..20")
	}
	if c.Call.RetryBaseMs <= 0 {
		return errors.New("call.retry_base_ms must be > 0")
	}
	if c.Call.PublishTimeoutSec <= 0 {
		return errors.New("call.publish_timeout_seconds must be > 0")
	}

	// WebRTC
	for _, s := range c.WebRTC.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("webrtc.ice_servers: %q must start with stun:, turn: or turns:", s)
		}
	}
	if c.WebRTC.DisconnectedTimeoutSec <= 0 || c.WebRTC.FailedTimeoutSec <= 0 || c.WebRTC.KeepAliveSec <= 0 {
		return errors.New("webrtc timeouts must be > 0")
	}
	if c.WebRTC.DisconnectedTimeoutSec > c.WebRTC.FailedTimeoutSec {
		return errors.New("webrtc.disconnected_timeout_seconds must be <= webrtc.failed_timeout_seconds")
	}

	// Media
	switch c.Media.Source {
	case "synthetic", "devices", "none":
	default:
		return fmt.Errorf("media.source must be synthetic, devices or none, not %q", c.Media.Source)
	}
	if c.Media.MaxWidth < 0 || c.Media.MaxHeight < 0 || c.Media.VideoBitRate < 0 {
		return errors.New("media sizes must be >= 0")
	}

	// Viewer
	if a := c.Viewer.HTTPAddr; a != "" {
		if err := validateHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}

	// Log
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be console or json, not %q", c.Log.Format)
	}
	if c.Log.BufferLines < 0 {
		return errors.New("log.buffer_lines must be >= 0")
	}

	return nil
}

func validateRelayURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("missing hostname")
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		return errors.New("host must not be unspecified")
	}
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err != nil || n < 1 || n > 65535 {
			return errors.New("invalid port")
		}
	}
	return nil
}

func validateHostPort(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host != "" && host != "localhost" && net.ParseIP(host) == nil {
		return fmt.Errorf("%q is not an IP address", host)
	}
	if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		return errors.New("port must be 0..65535")
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation. Missing fields keep
// their defaults.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file
// with a fresh identity. Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.ID = uuid.NewString()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
