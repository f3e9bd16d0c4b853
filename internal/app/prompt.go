package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/peercall/internal/config"
)

// PromptInteractive walks through the settings a new directory usually
// needs. An empty answer keeps the shown default. If the answers do not
// validate the incoming cfg is returned unchanged.
func PromptInteractive(r io.Reader, w io.Writer, role, dir, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(r)
	orig := cfg

	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "peercall interactive setup")
	fmt.Fprintf(w, " Directory   : %s\n", dir)
	fmt.Fprintf(w, " Config file : %s\n", cfgPath)
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w)

	if role == "relay" {
		cfg.Relay.Listen = askString(in, w, "Relay listen addr", cfg.Relay.Listen)
		cfg.Relay.Store = askString(in, w, "Store (memory/sqlite/redis)", cfg.Relay.Store)
		switch cfg.Relay.Store {
		case "sqlite":
			cfg.Relay.SQLitePath = askString(in, w, "SQLite path", cfg.Relay.SQLitePath)
		case "redis":
			cfg.Relay.Redis.Addr = askString(in, w, "Redis addr", cfg.Relay.Redis.Addr)
			cfg.Relay.Redis.DB = askInt(in, w, "Redis DB", cfg.Relay.Redis.DB)
			cfg.Relay.Redis.Notify = askBool(in, w, "Use Redis keyspace notifications", cfg.Relay.Redis.Notify)
		}
	} else {
		cfg.Identity.ID = askString(in, w, "Identity", cfg.Identity.ID)
		cfg.Relay.URL = askString(in, w, "Relay URL (empty=in-process)", cfg.Relay.URL)
		cfg.Viewer.HTTPAddr = askString(in, w, "Control API addr (empty=off)", cfg.Viewer.HTTPAddr)
		cfg.Media.Source = askString(in, w, "Media source (synthetic/devices/none)", cfg.Media.Source)
		cfg.Call.RingTimeoutSec = askInt(in, w, "Ring timeout seconds", cfg.Call.RingTimeoutSec)
	}
	cfg.Log.Level = askString(in, w, "Log level", cfg.Log.Level)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(w, "Invalid config: %v\nKeeping previous settings.\n", err)
		return orig
	}
	return cfg
}

func askString(in *bufio.Reader, w io.Writer, label, def string) string {
	fmt.Fprintf(w, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, w io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(w, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, convErr := strconv.Atoi(s); convErr == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, w io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(w, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter y or n.")
	}
}
