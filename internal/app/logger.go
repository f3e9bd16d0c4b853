package app

import (
	"io"
	"os"
	"time"

	"github.com/petervdpas/peercall/internal/config"
	"github.com/rs/zerolog"
)

// NewLogger builds the process logger from the log section. extra, when not
// nil, receives every line as well (the viewer's log buffer); it always gets
// JSON so levels survive.
func NewLogger(c config.Log, extra io.Writer) zerolog.Logger {
	var out io.Writer = os.Stderr
	if c.Format != "json" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	}
	if extra != nil {
		out = zerolog.MultiLevelWriter(out, extra)
	}
	log := zerolog.New(out).With().Timestamp().Logger()
	applyLevel(log, c.Level)
	return log
}

// applyLevel sets the global level; an unknown level leaves it unchanged.
func applyLevel(log zerolog.Logger, level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Err(err).Str("level", level).Msg("ignoring log level")
		return
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if zerolog.GlobalLevel() != lvl {
		zerolog.SetGlobalLevel(lvl)
	}
}
