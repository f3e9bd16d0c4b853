// Package viewer serves the local control API: call actions, call events and
// the log tail.
package viewer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/petervdpas/peercall/internal/viewer/routes"
	"github.com/rs/zerolog"
)

type Viewer struct {
	Calls   routes.Calls
	Logs    *LogBuffer
	Log     zerolog.Logger
	Version string
}

// Handler builds the router.
func Handler(v Viewer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(noCache)

	deps := routes.Deps{
		Calls:   v.Calls,
		Log:     v.Log.With().Str("component", "viewer").Logger(),
		Version: v.Version,
	}
	// A nil *LogBuffer must stay a nil interface.
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(r, deps)
	return r
}

// Serve runs the control API on ln until ctx ends.
func Serve(ctx context.Context, ln net.Listener, v Viewer) error {
	srv := &http.Server{
		Handler:           Handler(v),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	v.Log.Info().Str("addr", ln.Addr().String()).Msg("control API listening")

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
