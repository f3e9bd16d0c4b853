package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

var started = time.Now()

func registerAPILogRoutes(r chi.Router, d Deps) {
	if d.Logs == nil {
		return
	}
	r.Get("/api/logs", d.Logs.ServeLogsJSON)
	r.Get("/api/logs/stream", d.Logs.ServeLogsSSE)
}

func registerHealthRoutes(r chi.Router, d Deps) {
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"status":  "ok",
			"version": d.Version,
			"uptime":  time.Since(started).Round(time.Second).String(),
		}
		if d.Calls != nil {
			body["self"] = d.Calls.Self()
			body["sessions"] = len(d.Calls.Sessions())
		}
		writeJSON(w, body)
	})
}
