package routes

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/petervdpas/peercall/internal/call"
	"github.com/samber/lo"
)

const sseKeepAlive = 25 * time.Second

type callRequest struct {
	CallID string `json:"call_id" validate:"required,max=128"`
}

type startRequest struct {
	PeerID string   `json:"peer_id" validate:"required,max=256"`
	Kinds  []string `json:"kinds" validate:"dive,oneof=audio video"`
}

// registerCallRoutes wires the call control API. Without an engine only
// /api/call/mode answers, so a UI can tell the feature is off.
func registerCallRoutes(r chi.Router, d Deps) {
	r.Get("/api/call/mode", func(w http.ResponseWriter, r *http.Request) {
		mode := "off"
		self := ""
		if d.Calls != nil {
			mode = "native"
			self = d.Calls.Self()
		}
		writeJSON(w, map[string]string{"mode": mode, "self": self})
	})

	if d.Calls == nil {
		return
	}
	calls := d.Calls

	r.Route("/api/call", func(r chi.Router) {
		r.Post("/start", func(w http.ResponseWriter, r *http.Request) {
			var req startRequest
			if decodeJSON(w, r, &req) != nil {
				return
			}
			req.PeerID = strings.TrimSpace(req.PeerID)
			kinds := lo.Map(req.Kinds, func(k string, _ int) call.MediaKind { return call.MediaKind(k) })
			callID, err := calls.StartCall(r.Context(), req.PeerID, kinds...)
			if err != nil {
				d.Log.Warn().Err(err).Str("peer", req.PeerID).Msg("start call failed")
				writeCallError(w, err)
				return
			}
			writeJSON(w, map[string]string{"status": "ringing", "call_id": callID})
		})

		r.Post("/accept", withCallID(func(w http.ResponseWriter, r *http.Request, callID string) {
			if err := calls.AcceptCall(r.Context(), callID); err != nil {
				d.Log.Warn().Err(err).Str("call_id", callID).Msg("accept failed")
				writeCallError(w, err)
				return
			}
			writeJSON(w, map[string]string{"status": "accepted", "call_id": callID})
		}))

		r.Post("/decline", withCallID(func(w http.ResponseWriter, r *http.Request, callID string) {
			if err := calls.DeclineCall(r.Context(), callID); err != nil {
				writeCallError(w, err)
				return
			}
			writeJSON(w, map[string]string{"status": "declined", "call_id": callID})
		}))

		r.Post("/hangup", withCallID(func(w http.ResponseWriter, r *http.Request, callID string) {
			if err := calls.HangUp(callID); err != nil {
				writeCallError(w, err)
				return
			}
			writeJSON(w, map[string]string{"status": "hung_up", "call_id": callID})
		}))

		r.Post("/toggle-audio", withCallID(func(w http.ResponseWriter, r *http.Request, callID string) {
			muted, err := calls.ToggleAudio(callID)
			if err != nil {
				writeCallError(w, err)
				return
			}
			writeJSON(w, map[string]any{"call_id": callID, "muted": muted})
		}))

		r.Post("/toggle-video", withCallID(func(w http.ResponseWriter, r *http.Request, callID string) {
			disabled, err := calls.ToggleVideo(callID)
			if err != nil {
				writeCallError(w, err)
				return
			}
			writeJSON(w, map[string]any{"call_id": callID, "disabled": disabled})
		}))

		r.Get("/sessions", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, calls.Sessions())
		})

		r.Get("/invites", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, calls.Invites())
		})

		// SSE: one event per engine notice, named after its type. The first
		// event carries the current sessions and invites.
		r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
			flusher, ok := w.(http.Flusher)
			if !ok {
				http.Error(w, "streaming not supported", http.StatusInternalServerError)
				return
			}

			ch, cancel := calls.Subscribe()
			defer cancel()

			sseHeaders(w)
			_ = writeEvent(w, "connected", map[string]any{
				"self":     calls.Self(),
				"sessions": calls.Sessions(),
				"invites":  calls.Invites(),
			})
			flusher.Flush()

			keepAlive := time.NewTicker(sseKeepAlive)
			defer keepAlive.Stop()

			for {
				select {
				case <-r.Context().Done():
					return
				case <-keepAlive.C:
					if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
						return
					}
					flusher.Flush()
				case n, ok := <-ch:
					if !ok {
						return
					}
					if err := writeEvent(w, string(n.Type), n); err != nil {
						return
					}
					flusher.Flush()
				}
			}
		})
	})
}

func withCallID(fn func(w http.ResponseWriter, r *http.Request, callID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req callRequest
		if decodeJSON(w, r, &req) != nil {
			return
		}
		fn(w, r, strings.TrimSpace(req.CallID))
	}
}
