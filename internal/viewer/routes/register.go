package routes

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/petervdpas/peercall/internal/call"
	"github.com/rs/zerolog"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

// Calls is the part of call.Engine the control API drives.
type Calls interface {
	Self() string
	StartCall(ctx context.Context, peerID string, kinds ...call.MediaKind) (string, error)
	AcceptCall(ctx context.Context, callID string) error
	DeclineCall(ctx context.Context, callID string) error
	HangUp(callID string) error
	ToggleAudio(callID string) (bool, error)
	ToggleVideo(callID string) (bool, error)
	Sessions() []call.SessionStatus
	Invites() []call.Invite
	Subscribe() (chan call.Notice, func())
}

type Deps struct {
	Calls   Calls
	Logs    Logs
	Log     zerolog.Logger
	Version string
}

func Register(r chi.Router, d Deps) {
	registerHealthRoutes(r, d)
	registerAPILogRoutes(r, d)
	registerCallRoutes(r, d)
}
