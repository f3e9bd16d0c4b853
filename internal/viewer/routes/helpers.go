package routes

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
	"github.com/petervdpas/peercall/internal/call"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxBody = 64 << 10

var validate = validator.New(validator.WithRequiredStructEnabled())

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a JSON body into v, checks its validate tags and answers
// 400 itself on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if err == nil {
		err = validate.Struct(v)
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return err
	}
	return nil
}

// writeCallError maps engine errors to a status code.
func writeCallError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, call.ErrUnknownCall), errors.Is(err, call.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, call.ErrSessionExists),
		errors.Is(err, call.ErrPublishConflict),
		errors.Is(err, call.ErrIllegalTransition),
		errors.Is(err, call.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, call.ErrInvalidPatch):
		status = http.StatusBadRequest
	case errors.Is(err, call.ErrMediaUnavailable):
		status = http.StatusFailedDependency
	case errors.Is(err, call.ErrRelayUnavailable):
		status = http.StatusBadGateway
	case errors.Is(err, call.ErrNegotiationTimeout):
		status = http.StatusGatewayTimeout
	}
	writeJSONStatus(w, status, map[string]string{"error": err.Error()})
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func writeEvent(w io.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
