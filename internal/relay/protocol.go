package relay

import (
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/petervdpas/peercall/internal/call"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Message types on the relay websocket. Requests carry an id that the
// matching result echoes; updates carry the subscription id instead.
const (
	MsgPublish     = "publish"
	MsgFetch       = "fetch"
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgResult      = "result"
	MsgUpdate      = "update"
)

// Error codes sent to clients.
const (
	CodeConflict          = "conflict"
	CodeIllegalTransition = "illegal_transition"
	CodeNotFound          = "not_found"
	CodeInvalid           = "invalid"
	CodeUnavailable       = "unavailable"
	CodeInternal          = "internal"
)

// Message is one websocket text frame.
type Message struct {
	Type   string       `json:"type"`
	ID     string       `json:"id,omitempty"`
	CallID string       `json:"call_id,omitempty"`
	Patch  *call.Patch  `json:"patch,omitempty"`
	Filter *call.Filter `json:"filter,omitempty"`
	Sub    string       `json:"sub,omitempty"`
	Record *call.Record `json:"record,omitempty"`
	Error  *WireError   `json:"error,omitempty"`
}

type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *WireError) Error() string { return e.Code + ": " + e.Message }

// Unwrap maps the code back to the call error it stands for.
func (e *WireError) Unwrap() error {
	switch e.Code {
	case CodeConflict:
		return call.ErrPublishConflict
	case CodeIllegalTransition:
		return call.ErrIllegalTransition
	case CodeNotFound:
		return call.ErrNotFound
	case CodeInvalid:
		return call.ErrInvalidPatch
	case CodeUnavailable:
		return call.ErrRelayUnavailable
	}
	return nil
}

func wireError(err error) *WireError {
	if err == nil {
		return nil
	}
	return &WireError{Code: errorCode(err), Message: err.Error()}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, call.ErrPublishConflict):
		return CodeConflict
	case errors.Is(err, call.ErrIllegalTransition):
		return CodeIllegalTransition
	case errors.Is(err, call.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, call.ErrInvalidPatch), errors.Is(err, ErrUnknownSubscription):
		return CodeInvalid
	case errors.Is(err, call.ErrRelayUnavailable):
		return CodeUnavailable
	}
	return CodeInternal
}

// remoteError turns a result error into something errors.Is understands on the
// client side. Internal server errors count as transient.
func remoteError(e *WireError) error {
	if e == nil {
		return nil
	}
	if e.Unwrap() == nil {
		return fmt.Errorf("%w: %s", call.ErrRelayUnavailable, e.Message)
	}
	return e
}

func readMessage(ws *websocket.Conn) (Message, error) {
	var m Message
	_, data, err := ws.ReadMessage()
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(data, &m)
	return m, err
}

func writeMessage(ws *websocket.Conn, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}
