package relay

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/petervdpas/peercall/internal/call"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Peers are native clients, not browsers; there is no origin to check.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes a Local relay over websocket plus a small read-only HTTP API.
type Server struct {
	relay *Local
	log   zerolog.Logger

	mu    sync.Mutex
	conns map[*wsConn]struct{}
	wg    sync.WaitGroup
}

func NewServer(relay *Local, logger zerolog.Logger) *Server {
	return &Server{
		relay: relay,
		log:   logger.With().Str("component", "relay-server").Logger(),
		conns: make(map[*wsConn]struct{}),
	}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.ServeWS)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "subscriptions": s.relay.Hub().Len()})
	})
	r.Route("/api/calls", func(r chi.Router) {
		r.Get("/", s.listCalls)
		r.Get("/{id}", s.getCall)
	})
	return r
}

// Close drops every websocket connection and waits for their goroutines.
// http.Server.Shutdown does not track hijacked connections.
func (s *Server) Close() {
	s.mu.Lock()
	for c := range s.conns {
		c.ws.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) getCall(w http.ResponseWriter, r *http.Request) {
	rec, err := s.relay.Fetch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) listCalls(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := call.Filter{ReceiverID: q.Get("receiver"), CallerID: q.Get("caller")}
	if f.Empty() {
		http.Error(w, "receiver or caller required", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	recs, err := s.relay.List(r.Context(), f, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []call.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errorCode(err) {
	case CodeNotFound:
		status = http.StatusNotFound
	case CodeInvalid:
		status = http.StatusBadRequest
	case CodeConflict, CodeIllegalTransition:
		status = http.StatusConflict
	case CodeUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"error": wireError(err)})
}

// wsConn is one relay client connection.
type wsConn struct {
	s    *Server
	ws   *websocket.Conn
	send chan Message
	done chan struct{}
	log  zerolog.Logger

	mu   sync.Mutex
	subs map[string]*Subscription
}

// ServeWS upgrades the request and serves the relay protocol until the peer
// goes away.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("upgrade failed")
		return
	}
	c := &wsConn{
		s:    s,
		ws:   ws,
		send: make(chan Message, 64),
		done: make(chan struct{}),
		log:  s.log.With().Str("remote", r.RemoteAddr).Logger(),
		subs: make(map[string]*Subscription),
	}
	c.log.Info().Msg("client connected")

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	defer s.wg.Done()
	c.readLoop()
}

func (c *wsConn) readLoop() {
	defer func() {
		close(c.done)
		c.mu.Lock()
		for id, sub := range c.subs {
			c.s.relay.Hub().Unsubscribe(sub.ID())
			delete(c.subs, id)
		}
		c.mu.Unlock()
		c.ws.Close()
		c.s.mu.Lock()
		delete(c.s.conns, c)
		c.s.mu.Unlock()
		c.log.Info().Msg("client disconnected")
	}()

	c.ws.SetReadLimit(maxMessage)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		req, err := readMessage(c.ws)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("unexpected close")
			}
			return
		}
		c.enqueue(c.handle(req))
	}
}

func (c *wsConn) handle(req Message) Message {
	res := Message{Type: MsgResult, ID: req.ID}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	switch req.Type {
	case MsgPublish:
		if req.Patch == nil {
			res.Error = &WireError{Code: CodeInvalid, Message: "missing patch"}
			return res
		}
		rec, err := c.s.relay.Publish(ctx, req.CallID, *req.Patch)
		if err != nil {
			res.Error = wireError(err)
			return res
		}
		res.Record = &rec

	case MsgFetch:
		rec, err := c.s.relay.Fetch(ctx, req.CallID)
		if err != nil {
			res.Error = wireError(err)
			return res
		}
		res.Record = &rec

	case MsgSubscribe:
		var f call.Filter
		if req.Filter != nil {
			f = *req.Filter
		}
		sub, err := c.s.relay.Subscribe(ctx, f)
		if err != nil {
			res.Error = wireError(err)
			return res
		}
		hs := sub.(*Subscription)
		key := req.Sub
		if key == "" {
			key = hs.ID()
		}
		c.mu.Lock()
		if old, ok := c.subs[key]; ok {
			c.s.relay.Hub().Unsubscribe(old.ID())
		}
		c.subs[key] = hs
		c.mu.Unlock()
		go c.forward(key, hs)
		res.Sub = key

	case MsgUnsubscribe:
		c.mu.Lock()
		hs, ok := c.subs[req.Sub]
		delete(c.subs, req.Sub)
		c.mu.Unlock()
		if !ok {
			res.Error = wireError(ErrUnknownSubscription)
			return res
		}
		c.s.relay.Hub().Unsubscribe(hs.ID())
		res.Sub = req.Sub

	default:
		res.Error = &WireError{Code: CodeInvalid, Message: "unknown message type " + strconv.Quote(req.Type)}
	}
	return res
}

func (c *wsConn) forward(key string, sub *Subscription) {
	for rec := range sub.Updates() {
		if !c.enqueue(Message{Type: MsgUpdate, Sub: key, Record: &rec}) {
			return
		}
	}
}

func (c *wsConn) enqueue(m Message) bool {
	select {
	case c.send <- m:
		return true
	case <-c.done:
		return false
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case m := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := writeMessage(c.ws, m); err != nil {
				c.log.Warn().Err(err).Msg("write failed")
				c.ws.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.ws.Close()
				return
			}
		}
	}
}
