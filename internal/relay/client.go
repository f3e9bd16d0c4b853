package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/petervdpas/peercall/internal/call"
	"github.com/rs/zerolog"
)

// ClientOptions tunes a relay Client.
type ClientOptions struct {
	RequestTimeout time.Duration
	DialTimeout    time.Duration
	MaxRedialWait  time.Duration
	Header         http.Header
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.MaxRedialWait <= 0 {
		o.MaxRedialWait = 15 * time.Second
	}
	return o
}

// Client is a SignalingChannel talking to a relay Server over one websocket.
// Subscriptions outlive the connection: after a re-dial each one is registered
// again and the relay replays current records.
type Client struct {
	url  string
	opts ClientOptions
	log  zerolog.Logger
	hub  *Hub

	mu        sync.Mutex
	ws        *websocket.Conn
	pending   map[string]chan Message
	subs      map[string]call.Filter
	connected chan struct{}

	writeMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient creates a client for the relay at url (ws:// or wss://). Call Run
// to connect.
func NewClient(url string, opts ClientOptions, logger zerolog.Logger) *Client {
	return &Client{
		url:       url,
		opts:      opts.withDefaults(),
		log:       logger.With().Str("component", "relay-client").Str("relay", url).Logger(),
		hub:       NewHub(),
		pending:   make(map[string]chan Message),
		subs:      make(map[string]call.Filter),
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run keeps the connection up until ctx ends or Close is called.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer close(c.done)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = c.opts.MaxRedialWait
	b.MaxElapsedTime = 0

	for {
		ws, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := b.NextBackOff()
			c.log.Warn().Err(err).Dur("retry_in", wait).Msg("relay dial failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()
		c.serve(ctx, ws)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	d := websocket.Dialer{HandshakeTimeout: c.opts.DialTimeout}
	ws, _, err := d.DialContext(dctx, c.url, c.opts.Header)
	return ws, err
}

// serve runs one connection until it breaks.
func (c *Client) serve(ctx context.Context, ws *websocket.Conn) {
	readDone := make(chan struct{})
	c.mu.Lock()
	c.ws = ws
	close(c.connected)
	subs := make(map[string]call.Filter, len(c.subs))
	for id, f := range c.subs {
		subs[id] = f
	}
	c.mu.Unlock()
	c.log.Info().Msg("relay connected")

	go func() {
		defer close(readDone)
		c.readLoop(ws)
	}()

	for id, f := range subs {
		if err := c.register(ctx, id, f); err != nil {
			c.log.Warn().Err(err).Str("sub", id).Msg("resubscribe failed")
			c.drop(id)
		}
	}

	select {
	case <-ctx.Done():
		ws.Close()
		<-readDone
	case <-readDone:
	}

	c.mu.Lock()
	c.ws = nil
	c.connected = make(chan struct{})
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	c.log.Warn().Msg("relay disconnected")
}

func (c *Client) readLoop(ws *websocket.Conn) {
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	for {
		m, err := readMessage(ws)
		if err != nil {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		switch m.Type {
		case MsgResult:
			c.mu.Lock()
			ch, ok := c.pending[m.ID]
			delete(c.pending, m.ID)
			c.mu.Unlock()
			if ok {
				ch <- m
			}
		case MsgUpdate:
			if m.Record != nil {
				c.hub.Offer(m.Sub, *m.Record)
			}
		}
	}
}

// WaitConnected blocks until a connection is up.
func (c *Client) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	ch := c.connected
	c.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) request(ctx context.Context, m Message) (Message, error) {
	m.ID = uuid.NewString()
	ch := make(chan Message, 1)

	c.mu.Lock()
	ws := c.ws
	if ws == nil {
		c.mu.Unlock()
		return Message{}, fmt.Errorf("%w: not connected", call.ErrRelayUnavailable)
	}
	c.pending[m.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	err := writeMessage(ws, m)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(m.ID)
		ws.Close()
		return Message{}, fmt.Errorf("%w: %v", call.ErrRelayUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	select {
	case res, ok := <-ch:
		if !ok {
			return Message{}, fmt.Errorf("%w: connection lost", call.ErrRelayUnavailable)
		}
		if err := remoteError(res.Error); err != nil {
			return Message{}, err
		}
		return res, nil
	case <-ctx.Done():
		c.forget(m.ID)
		return Message{}, fmt.Errorf("%w: %v", call.ErrRelayUnavailable, ctx.Err())
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) Publish(ctx context.Context, callID string, p call.Patch) (call.Record, error) {
	res, err := c.request(ctx, Message{Type: MsgPublish, CallID: callID, Patch: &p})
	if err != nil {
		return call.Record{}, err
	}
	if res.Record == nil {
		return call.Record{}, fmt.Errorf("%w: empty publish result", call.ErrRelayUnavailable)
	}
	return *res.Record, nil
}

func (c *Client) Fetch(ctx context.Context, callID string) (call.Record, error) {
	res, err := c.request(ctx, Message{Type: MsgFetch, CallID: callID})
	if err != nil {
		return call.Record{}, err
	}
	if res.Record == nil {
		return call.Record{}, fmt.Errorf("%w: empty fetch result", call.ErrRelayUnavailable)
	}
	return *res.Record, nil
}

// Subscribe registers f on the relay. The returned feed is local and keeps
// working across reconnects.
func (c *Client) Subscribe(ctx context.Context, f call.Filter) (call.Subscription, error) {
	sub := c.hub.Subscribe(f)
	c.mu.Lock()
	c.subs[sub.ID()] = f
	c.mu.Unlock()
	if err := c.register(ctx, sub.ID(), f); err != nil {
		c.drop(sub.ID())
		return nil, err
	}
	return sub, nil
}

func (c *Client) register(ctx context.Context, id string, f call.Filter) error {
	_, err := c.request(ctx, Message{Type: MsgSubscribe, Sub: id, Filter: &f})
	return err
}

// drop ends a local feed whose relay registration was lost.
func (c *Client) drop(id string) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
	c.hub.Unsubscribe(id)
}

func (c *Client) Unsubscribe(sub call.Subscription) error {
	c.mu.Lock()
	_, ok := c.subs[sub.ID()]
	delete(c.subs, sub.ID())
	c.mu.Unlock()
	if !ok {
		return ErrUnknownSubscription
	}
	c.hub.Unsubscribe(sub.ID())

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()
	if _, err := c.request(ctx, Message{Type: MsgUnsubscribe, Sub: sub.ID()}); err != nil {
		// The relay drops it with the connection anyway.
		c.log.Debug().Err(err).Str("sub", sub.ID()).Msg("remote unsubscribe")
	}
	return nil
}

// Close stops Run and ends every subscription.
func (c *Client) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-c.done
	}
	c.hub.Close()
}
