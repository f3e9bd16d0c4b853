package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/storage"
	"github.com/rs/zerolog"
)

func recv(t *testing.T, sub call.Subscription) call.Record {
	t.Helper()
	select {
	case rec, ok := <-sub.Updates():
		if !ok {
			t.Fatal("subscription closed")
		}
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
	}
	return call.Record{}
}

func noUpdate(t *testing.T, sub call.Subscription) {
	t.Helper()
	select {
	case rec := <-sub.Updates():
		t.Fatalf("unexpected update %+v", rec)
	case <-time.After(50 * time.Millisecond):
	}
}

func createCall(t *testing.T, ch call.SignalingChannel, id, caller, receiver string) call.Record {
	t.Helper()
	rec, err := ch.Publish(context.Background(), id, call.Patch{
		Actor: caller, CallerID: caller, ReceiverID: receiver,
		Offer: &call.Descriptor{Type: call.RoleOffer, SDP: "o"},
	})
	if err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	return rec
}

func TestHubCoalescesPerCall(t *testing.T) {
	h := NewHub()
	defer h.Close()
	sub := h.Subscribe(call.Filter{ReceiverID: "bob"})

	// Nobody reads while five revisions of one call and one of another arrive.
	for rev := int64(1); rev <= 5; rev++ {
		h.Publish(call.Record{CallID: "c1", ReceiverID: "bob", Revision: rev})
	}
	h.Publish(call.Record{CallID: "c2", ReceiverID: "bob", Revision: 1})
	h.Publish(call.Record{CallID: "c3", ReceiverID: "carol", Revision: 1})

	seen := map[string]int64{}
	deliveries := 0
drain:
	for {
		select {
		case rec := <-sub.Updates():
			deliveries++
			if rec.Revision > seen[rec.CallID] {
				seen[rec.CallID] = rec.Revision
			}
		case <-time.After(100 * time.Millisecond):
			break drain
		}
	}
	if deliveries > 6 {
		t.Fatalf("%d deliveries for 6 publishes", deliveries)
	}
	if seen["c1"] != 5 || seen["c2"] != 1 {
		t.Fatalf("latest revisions = %v", seen)
	}
	if _, ok := seen["c3"]; ok {
		t.Fatal("filter leaked another receiver's call")
	}
}

func TestHubUnsubscribeClosesFeed(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe(call.Filter{CallID: "x"})
	if !h.Unsubscribe(sub.ID()) {
		t.Fatal("Unsubscribe returned false")
	}
	if h.Unsubscribe(sub.ID()) {
		t.Fatal("second Unsubscribe returned true")
	}
	select {
	case _, ok := <-sub.Updates():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("feed not closed")
	}
}

func TestLocalReplay(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(storage.NewMemory(), zerolog.Nop())
	defer l.Close()

	live := createCall(t, l, "live", "alice", "bob")
	gone := createCall(t, l, "gone", "carol", "bob")
	if _, err := l.Publish(ctx, "gone", call.Patch{Actor: "carol", Status: call.StatusEnded}); err != nil {
		t.Fatal(err)
	}

	t.Run("receiver replays live calls only", func(t *testing.T) {
		sub, err := l.Subscribe(ctx, call.Filter{ReceiverID: "bob"})
		if err != nil {
			t.Fatal(err)
		}
		defer l.Unsubscribe(sub)
		if rec := recv(t, sub); rec.CallID != live.CallID {
			t.Fatalf("replayed %s", rec.CallID)
		}
		noUpdate(t, sub)
	})

	t.Run("call id replays terminal", func(t *testing.T) {
		sub, err := l.Subscribe(ctx, call.Filter{CallID: gone.CallID})
		if err != nil {
			t.Fatal(err)
		}
		defer l.Unsubscribe(sub)
		if rec := recv(t, sub); rec.Status != call.StatusEnded {
			t.Fatalf("replayed %s", rec.Status)
		}
	})

	t.Run("empty filter", func(t *testing.T) {
		if _, err := l.Subscribe(ctx, call.Filter{}); !errors.Is(err, call.ErrInvalidPatch) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("unsubscribe twice", func(t *testing.T) {
		sub, _ := l.Subscribe(ctx, call.Filter{CallID: "live"})
		if err := l.Unsubscribe(sub); err != nil {
			t.Fatal(err)
		}
		if err := l.Unsubscribe(sub); !errors.Is(err, ErrUnknownSubscription) {
			t.Fatalf("second unsubscribe = %v", err)
		}
	})
}

type fakeNotifier struct {
	sent chan call.Record
	in   chan call.Record
}

func (n *fakeNotifier) Notify(ctx context.Context, rec call.Record) error {
	n.sent <- rec
	return nil
}

func (n *fakeNotifier) Listen(ctx context.Context, fn func(call.Record)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec := <-n.in:
			fn(rec)
		}
	}
}

func TestLocalNotifier(t *testing.T) {
	n := &fakeNotifier{sent: make(chan call.Record, 4), in: make(chan call.Record)}
	l := NewLocal(storage.NewMemory(), zerolog.Nop())
	l.SetNotifier(n)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	createCall(t, l, "c1", "alice", "bob")
	if rec := <-n.sent; rec.CallID != "c1" {
		t.Fatalf("notified %s", rec.CallID)
	}

	sub, err := l.Subscribe(ctx, call.Filter{ReceiverID: "dave"})
	if err != nil {
		t.Fatal(err)
	}
	// A record written by another relay process reaches local subscribers.
	n.in <- call.Record{CallID: "remote", ReceiverID: "dave", Status: call.StatusCalling, Revision: 1}
	if rec := recv(t, sub); rec.CallID != "remote" {
		t.Fatalf("got %s", rec.CallID)
	}
}

// Set PEERCALL_TEST_REDIS=host:port to run against a real server.
func TestRedisNotifier(t *testing.T) {
	addr := os.Getenv("PEERCALL_TEST_REDIS")
	if addr == "" {
		t.Skip("PEERCALL_TEST_REDIS not set")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rdb, err := storage.OpenRedis(ctx, storage.RedisConfig{Addr: addr})
	if err != nil {
		t.Fatalf("OpenRedis: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })

	prefix := "peercall-test-" + uuid.NewString()[:8] + ":"
	pub := NewRedisNotifier(rdb, prefix, zerolog.Nop())
	sub := NewRedisNotifier(rdb, prefix, zerolog.Nop())
	got := make(chan call.Record, 16)
	go sub.Listen(ctx, func(rec call.Record) { got <- rec })

	rec := call.Record{CallID: "c1", CallerID: "alice", ReceiverID: "bob", Status: call.StatusCalling, Revision: 2}
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	deadline := time.After(5 * time.Second)
	for {
		// Publish until the subscriber has joined the channel.
		if err := pub.Notify(ctx, rec); err != nil {
			t.Fatalf("Notify: %v", err)
		}
		select {
		case r := <-got:
			if r.CallID != "c1" || r.Revision != 2 || r.Status != call.StatusCalling {
				t.Fatalf("received %+v", r)
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("no notification within 5s")
		}
	}
}

func startServer(t *testing.T) (*Local, *httptest.Server) {
	t.Helper()
	l := NewLocal(storage.NewMemory(), zerolog.Nop())
	srv := httptest.NewServer(NewServer(l, zerolog.Nop()).Router())
	t.Cleanup(func() {
		srv.Close()
		l.Close()
	})
	return l, srv
}

func startClient(t *testing.T, url string) *Client {
	t.Helper()
	c := NewClient("ws"+strings.TrimPrefix(url, "http")+"/ws", ClientOptions{RequestTimeout: 2 * time.Second, MaxRedialWait: 100 * time.Millisecond}, zerolog.Nop())
	go c.Run(context.Background())
	t.Cleanup(c.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitConnected(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return c
}

func TestClientServerRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, srv := startServer(t)
	alice := startClient(t, srv.URL)
	bob := startClient(t, srv.URL)

	inbox, err := bob.Subscribe(ctx, call.Filter{ReceiverID: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	rec := createCall(t, alice, "c1", "alice", "bob")
	if rec.Status != call.StatusCalling {
		t.Fatalf("status %s", rec.Status)
	}
	if got := recv(t, inbox); got.CallID != "c1" || got.Offer == nil {
		t.Fatalf("bob got %+v", got)
	}

	if _, err := bob.Publish(ctx, "c1", call.Patch{Actor: "bob", Answer: &call.Descriptor{Type: call.RoleAnswer, SDP: "a"}, Status: call.StatusConnected}); err != nil {
		t.Fatalf("answer: %v", err)
	}

	t.Run("conflict maps back", func(t *testing.T) {
		_, err := bob.Publish(ctx, "c1", call.Patch{Actor: "bob", Answer: &call.Descriptor{Type: call.RoleAnswer, SDP: "a"}})
		if !errors.Is(err, call.ErrPublishConflict) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("illegal maps back", func(t *testing.T) {
		_, err := alice.Publish(ctx, "c1", call.Patch{Actor: "alice", Status: call.StatusRejected})
		if !errors.Is(err, call.ErrIllegalTransition) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("not found maps back", func(t *testing.T) {
		_, err := alice.Fetch(ctx, "nope")
		if !errors.Is(err, call.ErrNotFound) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("fetch", func(t *testing.T) {
		got, err := alice.Fetch(ctx, "c1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != call.StatusConnected || got.StartedAt == nil {
			t.Fatalf("fetched %+v", got)
		}
	})
}

func TestClientResubscribesAfterReconnect(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(storage.NewMemory(), zerolog.Nop())
	defer l.Close()
	server := NewServer(l, zerolog.Nop())
	srv := httptest.NewServer(server.Router())
	defer srv.Close()

	bob := startClient(t, srv.URL)
	sub, err := bob.Subscribe(ctx, call.Filter{ReceiverID: "bob"})
	if err != nil {
		t.Fatal(err)
	}

	// Drop every websocket; the client must re-dial on its own.
	server.Close()
	time.Sleep(50 * time.Millisecond)

	createCall(t, l, "after", "alice", "bob")
	if got := recv(t, sub); got.CallID != "after" {
		t.Fatalf("got %s", got.CallID)
	}
}

func TestClientNotConnected(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/ws", ClientOptions{}, zerolog.Nop())
	_, err := c.Fetch(context.Background(), "x")
	if !errors.Is(err, call.ErrRelayUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

func TestHTTPAPI(t *testing.T) {
	l, srv := startServer(t)
	createCall(t, l, "c1", "alice", "bob")

	res, err := http.Get(srv.URL + "/api/calls/c1")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d", res.StatusCode)
	}

	res, err = http.Get(srv.URL + "/api/calls/missing")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing status %d", res.StatusCode)
	}

	res, err = http.Get(srv.URL + "/api/calls?receiver=bob")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d", res.StatusCode)
	}

	res, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", res.StatusCode)
	}
}
