package call_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/call/calltest"
	"github.com/petervdpas/peercall/internal/relay"
	"github.com/petervdpas/peercall/internal/storage"
	"github.com/rs/zerolog"
)

type party struct {
	id      string
	eng     *call.Engine
	sig     *calltest.Recorder
	tf      *calltest.Factory
	notices chan call.Notice
}

func testOptions() call.Options {
	return call.Options{
		RingTimeout:    5 * time.Second,
		InviteTTL:      time.Minute,
		RetryMax:       2,
		RetryBase:      5 * time.Millisecond,
		PublishTimeout: time.Second,
	}
}

func newRelay(t *testing.T) *relay.Local {
	t.Helper()
	rl := relay.NewLocal(storage.NewMemory(), zerolog.Nop())
	t.Cleanup(rl.Close)
	return rl
}

func newParty(t *testing.T, rl *relay.Local, id string, opts call.Options) *party {
	t.Helper()
	p := &party{id: id, sig: calltest.NewRecorder(rl), tf: calltest.NewFactory()}
	p.eng = call.New(id, p.sig, p.tf.New, opts, zerolog.Nop())
	p.notices, _ = p.eng.Subscribe()
	t.Cleanup(func() {
		p.sig.Release()
		p.eng.Close()
	})
	return p
}

func pair(t *testing.T) (*relay.Local, *party, *party) {
	rl := newRelay(t)
	return rl, newParty(t, rl, "alice", testOptions()), newParty(t, rl, "bob", testOptions())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitNotice(t *testing.T, p *party, match func(call.Notice) bool) call.Notice {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case n, ok := <-p.notices:
			if !ok {
				t.Fatalf("%s: notices closed", p.id)
			}
			if match(n) {
				return n
			}
		case <-timeout:
			t.Fatalf("%s: notice not seen", p.id)
		}
	}
}

func drain(p *party) []call.Notice {
	var out []call.Notice
	for {
		select {
		case n, ok := <-p.notices:
			if !ok {
				return out
			}
			out = append(out, n)
		default:
			return out
		}
	}
}

func sessionStatus(p *party) call.Status {
	ss := p.eng.Sessions()
	if len(ss) != 1 {
		return ""
	}
	return ss[0].Status
}

func connect(t *testing.T, a, b *party, kinds ...call.MediaKind) string {
	t.Helper()
	ctx := context.Background()
	id, err := a.eng.StartCall(ctx, b.id, kinds...)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if err := b.eng.AcceptCall(ctx, id); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}
	waitFor(t, "caller connected", func() bool { return sessionStatus(a) == call.StatusConnected })
	return id
}

func record(t *testing.T, rl *relay.Local, id string) call.Record {
	t.Helper()
	rec, err := rl.Fetch(context.Background(), id)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	return rec
}

func countPublished(r *calltest.Recorder, match func(calltest.Published) bool) int {
	n := 0
	for _, p := range r.Published() {
		if match(p) {
			n++
		}
	}
	return n
}

func TestCallConnects(t *testing.T) {
	rl, a, b := pair(t)
	id := connect(t, a, b)

	if got := sessionStatus(b); got != call.StatusConnected {
		t.Fatalf("receiver status %s", got)
	}
	rec := record(t, rl, id)
	if rec.Status != call.StatusConnected || rec.Answer == nil || rec.StartedAt == nil {
		t.Fatalf("record %+v", rec)
	}

	ta, tb := a.tf.Get(id), b.tf.Get(id)
	if roles := ta.Roles(); len(roles) != 1 || roles[0] != call.RoleAnswer {
		t.Fatalf("caller applied %v", roles)
	}
	if roles := tb.Roles(); len(roles) != 1 || roles[0] != call.RoleOffer {
		t.Fatalf("receiver applied %v", roles)
	}
	answers := countPublished(b.sig, func(p calltest.Published) bool { return p.Patch.Answer != nil })
	if answers != 1 {
		t.Fatalf("%d answers published", answers)
	}
	if ss := a.eng.Sessions(); ss[0].StartedAt == nil || !ss[0].Outgoing || ss[0].PeerID != "bob" {
		t.Fatalf("caller session %+v", ss[0])
	}

	waitNotice(t, a, func(n call.Notice) bool { return n.Type == call.NoticeLocalStream && n.CallID == id })
	waitNotice(t, a, func(n call.Notice) bool { return n.Type == call.NoticeStatus && n.Status == call.StatusConnected })

	if err := a.eng.HangUp(id); err != nil {
		t.Fatalf("HangUp: %v", err)
	}
	waitFor(t, "receiver teardown", func() bool { return len(b.eng.Sessions()) == 0 })
	waitNotice(t, b, func(n call.Notice) bool { return n.Type == call.NoticeStatus && n.Status == call.StatusEnded })

	rec = record(t, rl, id)
	if rec.Status != call.StatusEnded || rec.EndedAt == nil {
		t.Fatalf("record after hangup %+v", rec)
	}
	if ta.Released() != 1 || tb.Released() != 1 {
		t.Fatalf("released caller=%d receiver=%d", ta.Released(), tb.Released())
	}
	if err := a.eng.HangUp(id); !errors.Is(err, call.ErrUnknownCall) {
		t.Fatalf("second HangUp = %v", err)
	}
}

func TestDeclineNeverTouchesMedia(t *testing.T) {
	rl, a, b := pair(t)
	ctx := context.Background()

	id, err := a.eng.StartCall(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.eng.DeclineCall(ctx, id); err != nil {
		t.Fatalf("DeclineCall: %v", err)
	}

	rec := record(t, rl, id)
	if rec.Status != call.StatusRejected || rec.EndedAt == nil || rec.Answer != nil {
		t.Fatalf("record %+v", rec)
	}
	if b.tf.Count() != 0 {
		t.Fatalf("receiver built %d transports", b.tf.Count())
	}
	waitNotice(t, a, func(n call.Notice) bool { return n.Type == call.NoticeStatus && n.Status == call.StatusRejected })
	waitFor(t, "caller teardown", func() bool { return len(a.eng.Sessions()) == 0 })
	for _, n := range drain(a) {
		if n.Type == call.NoticeError {
			t.Fatalf("caller error notice: %+v", n)
		}
	}
	if err := b.eng.AcceptCall(ctx, id); !errors.Is(err, call.ErrPublishConflict) {
		t.Fatalf("accept after decline = %v", err)
	}
}

func TestSimultaneousHangUp(t *testing.T) {
	rl, a, b := pair(t)
	id := connect(t, a, b)
	drain(a)
	drain(b)

	// Neither side hears about the other's hang-up before publishing its own.
	a.sig.Hold()
	b.sig.Hold()

	var wg sync.WaitGroup
	for _, p := range []*party{a, b} {
		wg.Add(1)
		go func(p *party) {
			defer wg.Done()
			if err := p.eng.HangUp(id); err != nil {
				t.Errorf("%s HangUp: %v", p.id, err)
			}
		}(p)
	}
	wg.Wait()

	ended := func(p calltest.Published) bool { return p.Patch.Status == call.StatusEnded }
	var won, lost int
	for _, r := range []*calltest.Recorder{a.sig, b.sig} {
		won += countPublished(r, func(p calltest.Published) bool { return ended(p) && p.Err == nil })
		lost += countPublished(r, func(p calltest.Published) bool { return ended(p) && errors.Is(p.Err, call.ErrPublishConflict) })
	}
	if won != 1 || lost != 1 {
		t.Fatalf("won=%d lost=%d", won, lost)
	}
	if rec := record(t, rl, id); rec.Status != call.StatusEnded {
		t.Fatalf("record %+v", rec)
	}
	for _, p := range []*party{a, b} {
		if len(p.eng.Sessions()) != 0 {
			t.Fatalf("%s still has sessions", p.id)
		}
		for _, n := range drain(p) {
			if n.Type == call.NoticeError {
				t.Fatalf("%s error notice: %+v", p.id, n)
			}
		}
	}
}

func TestRemoteCandidatesDeduplicated(t *testing.T) {
	rl, a, b := pair(t)
	id := connect(t, a, b)

	mid := "0"
	lines := []string{
		"candidate:1 1 udp 2130706431 10.0.0.1 50000 typ host",
		"candidate:2 1 udp 2130706431 10.0.0.2 50001 typ host",
		"candidate:1 1 udp 2130706431 10.0.0.1 50000 typ host",
		"candidate:3 1 udp 1694498815 203.0.113.7 50002 typ srflx",
		"candidate:4 1 tcp 1518280447 10.0.0.1 9 typ host tcptype active",
	}
	ta := a.tf.Get(id)
	for _, l := range lines {
		ta.EmitCandidate(call.Candidate{Candidate: l, SDPMid: &mid})
	}

	tb := b.tf.Get(id)
	waitFor(t, "candidates applied", func() bool { return tb.CandidateCalls() == 4 })
	waitFor(t, "candidates stored", func() bool { return len(record(t, rl, id).Candidates) == 5 })
	time.Sleep(50 * time.Millisecond)
	if got := tb.CandidateCalls(); got != 4 {
		t.Fatalf("receiver applied %d candidates", got)
	}
	if got := len(tb.Applied()); got != 4 {
		t.Fatalf("%d candidates took effect", got)
	}
	if got := ta.CandidateCalls(); got != 0 {
		t.Fatalf("caller applied its own candidates: %d", got)
	}
}

func TestMediaFailureCreatesNoRecord(t *testing.T) {
	rl, a, _ := pair(t)
	a.tf.MediaErr = errors.New("no camera")

	_, err := a.eng.StartCall(context.Background(), "bob")
	if !errors.Is(err, call.ErrMediaUnavailable) {
		t.Fatalf("StartCall = %v", err)
	}
	var ce *call.Error
	if !errors.As(err, &ce) || ce.Op != "start" {
		t.Fatalf("error %T %v", err, err)
	}
	if len(a.sig.Published()) != 0 {
		t.Fatalf("published %+v", a.sig.Published())
	}
	recs, err := rl.List(context.Background(), call.Filter{CallerID: "alice"}, 0)
	if err != nil || len(recs) != 0 {
		t.Fatalf("records %v, %v", recs, err)
	}
	if len(a.eng.Sessions()) != 0 {
		t.Fatal("session left behind")
	}
	n := waitNotice(t, a, func(n call.Notice) bool { return n.Type == call.NoticeError })
	if !n.Fatal || !errors.Is(n.Err, call.ErrMediaUnavailable) {
		t.Fatalf("notice %+v", n)
	}
}

func TestRingTimeout(t *testing.T) {
	rl := newRelay(t)
	opts := testOptions()
	opts.RingTimeout = 100 * time.Millisecond
	a := newParty(t, rl, "alice", opts)

	id, err := a.eng.StartCall(context.Background(), "bob")
	if err != nil {
		t.Fatal(err)
	}
	n := waitNotice(t, a, func(n call.Notice) bool { return n.Type == call.NoticeError })
	if !errors.Is(n.Err, call.ErrNegotiationTimeout) || n.CallID != id {
		t.Fatalf("notice %+v", n)
	}
	waitFor(t, "teardown", func() bool { return len(a.eng.Sessions()) == 0 })
	if rec := record(t, rl, id); rec.Status != call.StatusEnded {
		t.Fatalf("record %+v", rec)
	}
	if a.tf.Get(id).Released() != 1 {
		t.Fatal("transport not released")
	}
}

func TestRelayRetries(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		rl, a, _ := pair(t)
		a.sig.FailNext(2, call.ErrRelayUnavailable)
		id, err := a.eng.StartCall(context.Background(), "bob")
		if err != nil {
			t.Fatalf("StartCall: %v", err)
		}
		if got := len(a.sig.Published()); got != 3 {
			t.Fatalf("%d attempts", got)
		}
		if rec := record(t, rl, id); rec.Status != call.StatusCalling {
			t.Fatalf("record %+v", rec)
		}
	})

	t.Run("gives up", func(t *testing.T) {
		rl, a, _ := pair(t)
		a.sig.FailNext(3, call.ErrRelayUnavailable)
		_, err := a.eng.StartCall(context.Background(), "bob")
		if !errors.Is(err, call.ErrRelayUnavailable) {
			t.Fatalf("StartCall = %v", err)
		}
		pubs := a.sig.Published()
		if got := countPublished(a.sig, func(p calltest.Published) bool { return p.Patch.Offer != nil }); got != 3 {
			t.Fatalf("%d attempts", got)
		}
		// The teardown still tries to end the record in case a create landed.
		last := pubs[len(pubs)-1]
		if last.Patch.Status != call.StatusEnded || !errors.Is(last.Err, call.ErrNotFound) {
			t.Fatalf("teardown publish %+v", last)
		}
		recs, _ := rl.List(context.Background(), call.Filter{CallerID: "alice"}, 0)
		if len(recs) != 0 {
			t.Fatalf("records %+v", recs)
		}
		if len(a.eng.Sessions()) != 0 {
			t.Fatal("session left behind")
		}
	})

	t.Run("conflict is not retried", func(t *testing.T) {
		_, a, _ := pair(t)
		a.sig.FailNext(1, call.ErrPublishConflict)
		if _, err := a.eng.StartCall(context.Background(), "bob"); !errors.Is(err, call.ErrPublishConflict) {
			t.Fatalf("StartCall = %v", err)
		}
		if got := countPublished(a.sig, func(p calltest.Published) bool { return p.Patch.Offer != nil }); got != 1 {
			t.Fatalf("%d attempts", got)
		}
	})
}

func TestHangUpWhileOfferUnacknowledged(t *testing.T) {
	rl, a, b := pair(t)
	landed := a.sig.LoseAck(func(p call.Patch) bool { return p.Offer != nil })

	errc := make(chan error, 1)
	go func() {
		_, err := a.eng.StartCall(context.Background(), b.id)
		errc <- err
	}()
	var rec call.Record
	select {
	case rec = <-landed:
	case <-time.After(3 * time.Second):
		t.Fatal("offer never published")
	}
	if rec.Status != call.StatusCalling {
		t.Fatalf("landed %+v", rec)
	}
	if err := a.eng.HangUp(rec.CallID); err != nil {
		t.Fatalf("HangUp: %v", err)
	}
	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("StartCall succeeded after hang-up")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("StartCall did not return")
	}

	got := record(t, rl, rec.CallID)
	if got.Status != call.StatusEnded || got.EndedAt == nil {
		t.Fatalf("record %+v", got)
	}
	if len(a.eng.Sessions()) != 0 {
		t.Fatal("session left behind")
	}
	if err := b.eng.AcceptCall(context.Background(), rec.CallID); !errors.Is(err, call.ErrPublishConflict) {
		t.Fatalf("AcceptCall on abandoned call = %v", err)
	}
}

func TestHangUpWhileAnswerUnacknowledged(t *testing.T) {
	rl, a, b := pair(t)
	id, err := a.eng.StartCall(context.Background(), b.id)
	if err != nil {
		t.Fatal(err)
	}
	landed := b.sig.LoseAck(func(p call.Patch) bool { return p.Answer != nil })

	errc := make(chan error, 1)
	go func() { errc <- b.eng.AcceptCall(context.Background(), id) }()
	select {
	case rec := <-landed:
		if rec.Status != call.StatusConnected {
			t.Fatalf("landed %+v", rec)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("answer never published")
	}
	if err := b.eng.HangUp(id); err != nil {
		t.Fatalf("HangUp: %v", err)
	}
	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("AcceptCall succeeded after hang-up")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("AcceptCall did not return")
	}

	got := record(t, rl, id)
	if got.Status != call.StatusEnded || got.EndedAt == nil {
		t.Fatalf("record %+v", got)
	}
	if len(b.eng.Sessions()) != 0 {
		t.Fatal("receiver session left behind")
	}
	waitFor(t, "caller torn down", func() bool { return len(a.eng.Sessions()) == 0 })
}

func TestToggleMedia(t *testing.T) {
	_, a, b := pair(t)
	id := connect(t, a, b)
	ta := a.tf.Get(id)

	muted, err := a.eng.ToggleAudio(id)
	if err != nil || !muted {
		t.Fatalf("ToggleAudio = %v, %v", muted, err)
	}
	if ta.Enabled(call.KindAudio) {
		t.Fatal("audio still enabled")
	}
	if ss := a.eng.Sessions(); !ss[0].AudioMuted || ss[0].VideoDisabled {
		t.Fatalf("session %+v", ss[0])
	}
	if muted, err = a.eng.ToggleAudio(id); err != nil || muted || !ta.Enabled(call.KindAudio) {
		t.Fatalf("second ToggleAudio = %v, %v", muted, err)
	}

	off, err := b.eng.ToggleVideo(id)
	if err != nil || !off || b.tf.Get(id).Enabled(call.KindVideo) {
		t.Fatalf("receiver ToggleVideo = %v, %v", off, err)
	}

	if _, err := a.eng.ToggleAudio("nope"); !errors.Is(err, call.ErrUnknownCall) {
		t.Fatalf("unknown call = %v", err)
	}
}

func TestToggleMissingKind(t *testing.T) {
	_, a, b := pair(t)
	id := connect(t, a, b, call.KindAudio)
	if _, err := a.eng.ToggleVideo(id); !errors.Is(err, call.ErrInvalidState) {
		t.Fatalf("ToggleVideo on audio call = %v", err)
	}
}

func TestOneSessionPerPeer(t *testing.T) {
	_, a, _ := pair(t)
	ctx := context.Background()
	if _, err := a.eng.StartCall(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.eng.StartCall(ctx, "bob"); !errors.Is(err, call.ErrSessionExists) {
		t.Fatalf("second call = %v", err)
	}
	if _, err := a.eng.StartCall(ctx, "alice"); !errors.Is(err, call.ErrInvalidPatch) {
		t.Fatalf("self call = %v", err)
	}
}

func TestRemoteStreamNotice(t *testing.T) {
	rl := newRelay(t)
	a := newParty(t, rl, "alice", testOptions())
	a.tf.RemoteStream = true
	b := newParty(t, rl, "bob", testOptions())

	id := connect(t, a, b)
	n := waitNotice(t, a, func(n call.Notice) bool { return n.Type == call.NoticeRemoteStream })
	if n.CallID != id || n.Stream == nil || n.Stream.ID != "remote-"+id {
		t.Fatalf("notice %+v", n)
	}
}

func TestWatcherDeliversInvites(t *testing.T) {
	_, a, b := pair(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := call.NewWatcher(b.sig, "bob", b.eng, time.Minute, zerolog.Nop())
	go w.Run(ctx)

	id, err := a.eng.StartCall(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	n := waitNotice(t, b, func(n call.Notice) bool { return n.Type == call.NoticeIncoming })
	if n.CallID != id || n.PeerID != "alice" || n.Invite == nil {
		t.Fatalf("notice %+v", n)
	}
	if inv := b.eng.Invites(); len(inv) != 1 || inv[0].CallID != id {
		t.Fatalf("invites %+v", inv)
	}

	if err := a.eng.HangUp(id); err != nil {
		t.Fatal(err)
	}
	waitNotice(t, b, func(n call.Notice) bool { return n.Type == call.NoticeInviteGone && n.CallID == id })
	if inv := b.eng.Invites(); len(inv) != 0 {
		t.Fatalf("invites after cancel %+v", inv)
	}
}

func TestCloseEndsCalls(t *testing.T) {
	rl, a, b := pair(t)
	id := connect(t, a, b)

	a.eng.Close()
	for range a.notices {
	}
	if rec := record(t, rl, id); rec.Status != call.StatusEnded {
		t.Fatalf("record %+v", rec)
	}
	waitFor(t, "peer teardown", func() bool { return len(b.eng.Sessions()) == 0 })
	if _, err := a.eng.StartCall(context.Background(), "bob"); err == nil {
		t.Fatal("StartCall after Close succeeded")
	}
}
