package viewer

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestLogBufferSplitsLines(t *testing.T) {
	b := NewLogBuffer(3)
	_, _ = b.Write([]byte("one\ntw"))
	_, _ = b.Write([]byte("o\r\n\n  \nthree\nfour\n"))

	got := b.Snapshot()
	if len(got) != 3 {
		t.Fatalf("got %d entries", len(got))
	}
	if got[0].Msg != "two" || got[2].Msg != "four" {
		t.Fatalf("entries %+v", got)
	}
	if got[2].Seq != 4 {
		t.Fatalf("seq %d, want 4", got[2].Seq)
	}
}

func TestLogBufferLevel(t *testing.T) {
	b := NewLogBuffer(10)
	_, _ = b.Write([]byte(`{"level":"warn","message":"relay dial failed"}` + "\n"))
	_, _ = b.Write([]byte("10:00AM INF plain console line\n"))

	got := b.Snapshot()
	if got[0].Level != "warn" || got[1].Level != "" {
		t.Fatalf("levels %q %q", got[0].Level, got[1].Level)
	}
}

func TestServeLogsJSONReportsTotal(t *testing.T) {
	b := NewLogBuffer(2)
	_, _ = b.Write([]byte("a\nb\nc\nd\n"))

	rec := httptest.NewRecorder()
	b.ServeLogsJSON(rec, httptest.NewRequest(http.MethodGet, "/api/logs?tail=1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if got := rec.Header().Get("X-Log-Total"); got != "4" {
		t.Fatalf("X-Log-Total = %q", got)
	}
	var entries []LogEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Msg != "d" || entries[0].Seq != 4 {
		t.Fatalf("entries %+v", entries)
	}
}

func TestLogBufferSubscribe(t *testing.T) {
	b := NewLogBuffer(10)
	ch, cancel := b.Subscribe()
	_, _ = b.Write([]byte("hello\n"))
	select {
	case e := <-ch:
		if e.Msg != "hello" {
			t.Fatalf("got %q", e.Msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no entry")
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel open after cancel")
	}
}

func TestServeLogsSSE(t *testing.T) {
	b := NewLogBuffer(10)
	_, _ = b.Write([]byte("before\n"))
	srv := httptest.NewServer(http.HandlerFunc(b.ServeLogsSSE))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	deadline := time.Now().Add(3 * time.Second)
	for b.subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	_, _ = b.Write([]byte("after\n"))

	sc := bufio.NewScanner(res.Body)
	for sc.Scan() {
		line := sc.Text()
		if strings.Contains(line, "before") {
			t.Fatal("stream replayed history")
		}
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, `"msg":"after"`) {
			return
		}
	}
	t.Fatalf("stream ended: %v", sc.Err())
}

func (b *LogBuffer) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
