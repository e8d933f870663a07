package discord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"subteksto/internal/config"
	"subteksto/internal/logging"
)

type webhookServer struct {
	mu       sync.Mutex
	messages []string
	fail     int
	srv      *httptest.Server
}

func newWebhookServer() *webhookServer {
	ws := &webhookServer{}
	ws.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Content  string `json:"content"`
			Username string `json:"username"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		ws.mu.Lock()
		defer ws.mu.Unlock()
		if ws.fail > 0 {
			ws.fail--
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		ws.messages = append(ws.messages, payload.Content)
		w.WriteHeader(http.StatusNoContent)
	}))
	return ws
}

func (ws *webhookServer) snapshot() []string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return append([]string{}, ws.messages...)
}

func batcherConfig(url string, flushInterval float64) *config.Config {
	cfg := config.Default()
	cfg.Webhook.Enabled = true
	cfg.Webhook.URL = url
	cfg.Webhook.FlushInterval = flushInterval
	cfg.Translation.Targets = []string{"ja"}
	return cfg
}

func waitMessages(t *testing.T, ws *webhookServer, n int) []string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := ws.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages, have %v", n, ws.snapshot())
	return nil
}

func TestBatcherJoinsFragmentsUntilSentenceBoundary(t *testing.T) {
	ws := newWebhookServer()
	defer ws.srv.Close()

	cfg := batcherConfig(ws.srv.URL, 0.2)
	b := NewBatcher(cfg, NewNotifier(cfg, logging.NewTestLogger()), logging.NewTestLogger())
	defer b.Close()

	b.Add(Entry{Text: "Saluton"})
	time.Sleep(100 * time.Millisecond)
	b.Add(Entry{Text: "amiko."})

	got := waitMessages(t, ws, 1)
	if len(got) != 1 {
		t.Fatalf("expected one batched message, got %d", len(got))
	}
	if got[0] != "Esperanto:\nSaluton\namiko." {
		t.Fatalf("unexpected body: %q", got[0])
	}
}

func TestBatcherHoldsUnterminatedEntryUntilIdle(t *testing.T) {
	ws := newWebhookServer()
	defer ws.srv.Close()

	cfg := batcherConfig(ws.srv.URL, 0.2)
	b := NewBatcher(cfg, NewNotifier(cfg, logging.NewTestLogger()), logging.NewTestLogger())
	defer b.Close()

	start := time.Now()
	b.Add(Entry{Text: "Saluton"})
	got := waitMessages(t, ws, 1)
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Fatalf("unterminated entry posted too early (%s)", elapsed)
	}
	if !strings.Contains(got[0], "Saluton") {
		t.Fatalf("body: %q", got[0])
	}
}

func TestBatcherFlushesOnSizeThreshold(t *testing.T) {
	ws := newWebhookServer()
	defer ws.srv.Close()

	cfg := batcherConfig(ws.srv.URL, 30) // interval far away
	cfg.Webhook.MaxChars = 40
	b := NewBatcher(cfg, NewNotifier(cfg, logging.NewTestLogger()), logging.NewTestLogger())
	defer b.Close()

	b.Add(Entry{Text: "Unua iom longa frazo ĉi tie."})
	b.Add(Entry{Text: "Dua frazo."})

	got := waitMessages(t, ws, 1)
	if !strings.Contains(got[0], "Unua") {
		t.Fatalf("first flush should carry the first sentence: %q", got[0])
	}
}

func TestBatcherFormatsLanguageBlocks(t *testing.T) {
	ws := newWebhookServer()
	defer ws.srv.Close()

	cfg := batcherConfig(ws.srv.URL, 0.1)
	cfg.Translation.Targets = []string{"ja", "ko"}
	b := NewBatcher(cfg, NewNotifier(cfg, logging.NewTestLogger()), logging.NewTestLogger())
	defer b.Close()

	// ko timed out upstream: its section must be absent.
	b.Add(Entry{Text: "Bonan tagon.", Translations: map[string]string{"ja": "こんにちは。"}})

	got := waitMessages(t, ws, 1)
	want := "Esperanto:\nBonan tagon.\n日本語:\nこんにちは。"
	if got[0] != want {
		t.Fatalf("body = %q, want %q", got[0], want)
	}
	if strings.Contains(got[0], "한국어") {
		t.Fatalf("missing translation should omit its language block: %q", got[0])
	}
}

func TestBatcherCloseForceFlushes(t *testing.T) {
	ws := newWebhookServer()
	defer ws.srv.Close()

	cfg := batcherConfig(ws.srv.URL, 60)
	b := NewBatcher(cfg, NewNotifier(cfg, logging.NewTestLogger()), logging.NewTestLogger())
	b.Add(Entry{Text: "Ĝis revido"})
	b.Close()

	got := ws.snapshot()
	if len(got) != 1 || !strings.Contains(got[0], "Ĝis revido") {
		t.Fatalf("close did not flush: %v", got)
	}
}

func TestBatcherSplitsOversizedBody(t *testing.T) {
	ws := newWebhookServer()
	defer ws.srv.Close()

	cfg := batcherConfig(ws.srv.URL, 60)
	b := NewBatcher(cfg, NewNotifier(cfg, logging.NewTestLogger()), logging.NewTestLogger())
	b.capChars = 60

	long := strings.Repeat("longa frazo ", 4) + "fino."
	b.Add(Entry{Text: long})
	b.Add(Entry{Text: long})
	b.Close()

	got := ws.snapshot()
	if len(got) < 2 {
		t.Fatalf("expected split into sequential posts, got %d", len(got))
	}
	for i, m := range got {
		if len(m) > 60 {
			t.Fatalf("part %d exceeds the cap: %d chars", i, len(m))
		}
	}
}

func TestNotifierRetriesThenDelivers(t *testing.T) {
	ws := newWebhookServer()
	defer ws.srv.Close()
	ws.mu.Lock()
	ws.fail = 1
	ws.mu.Unlock()

	cfg := batcherConfig(ws.srv.URL, 0.1)
	n := NewNotifier(cfg, logging.NewTestLogger())
	n.Send(context.Background(), "post me")

	got := ws.snapshot()
	if len(got) != 1 || got[0] != "post me" {
		t.Fatalf("retry did not deliver: %v", got)
	}
}
