package caption

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"subteksto/internal/config"
	"subteksto/internal/logging"
)

type captured struct {
	seq  string
	body string
}

type captureServer struct {
	mu    sync.Mutex
	posts []captured
	fail  int // fail this many requests with 500 first
	srv   *httptest.Server
}

func newCaptureServer() *captureServer {
	c := &captureServer{}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.fail > 0 {
			c.fail--
			http.Error(w, "caption service unavailable", http.StatusInternalServerError)
			return
		}
		if ct := r.Header.Get("Content-Type"); ct != "text/plain; charset=utf-8" {
			http.Error(w, "bad content type "+ct, http.StatusBadRequest)
			return
		}
		c.posts = append(c.posts, captured{seq: r.URL.Query().Get("seq"), body: string(body)})
	}))
	return c
}

func (c *captureServer) snapshot() []captured {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]captured{}, c.posts...)
}

func posterConfig(url string, interval float64) *config.Config {
	cfg := config.Default()
	cfg.Caption.Enabled = true
	cfg.Caption.PostURL = url + "?id=meeting42"
	cfg.Caption.MinPostInterval = interval
	return cfg
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestPosterHappyPath(t *testing.T) {
	srv := newCaptureServer()
	defer srv.srv.Close()

	p := New(posterConfig(srv.srv.URL, 0.05), logging.NewTestLogger())
	p.Start()
	defer p.Close()

	p.Submit("Bonan tagon.")
	waitFor(t, func() bool { return len(srv.snapshot()) == 1 }, "first post")

	got := srv.snapshot()[0]
	if got.seq != "1" || got.body != "Bonan tagon." {
		t.Fatalf("unexpected post: %+v", got)
	}
}

func TestPosterCoalescesWithinInterval(t *testing.T) {
	srv := newCaptureServer()
	defer srv.srv.Close()

	p := New(posterConfig(srv.srv.URL, 0.3), logging.NewTestLogger())
	p.Start()
	defer p.Close()

	p.Submit("A.")
	waitFor(t, func() bool { return len(srv.snapshot()) >= 1 }, "first post")
	p.Submit("B.")
	p.Submit("C.")
	waitFor(t, func() bool { return len(srv.snapshot()) >= 2 }, "coalesced post")

	posts := srv.snapshot()
	if len(posts) != 2 {
		t.Fatalf("expected exactly 2 posts, got %d", len(posts))
	}
	if posts[0].body != "A." || posts[0].seq != "1" {
		t.Fatalf("first post wrong: %+v", posts[0])
	}
	if posts[1].body != "B.\nC." || posts[1].seq != "2" {
		t.Fatalf("second post should coalesce B and C: %+v", posts[1])
	}
}

func TestPosterMinimumIntervalBetweenPosts(t *testing.T) {
	srv := newCaptureServer()
	defer srv.srv.Close()

	p := New(posterConfig(srv.srv.URL, 0.2), logging.NewTestLogger())
	p.Start()
	defer p.Close()

	p.Submit("Unu.")
	waitFor(t, func() bool { return len(srv.snapshot()) >= 1 }, "first post")
	first := time.Now()
	p.Submit("Du.")
	waitFor(t, func() bool { return len(srv.snapshot()) >= 2 }, "second post")
	if elapsed := time.Since(first); elapsed < 150*time.Millisecond {
		t.Fatalf("second post fired after %s, violating the minimum interval", elapsed)
	}
}

func TestPosterRetriesWithoutAdvancingSeq(t *testing.T) {
	srv := newCaptureServer()
	defer srv.srv.Close()
	srv.mu.Lock()
	srv.fail = 1
	srv.mu.Unlock()

	p := New(posterConfig(srv.srv.URL, 0.05), logging.NewTestLogger())
	p.Start()
	defer p.Close()

	p.Submit("Saluton.")
	waitFor(t, func() bool { return len(srv.snapshot()) == 1 }, "retried post")

	got := srv.snapshot()[0]
	if got.seq != "1" {
		t.Fatalf("seq advanced on failure: %+v", got)
	}
	if p.Posts() != 1 {
		t.Fatalf("posts counter: %d", p.Posts())
	}
}

func TestPosterDisabledSubmitIsNoop(t *testing.T) {
	cfg := config.Default()
	p := New(cfg, logging.NewTestLogger())
	p.Start()
	p.Submit("ignored")
	p.Close()
}

func TestPosterPreservesExistingQuery(t *testing.T) {
	srv := newCaptureServer()
	defer srv.srv.Close()

	cfg := posterConfig(srv.srv.URL, 0.05)
	p := New(cfg, logging.NewTestLogger())
	got := p.urlWithSeq(3)
	if !strings.Contains(got, "id=meeting42") || !strings.Contains(got, "seq=3") {
		t.Fatalf("url lost query params: %s", got)
	}
}
