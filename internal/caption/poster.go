// Package caption delivers final transcripts to a meeting platform's
// closed-caption endpoint as seq-ordered plain-text POSTs.
package caption

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"subteksto/internal/config"
	"subteksto/internal/logging"

	"github.com/sirupsen/logrus"
)

const (
	backoffMin  = time.Second
	backoffMax  = 15 * time.Second
	maxFailures = 5
	stopGrace   = 2 * time.Second
)

// Poster owns the caption endpoint: at most one POST is in flight, and
// consecutive queued items coalesce while the minimum interval between
// successful posts has not yet elapsed.
type Poster struct {
	cfg       *config.Config
	logger    *logrus.Logger
	client    *http.Client
	warnLimit *logging.Limiter

	minInterval time.Duration

	mu      sync.Mutex
	pending []string
	wake    chan struct{}

	seq      uint64
	posts    uint64
	lastPost time.Time

	closing chan struct{} // drain and exit
	stop    chan struct{} // abandon immediately
	done    chan struct{}
}

func New(cfg *config.Config, logger *logrus.Logger) *Poster {
	interval := time.Duration(cfg.Caption.MinPostInterval * float64(time.Second))
	if interval <= 0 {
		interval = time.Second
	}
	return &Poster{
		cfg:         cfg,
		logger:      logger,
		client:      &http.Client{Timeout: 10 * time.Second},
		warnLimit:   logging.NewLimiter(time.Minute),
		minInterval: interval,
		wake:        make(chan struct{}, 1),
		closing:     make(chan struct{}),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Enabled reports whether a caption endpoint is configured.
func (p *Poster) Enabled() bool {
	return p.cfg.Caption.Enabled && p.cfg.Caption.PostURL != ""
}

// Posts reports how many captions were delivered successfully.
func (p *Poster) Posts() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.posts
}

// Start launches the delivery worker. No-op when disabled.
func (p *Poster) Start() {
	if !p.Enabled() {
		close(p.done)
		return
	}
	go p.worker()
}

// Submit enqueues a final for delivery. Never blocks.
func (p *Poster) Submit(text string) {
	if !p.Enabled() {
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	p.mu.Lock()
	p.pending = append(p.pending, text)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Close lets the worker drain pending items, then abandons whatever is
// still queued after the grace period.
func (p *Poster) Close() {
	if !p.Enabled() {
		return
	}
	close(p.closing)
	select {
	case <-p.done:
	case <-time.After(stopGrace):
		p.logger.Warnf("caption: worker did not drain within %s; abandoning pending items", stopGrace)
		close(p.stop)
		<-p.done
	}
}

func (p *Poster) worker() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		case <-p.wake:
		case <-p.closing:
		}

		for {
			// Respect the minimum interval before taking the batch, so
			// items arriving during the wait coalesce into one POST.
			p.mu.Lock()
			wait := p.minInterval - time.Since(p.lastPost)
			empty := len(p.pending) == 0
			p.mu.Unlock()
			if empty {
				break
			}
			if wait > 0 && !p.lastPostZero() {
				select {
				case <-p.stop:
					return
				case <-time.After(wait):
				}
			}

			p.mu.Lock()
			payload := strings.Join(p.pending, "\n")
			p.pending = p.pending[:0]
			p.mu.Unlock()

			if !p.deliver(payload) {
				return
			}
		}

		select {
		case <-p.closing:
			// Queue drained and the poster is closing.
			return
		default:
		}
	}
}

func (p *Poster) lastPostZero() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPost.IsZero()
}

// deliver posts one payload, retrying with backoff and dropping it after
// maxFailures consecutive failures. Returns false when stopping.
func (p *Poster) deliver(payload string) bool {
	backoff := backoffMin
	for failures := 0; failures < maxFailures; {
		status, body, err := p.post(payload)
		if err == nil && status >= 200 && status < 300 {
			p.mu.Lock()
			p.seq++
			p.posts++
			p.lastPost = time.Now()
			p.mu.Unlock()
			return true
		}
		failures++
		// Repeated failures against the same endpoint collapse to one
		// warning per minute.
		if p.warnLimit.Allow("caption-post") {
			if err != nil {
				p.logger.Warnf("caption: POST failed (%d/%d): %v", failures, maxFailures, err)
			} else {
				p.logger.Warnf("caption: POST failed (%d/%d): status=%d body=%s", failures, maxFailures, status, body)
			}
		}
		select {
		case <-p.stop:
			return false
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > backoffMax {
			backoff = backoffMax
		}
	}
	p.logger.Errorf("caption: dropping caption after %d consecutive failures", maxFailures)
	return true
}

func (p *Poster) post(payload string) (int, string, error) {
	p.mu.Lock()
	next := p.seq + 1
	p.mu.Unlock()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, p.urlWithSeq(next), strings.NewReader(payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
	return resp.StatusCode, strings.TrimSpace(string(body)), nil
}

// urlWithSeq sets seq on the configured URL, preserving the query
// parameters the meeting host handed out.
func (p *Poster) urlWithSeq(seq uint64) string {
	u, err := url.Parse(p.cfg.Caption.PostURL)
	if err != nil {
		return p.cfg.Caption.PostURL
	}
	q := u.Query()
	q.Set("seq", strconv.FormatUint(seq, 10))
	u.RawQuery = q.Encode()
	return u.String()
}
