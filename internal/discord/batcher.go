package discord

import (
	"context"
	"strings"
	"sync"
	"time"

	"subteksto/internal/config"

	"github.com/sirupsen/logrus"
)

// hardCapChars is the platform's message length ceiling; an oversized
// batch is split into sequential posts.
const hardCapChars = 2000

// langLabels maps target codes to the native-script labels used in the
// formatted message.
var langLabels = map[string]string{
	"ja": "日本語",
	"ko": "한국어",
	"en": "English",
}

// Entry is one enriched final awaiting a flush.
type Entry struct {
	Text         string
	Translations map[string]string
}

// Batcher accumulates finals and flushes a sentence-aligned multilingual
// message when the flush interval elapses after a sentence boundary, the
// batch outgrows the size threshold, or the batcher closes.
type Batcher struct {
	cfg      *config.Config
	logger   *logrus.Logger
	notifier *Notifier

	interval time.Duration
	maxChars int
	capChars int

	mu         sync.Mutex
	entries    []Entry
	firstAdded time.Time
	lastAdded  time.Time
	timer      *time.Timer
	closed     bool

	bodies chan string
	done   chan struct{}
}

func NewBatcher(cfg *config.Config, notifier *Notifier, logger *logrus.Logger) *Batcher {
	interval := time.Duration(cfg.Webhook.FlushInterval * float64(time.Second))
	if interval <= 0 {
		interval = 2 * time.Second
	}
	maxChars := cfg.Webhook.MaxChars
	if maxChars <= 0 {
		maxChars = 350
	}
	b := &Batcher{
		cfg:      cfg,
		logger:   logger,
		notifier: notifier,
		interval: interval,
		maxChars: maxChars,
		capChars: hardCapChars,
		bodies:   make(chan string, 64),
		done:     make(chan struct{}),
	}
	go b.deliver()
	return b
}

// deliver posts flushed bodies one at a time, preserving order across
// batches.
func (b *Batcher) deliver() {
	defer close(b.done)
	for body := range b.bodies {
		b.notifier.Send(context.Background(), body)
	}
}

// Add appends an enriched final to the batch. Never blocks on the
// network.
func (b *Batcher) Add(e Entry) {
	if !b.notifier.Enabled() || strings.TrimSpace(e.Text) == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	// If the message would outgrow the threshold, ship what we have
	// first so one flush stays one post.
	if len(b.entries) > 0 && len(formatBatch(append(b.entries, e), b.cfg.Translation.Targets)) > b.maxChars {
		b.flushLocked()
	}

	now := time.Now()
	if len(b.entries) == 0 {
		b.firstAdded = now
	}
	b.lastAdded = now
	b.entries = append(b.entries, e)

	if len(formatBatch(b.entries, b.cfg.Translation.Targets)) >= b.maxChars {
		b.flushLocked()
		return
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.interval, b.timerFire)
	}
}

// timerFire re-evaluates the flush conditions: interval elapsed with a
// sentence boundary observed, or the batch has gone idle.
func (b *Batcher) timerFire() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timer = nil
	if b.closed || len(b.entries) == 0 {
		return
	}
	now := time.Now()
	terminated := endsSentence(b.entries[len(b.entries)-1].Text)

	if terminated && now.Sub(b.firstAdded) >= b.interval {
		b.flushLocked()
		return
	}
	if now.Sub(b.lastAdded) >= b.interval {
		// No terminator is coming; post on idle rather than hold the
		// tail forever.
		b.flushLocked()
		return
	}
	next := b.lastAdded.Add(b.interval)
	if terminated {
		if t := b.firstAdded.Add(b.interval); t.Before(next) {
			next = t
		}
	}
	delay := time.Until(next)
	if delay < 50*time.Millisecond {
		delay = 50 * time.Millisecond
	}
	b.timer = time.AfterFunc(delay, b.timerFire)
}

func (b *Batcher) flushLocked() {
	if len(b.entries) == 0 {
		return
	}
	body := formatBatch(b.entries, b.cfg.Translation.Targets)
	b.entries = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	for _, part := range splitByCap(body, b.capChars) {
		b.bodies <- part
	}
}

// Close force-flushes the pending batch and waits for delivery.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.entries) > 0 {
		body := formatBatch(b.entries, b.cfg.Translation.Targets)
		b.entries = nil
		for _, part := range splitByCap(body, b.capChars) {
			b.bodies <- part
		}
	}
	b.mu.Unlock()
	close(b.bodies)
	<-b.done
}

// endsSentence reports whether text closes with sentence-ending
// punctuation after trimming whitespace.
func endsSentence(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	runes := []rune(text)
	switch runes[len(runes)-1] {
	case '.', '?', '!', '。', '？', '！':
		return true
	}
	return false
}

// formatBatch lays the batch out as the source block followed by one
// block per target language, in configured target order.
func formatBatch(entries []Entry, targetOrder []string) string {
	var sb strings.Builder
	sb.WriteString("Esperanto:")
	for _, e := range entries {
		sb.WriteString("\n")
		sb.WriteString(e.Text)
	}
	for _, lang := range targetOrder {
		var lines []string
		for _, e := range entries {
			if t, ok := e.Translations[lang]; ok && strings.TrimSpace(t) != "" {
				lines = append(lines, t)
			}
		}
		if len(lines) == 0 {
			continue
		}
		sb.WriteString("\n")
		sb.WriteString(langLabel(lang))
		sb.WriteString(":")
		for _, l := range lines {
			sb.WriteString("\n")
			sb.WriteString(l)
		}
	}
	return sb.String()
}

func langLabel(lang string) string {
	if label, ok := langLabels[lang]; ok {
		return label
	}
	return strings.ToUpper(lang)
}

// splitByCap breaks an oversized body into sequential parts on line
// boundaries, preserving order.
func splitByCap(body string, limit int) []string {
	if len(body) <= limit {
		return []string{body}
	}
	var parts []string
	var cur strings.Builder
	for _, line := range strings.Split(body, "\n") {
		if cur.Len() > 0 && cur.Len()+1+len(line) > limit {
			parts = append(parts, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n")
		}
		cur.WriteString(line)
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}
