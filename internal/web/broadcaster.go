// Package web serves the live caption board: static assets, a config
// endpoint, and a WebSocket fan-out of transcript events.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"subteksto/internal/config"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

const (
	clientQueueSize = 32
	writeTimeout    = 5 * time.Second
	fullGracePeriod = 10 * time.Second
)

// Broadcaster fans transcript events out to every connected caption
// board. Publishing never blocks the pipeline: each client has a bounded
// queue with drop-oldest overflow, and clients whose queue stays full
// past a grace period are disconnected.
type Broadcaster struct {
	cfg    *config.Config
	logger *logrus.Logger

	srv *http.Server
	ln  net.Listener

	mu      sync.Mutex
	clients map[*client]struct{}

	drops atomic.Uint64
}

type client struct {
	conn      *websocket.Conn
	out       chan []byte
	drops     uint64
	fullSince time.Time
	closeOnce sync.Once
}

func New(cfg *config.Config, logger *logrus.Logger) *Broadcaster {
	return &Broadcaster{
		cfg:     cfg,
		logger:  logger,
		clients: map[*client]struct{}{},
	}
}

// Drops reports messages shed across all clients.
func (b *Broadcaster) Drops() uint64 { return b.drops.Load() }

// Start binds the configured port and serves. A busy port fails fast
// with an actionable message.
func (b *Broadcaster) Start() error {
	addr := fmt.Sprintf("%s:%d", b.cfg.Web.Host, b.cfg.Web.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("caption board cannot bind %s: %w (another process owns the port; release it or change WEB_UI_PORT)", addr, err)
	}
	b.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/", b.handleIndex)
	mux.HandleFunc("/config", b.handleConfig)
	mux.HandleFunc("/ws", b.handleWS)
	b.srv = &http.Server{Handler: mux}

	go func() {
		if err := b.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.Errorf("web: serve: %v", err)
		}
	}()
	b.logger.Infof("web: caption board at http://%s", addr)
	return nil
}

// URL returns the board address once started.
func (b *Broadcaster) URL() string {
	return fmt.Sprintf("http://%s:%d", b.cfg.Web.Host, b.cfg.Web.Port)
}

// Close disconnects all clients and stops the server.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	for c := range b.clients {
		c.close()
		delete(b.clients, c)
	}
	b.mu.Unlock()
	if b.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.srv.Shutdown(ctx)
	}
}

// BroadcastPartial pushes a hypothesis update to every board.
func (b *Broadcaster) BroadcastPartial(text, speaker string) {
	b.publish(map[string]any{"type": "partial", "text": text, "speaker": speaker})
}

// BroadcastFinal pushes a stable utterance with its translations.
func (b *Broadcaster) BroadcastFinal(text, speaker string, translations map[string]string) {
	if translations == nil {
		translations = map[string]string{}
	}
	b.publish(map[string]any{"type": "final", "text": text, "speaker": speaker, "translations": translations})
}

func (b *Broadcaster) publish(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Warnf("web: marshal broadcast: %v", err)
		return
	}
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.out <- data:
			c.fullSince = time.Time{}
			continue
		default:
		}
		// Queue full: shed the client's oldest pending message.
		select {
		case <-c.out:
			c.drops++
			b.drops.Add(1)
		default:
		}
		select {
		case c.out <- data:
		default:
			if c.fullSince.IsZero() {
				c.fullSince = now
			} else if now.Sub(c.fullSince) > fullGracePeriod {
				b.logger.Warnf("web: disconnecting stalled caption board client (%d drops)", c.drops)
				c.close()
				delete(b.clients, c)
			}
		}
	}
}

func (b *Broadcaster) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		// Optional external board assets.
		if b.cfg.Web.Root != "" {
			http.ServeFile(w, r, filepath.Join(b.cfg.Web.Root, filepath.Clean(r.URL.Path)))
			return
		}
		http.NotFound(w, r)
		return
	}
	if b.cfg.Web.Root != "" {
		index := filepath.Join(b.cfg.Web.Root, "index.html")
		if _, err := os.Stat(index); err == nil {
			http.ServeFile(w, r, index)
			return
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexHTML)
}

func (b *Broadcaster) handleConfig(w http.ResponseWriter, r *http.Request) {
	targets := b.cfg.Translation.Targets
	if targets == nil {
		targets = []string{}
	}
	visibility := map[string]bool{}
	for _, lang := range targets {
		vis, ok := b.cfg.Translation.DefaultVisibility[lang]
		if !ok {
			vis = true
		}
		visibility[lang] = vis
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"targets":           targets,
		"defaultVisibility": visibility,
	})
}

func (b *Broadcaster) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		b.logger.Warnf("web: websocket accept: %v", err)
		return
	}
	c := &client{conn: conn, out: make(chan []byte, clientQueueSize)}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	n := len(b.clients)
	b.mu.Unlock()
	b.logger.Infof("web: caption board client connected (%d active)", n)

	go b.writeLoop(c)

	// Inbound messages are not part of the protocol; reading keeps the
	// connection's control frames flowing and detects disconnects.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			break
		}
	}
	b.remove(c)
}

// writeLoop delivers queued messages; on shutdown it drains what is
// already queued before closing the socket.
func (b *Broadcaster) writeLoop(c *client) {
	defer c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	for data := range c.out {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			b.remove(c)
			return
		}
	}
}

func (b *Broadcaster) remove(c *client) {
	b.mu.Lock()
	_, present := b.clients[c]
	delete(b.clients, c)
	b.mu.Unlock()
	if present {
		c.close()
	}
}

// close stops accepting messages; the write loop closes the socket once
// the queue drains.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.out)
	})
}
