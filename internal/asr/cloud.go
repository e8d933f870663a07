package asr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"subteksto/internal/audio"
	"subteksto/internal/config"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Cloud streams audio to a realtime recognition WebSocket. The session
// state machine (token exchange, connect, start handshake, streaming,
// backoff, draining) is entirely internal; externally the backend is a
// two-channel actor like every other Backend.
type Cloud struct {
	cfg    *config.Config
	logger *logrus.Logger
	tokens TokenSource

	backoffBase  time.Duration
	backoffMax   time.Duration
	startTimeout time.Duration
	drainTimeout time.Duration
}

// NewCloud builds the cloud backend. A pre-issued token source may be
// swapped in for tests via SetTokenSource.
func NewCloud(cfg *config.Config, logger *logrus.Logger) *Cloud {
	return &Cloud{
		cfg:          cfg,
		logger:       logger,
		tokens:       newManagementTokenSource(cfg),
		backoffBase:  time.Second,
		backoffMax:   30 * time.Second,
		startTimeout: 10 * time.Second,
		drainTimeout: 3 * time.Second,
	}
}

// SetTokenSource replaces the token source. Call before Run.
func (c *Cloud) SetTokenSource(ts TokenSource) { c.tokens = ts }

// Run drives sessions until the frame channel is drained or ctx is
// cancelled. Transient failures loop through backoff; permanently
// rejected credentials surface as a FatalError.
func (c *Cloud) Run(ctx context.Context, frames <-chan audio.Frame, events chan<- Event) error {
	sessionID := uuid.NewString()
	backoff := c.backoffBase
	for {
		done, err := c.runSession(ctx, sessionID, frames, events)
		if done {
			return nil
		}
		if err != nil {
			var fatal *FatalError
			if errors.As(err, &fatal) {
				return fatal
			}
			c.logger.Warnf("cloud: session ended: %v", err)
		}
		if ctx.Err() != nil {
			return nil
		}
		delay := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		c.logger.Infof("cloud: reconnecting in %s", delay.Round(time.Millisecond))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		if backoff *= 2; backoff > c.backoffMax {
			backoff = c.backoffMax
		}
	}
}

// serverMessage covers every event shape the realtime endpoint sends.
type serverMessage struct {
	Message  string `json:"message"`
	Reason   string `json:"reason"`
	Type     string `json:"type"`
	Metadata struct {
		Transcript string  `json:"transcript"`
		StartTime  float64 `json:"start_time"`
		EndTime    float64 `json:"end_time"`
	} `json:"metadata"`
	Results []struct {
		Alternatives []struct {
			Content string `json:"content"`
			Speaker string `json:"speaker"`
		} `json:"alternatives"`
	} `json:"results"`
}

// runSession runs one full session. done=true means the input was
// drained (or ctx cancelled) and Run should return.
func (c *Cloud) runSession(ctx context.Context, sessionID string, frames <-chan audio.Frame, events chan<- Event) (done bool, err error) {
	// TokenExchange
	token, err := c.tokens.Token(ctx)
	if err != nil {
		var rejected *authRejectedError
		if errors.As(err, &rejected) {
			return false, &FatalError{Reason: "CLOUD_API_KEY permanently rejected by the auth endpoint", Err: rejected}
		}
		return false, err
	}

	// Connecting
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.Dial(ctx, c.endpointURL(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "session closed")
	conn.SetReadLimit(4 << 20)

	// Starting
	start := map[string]any{
		"message": "StartRecognition",
		"transcription_config": map[string]any{
			"language":        c.cfg.Cloud.Language,
			"enable_partials": true,
		},
		"audio_format": map[string]any{
			"type":        "raw",
			"encoding":    "pcm_s16le",
			"sample_rate": c.cfg.Audio.SampleRate,
		},
	}
	if c.cfg.Cloud.EnableDiarization {
		start["transcription_config"].(map[string]any)["diarization"] = "speaker"
	}
	if err := writeJSON(ctx, conn, start); err != nil {
		return false, fmt.Errorf("send start message: %w", err)
	}

	msgs := make(chan serverMessage, 64)
	readErr := make(chan error, 1)
	readCtx, stopRead := context.WithCancel(ctx)
	defer stopRead()
	go c.readLoop(readCtx, conn, msgs, readErr)

	epoch, err := c.awaitRecognitionStarted(ctx, msgs, readErr)
	if err != nil {
		return false, err
	}
	c.logger.Infof("cloud: recognition started")

	// Audio buffered while we were down belongs to a dead session;
	// discard it rather than replaying stale speech.
	if f, ok := takeFresh(frames, time.Second); ok {
		if err := conn.Write(ctx, websocket.MessageBinary, f.PCM); err != nil {
			return false, fmt.Errorf("send audio: %w", err)
		}
	}

	// Streaming
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case m, ok := <-msgs:
			if !ok {
				return false, <-readErr
			}
			if err := c.dispatch(ctx, m, sessionID, epoch, events); err != nil {
				return false, err
			}
		case f, ok := <-frames:
			if !ok {
				return true, c.drain(ctx, conn, msgs, sessionID, epoch, events)
			}
			if err := conn.Write(ctx, websocket.MessageBinary, f.PCM); err != nil {
				return false, fmt.Errorf("send audio: %w", err)
			}
		}
	}
}

// awaitRecognitionStarted waits for the start acknowledgement, bounded by
// startTimeout. Returns the wall-clock epoch transcript offsets are
// measured from.
func (c *Cloud) awaitRecognitionStarted(ctx context.Context, msgs <-chan serverMessage, readErr <-chan error) (time.Time, error) {
	deadline := time.NewTimer(c.startTimeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return time.Time{}, ctx.Err()
		case <-deadline.C:
			return time.Time{}, fmt.Errorf("no RecognitionStarted within %s", c.startTimeout)
		case m, ok := <-msgs:
			if !ok {
				return time.Time{}, <-readErr
			}
			switch m.Message {
			case "RecognitionStarted":
				return time.Now(), nil
			case "Error":
				return time.Time{}, fmt.Errorf("server error before start: %s", m.Reason)
			}
		}
	}
}

// dispatch turns one server message into pipeline events.
func (c *Cloud) dispatch(ctx context.Context, m serverMessage, sessionID string, epoch time.Time, events chan<- Event) error {
	switch m.Message {
	case "AddPartialTranscript", "AddTranscript":
		ev := c.eventFrom(m, sessionID, epoch)
		if !emit(ctx, events, ev, c.logger) {
			return ctx.Err()
		}
	case "Warning":
		c.logger.Warnf("cloud: server warning: %s", m.Reason)
	case "Error":
		return fmt.Errorf("server error: %s", m.Reason)
	}
	return nil
}

func (c *Cloud) eventFrom(m serverMessage, sessionID string, epoch time.Time) Event {
	ev := Event{
		Text:      strings.TrimSpace(m.Metadata.Transcript),
		Final:     m.Message == "AddTranscript",
		SessionID: sessionID,
		StartedAt: epoch.Add(time.Duration(m.Metadata.StartTime * float64(time.Second))),
		EndedAt:   epoch.Add(time.Duration(m.Metadata.EndTime * float64(time.Second))),
	}
	if ev.Final {
		ev.UtteranceID = uuid.NewString()
	}
	for _, r := range m.Results {
		if len(r.Alternatives) > 0 && r.Alternatives[0].Speaker != "" {
			ev.Speaker = r.Alternatives[0].Speaker
			break
		}
	}
	return ev
}

// drain closes out a session after the input is exhausted: end-of-stream
// is announced and late finals are collected up to drainTimeout.
func (c *Cloud) drain(ctx context.Context, conn *websocket.Conn, msgs <-chan serverMessage, sessionID string, epoch time.Time, events chan<- Event) error {
	if err := writeJSON(ctx, conn, map[string]any{"message": "EndOfStream"}); err != nil {
		c.logger.Debugf("cloud: end-of-stream write: %v", err)
		return nil
	}
	deadline := time.NewTimer(c.drainTimeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			c.logger.Warnf("cloud: drain timed out after %s", c.drainTimeout)
			return nil
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			if m.Message == "EndOfTranscript" {
				return nil
			}
			if err := c.dispatch(ctx, m, sessionID, epoch, events); err != nil {
				c.logger.Debugf("cloud: during drain: %v", err)
				return nil
			}
		}
	}
}

func (c *Cloud) readLoop(ctx context.Context, conn *websocket.Conn, msgs chan<- serverMessage, readErr chan<- error) {
	defer close(msgs)
	for {
		kind, data, err := conn.Read(ctx)
		if err != nil {
			readErr <- fmt.Errorf("read: %w", err)
			return
		}
		if kind != websocket.MessageText {
			continue
		}
		var m serverMessage
		if err := json.Unmarshal(data, &m); err != nil {
			c.logger.Warnf("cloud: malformed server message dropped: %v", err)
			continue
		}
		select {
		case msgs <- m:
		case <-ctx.Done():
			readErr <- ctx.Err()
			return
		}
	}
}

// endpointURL appends the language to the endpoint path the way the
// realtime API routes sessions.
func (c *Cloud) endpointURL() string {
	raw := c.cfg.Cloud.ConnectionURL
	lang := strings.TrimSpace(c.cfg.Cloud.Language)
	if lang == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if !strings.HasSuffix(u.Path, "/"+lang) {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + lang
	}
	return u.String()
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// takeFresh drops queued frames captured more than cutoff ago without
// blocking. If it pulls a frame that is still fresh, that frame is
// returned so the caller forwards it to the new session.
func takeFresh(frames <-chan audio.Frame, cutoff time.Duration) (audio.Frame, bool) {
	limit := time.Now().Add(-cutoff)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return audio.Frame{}, false
			}
			if f.CapturedAt.After(limit) {
				return f, true
			}
		default:
			return audio.Frame{}, false
		}
	}
}
