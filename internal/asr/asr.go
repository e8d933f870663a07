// Package asr defines the streaming recognizer contract and its three
// interchangeable backends: a cloud WebSocket session, an embedded
// offline recognizer, and a windowed local model.
package asr

import (
	"context"
	"fmt"
	"time"

	"subteksto/internal/audio"
	"subteksto/internal/config"

	"github.com/sirupsen/logrus"
)

// Event is one transcript update. Partials (Final=false) supersede prior
// partials within the session; finals are stable and delivered downstream
// exactly once.
type Event struct {
	Text        string
	Final       bool
	Speaker     string
	UtteranceID string
	SessionID   string
	StartedAt   time.Time
	EndedAt     time.Time
}

// Backend consumes PCM frames and emits transcript events in order. Run
// returns when the frame channel is drained and the last in-flight
// utterance has been finalized, or when ctx is cancelled. Reconnection is
// the backend's own business; the pipeline only observes events.
type Backend interface {
	Run(ctx context.Context, frames <-chan audio.Frame, events chan<- Event) error
}

// FatalError marks backend failures that cannot be recovered by retrying,
// such as permanently rejected credentials. The pipeline terminates with
// exit code 3 when Run returns one.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *FatalError) Unwrap() error { return e.Err }

// New builds the backend selected by cfg.Backend.
func New(cfg *config.Config, logger *logrus.Logger) (Backend, error) {
	switch cfg.Backend {
	case config.BackendCloud:
		return NewCloud(cfg, logger), nil
	case config.BackendLocalOffline:
		return newOfflineBackend(cfg, logger)
	case config.BackendLocalLarge:
		return newWindowedBackend(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// stallWarnAfter is how long an event send may block on the pipeline
// before we log a stall. The recognizer is authoritative and never drops,
// so the send still completes once the pipeline catches up.
const stallWarnAfter = 2 * time.Second

// emit delivers ev to the pipeline, blocking rather than dropping.
// Returns false once ctx is cancelled.
func emit(ctx context.Context, events chan<- Event, ev Event, logger *logrus.Logger) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-time.After(stallWarnAfter):
		logger.Warnf("asr: event delivery stalled for %s; pipeline is not keeping up", stallWarnAfter)
	}
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
