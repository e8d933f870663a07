//go:build vosk

package asr

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"subteksto/internal/audio"
	"subteksto/internal/config"

	vosk "github.com/alphacep/vosk-api/go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// offlineBackend runs the embedded lightweight recognizer against a
// filesystem model. It emits both partials and finals.
type offlineBackend struct {
	cfg    *config.Config
	logger *logrus.Logger
	model  *vosk.VoskModel
	rec    *vosk.VoskRecognizer
}

func newOfflineBackend(cfg *config.Config, logger *logrus.Logger) (Backend, error) {
	if _, err := os.Stat(cfg.Local.ModelPath); err != nil {
		return nil, fmt.Errorf("LOCAL_MODEL_PATH %s: %w", cfg.Local.ModelPath, err)
	}
	model, err := vosk.NewModel(cfg.Local.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	rec, err := vosk.NewRecognizer(model, float64(cfg.Audio.SampleRate))
	if err != nil {
		model.Free()
		return nil, fmt.Errorf("create recognizer: %w", err)
	}
	rec.SetWords(1)
	return &offlineBackend{cfg: cfg, logger: logger, model: model, rec: rec}, nil
}

// offlineResult covers both partial and final recognizer payloads.
type offlineResult struct {
	Text    string `json:"text"`
	Partial string `json:"partial"`
	Result  []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Word  string  `json:"word"`
	} `json:"result"`
}

func (b *offlineBackend) Run(ctx context.Context, frames <-chan audio.Frame, events chan<- Event) error {
	defer b.rec.Free()
	defer b.model.Free()

	sessionID := uuid.NewString()
	epoch := time.Now()
	lastPartial := ""

	handle := func(raw string, final bool) bool {
		var res offlineResult
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			b.logger.Debugf("offline: malformed result dropped: %v", err)
			return true
		}
		text := strings.TrimSpace(res.Text)
		if !final {
			text = strings.TrimSpace(res.Partial)
			if text == lastPartial {
				return true
			}
			// An empty partial after a non-empty one resets the
			// caption board's hypothesis line.
			if text == "" && lastPartial == "" {
				return true
			}
			lastPartial = text
		} else {
			lastPartial = ""
			if text == "" {
				return true
			}
		}

		ev := Event{
			Text:      text,
			Final:     final,
			SessionID: sessionID,
		}
		if final {
			ev.UtteranceID = uuid.NewString()
		}
		if len(res.Result) > 0 {
			ev.StartedAt = epoch.Add(time.Duration(res.Result[0].Start * float64(time.Second)))
			ev.EndedAt = epoch.Add(time.Duration(res.Result[len(res.Result)-1].End * float64(time.Second)))
		}
		return emit(ctx, events, ev, b.logger)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				handle(b.rec.FinalResult(), true)
				return nil
			}
			if b.rec.AcceptWaveform(f.PCM) != 0 {
				if !handle(b.rec.Result(), true) {
					return nil
				}
			} else if !handle(b.rec.PartialResult(), false) {
				return nil
			}
		}
	}
}
