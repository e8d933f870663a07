//go:build whisper

package asr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"subteksto/internal/audio"
	"subteksto/internal/config"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/google/uuid"
	vad "github.com/maxhawkins/go-webrtcvad"
	"github.com/sirupsen/logrus"
)

// windowedBackend accumulates frames into fixed-duration windows and
// runs whisper.cpp on each one synchronously. It emits finals only.
type windowedBackend struct {
	cfg    *config.Config
	logger *logrus.Logger
	model  whisper.Model
	vad    *vad.VAD
}

func newWindowedBackend(cfg *config.Config, logger *logrus.Logger) (Backend, error) {
	path := resolveModelPath(cfg)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("LOCAL_LARGE_MODEL_SIZE: model file %s: %w", path, err)
	}
	model, err := whisper.New(path)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	v := vad.New()
	if err := v.SetMode(2); err != nil {
		model.Close()
		return nil, fmt.Errorf("vad mode: %w", err)
	}
	return &windowedBackend{cfg: cfg, logger: logger, model: model, vad: v}, nil
}

// resolveModelPath treats an explicit path as-is and otherwise expands a
// bare size name into ggml-<size>.bin inside the model directory.
func resolveModelPath(cfg *config.Config) string {
	size := cfg.Local.ModelSize
	if strings.ContainsRune(size, os.PathSeparator) || strings.HasSuffix(size, ".bin") {
		return size
	}
	dir := cfg.Local.ModelPath
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".cache", "subteksto", "models")
	}
	return filepath.Join(dir, "ggml-"+size+".bin")
}

func (b *windowedBackend) Run(ctx context.Context, frames <-chan audio.Frame, events chan<- Event) error {
	defer b.model.Close()

	sessionID := uuid.NewString()
	wb := newWindowBuffer(b.cfg.Audio.SampleRate, b.cfg.Local.WindowSeconds)
	var processed int64 // samples recognized so far
	epoch := time.Now()

	recognize := func(win []byte) error {
		start := epoch.Add(sampleOffset(processed, b.cfg.Audio.SampleRate))
		processed += int64(len(win) / 2)
		end := epoch.Add(sampleOffset(processed, b.cfg.Audio.SampleRate))
		if !b.hasVoice(win) {
			return nil
		}
		text, err := b.transcribe(win)
		if err != nil {
			b.logger.Errorf("whisper: transcribe window: %v", err)
			return nil
		}
		if strings.TrimSpace(text) == "" {
			return nil
		}
		ev := Event{
			Text:        strings.TrimSpace(text),
			Final:       true,
			UtteranceID: uuid.NewString(),
			SessionID:   sessionID,
			StartedAt:   start,
			EndedAt:     end,
		}
		if !emit(ctx, events, ev, b.logger) {
			return ctx.Err()
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				if tail := wb.flush(); tail != nil {
					if err := recognize(tail); err != nil {
						return nil
					}
				}
				return nil
			}
			for _, win := range wb.add(f.PCM) {
				if err := recognize(win); err != nil {
					return nil
				}
			}
		}
	}
}

// hasVoice gates recognition on the VAD: all-silence windows are skipped
// so the model never hallucinates text out of room noise.
func (b *windowedBackend) hasVoice(win []byte) bool {
	rate := b.cfg.Audio.SampleRate
	sub := rate / 50 // 20ms
	if !vad.ValidRateAndFrameLength(rate, sub) {
		return true
	}
	samples := make([]int16, len(win)/2)
	for i := range samples {
		samples[i] = int16(win[2*i]) | int16(win[2*i+1])<<8
	}
	for off := 0; off+sub <= len(samples); off += sub {
		if b.vad.Process(rate, samples[off:off+sub]) {
			return true
		}
	}
	return false
}

func (b *windowedBackend) transcribe(win []byte) (string, error) {
	wctx, err := b.model.NewContext()
	if err != nil {
		return "", err
	}
	if lang := strings.TrimSpace(b.cfg.Local.Language); lang != "" {
		if err := wctx.SetLanguage(lang); err != nil {
			b.logger.Warnf("whisper: set language: %v", err)
		}
	}
	samples := make([]float32, len(win)/2)
	for i := range samples {
		s := int16(win[2*i]) | int16(win[2*i+1])<<8
		samples[i] = float32(s) / 32768.0
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", err
	}
	var b2 strings.Builder
	for {
		seg, err := wctx.NextSegment()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", err
		}
		b2.WriteString(seg.Text)
		if !strings.HasSuffix(seg.Text, " ") {
			b2.WriteRune(' ')
		}
	}
	return b2.String(), nil
}

func sampleOffset(samples int64, rate int) time.Duration {
	return time.Duration(samples) * time.Second / time.Duration(rate)
}
