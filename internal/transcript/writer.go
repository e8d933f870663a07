// Package transcript persists final utterances to an append-only log.
package transcript

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"subteksto/internal/config"

	"github.com/sirupsen/logrus"
)

// Writer owns the transcript file handle. Lines are written by a single
// goroutine, so appends are serialized without a lock.
type Writer struct {
	file   *os.File
	logger *logrus.Logger
	lines  chan string
	done   chan struct{}
}

// Open opens (or creates) the log file for appending. Returns a disabled
// writer when transcript logging is off.
func Open(cfg *config.Config, logger *logrus.Logger) (*Writer, error) {
	w := &Writer{logger: logger}
	if !cfg.Transcript.Enabled || cfg.Transcript.Path == "" {
		return w, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Transcript.Path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(cfg.Transcript.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transcript log: %w", err)
	}
	w.file = f
	w.lines = make(chan string, 64)
	w.done = make(chan struct{})
	go w.loop()
	logger.Infof("transcript: logging finals to %s", cfg.Transcript.Path)
	return w, nil
}

// Append records one final. Write errors are logged, never fatal.
func (w *Writer) Append(at time.Time, speaker, text string) {
	if w.file == nil {
		return
	}
	if speaker == "" {
		speaker = "-"
	}
	w.lines <- fmt.Sprintf("%s [%s] %s\n", at.Format(time.RFC3339), speaker, text)
}

// Close flushes pending lines and closes the file.
func (w *Writer) Close() {
	if w.file == nil {
		return
	}
	close(w.lines)
	<-w.done
	if err := w.file.Close(); err != nil {
		w.logger.Warnf("transcript: close: %v", err)
	}
}

func (w *Writer) loop() {
	defer close(w.done)
	for l := range w.lines {
		if _, err := w.file.WriteString(l); err != nil {
			w.logger.Warnf("transcript: write: %v", err)
		}
	}
}
