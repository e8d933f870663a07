// Package pipeline orchestrates capture, recognition, enrichment, and
// the fan-out to every configured sink.
package pipeline

import (
	"context"
	"sync"
	"time"

	"subteksto/internal/asr"
	"subteksto/internal/audio"
	"subteksto/internal/caption"
	"subteksto/internal/config"
	"subteksto/internal/discord"
	"subteksto/internal/transcript"
	"subteksto/internal/translate"
	"subteksto/internal/web"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	eventQueueSize   = 256
	shutdownDeadline = 10 * time.Second
)

// Pipeline wires the audio source into the recognizer and dispatches
// transcript events: partials go to the caption board only; finals are
// enriched with translations and fanned out to every sink in identical
// order. The pipeline is the single producer, so no sink can reorder
// finals relative to another.
type Pipeline struct {
	cfg    *config.Config
	logger *logrus.Logger

	backend    asr.Backend
	driver     audio.Driver
	source     *audio.Source
	frames     <-chan audio.Frame // overrides source in tests
	translator *translate.Service
	poster     *caption.Poster
	tlog       *transcript.Writer
	web        *web.Broadcaster
	batcher    *discord.Batcher

	assembler *sentenceAssembler
	metrics   metrics
}

// New constructs the pipeline and all its components from cfg.
func New(cfg *config.Config, logger *logrus.Logger) (*Pipeline, error) {
	backend, err := asr.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	drv, err := audio.NewDriver()
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:        cfg,
		logger:     logger,
		backend:    backend,
		driver:     drv,
		source:     audio.NewSource(cfg, drv, logger),
		translator: translate.New(cfg, logger),
		poster:     caption.New(cfg, logger),
		assembler:  newSentenceAssembler(),
	}, nil
}

// Run drives the pipeline until ctx is cancelled or the backend fails
// fatally. Shutdown drains the recognizer and force-flushes the sinks,
// bounded by a hard deadline.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.assembler == nil {
		p.assembler = newSentenceAssembler()
	}
	if p.translator == nil {
		p.translator = translate.New(p.cfg, p.logger)
	}
	if p.poster == nil {
		p.poster = caption.New(p.cfg, p.logger)
	}

	// C6 first: a busy port must fail before anything starts capturing.
	if p.cfg.Web.Enabled {
		p.web = web.New(p.cfg, p.logger)
		if err := p.web.Start(); err != nil {
			return err
		}
		defer p.web.Close()
		if p.cfg.Web.OpenBrowser {
			if err := web.OpenBrowser(p.web.URL()); err != nil {
				p.logger.Debugf("open browser: %v", err)
			}
		}
	}

	tlog, err := transcript.Open(p.cfg, p.logger)
	if err != nil {
		return err
	}
	p.tlog = tlog

	p.poster.Start()
	notifier := discord.NewNotifier(p.cfg, p.logger)
	p.batcher = discord.NewBatcher(p.cfg, notifier, p.logger)

	if p.cfg.Metrics.Enabled {
		go p.metricsServe(ctx.Done(), p.cfg.Metrics.Addr, p.logger)
	}

	frames := p.frames
	if p.source != nil {
		if err := p.source.Start(); err != nil {
			return err
		}
		frames = p.source.Frames()
	}

	// The backend outlives ctx so it can drain in-flight utterances;
	// the hard deadline abandons it if draining hangs.
	backendCtx, abandonBackend := context.WithCancel(context.Background())
	defer abandonBackend()

	var stopOnce sync.Once
	stopSource := func() {
		stopOnce.Do(func() {
			if p.source != nil {
				p.source.Stop()
			}
		})
	}
	go func() {
		select {
		case <-backendCtx.Done():
			return
		case <-ctx.Done():
		}
		stopSource()
		select {
		case <-backendCtx.Done():
		case <-time.After(shutdownDeadline):
			p.logger.Warnf("pipeline: shutdown deadline exceeded; abandoning recognizer")
			abandonBackend()
		}
	}()

	events := make(chan asr.Event, eventQueueSize)
	var g errgroup.Group
	var runErr error
	g.Go(func() error {
		runErr = p.backend.Run(backendCtx, frames, events)
		close(events)
		return nil
	})
	g.Go(func() error {
		for ev := range events {
			p.handleEvent(ev)
		}
		return nil
	})
	_ = g.Wait()
	err = runErr
	stopSource()
	abandonBackend()

	// Shutdown ordering: pending sentence fragments become finals, the
	// webhook batch force-flushes, then the remaining sinks close.
	for _, sentence := range p.assembler.flush() {
		p.emitFinal(sentence, "")
	}
	if p.web != nil {
		p.web.BroadcastPartial("", "")
	}
	p.batcher.Close()
	p.tlog.Close()
	p.poster.Close()
	if p.driver != nil {
		if cerr := p.driver.Close(); cerr != nil {
			p.logger.Debugf("pipeline: close audio driver: %v", cerr)
		}
	}
	return err
}

func (p *Pipeline) handleEvent(ev asr.Event) {
	if ev.Final {
		p.handleFinal(ev)
		return
	}
	p.metrics.incPartials()
	text := normalizeText(ev.Text)
	if text != "" {
		p.logger.Debugf("Partial: %s", text)
	}
	if p.web != nil {
		p.web.BroadcastPartial(text, ev.Speaker)
	}
}

// handleFinal assembles recognizer fragments into sentences and fans the
// completed ones out. The unfinished tail shows on the caption board as
// a partial.
func (p *Pipeline) handleFinal(ev asr.Event) {
	text := normalizeText(ev.Text)
	if text == "" {
		p.metrics.incDropped()
		return
	}
	for _, sentence := range p.assembler.feed(text) {
		p.emitFinal(sentence, ev.Speaker)
	}
	if p.web != nil {
		p.web.BroadcastPartial(p.assembler.pending(), ev.Speaker)
	}
}

// emitFinal enriches one sentence and dispatches it to every sink in
// submission order. Each sink owns its own delivery guarantees; none can
// block another.
func (p *Pipeline) emitFinal(text, speaker string) {
	text = normalizeText(text)
	if text == "" {
		p.metrics.incDropped()
		return
	}
	p.metrics.incFinals()

	translations := p.translator.Translate(context.Background(), text)

	p.logger.Infof("Final: %s", text)
	p.poster.Submit(text)
	p.tlog.Append(time.Now(), speaker, text)
	if p.web != nil {
		p.web.BroadcastFinal(text, speaker, translations)
	}
	p.batcher.Add(discord.Entry{Text: text, Translations: translations})
}
