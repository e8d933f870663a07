package pipeline

import (
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

type metrics struct {
	partials atomic.Int64
	finals   atomic.Int64
	dropped  atomic.Int64
}

func (m *metrics) incPartials() { m.partials.Add(1) }
func (m *metrics) incFinals()   { m.finals.Add(1) }
func (m *metrics) incDropped()  { m.dropped.Add(1) }

// metricsServe exposes plain-text counters until ctxDone closes.
func (p *Pipeline) metricsServe(ctxDone <-chan struct{}, addr string, logger *logrus.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "subteksto_partials_total %d\n", p.metrics.partials.Load())
		fmt.Fprintf(w, "subteksto_finals_total %d\n", p.metrics.finals.Load())
		fmt.Fprintf(w, "subteksto_empty_finals_dropped_total %d\n", p.metrics.dropped.Load())
		if p.source != nil {
			fmt.Fprintf(w, "subteksto_audio_frames_dropped_total %d\n", p.source.Overflow())
		}
		if p.web != nil {
			fmt.Fprintf(w, "subteksto_ws_messages_dropped_total %d\n", p.web.Drops())
		}
		if p.poster != nil {
			fmt.Fprintf(w, "subteksto_caption_posts_total %d\n", p.poster.Posts())
		}
	})
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctxDone
		_ = server.Close()
	}()
	logger.Infof("metrics listening on http://%s/metrics", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warnf("metrics server: %v", err)
	}
}
