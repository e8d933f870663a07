// Package translate fetches per-language translations for final
// utterances from a LibreTranslate-compatible endpoint.
package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"subteksto/internal/config"
	"subteksto/internal/logging"

	"github.com/sirupsen/logrus"
)

const (
	cacheMaxEntries = 128
	cacheTTLFactor  = 4 // relative to the request timeout
)

// Service translates Esperanto utterances into the configured target
// languages. Per-language requests run concurrently; a language that
// fails or times out is simply absent from the returned map.
type Service struct {
	cfg       *config.Config
	logger    *logrus.Logger
	client    *http.Client
	timeout   time.Duration
	warnLimit *logging.Limiter

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	at           time.Time
	translations map[string]string
}

func New(cfg *config.Config, logger *logrus.Logger) *Service {
	timeout := time.Duration(cfg.Translation.TimeoutSeconds * float64(time.Second))
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Service{
		cfg:       cfg,
		logger:    logger,
		client:    &http.Client{Timeout: timeout},
		timeout:   timeout,
		warnLimit: logging.NewLimiter(time.Minute),
		cache:     map[string]cacheEntry{},
	}
}

// Enabled reports whether translation is configured at all.
func (s *Service) Enabled() bool {
	return s.cfg.Translation.Enabled && len(s.cfg.Translation.Targets) > 0
}

// Translate returns translations keyed by language code. It never
// returns an error; failed languages are logged and omitted. The call
// returns within the per-request timeout plus a small overhead.
func (s *Service) Translate(ctx context.Context, text string) map[string]string {
	text = strings.TrimSpace(text)
	if !s.Enabled() || text == "" {
		return map[string]string{}
	}

	key := s.cacheKey(text)
	if hit, ok := s.cached(key); ok {
		return hit
	}

	out := map[string]string{}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, lang := range s.cfg.Translation.Targets {
		wg.Add(1)
		go func(lang string) {
			defer wg.Done()
			reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			translated, err := s.translateOne(reqCtx, text, lang)
			if err != nil {
				if s.warnLimit.Allow("translate-" + lang) {
					s.logger.Warnf("translate: %s: %v", lang, err)
				}
				return
			}
			mu.Lock()
			out[lang] = translated
			mu.Unlock()
		}(lang)
	}
	wg.Wait()

	if len(out) == len(s.cfg.Translation.Targets) {
		s.store(key, out)
	}
	return out
}

func (s *Service) translateOne(ctx context.Context, text, target string) (string, error) {
	payload := map[string]string{
		"q":      text,
		"source": s.cfg.Translation.SourceLanguage,
		"target": target,
		"format": "text",
	}
	if s.cfg.Translation.APIKey != "" {
		payload["api_key"] = s.cfg.Translation.APIKey
	}
	body, _ := json.Marshal(payload)
	url := strings.TrimSuffix(s.cfg.Translation.URL, "/") + "/translate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var out struct {
		TranslatedText string `json:"translatedText"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if strings.TrimSpace(out.TranslatedText) == "" {
		return "", fmt.Errorf("empty translation")
	}
	return out.TranslatedText, nil
}

func (s *Service) cacheKey(text string) string {
	targets := append([]string{}, s.cfg.Translation.Targets...)
	sort.Strings(targets)
	return text + "\x00" + strings.Join(targets, ",") + "\x00" + s.cfg.Translation.SourceLanguage
}

func (s *Service) cached(key string) (map[string]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[key]
	if !ok || time.Since(e.at) > s.timeout*cacheTTLFactor {
		delete(s.cache, key)
		return nil, false
	}
	out := make(map[string]string, len(e.translations))
	for k, v := range e.translations {
		out[k] = v
	}
	return out, true
}

func (s *Service) store(key string, translations map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cache) >= cacheMaxEntries {
		// Evict the stalest entry.
		var oldestKey string
		var oldest time.Time
		for k, e := range s.cache {
			if oldestKey == "" || e.at.Before(oldest) {
				oldestKey, oldest = k, e.at
			}
		}
		delete(s.cache, oldestKey)
	}
	cp := make(map[string]string, len(translations))
	for k, v := range translations {
		cp[k] = v
	}
	s.cache[key] = cacheEntry{at: time.Now(), translations: cp}
}
