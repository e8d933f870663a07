package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Backend choices accepted by TRANSCRIPTION_BACKEND / [backend].
const (
	BackendCloud        = "cloud"
	BackendLocalOffline = "local_offline"
	BackendLocalLarge   = "local_large"
)

const (
	defaultConfigDir    = ".config/subteksto"
	defaultSampleRate   = 16000
	defaultChunkSeconds = 0.5
	defaultWebPort      = 8765
)

// ErrInvalid marks configuration problems that should terminate the
// process with exit code 2.
var ErrInvalid = errors.New("invalid configuration")

// Config holds user configuration loaded from TOML with environment
// variable overrides applied on top.
type Config struct {
	Backend string `toml:"backend"` // cloud | local_offline | local_large

	Audio struct {
		DeviceIndex      int     `toml:"device_index"` // -1 selects the system default
		DeviceName       string  `toml:"device_name"`  // optional name substring pin
		SampleRate       int     `toml:"sample_rate"`
		DeviceSampleRate int     `toml:"device_sample_rate"` // 0 = same as sample_rate
		Channels         int     `toml:"channels"`
		ChunkSeconds     float64 `toml:"chunk_seconds"`
		CheckInterval    float64 `toml:"device_check_interval"`

		// Level monitoring: warn when the input stays below the silence
		// floor or above the clip ceiling for the hold duration.
		SilenceThresholdDBFS float64 `toml:"silence_threshold_dbfs"`
		SilenceHoldSeconds   float64 `toml:"silence_hold_seconds"`
		ClipThresholdDBFS    float64 `toml:"clip_threshold_dbfs"`
		ClipHoldSeconds      float64 `toml:"clip_hold_seconds"`
	} `toml:"audio"`

	Cloud struct {
		APIKey            string `toml:"api_key"`
		ConnectionURL     string `toml:"connection_url"`
		AuthURL           string `toml:"auth_url"` // empty = vendor management endpoint
		Language          string `toml:"language"`
		EnableDiarization bool   `toml:"enable_diarization"`
		TokenTTLSeconds   int    `toml:"token_ttl_seconds"`
	} `toml:"cloud"`

	Local struct {
		ModelPath     string  `toml:"model_path"` // local_offline model dir / local_large model dir
		ModelSize     string  `toml:"model_size"` // local_large: ggml size name or explicit path
		Language      string  `toml:"language"`
		WindowSeconds float64 `toml:"window_seconds"`
	} `toml:"local"`

	Caption struct {
		Enabled         bool    `toml:"enabled"`
		PostURL         string  `toml:"post_url"`
		MinPostInterval float64 `toml:"min_post_interval_seconds"`
	} `toml:"caption"`

	Transcript struct {
		Enabled bool   `toml:"enabled"`
		Path    string `toml:"path"`
	} `toml:"transcript"`

	Web struct {
		Enabled     bool   `toml:"enabled"`
		Host        string `toml:"host"`
		Port        int    `toml:"port"`
		OpenBrowser bool   `toml:"open_browser"`
		Root        string `toml:"root"` // optional external caption-board assets
	} `toml:"web"`

	Translation struct {
		Enabled           bool            `toml:"enabled"`
		Provider          string          `toml:"provider"`
		URL               string          `toml:"url"`
		APIKey            string          `toml:"api_key"`
		SourceLanguage    string          `toml:"source_language"`
		Targets           []string        `toml:"targets"`
		DefaultVisibility map[string]bool `toml:"default_visibility"`
		TimeoutSeconds    float64         `toml:"timeout_seconds"`
	} `toml:"translation"`

	Webhook struct {
		Enabled       bool    `toml:"enabled"`
		URL           string  `toml:"url"`
		Username      string  `toml:"username"`
		FlushInterval float64 `toml:"flush_interval"`
		MaxChars      int     `toml:"max_chars"`
	} `toml:"webhook"`

	Logging struct {
		Level  string `toml:"level"`  // debug, info, warn, error
		Format string `toml:"format"` // text, json
		File   string `toml:"file"`
	} `toml:"logging"`

	Metrics struct {
		Enabled bool   `toml:"enabled"`
		Addr    string `toml:"addr"`
	} `toml:"metrics"`

	ConfigPath string `toml:"-"`
}

// Default returns Config populated with defaults.
func Default() *Config {
	cfg := &Config{}

	cfg.Backend = BackendCloud

	cfg.Audio.DeviceIndex = -1
	cfg.Audio.SampleRate = defaultSampleRate
	cfg.Audio.Channels = 1
	cfg.Audio.ChunkSeconds = defaultChunkSeconds
	cfg.Audio.CheckInterval = 2.0
	cfg.Audio.SilenceThresholdDBFS = -55.0
	cfg.Audio.SilenceHoldSeconds = 10.0
	cfg.Audio.ClipThresholdDBFS = -1.0
	cfg.Audio.ClipHoldSeconds = 2.0

	cfg.Cloud.Language = "eo"
	cfg.Cloud.EnableDiarization = true
	cfg.Cloud.TokenTTLSeconds = 3600

	cfg.Local.ModelSize = "medium"
	cfg.Local.Language = "eo"
	cfg.Local.WindowSeconds = 6.0

	cfg.Caption.Enabled = false
	cfg.Caption.MinPostInterval = 1.0

	cfg.Transcript.Enabled = false

	cfg.Web.Enabled = true
	cfg.Web.Host = "127.0.0.1"
	cfg.Web.Port = defaultWebPort

	cfg.Translation.Provider = "libre"
	cfg.Translation.URL = "https://libretranslate.de"
	cfg.Translation.SourceLanguage = "eo"
	cfg.Translation.DefaultVisibility = map[string]bool{}
	cfg.Translation.TimeoutSeconds = 8.0

	cfg.Webhook.Username = "Esperanto STT"
	cfg.Webhook.FlushInterval = 2.0
	cfg.Webhook.MaxChars = 350

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	cfg.Metrics.Addr = "127.0.0.1:9317"

	return cfg
}

// Load loads config from file, applying defaults and env overrides. A
// missing default file is not an error; defaults plus environment apply.
// A missing file at an explicitly given path is an ErrInvalid error.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, defaultConfigDir, "config.toml")
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		if explicit {
			return nil, fmt.Errorf("%w: config file %s not found", ErrInvalid, path)
		}
	default:
		return nil, err
	}
	cfg.ConfigPath = path
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Save writes cfg to path.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}

func applyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v != "0" && strings.ToLower(v) != "false"
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	float := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	str("TRANSCRIPTION_BACKEND", &cfg.Backend)

	integer("AUDIO_DEVICE_INDEX", &cfg.Audio.DeviceIndex)
	integer("AUDIO_SAMPLE_RATE", &cfg.Audio.SampleRate)
	integer("AUDIO_DEVICE_SAMPLE_RATE", &cfg.Audio.DeviceSampleRate)
	integer("AUDIO_CHANNELS", &cfg.Audio.Channels)
	float("AUDIO_CHUNK_DURATION_SECONDS", &cfg.Audio.ChunkSeconds)
	float("AUDIO_DEVICE_CHECK_INTERVAL", &cfg.Audio.CheckInterval)
	str("AUDIO_DEVICE_NAME", &cfg.Audio.DeviceName)
	float("AUDIO_SILENCE_THRESHOLD_DBFS", &cfg.Audio.SilenceThresholdDBFS)
	float("AUDIO_SILENCE_HOLD_SECONDS", &cfg.Audio.SilenceHoldSeconds)
	float("AUDIO_CLIP_THRESHOLD_DBFS", &cfg.Audio.ClipThresholdDBFS)
	float("AUDIO_CLIP_HOLD_SECONDS", &cfg.Audio.ClipHoldSeconds)

	str("CLOUD_API_KEY", &cfg.Cloud.APIKey)
	str("CLOUD_CONNECTION_URL", &cfg.Cloud.ConnectionURL)
	str("CLOUD_AUTH_URL", &cfg.Cloud.AuthURL)
	str("CLOUD_LANGUAGE", &cfg.Cloud.Language)

	str("LOCAL_MODEL_PATH", &cfg.Local.ModelPath)
	str("LOCAL_LARGE_MODEL_SIZE", &cfg.Local.ModelSize)

	boolean("CAPTION_ENABLED", &cfg.Caption.Enabled)
	str("CAPTION_POST_URL", &cfg.Caption.PostURL)
	float("CAPTION_MIN_POST_INTERVAL_SECONDS", &cfg.Caption.MinPostInterval)

	boolean("TRANSCRIPT_LOG_ENABLED", &cfg.Transcript.Enabled)
	str("TRANSCRIPT_LOG_PATH", &cfg.Transcript.Path)

	boolean("WEB_UI_ENABLED", &cfg.Web.Enabled)
	integer("WEB_UI_PORT", &cfg.Web.Port)
	boolean("WEB_UI_OPEN_BROWSER", &cfg.Web.OpenBrowser)

	boolean("TRANSLATION_ENABLED", &cfg.Translation.Enabled)
	str("TRANSLATION_PROVIDER", &cfg.Translation.Provider)
	str("TRANSLATION_URL", &cfg.Translation.URL)
	str("TRANSLATION_API_KEY", &cfg.Translation.APIKey)
	str("TRANSLATION_SOURCE_LANGUAGE", &cfg.Translation.SourceLanguage)
	if v := os.Getenv("TRANSLATION_TARGETS"); v != "" {
		cfg.Translation.Targets = splitList(v)
	}
	if v := os.Getenv("TRANSLATION_DEFAULT_VISIBILITY"); v != "" {
		cfg.Translation.DefaultVisibility = parseVisibility(v)
	}
	float("TRANSLATION_TIMEOUT_SECONDS", &cfg.Translation.TimeoutSeconds)

	boolean("WEBHOOK_ENABLED", &cfg.Webhook.Enabled)
	str("WEBHOOK_URL", &cfg.Webhook.URL)
	str("WEBHOOK_USERNAME", &cfg.Webhook.Username)
	float("WEBHOOK_FLUSH_INTERVAL", &cfg.Webhook.FlushInterval)
	integer("WEBHOOK_MAX_CHARS", &cfg.Webhook.MaxChars)

	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FILE", &cfg.Logging.File)
	str("LOG_FORMAT", &cfg.Logging.Format)

	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
		cfg.Metrics.Enabled = true
	}
}

// splitList splits a comma-separated list, trimming blanks.
func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseVisibility parses "ja:true,ko:false" style pairs. A bare language
// code counts as visible.
func parseVisibility(v string) map[string]bool {
	out := map[string]bool{}
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		lang, val, found := strings.Cut(p, ":")
		lang = strings.TrimSpace(lang)
		if !found {
			out[lang] = true
			continue
		}
		val = strings.TrimSpace(strings.ToLower(val))
		out[lang] = val != "0" && val != "false"
	}
	return out
}

// Validate checks cfg for problems that must stop startup. Every error
// names the offending key and the expected form.
func (cfg *Config) Validate() error {
	switch cfg.Backend {
	case BackendCloud, BackendLocalOffline, BackendLocalLarge:
	default:
		return fmt.Errorf("%w: TRANSCRIPTION_BACKEND must be one of cloud, local_offline, local_large (got %q)", ErrInvalid, cfg.Backend)
	}

	if cfg.Audio.Channels != 1 {
		return fmt.Errorf("%w: AUDIO_CHANNELS must be 1 (got %d)", ErrInvalid, cfg.Audio.Channels)
	}
	if cfg.Audio.SampleRate < 8000 || cfg.Audio.SampleRate > 96000 {
		return fmt.Errorf("%w: AUDIO_SAMPLE_RATE must be between 8000 and 96000 (got %d)", ErrInvalid, cfg.Audio.SampleRate)
	}
	if cfg.Audio.ChunkSeconds <= 0 || cfg.Audio.ChunkSeconds > 5 {
		return fmt.Errorf("%w: AUDIO_CHUNK_DURATION_SECONDS must be in (0, 5] (got %g)", ErrInvalid, cfg.Audio.ChunkSeconds)
	}

	switch cfg.Backend {
	case BackendCloud:
		if cfg.Cloud.APIKey == "" {
			return fmt.Errorf("%w: CLOUD_API_KEY is required for the cloud backend", ErrInvalid)
		}
		if cfg.Cloud.ConnectionURL == "" {
			return fmt.Errorf("%w: CLOUD_CONNECTION_URL is required for the cloud backend (wss://... endpoint)", ErrInvalid)
		}
		if u, err := url.Parse(cfg.Cloud.ConnectionURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("%w: CLOUD_CONNECTION_URL must be a ws:// or wss:// URL (got %q)", ErrInvalid, cfg.Cloud.ConnectionURL)
		}
	case BackendLocalOffline:
		if cfg.Local.ModelPath == "" {
			return fmt.Errorf("%w: LOCAL_MODEL_PATH is required for the local_offline backend", ErrInvalid)
		}
		if _, err := os.Stat(cfg.Local.ModelPath); err != nil {
			return fmt.Errorf("%w: LOCAL_MODEL_PATH %s: %v", ErrInvalid, cfg.Local.ModelPath, err)
		}
	}

	if cfg.Caption.Enabled {
		if cfg.Caption.PostURL == "" {
			return fmt.Errorf("%w: CAPTION_POST_URL is required when CAPTION_ENABLED=1", ErrInvalid)
		}
		if u, err := url.Parse(cfg.Caption.PostURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("%w: CAPTION_POST_URL must be an http(s) URL (got %q)", ErrInvalid, cfg.Caption.PostURL)
		}
	}
	if cfg.Transcript.Enabled && cfg.Transcript.Path == "" {
		return fmt.Errorf("%w: TRANSCRIPT_LOG_PATH is required when TRANSCRIPT_LOG_ENABLED=1", ErrInvalid)
	}
	if cfg.Translation.Enabled {
		if cfg.Translation.Provider != "libre" {
			return fmt.Errorf("%w: TRANSLATION_PROVIDER must be libre (got %q)", ErrInvalid, cfg.Translation.Provider)
		}
		if len(cfg.Translation.Targets) == 0 {
			return fmt.Errorf("%w: TRANSLATION_TARGETS must list at least one language when TRANSLATION_ENABLED=1", ErrInvalid)
		}
	}
	if cfg.Webhook.Enabled {
		if u, err := url.Parse(cfg.Webhook.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("%w: WEBHOOK_URL must be an http(s) URL (got %q)", ErrInvalid, cfg.Webhook.URL)
		}
	}
	return nil
}

// Redacted returns a copy with secret fields masked for display.
func (cfg *Config) Redacted() Config {
	out := *cfg
	if out.Cloud.APIKey != "" {
		out.Cloud.APIKey = "***redacted***"
	}
	if out.Translation.APIKey != "" {
		out.Translation.APIKey = "***redacted***"
	}
	if out.Webhook.URL != "" {
		// Webhook URLs embed the bearer token.
		out.Webhook.URL = "***redacted***"
	}
	return out
}
