package config

import (
	"errors"
	"strings"
	"testing"
)

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TRANSCRIPTION_BACKEND", "local_large")
	t.Setenv("AUDIO_SAMPLE_RATE", "48000")
	t.Setenv("AUDIO_DEVICE_INDEX", "7")
	t.Setenv("AUDIO_CLIP_THRESHOLD_DBFS", "-3")
	t.Setenv("AUDIO_CLIP_HOLD_SECONDS", "1.5")
	t.Setenv("CAPTION_ENABLED", "1")
	t.Setenv("CAPTION_POST_URL", "https://example.com/closedcaption?id=1")
	t.Setenv("TRANSLATION_TARGETS", "ja, ko")
	t.Setenv("TRANSLATION_DEFAULT_VISIBILITY", "ja:true,ko:false")
	t.Setenv("WEBHOOK_FLUSH_INTERVAL", "3.5")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := Default()
	applyEnvOverrides(cfg)

	if cfg.Backend != BackendLocalLarge {
		t.Fatalf("backend override failed: %q", cfg.Backend)
	}
	if cfg.Audio.SampleRate != 48000 || cfg.Audio.DeviceIndex != 7 {
		t.Fatalf("audio overrides failed: %+v", cfg.Audio)
	}
	if cfg.Audio.ClipThresholdDBFS != -3 || cfg.Audio.ClipHoldSeconds != 1.5 {
		t.Fatalf("level monitor overrides failed: %+v", cfg.Audio)
	}
	if !cfg.Caption.Enabled || cfg.Caption.PostURL == "" {
		t.Fatalf("caption overrides failed: %+v", cfg.Caption)
	}
	if len(cfg.Translation.Targets) != 2 || cfg.Translation.Targets[1] != "ko" {
		t.Fatalf("targets parse failed: %v", cfg.Translation.Targets)
	}
	if cfg.Translation.DefaultVisibility["ja"] != true || cfg.Translation.DefaultVisibility["ko"] != false {
		t.Fatalf("visibility parse failed: %v", cfg.Translation.DefaultVisibility)
	}
	if cfg.Webhook.FlushInterval != 3.5 {
		t.Fatalf("flush interval override failed: %g", cfg.Webhook.FlushInterval)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("log level override failed: %q", cfg.Logging.Level)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.toml"

	cfg := Default()
	cfg.Backend = BackendLocalLarge
	cfg.Webhook.Username = "Kunveno"

	if err := Save(cfg, path); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Backend != BackendLocalLarge {
		t.Fatalf("expected backend to persist, got %q", loaded.Backend)
	}
	if loaded.Webhook.Username != "Kunveno" {
		t.Fatalf("expected webhook username to persist")
	}
}

func TestValidateNamesOffendingKey(t *testing.T) {
	cfg := Default()
	cfg.Backend = "speechmatics"
	if err := cfg.Validate(); err == nil || !errors.Is(err, ErrInvalid) || !strings.Contains(err.Error(), "TRANSCRIPTION_BACKEND") {
		t.Fatalf("expected ErrInvalid naming TRANSCRIPTION_BACKEND for bad backend, got %v", err)
	}

	cfg = Default()
	cfg.Backend = BackendCloud
	err := cfg.Validate()
	if err == nil || !errors.Is(err, ErrInvalid) || !strings.Contains(err.Error(), "CLOUD_API_KEY") {
		t.Fatalf("expected ErrInvalid naming CLOUD_API_KEY for missing cloud key, got %v", err)
	}

	cfg = Default()
	cfg.Backend = BackendLocalOffline
	cfg.Local.ModelPath = "/nonexistent/model"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "LOCAL_MODEL_PATH") {
		t.Fatalf("expected error naming LOCAL_MODEL_PATH for absent model path, got %v", err)
	}

	cfg = Default()
	cfg.Audio.Channels = 2
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "AUDIO_CHANNELS") {
		t.Fatalf("expected error naming AUDIO_CHANNELS for stereo channels, got %v", err)
	}
}

func TestRedactedMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.Cloud.APIKey = "sm-longlivedkey"
	cfg.Webhook.URL = "https://discord.com/api/webhooks/1/token"

	red := cfg.Redacted()
	if red.Cloud.APIKey != "***redacted***" || red.Webhook.URL != "***redacted***" {
		t.Fatalf("secrets not masked: %+v", red)
	}
	if cfg.Cloud.APIKey == "***redacted***" {
		t.Fatalf("original mutated")
	}
}
