package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voicebridge/internal/config"
)

const sampleYAML = `
server:
  listen_addr: ":9000"
  log_level: debug
  allowed_origins: ["localhost:*"]
audio:
  input_sample_rate: 16000
  output_sample_rate: 24000
  channels: 1
  frame_duration_ms: 60
  application: audio
relay:
  liveness_window: 3s
  session_queue_size: 32
  write_timeout: 2s
  max_message_bytes: 4096
upstream:
  url: "wss://backend.example/xiaozhi/v1/"
  token: secret
  device_id: "aa:bb:cc"
  client_id: web-1
  dial_timeout: 4s
  hello: '{"type":"hello"}'
  breaker:
    max_failures: 5
    cooldown: 1s
    max_cooldown: 10s
device:
  aec_enabled: true
  listening_mode: auto_stop
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":9000")
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "localhost:*" {
		t.Errorf("allowed_origins: got %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Audio.FrameDurationMS != 60 || cfg.Audio.Application != config.ApplicationAudio {
		t.Errorf("audio: got %+v", cfg.Audio)
	}
	if cfg.Relay.LivenessWindow != 3*time.Second {
		t.Errorf("liveness_window: got %s, want 3s", cfg.Relay.LivenessWindow)
	}
	if cfg.Relay.SessionQueueSize != 32 || cfg.Relay.MaxMessageBytes != 4096 {
		t.Errorf("relay: got %+v", cfg.Relay)
	}
	if cfg.Upstream.Token != "secret" || cfg.Upstream.DeviceID != "aa:bb:cc" || cfg.Upstream.ClientID != "web-1" {
		t.Errorf("upstream identity: got %+v", cfg.Upstream)
	}
	if cfg.Upstream.Breaker.MaxFailures != 5 || cfg.Upstream.Breaker.MaxCooldown != 10*time.Second {
		t.Errorf("breaker: got %+v", cfg.Upstream.Breaker)
	}
	if !cfg.Device.AECEnabled || cfg.Device.ListeningMode != config.ModeAutoStop {
		t.Errorf("device: got %+v", cfg.Device)
	}
}

func TestLoadFromReader_EmptyAppliesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error for empty config: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"listen_addr", cfg.Server.ListenAddr, config.DefaultListenAddr},
		{"log_level", cfg.Server.LogLevel, config.LogInfo},
		{"input_sample_rate", cfg.Audio.InputSampleRate, 16000},
		{"output_sample_rate", cfg.Audio.OutputSampleRate, 24000},
		{"channels", cfg.Audio.Channels, 1},
		{"frame_duration_ms", cfg.Audio.FrameDurationMS, 20},
		{"application", cfg.Audio.Application, config.ApplicationVoIP},
		{"liveness_window", cfg.Relay.LivenessWindow, 2 * time.Second},
		{"session_queue_size", cfg.Relay.SessionQueueSize, 64},
		{"write_timeout", cfg.Relay.WriteTimeout, 5 * time.Second},
		{"max_message_bytes", cfg.Relay.MaxMessageBytes, int64(65536)},
		{"dial_timeout", cfg.Upstream.DialTimeout, 10 * time.Second},
		{"upstream max_message_bytes", cfg.Upstream.MaxMessageBytes, int64(1 << 20)},
		{"max_failures", cfg.Upstream.Breaker.MaxFailures, 3},
		{"cooldown", cfg.Upstream.Breaker.Cooldown, 2 * time.Second},
		{"max_cooldown", cfg.Upstream.Breaker.MaxCooldown, 30 * time.Second},
		{"listening_mode", cfg.Device.ListeningMode, config.ModeRealtime},
	}
	for _, tc := range tests {
		if tc.got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, tc.got, tc.want)
		}
	}
}

func TestAudioConfig_FrameSamples(t *testing.T) {
	t.Parallel()
	a := config.AudioConfig{InputSampleRate: 16000, OutputSampleRate: 24000, FrameDurationMS: 20}
	if got := a.InputFrameSamples(); got != 320 {
		t.Errorf("InputFrameSamples = %d, want 320", got)
	}
	if got := a.OutputFrameSamples(); got != 480 {
		t.Errorf("OutputFrameSamples = %d, want 480", got)
	}
	if got := a.FrameDuration(); got != 20*time.Millisecond {
		t.Errorf("FrameDuration = %s, want 20ms", got)
	}
}

func TestLogLevel_SlogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := tc.in.SlogLevel(); got != tc.want {
			t.Errorf("%q.SlogLevel() = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "voicebridge.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
	if !strings.Contains(err.Error(), "config: open") {
		t.Errorf("error should be wrapped with config: open, got: %v", err)
	}
}
