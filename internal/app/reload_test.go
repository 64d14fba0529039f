package app

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/MrWong99/voicebridge/internal/config"
	"github.com/MrWong99/voicebridge/internal/device"
	audiomock "github.com/MrWong99/voicebridge/pkg/audio/mock"
)

func TestApplyConfig_HotReloadsRuntimeKnobs(t *testing.T) {
	t.Parallel()
	old := &config.Config{}
	config.ApplyDefaults(old)

	var lv slog.LevelVar
	a, err := New(context.Background(), old,
		WithCodec(&audiomock.Codec{}),
		WithLogLevel(&lv),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	updated := *old
	updated.Server.LogLevel = config.LogDebug
	updated.Device.AECEnabled = true
	updated.Device.ListeningMode = config.ModeAutoStop
	updated.Relay.LivenessWindow = 10 * time.Second

	a.applyConfig(old, &updated)

	if got := lv.Level(); got != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", got)
	}
	if !a.tracker.Snapshot().AECEnabled {
		t.Error("AEC not enabled after reload")
	}

	a.tracker.StartAuto()
	if got := a.tracker.Snapshot().Mode; got != device.ModeAutoStop {
		t.Errorf("auto mode = %q, want auto_stop", got)
	}
}

func TestBreakerStates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		url       string
		fallbacks []string
		want      []string
	}{
		{name: "no upstream"},
		{name: "single endpoint", url: "ws://a.example/", want: []string{"ws://a.example/"}},
		{
			name:      "with fallbacks",
			url:       "ws://a.example/",
			fallbacks: []string{"ws://b.example/", "ws://c.example/"},
			want:      []string{"ws://a.example/", "ws://b.example/", "ws://c.example/"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &config.Config{}
			config.ApplyDefaults(cfg)
			cfg.Upstream.URL = tc.url
			cfg.Upstream.FallbackURLs = tc.fallbacks

			a, err := New(context.Background(), cfg, WithCodec(&audiomock.Codec{}))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

			got := a.breakerStates()
			if len(got) != len(tc.want) {
				t.Fatalf("breakerStates = %v, want keys %v", got, tc.want)
			}
			for _, k := range tc.want {
				if got[k] != "closed" {
					t.Errorf("breaker %q = %q, want closed", k, got[k])
				}
			}
		})
	}
}
