package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// validFrameDurations are the Opus frame sizes in milliseconds that the relay
// accepts. 2.5 and 5 ms frames are too small to be worth the overhead.
var validFrameDurations = []int{10, 20, 40, 60}

// validSampleRates are the PCM rates the Opus codec can run at.
var validSampleRates = []int{8000, 12000, 16000, 24000, 48000}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Unknown keys are rejected. An empty document yields
// the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	a := cfg.Audio
	if !slices.Contains(validSampleRates, a.InputSampleRate) {
		errs = append(errs, fmt.Errorf("audio.input_sample_rate %d is invalid; valid values: %v", a.InputSampleRate, validSampleRates))
	}
	if !slices.Contains(validSampleRates, a.OutputSampleRate) {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate %d is invalid; valid values: %v", a.OutputSampleRate, validSampleRates))
	}
	if a.Channels != 1 && a.Channels != 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is invalid; must be 1 or 2", a.Channels))
	}
	if !slices.Contains(validFrameDurations, a.FrameDurationMS) {
		errs = append(errs, fmt.Errorf("audio.frame_duration_ms %d is invalid; valid values: %v", a.FrameDurationMS, validFrameDurations))
	}
	switch a.Application {
	case ApplicationVoIP, ApplicationAudio, ApplicationLowDelay:
	default:
		errs = append(errs, fmt.Errorf("audio.application %q is invalid; valid values: voip, audio, lowdelay", a.Application))
	}

	// Relay
	r := cfg.Relay
	if r.LivenessWindow < 0 {
		errs = append(errs, fmt.Errorf("relay.liveness_window %s must not be negative", r.LivenessWindow))
	}
	if r.SessionQueueSize < 1 {
		errs = append(errs, fmt.Errorf("relay.session_queue_size %d must be at least 1", r.SessionQueueSize))
	}
	if r.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("relay.write_timeout %s must not be negative", r.WriteTimeout))
	}
	if r.MaxMessageBytes < 1024 {
		errs = append(errs, fmt.Errorf("relay.max_message_bytes %d must be at least 1024", r.MaxMessageBytes))
	}

	// Upstream
	u := cfg.Upstream
	if u.URL == "" {
		slog.Warn("upstream.url is empty; microphone audio will be dropped until a backend is configured")
		if len(u.FallbackURLs) > 0 {
			errs = append(errs, errors.New("upstream.fallback_urls requires upstream.url"))
		}
	} else if err := validateWSURL(u.URL); err != nil {
		errs = append(errs, fmt.Errorf("upstream.url: %w", err))
	}
	for i, fb := range u.FallbackURLs {
		if err := validateWSURL(fb); err != nil {
			errs = append(errs, fmt.Errorf("upstream.fallback_urls[%d]: %w", i, err))
		}
	}
	if u.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("upstream.dial_timeout %s must not be negative", u.DialTimeout))
	}
	if u.MaxMessageBytes < 1024 {
		errs = append(errs, fmt.Errorf("upstream.max_message_bytes %d must be at least 1024", u.MaxMessageBytes))
	}
	if u.Breaker.MaxFailures < 1 {
		errs = append(errs, fmt.Errorf("upstream.breaker.max_failures %d must be at least 1", u.Breaker.MaxFailures))
	}
	if u.Breaker.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("upstream.breaker.cooldown %s must not be negative", u.Breaker.Cooldown))
	}
	if u.Breaker.MaxCooldown < u.Breaker.Cooldown {
		errs = append(errs, fmt.Errorf("upstream.breaker.max_cooldown %s is shorter than cooldown %s", u.Breaker.MaxCooldown, u.Breaker.Cooldown))
	}

	// Device
	switch cfg.Device.ListeningMode {
	case ModeAutoStop, ModeRealtime:
	default:
		errs = append(errs, fmt.Errorf("device.listening_mode %q is invalid; valid values: auto_stop, realtime", cfg.Device.ListeningMode))
	}
	if cfg.Device.ListeningMode == ModeRealtime && !cfg.Device.AECEnabled {
		slog.Warn("device.listening_mode is realtime without aec_enabled; the microphone is muted while the device speaks")
	}

	return errors.Join(errs...)
}

func validateWSURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return fmt.Errorf("%q must use the ws or wss scheme", raw)
	}
	return nil
}
