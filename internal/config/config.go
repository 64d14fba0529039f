// Package config provides the configuration schema, loader, and hot-reload
// watcher for the voicebridge audio relay.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the voicebridge server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l onto the matching [slog.Level]. Unknown and empty values
// map to [slog.LevelInfo].
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Opus application values accepted by audio.application.
const (
	ApplicationVoIP     = "voip"
	ApplicationAudio    = "audio"
	ApplicationLowDelay = "lowdelay"
)

// Listening modes accepted by device.listening_mode. Manual listening is
// started per turn over the API and is never an auto mode.
const (
	ModeAutoStop = "auto_stop"
	ModeRealtime = "realtime"
)

// Config is the root configuration structure for voicebridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Audio    AudioConfig    `yaml:"audio"`
	Relay    RelayConfig    `yaml:"relay"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Device   DeviceConfig   `yaml:"device"`
}

// ServerConfig holds network and logging settings for the HTTP server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins lists websocket origin patterns accepted in addition to
	// same-origin requests (e.g., "localhost:*").
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AudioConfig describes the PCM formats exchanged with browsers and the codec
// used towards the upstream backend.
type AudioConfig struct {
	// InputSampleRate is the browser microphone rate in Hz.
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputSampleRate is the rate of PCM sent to browser speakers in Hz.
	OutputSampleRate int `yaml:"output_sample_rate"`

	Channels int `yaml:"channels"`

	// FrameDurationMS is the codec frame length in milliseconds. Valid Opus
	// frame sizes are 10, 20, 40 and 60.
	FrameDurationMS int `yaml:"frame_duration_ms"`

	// Application selects the Opus encoder tuning: voip, audio, or lowdelay.
	Application string `yaml:"application"`
}

// FrameDuration returns FrameDurationMS as a [time.Duration].
func (a AudioConfig) FrameDuration() time.Duration {
	return time.Duration(a.FrameDurationMS) * time.Millisecond
}

// InputFrameSamples is the number of samples per channel in one inbound frame.
func (a AudioConfig) InputFrameSamples() int {
	return a.InputSampleRate * a.FrameDurationMS / 1000
}

// OutputFrameSamples is the number of samples per channel in one outbound frame.
func (a AudioConfig) OutputFrameSamples() int {
	return a.OutputSampleRate * a.FrameDurationMS / 1000
}

// RelayConfig tunes the per-session behaviour of the browser relay.
type RelayConfig struct {
	// LivenessWindow is how recently audio must have moved for the status
	// flags to report it as active.
	LivenessWindow time.Duration `yaml:"liveness_window"`

	// SessionQueueSize bounds the outbound queue of each browser session.
	SessionQueueSize int `yaml:"session_queue_size"`

	// WriteTimeout bounds a single websocket write to a browser.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MaxMessageBytes caps the size of one inbound browser message.
	MaxMessageBytes int64 `yaml:"max_message_bytes"`
}

// UpstreamConfig points the relay at the conversational backend.
type UpstreamConfig struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL string `yaml:"url"`

	// FallbackURLs are tried in order when URL cannot be dialed. Each
	// endpoint has its own circuit breaker.
	FallbackURLs []string `yaml:"fallback_urls"`

	// Token is sent as a Bearer token when non-empty.
	Token string `yaml:"token"`

	DeviceID string `yaml:"device_id"`
	ClientID string `yaml:"client_id"`

	DialTimeout time.Duration `yaml:"dial_timeout"`

	// MaxMessageBytes caps the size of one backend message. A larger message
	// drops the connection.
	MaxMessageBytes int64 `yaml:"max_message_bytes"`

	// Hello is an optional raw text frame written after every successful dial.
	Hello string `yaml:"hello"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig controls how aggressively a failing upstream is redialed.
type BreakerConfig struct {
	MaxFailures int           `yaml:"max_failures"`
	Cooldown    time.Duration `yaml:"cooldown"`
	MaxCooldown time.Duration `yaml:"max_cooldown"`
}

// DeviceConfig seeds the device state tracker.
type DeviceConfig struct {
	AECEnabled bool `yaml:"aec_enabled"`

	// ListeningMode is the mode used by auto conversations: auto_stop or
	// realtime.
	ListeningMode string `yaml:"listening_mode"`
}

// Defaults for every optional field. [ApplyDefaults] fills zero values with them.
const (
	DefaultListenAddr       = ":8000"
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultChannels         = 1
	DefaultFrameDurationMS  = 20
	DefaultLivenessWindow   = 2 * time.Second
	DefaultSessionQueueSize = 64
	DefaultWriteTimeout     = 5 * time.Second
	DefaultMaxMessageBytes  = 64 << 10
	DefaultDialTimeout      = 10 * time.Second
	DefaultUpstreamMaxBytes = 1 << 20
	DefaultMaxFailures      = 3
	DefaultCooldown         = 2 * time.Second
	DefaultMaxCooldown      = 30 * time.Second
)

// ApplyDefaults fills every unset field of cfg with its default value.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	a := &cfg.Audio
	if a.InputSampleRate == 0 {
		a.InputSampleRate = DefaultInputSampleRate
	}
	if a.OutputSampleRate == 0 {
		a.OutputSampleRate = DefaultOutputSampleRate
	}
	if a.Channels == 0 {
		a.Channels = DefaultChannels
	}
	if a.FrameDurationMS == 0 {
		a.FrameDurationMS = DefaultFrameDurationMS
	}
	if a.Application == "" {
		a.Application = ApplicationVoIP
	}

	r := &cfg.Relay
	if r.LivenessWindow == 0 {
		r.LivenessWindow = DefaultLivenessWindow
	}
	if r.SessionQueueSize == 0 {
		r.SessionQueueSize = DefaultSessionQueueSize
	}
	if r.WriteTimeout == 0 {
		r.WriteTimeout = DefaultWriteTimeout
	}
	if r.MaxMessageBytes == 0 {
		r.MaxMessageBytes = DefaultMaxMessageBytes
	}

	u := &cfg.Upstream
	if u.DialTimeout == 0 {
		u.DialTimeout = DefaultDialTimeout
	}
	if u.MaxMessageBytes == 0 {
		u.MaxMessageBytes = DefaultUpstreamMaxBytes
	}
	if u.Breaker.MaxFailures == 0 {
		u.Breaker.MaxFailures = DefaultMaxFailures
	}
	if u.Breaker.Cooldown == 0 {
		u.Breaker.Cooldown = DefaultCooldown
	}
	if u.Breaker.MaxCooldown == 0 {
		u.Breaker.MaxCooldown = DefaultMaxCooldown
	}

	if cfg.Device.ListeningMode == "" {
		cfg.Device.ListeningMode = ModeRealtime
	}
}
