package config

import (
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	LivenessWindowChanged bool
	NewLivenessWindow     time.Duration

	AECChanged bool
	NewAEC     bool

	ListeningModeChanged bool
	NewListeningMode     string

	// RestartRequired lists the dotted keys of changed fields that are only
	// read at startup.
	RestartRequired []string
}

// Empty reports whether d carries no hot-reloadable change.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.LivenessWindowChanged && !d.AECChanged && !d.ListeningModeChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Relay.LivenessWindow != new.Relay.LivenessWindow {
		d.LivenessWindowChanged = true
		d.NewLivenessWindow = new.Relay.LivenessWindow
	}
	if old.Device.AECEnabled != new.Device.AECEnabled {
		d.AECChanged = true
		d.NewAEC = new.Device.AECEnabled
	}
	if old.Device.ListeningMode != new.Device.ListeningMode {
		d.ListeningModeChanged = true
		d.NewListeningMode = new.Device.ListeningMode
	}

	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("audio", old.Audio != new.Audio)
	restart("relay.session_queue_size", old.Relay.SessionQueueSize != new.Relay.SessionQueueSize)
	restart("relay.write_timeout", old.Relay.WriteTimeout != new.Relay.WriteTimeout)
	restart("relay.max_message_bytes", old.Relay.MaxMessageBytes != new.Relay.MaxMessageBytes)
	restart("upstream", !upstreamEqual(old.Upstream, new.Upstream))

	return d
}

// upstreamEqual compares field by field; FallbackURLs makes the struct
// incomparable with ==.
func upstreamEqual(a, b UpstreamConfig) bool {
	return a.URL == b.URL &&
		slices.Equal(a.FallbackURLs, b.FallbackURLs) &&
		a.Token == b.Token &&
		a.DeviceID == b.DeviceID &&
		a.ClientID == b.ClientID &&
		a.DialTimeout == b.DialTimeout &&
		a.MaxMessageBytes == b.MaxMessageBytes &&
		a.Hello == b.Hello &&
		a.Breaker == b.Breaker
}
