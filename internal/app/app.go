// Package app wires all voicebridge subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and keeps the upstream link and configuration
// fresh, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithCodec,
// WithUpstream, WithMetrics). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/voicebridge/internal/config"
	"github.com/MrWong99/voicebridge/internal/device"
	"github.com/MrWong99/voicebridge/internal/health"
	"github.com/MrWong99/voicebridge/internal/logbuf"
	"github.com/MrWong99/voicebridge/internal/observe"
	"github.com/MrWong99/voicebridge/internal/relay"
	"github.com/MrWong99/voicebridge/internal/resilience"
	"github.com/MrWong99/voicebridge/pkg/audio"
	"github.com/MrWong99/voicebridge/pkg/audio/opus"
	"github.com/MrWong99/voicebridge/pkg/upstream"
	"github.com/MrWong99/voicebridge/pkg/upstream/ws"
	"golang.org/x/sync/errgroup"
)

// App owns all subsystem lifetimes of the audio relay.
type App struct {
	cfg        *config.Config
	configPath string
	logLevel   *slog.LevelVar
	logs       *logbuf.Buffer

	// Subsystems, initialised in New and torn down in Shutdown.
	metrics     *observe.Metrics
	codec       audio.Codec
	upstream    upstream.Channel
	breaker     *resilience.CircuitBreaker
	endpoints   *resilience.FallbackGroup[string]
	tracker     *device.Tracker
	bridge      *relay.Bridge
	forwarder   *relay.Forwarder
	distributor *relay.Distributor
	publisher   *relay.Publisher
	health      *health.Handler
	handler     http.Handler
	server      *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCodec injects a codec instead of creating an Opus codec from config.
func WithCodec(c audio.Codec) Option {
	return func(a *App) { a.codec = c }
}

// WithUpstream injects the backend channel instead of dialing
// upstream.url.
func WithUpstream(ch upstream.Channel) Option {
	return func(a *App) { a.upstream = ch }
}

// WithMetrics injects the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithConfigWatch enables hot reload of the file at path during Run.
func WithConfigWatch(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithLogLevel lets hot reload adjust the level of the process logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithLogBuffer serves logs through GET /api/logs. The buffer should be fed
// by the process logger. Default: an empty buffer nothing writes to.
func WithLogBuffer(b *logbuf.Buffer) Option {
	return func(a *App) { a.logs = b }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. cfg must already have
// defaults applied and be valid. New does not touch the network; the first
// upstream dial happens in Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.logs == nil {
		a.logs = logbuf.New(logbuf.DefaultCapacity)
	}

	// ── 1. Codec ─────────────────────────────────────────────────────────
	if err := a.initCodec(); err != nil {
		return nil, fmt.Errorf("app: init codec: %w", err)
	}

	// ── 2. Upstream ──────────────────────────────────────────────────────
	a.initUpstream()

	// ── 3. Device state ──────────────────────────────────────────────────
	mode, err := device.ParseListeningMode(cfg.Device.ListeningMode)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.tracker = device.NewTracker(mode, cfg.Device.AECEnabled)

	// ── 4. Relay ─────────────────────────────────────────────────────────
	if err := a.initRelay(ctx); err != nil {
		return nil, fmt.Errorf("app: init relay: %w", err)
	}

	// ── 5. HTTP ──────────────────────────────────────────────────────────
	frameBytes := a.inputFormat().FrameBytes(cfg.Audio.InputFrameSamples())
	a.health = health.New(
		health.Upstream(a.upstream),
		health.Codec(a.codec, frameBytes),
	)
	a.handler = observe.Middleware(a.metrics)(a.routes())
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) inputFormat() audio.Format {
	return audio.Format{SampleRate: a.cfg.Audio.InputSampleRate, Channels: a.cfg.Audio.Channels}
}

func (a *App) outputFormat() audio.Format {
	return audio.Format{SampleRate: a.cfg.Audio.OutputSampleRate, Channels: a.cfg.Audio.Channels}
}

// initCodec builds the Opus codec unless one was injected.
func (a *App) initCodec() error {
	if a.codec != nil {
		return nil
	}
	c, err := opus.New(opus.Config{
		Input:        a.inputFormat(),
		Output:       a.outputFormat(),
		FrameSamples: a.cfg.Audio.InputFrameSamples(),
		Application:  opus.Application(a.cfg.Audio.Application),
	})
	if err != nil {
		return err
	}
	a.codec = c
	return nil
}

// initUpstream creates the websocket client unless a channel was injected. A
// single endpoint sits behind one circuit breaker; with fallback URLs every
// endpoint gets its own. With no upstream.url the channel stays nil and every
// microphone frame is dropped as not ready.
func (a *App) initUpstream() {
	if a.upstream != nil {
		a.closers = append(a.closers, a.upstream.Close)
		return
	}
	u := a.cfg.Upstream
	if u.URL == "" {
		return
	}

	cbCfg := resilience.CircuitBreakerConfig{
		Name:        "upstream",
		MaxFailures: u.Breaker.MaxFailures,
		Cooldown:    u.Breaker.Cooldown,
		MaxCooldown: u.Breaker.MaxCooldown,
	}

	opts := []ws.Option{
		ws.WithDialTimeout(u.DialTimeout),
		ws.WithReadLimit(u.MaxMessageBytes),
		ws.WithDialHook(func(status string) {
			a.metrics.RecordUpstreamDial(context.Background(), status)
		}),
	}
	if len(u.FallbackURLs) == 0 {
		a.breaker = resilience.NewCircuitBreaker(cbCfg)
		opts = append(opts, ws.WithGate(a.breaker))
	} else {
		a.endpoints = resilience.NewFallbackGroup(u.URL, u.URL, resilience.FallbackConfig{CircuitBreaker: cbCfg})
		for _, fb := range u.FallbackURLs {
			a.endpoints.AddFallback(fb, fb)
		}
		opts = append(opts, ws.WithEndpoints(a.endpoints))
	}
	if u.Token != "" {
		opts = append(opts, ws.WithBearerToken(u.Token))
	}
	if u.DeviceID != "" {
		opts = append(opts, ws.WithDeviceID(u.DeviceID))
	}
	if u.ClientID != "" {
		opts = append(opts, ws.WithClientID(u.ClientID))
	}
	if u.Hello != "" {
		opts = append(opts, ws.WithHello(u.Hello))
	}
	client := ws.New(u.URL, opts...)
	client.OnText(func(msg []byte) {
		slog.Debug("upstream text message", "bytes", len(msg))
	})

	a.upstream = client
	a.closers = append(a.closers, client.Close)
}

// initRelay builds the bridge and connects it to the codec, upstream and
// device tracker.
func (a *App) initRelay(ctx context.Context) error {
	cfg := a.cfg
	a.bridge = relay.New(relay.Config{
		Input:              a.inputFormat(),
		Output:             a.outputFormat(),
		FrameSamples:       cfg.Audio.InputFrameSamples(),
		OutputFrameSamples: cfg.Audio.OutputFrameSamples(),
		LivenessWindow:     cfg.Relay.LivenessWindow,
		QueueSize:          cfg.Relay.SessionQueueSize,
		WriteTimeout:       cfg.Relay.WriteTimeout,
		ReadLimit:          cfg.Relay.MaxMessageBytes,
		OriginPatterns:     cfg.Server.AllowedOrigins,
	}, relay.WithMetrics(a.metrics))

	frameBytes := a.inputFormat().FrameBytes(cfg.Audio.InputFrameSamples())
	fwd, err := relay.NewForwarder(frameBytes, a.codec, a.upstream, a.tracker,
		relay.WithForwarderMetrics(a.metrics))
	if err != nil {
		return err
	}
	a.forwarder = fwd
	a.bridge.SetMicrophoneHandler(fwd.HandleMicrophone)

	a.distributor = relay.NewDistributor(a.codec, a.bridge, cfg.Audio.OutputFrameSamples(), a.metrics)
	if a.upstream != nil {
		// Speaker frames arrive on the upstream read goroutine, which
		// outlives any single request; they are tied to the app context.
		a.upstream.OnAudio(func(frame []byte) {
			a.distributor.HandleFrame(ctx, frame)
		})
	}

	a.publisher = relay.NewPublisher(a.bridge)
	a.publisher.Attach(ctx, a.tracker)
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the fully wrapped HTTP handler. Tests serve it with
// httptest instead of calling Run.
func (a *App) Handler() http.Handler { return a.handler }

// Bridge returns the browser session registry.
func (a *App) Bridge() *relay.Bridge { return a.bridge }

// Tracker returns the device state tracker.
func (a *App) Tracker() *device.Tracker { return a.tracker }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled or the server fails. Alongside the
// server it makes the first upstream dial and, when enabled, watches the
// config file. Run returns nil on a clean stop.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", a.server.Addr)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.bridge.Close(shutdownCtx); err != nil {
			slog.Warn("relay close error", "err", err)
		}
		return a.server.Shutdown(shutdownCtx)
	})

	if a.upstream != nil {
		g.Go(func() error {
			if err := a.upstream.EnsureOpen(gctx); err != nil {
				slog.Warn("upstream not reachable yet; will retry on the next microphone frame", "err", err)
			}
			return nil
		})
	}

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig)
		if err != nil {
			slog.Warn("config hot reload disabled", "path", a.configPath, "err", err)
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	return g.Wait()
}

// applyConfig applies the hot-reloadable part of a changed config.
func (a *App) applyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.LivenessWindowChanged {
		a.bridge.SetLivenessWindow(d.NewLivenessWindow)
		slog.Info("liveness window changed", "window", d.NewLivenessWindow)
	}
	if d.AECChanged {
		a.tracker.SetAECEnabled(d.NewAEC)
		slog.Info("acoustic echo cancellation changed", "enabled", d.NewAEC)
	}
	if d.ListeningModeChanged {
		if mode, err := device.ParseListeningMode(d.NewListeningMode); err == nil {
			a.tracker.SetAutoMode(mode)
			slog.Info("auto listening mode changed", "mode", mode)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "keys", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Stop accepting microphone audio before the upstream goes away.
		a.bridge.ClearHandlers()
		if a.upstream != nil {
			a.upstream.OnAudio(nil)
		}

		if err := a.bridge.Close(ctx); err != nil {
			slog.Warn("relay close error", "err", err)
		}
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// breakerStates reports the circuit breaker state of every upstream endpoint.
func (a *App) breakerStates() map[string]string {
	var states map[string]resilience.State
	switch {
	case a.endpoints != nil:
		states = a.endpoints.States()
	case a.breaker != nil:
		states = map[string]resilience.State{a.cfg.Upstream.URL: a.breaker.State()}
	default:
		return nil
	}
	out := make(map[string]string, len(states))
	for name, st := range states {
		out[name] = st.String()
	}
	return out
}
