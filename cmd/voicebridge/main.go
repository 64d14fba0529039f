// Command voicebridge relays browser microphone and speaker audio between
// websocket clients and a conversational voice backend.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voicebridge/internal/app"
	"github.com/MrWong99/voicebridge/internal/config"
	"github.com/MrWong99/voicebridge/internal/logbuf"
	"github.com/MrWong99/voicebridge/internal/observe"
)

var version = "dev"

var (
	cfgFile    string
	statusAddr string
)

var rootCmd = &cobra.Command{
	Use:          "voicebridge",
	Short:        "Browser audio relay for voice assistants",
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay server",
	RunE:  runServe,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the status of a running relay",
	RunE:  runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "voicebridge %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "path to the YAML configuration file")
	statusCmd.Flags().StringVar(&statusAddr, "addr", "http://127.0.0.1:8000", "base URL of the running relay")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "voicebridge:", err)
		os.Exit(1)
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", cfgFile)
		}
		return err
	}

	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.SlogLevel())
	logs := logbuf.New(logbuf.DefaultCapacity)
	slog.SetDefault(newLogger(os.Stderr, &level, logs))

	slog.Info("voicebridge starting",
		"version", version,
		"config", cfgFile,
		"listen_addr", cfg.Server.ListenAddr,
		"upstream", cfg.Upstream.URL,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voicebridge",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	application, err := app.New(ctx, cfg,
		app.WithConfigWatch(cfgFile),
		app.WithLogLevel(&level),
		app.WithLogBuffer(logs),
	)
	if err != nil {
		return err
	}

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return runErr
}

// ── status ────────────────────────────────────────────────────────────────────

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	url := strings.TrimSuffix(statusAddr, "/") + "/api/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("query %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("query %s: %s", url, resp.Status)
	}

	var st app.StatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	printStatus(cmd.OutOrStdout(), st)
	return nil
}

func printStatus(w io.Writer, st app.StatusResponse) {
	wa := st.WebAudio
	fmt.Fprintf(w, "web audio   : %s (%d session(s))\n", wa.StatusText, wa.Sessions)
	fmt.Fprintf(w, "microphone  : streaming=%t active=%t\n", wa.MicrophoneStreaming, wa.MicrophoneActive)
	fmt.Fprintf(w, "speaker     : active=%t\n", wa.SpeakerActive)
	fmt.Fprintf(w, "format      : in %d Hz / out %d Hz, %d samples per frame\n",
		wa.InputSampleRate, wa.OutputSampleRate, wa.FrameSamples)
	fmt.Fprintf(w, "device      : %s (mode %s, aec %t)\n", st.Device.State, st.Device.Mode, st.Device.AECEnabled)
	switch {
	case !st.Upstream.Configured:
		fmt.Fprintln(w, "upstream    : (not configured)")
	case st.Upstream.Open:
		fmt.Fprintln(w, "upstream    : open")
	default:
		fmt.Fprintln(w, "upstream    : closed")
	}
}

// ── Logger ────────────────────────────────────────────────────────────────────

// newLogger writes text records at level to w and keeps recent records in
// logs for GET /api/logs.
func newLogger(w io.Writer, level slog.Leveler, logs *logbuf.Buffer) *slog.Logger {
	return slog.New(logs.Handler(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}
