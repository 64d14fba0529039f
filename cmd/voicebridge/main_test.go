package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/MrWong99/voicebridge/internal/app"
	"github.com/MrWong99/voicebridge/internal/device"
	"github.com/MrWong99/voicebridge/internal/logbuf"
	"github.com/MrWong99/voicebridge/internal/relay"
)

func TestPrintStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		upstream app.UpstreamStatus
		want     string
	}{
		{name: "not configured", want: "upstream    : (not configured)"},
		{name: "open", upstream: app.UpstreamStatus{Configured: true, Open: true}, want: "upstream    : open"},
		{name: "closed", upstream: app.UpstreamStatus{Configured: true}, want: "upstream    : closed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			printStatus(&buf, app.StatusResponse{
				WebAudio: relay.Status{
					Connected:  true,
					Sessions:   2,
					StatusText: "connected",
				},
				Device:   device.Snapshot{State: device.StateIdle},
				Upstream: tt.upstream,
			})
			out := buf.String()
			if !strings.Contains(out, "connected (2 session(s))") {
				t.Errorf("output missing session line:\n%s", out)
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("output missing %q:\n%s", tt.want, out)
			}
		})
	}
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	versionCmd.Run(versionCmd, nil)
	if got := buf.String(); !strings.HasPrefix(got, "voicebridge ") {
		t.Errorf("version output = %q", got)
	}
}

func TestNewLogger_FeedsLogBuffer(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	var level slog.LevelVar
	level.Set(slog.LevelWarn)
	logs := logbuf.New(logbuf.DefaultCapacity)
	log := newLogger(&out, &level, logs)

	log.Info("browser connected", "session_id", 1)
	log.Warn("upstream lost")

	if strings.Contains(out.String(), "browser connected") {
		t.Errorf("info written below the configured level: %s", out.String())
	}
	got := logs.Since(0)
	if len(got) != 2 || got[0].Message != "browser connected" || got[1].Message != "upstream lost" {
		t.Errorf("buffered entries = %+v", got)
	}
}
