package app

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/MrWong99/voicebridge/internal/device"
	"github.com/MrWong99/voicebridge/internal/logbuf"
	"github.com/MrWong99/voicebridge/internal/observe"
	"github.com/MrWong99/voicebridge/internal/relay"
	"github.com/MrWong99/voicebridge/pkg/upstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	WebAudio relay.Status    `json:"webAudio"`
	Device   device.Snapshot `json:"device"`
	Upstream UpstreamStatus  `json:"upstream"`
}

// UpstreamStatus reports the backend link.
type UpstreamStatus struct {
	Configured bool              `json:"configured"`
	Open       bool              `json:"open"`
	Breakers   map[string]string `json:"breakers,omitempty"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type deviceStateRequest struct {
	State string `json:"state"`
}

// LogsResponse is the body of GET /api/logs.
type LogsResponse struct {
	Logs []logbuf.Entry `json:"logs"`
}

type textRequest struct {
	Text string `json:"text"`
}

// detectMessage tells the backend that the user typed text instead of
// speaking it.
type detectMessage struct {
	Type  string `json:"type"`
	State string `json:"state"`
	Text  string `json:"text"`
}

// maxRequestBody caps JSON request bodies on the control endpoints.
const maxRequestBody = 4 << 10

func (a *App) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("GET /ws/audio", a.bridge)

	mux.HandleFunc("GET /api/status", a.handleStatus)
	mux.HandleFunc("POST /api/conversation/manual/start", a.conversation(a.tracker.StartManual))
	mux.HandleFunc("POST /api/conversation/manual/stop", a.conversation(a.tracker.StopManual))
	mux.HandleFunc("POST /api/conversation/auto/start", a.conversation(a.tracker.StartAuto))
	mux.HandleFunc("POST /api/conversation/auto/stop", a.conversation(a.tracker.StopConversation))
	mux.HandleFunc("POST /api/conversation/abort", a.handleAbort)
	mux.HandleFunc("POST /api/conversation/text", a.handleText)
	mux.HandleFunc("POST /api/device/state", a.handleDeviceState)
	mux.HandleFunc("GET /api/logs", a.handleLogs)
	mux.HandleFunc("POST /api/logs/reset", a.handleLogsReset)

	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	res := StatusResponse{
		WebAudio: a.bridge.Status(),
		Device:   a.tracker.Snapshot(),
	}
	if a.upstream != nil {
		res.Upstream = UpstreamStatus{
			Configured: true,
			Open:       a.upstream.IsOpen(),
			Breakers:   a.breakerStates(),
		}
	}
	writeJSON(w, http.StatusOK, res)
}

// conversation adapts a tracker transition to a POST handler. The transition
// itself notifies the publisher, which broadcasts to every session.
func (a *App) conversation(transition func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		transition()
		observe.Logger(r.Context()).Info("conversation control",
			"path", r.URL.Path,
			"state", a.tracker.State())
		writeJSON(w, http.StatusOK, okResponse{OK: true})
	}
}

// handleAbort interrupts speech. Aborting while not speaking is a no-op that
// still reports success.
func (a *App) handleAbort(w http.ResponseWriter, r *http.Request) {
	if a.tracker.AbortSpeaking() {
		a.forwarder.Reset()
		observe.Logger(r.Context()).Info("speaking aborted")
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// handleDeviceState lets an external owner of the conversation report a
// device state transition.
func (a *App) handleDeviceState(w http.ResponseWriter, r *http.Request) {
	var req deviceStateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid body: %v", err)})
		return
	}
	state, err := device.ParseState(req.State)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	a.tracker.SetState(state)
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// handleText sends typed text to the backend as if it had been spoken. Speech
// in progress is aborted first.
func (a *App) handleText(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid body: %v", err)})
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "text must not be empty"})
		return
	}
	sender, ok := a.upstream.(upstream.TextSender)
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "upstream cannot carry text"})
		return
	}

	if a.tracker.AbortSpeaking() {
		a.forwarder.Reset()
	}
	if err := a.upstream.EnsureOpen(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	msg, err := json.Marshal(detectMessage{Type: "listen", State: "detect", Text: text})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if err := sender.SendText(r.Context(), msg); err != nil {
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	observe.Logger(r.Context()).Info("text sent upstream", "chars", len(text))
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// handleLogs returns buffered log entries newer than the since query
// parameter, or all of them when it is absent.
func (a *App) handleLogs(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid since %q", v)})
			return
		}
		since = n
	}
	writeJSON(w, http.StatusOK, LogsResponse{Logs: a.logs.Since(since)})
}

func (a *App) handleLogsReset(w http.ResponseWriter, _ *http.Request) {
	a.logs.Reset()
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encode"}`, http.StatusInternalServerError)
	}
}
