package relay

import (
	"encoding/json"
	"fmt"

	"github.com/MrWong99/voicebridge/internal/device"
)

// ─── Client → relay ──────────────────────────────────────────────────────────

// ClientMessage is a decoded text control message from a browser. The set of
// variants is closed: [MicMessage], [PingMessage], [NoticeMessage] and
// [UnrecognizedMessage].
type ClientMessage interface {
	clientMessage()
}

// MicMessage toggles whether the session's binary frames are treated as
// microphone audio.
type MicMessage struct {
	Active bool
}

// PingMessage asks the relay to answer with a pong on the same session.
type PingMessage struct{}

// NoticeMessage carries free-form diagnostic text from the browser.
type NoticeMessage struct {
	Message string
}

// UnrecognizedMessage is any payload that is not valid JSON or has an unknown
// type. It is logged and otherwise ignored.
type UnrecognizedMessage struct {
	Raw    []byte
	Reason string
}

func (MicMessage) clientMessage()          {}
func (PingMessage) clientMessage()         {}
func (NoticeMessage) clientMessage()       {}
func (UnrecognizedMessage) clientMessage() {}

// clientEnvelope is the wire shape shared by all control messages.
type clientEnvelope struct {
	Type    string          `json:"type"`
	Active  json.RawMessage `json:"active"`
	Message json.RawMessage `json:"message"`
}

// ParseClientMessage decodes one text frame. It never fails; malformed input
// yields an [UnrecognizedMessage].
func ParseClientMessage(data []byte) ClientMessage {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return UnrecognizedMessage{Raw: data, Reason: "invalid json: " + err.Error()}
	}
	switch env.Type {
	case "mic":
		return MicMessage{Active: truthy(env.Active)}
	case "ping":
		return PingMessage{}
	case "notice":
		return NoticeMessage{Message: rawText(env.Message)}
	case "":
		return UnrecognizedMessage{Raw: data, Reason: "missing type"}
	default:
		return UnrecognizedMessage{Raw: data, Reason: fmt.Sprintf("unknown type %q", env.Type)}
	}
}

// truthy interprets a loosely typed JSON flag: true, a non-zero number, a
// non-empty string, array or object count as set.
func truthy(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return false
	}
}

// rawText returns a JSON string value as-is and any other value in its JSON
// form.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// ─── Relay → client ──────────────────────────────────────────────────────────

type configMessage struct {
	Type               string       `json:"type"`
	InputSampleRate    int          `json:"inputSampleRate"`
	OutputSampleRate   int          `json:"outputSampleRate"`
	FrameSamples       int          `json:"frameSamples"`
	OutputFrameSamples int          `json:"outputFrameSamples"`
	DeviceState        device.State `json:"deviceState"`
}

type deviceStateMessage struct {
	Type  string       `json:"type"`
	State device.State `json:"state"`
}

type pongMessage struct {
	Type string `json:"type"`
}

// encodeControl marshals a relay control message. The message types above
// contain only strings and ints, so marshalling cannot fail in practice.
func encodeControl(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic("relay: marshal control message: " + err.Error())
	}
	return b
}

func (b *Bridge) configPayload(state device.State) []byte {
	return encodeControl(configMessage{
		Type:               "config",
		InputSampleRate:    b.cfg.Input.SampleRate,
		OutputSampleRate:   b.cfg.Output.SampleRate,
		FrameSamples:       b.cfg.FrameSamples,
		OutputFrameSamples: b.cfg.OutputFrameSamples,
		DeviceState:        state,
	})
}

func deviceStatePayload(state device.State) []byte {
	return encodeControl(deviceStateMessage{Type: "device_state", State: state})
}

var pongPayload = encodeControl(pongMessage{Type: "pong"})
