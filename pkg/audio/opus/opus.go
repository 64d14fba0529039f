// Package opus implements [audio.Codec] on top of libopus via gopus.
//
// One [Codec] carries a single encoder for the microphone direction and a
// single decoder for the speaker direction. Opus keeps inter-frame state, so
// the encoder and decoder are each guarded by their own mutex and frames must
// be fed in stream order.
package opus

import (
	"errors"
	"fmt"
	"sync"

	"layeh.com/gopus"

	"github.com/MrWong99/voicebridge/pkg/audio"
)

// maxPacketBytes is the largest Opus packet we ask libopus to produce.
const maxPacketBytes = 4000

// Application selects the libopus encoder tuning.
type Application string

const (
	// Voip favours speech intelligibility.
	Voip Application = "voip"
	// Audio favours fidelity for non-speech content.
	Audio Application = "audio"
	// LowDelay disables speech-specific modes for the lowest latency.
	LowDelay Application = "lowdelay"
)

func (a Application) gopus() (gopus.Application, error) {
	switch a {
	case Voip, "":
		return gopus.Voip, nil
	case Audio:
		return gopus.Audio, nil
	case LowDelay:
		return gopus.RestrictedLowDelay, nil
	default:
		return 0, fmt.Errorf("opus: unknown application %q", string(a))
	}
}

// Config describes the two directions of a [Codec].
type Config struct {
	// Input is the microphone PCM format fed to Encode.
	Input audio.Format

	// Output is the speaker PCM format produced by Decode.
	Output audio.Format

	// FrameSamples is the per-channel sample count of every Encode input.
	FrameSamples int

	// Application tunes the encoder. Default: Voip.
	Application Application
}

// Codec is a thread-safe Opus encoder/decoder pair.
type Codec struct {
	cfg        Config
	frameBytes int

	encMu sync.Mutex
	enc   *gopus.Encoder

	decMu sync.Mutex
	dec   *gopus.Decoder
}

var _ audio.Codec = (*Codec)(nil)

// New creates a Codec for cfg.
func New(cfg Config) (*Codec, error) {
	if err := cfg.Input.Validate(); err != nil {
		return nil, fmt.Errorf("opus: input: %w", err)
	}
	if err := cfg.Output.Validate(); err != nil {
		return nil, fmt.Errorf("opus: output: %w", err)
	}
	if cfg.FrameSamples <= 0 {
		return nil, errors.New("opus: frame samples must be positive")
	}
	app, err := cfg.Application.gopus()
	if err != nil {
		return nil, err
	}

	enc, err := gopus.NewEncoder(cfg.Input.SampleRate, cfg.Input.Channels, app)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	dec, err := gopus.NewDecoder(cfg.Output.SampleRate, cfg.Output.Channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Codec{
		cfg:        cfg,
		frameBytes: cfg.Input.FrameBytes(cfg.FrameSamples),
		enc:        enc,
		dec:        dec,
	}, nil
}

// Encode compresses exactly one input frame of little-endian PCM.
func (c *Codec) Encode(pcm []byte) ([]byte, error) {
	if len(pcm) != c.frameBytes {
		return nil, fmt.Errorf("opus: encode: frame is %d bytes, want %d", len(pcm), c.frameBytes)
	}
	samples := audio.BytesToInt16s(pcm)

	c.encMu.Lock()
	defer c.encMu.Unlock()
	out, err := c.enc.Encode(samples, c.cfg.FrameSamples, maxPacketBytes)
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	return out, nil
}

// Decode expands one Opus packet into little-endian PCM holding at most
// samples samples per channel.
func (c *Codec) Decode(data []byte, samples int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("opus: decode: empty packet")
	}
	if samples <= 0 {
		return nil, fmt.Errorf("opus: decode: invalid sample count %d", samples)
	}

	c.decMu.Lock()
	defer c.decMu.Unlock()
	pcm, err := c.dec.Decode(data, samples, false)
	if err != nil {
		return nil, fmt.Errorf("opus: decode: %w", err)
	}
	return audio.Int16sToBytes(pcm), nil
}
