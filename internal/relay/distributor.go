package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/voicebridge/internal/observe"
	"github.com/MrWong99/voicebridge/pkg/audio"
)

// PCMBroadcaster fans decoded speaker audio out to sessions.
type PCMBroadcaster interface {
	BroadcastPCM(ctx context.Context, pcm []byte) int
}

// Distributor decodes compressed speaker frames from upstream and broadcasts
// the PCM. A frame that fails to decode is dropped on its own; later frames
// are unaffected.
type Distributor struct {
	dec     audio.Decoder
	sink    PCMBroadcaster
	samples int
	metrics *observe.Metrics
}

// NewDistributor creates a Distributor decoding frames of samples samples per
// channel. dec may be nil while the application is still starting. A nil m
// uses [observe.DefaultMetrics].
func NewDistributor(dec audio.Decoder, sink PCMBroadcaster, samples int, m *observe.Metrics) *Distributor {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Distributor{dec: dec, sink: sink, samples: samples, metrics: m}
}

// HandleFrame decodes frame and broadcasts the result.
func (d *Distributor) HandleFrame(ctx context.Context, frame []byte) {
	if d.dec == nil {
		d.metrics.RecordSpeakerFrame(ctx, observe.SpeakerNotReady)
		slog.Debug("relay: decoder not ready, dropping speaker frame")
		return
	}

	start := time.Now()
	pcm, err := d.dec.Decode(frame, d.samples)
	d.metrics.RecordCodec(ctx, "decode", start)
	if err != nil {
		d.metrics.RecordSpeakerFrame(ctx, observe.SpeakerDecodeError)
		slog.Debug("relay: decode failed, dropping speaker frame",
			"bytes", len(frame),
			"err", err)
		return
	}
	if len(pcm) == 0 {
		d.metrics.RecordSpeakerFrame(ctx, observe.SpeakerEmpty)
		return
	}

	d.sink.BroadcastPCM(ctx, pcm)
	d.metrics.RecordSpeakerFrame(ctx, observe.SpeakerBroadcast)
}
