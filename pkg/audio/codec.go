package audio

// Encoder compresses one PCM frame. An empty result with a nil error means
// the codec produced nothing worth sending for this frame.
type Encoder interface {
	Encode(pcm []byte) ([]byte, error)
}

// Decoder expands one compressed frame into PCM. samples is the number of
// samples per channel the caller expects the frame to hold.
type Decoder interface {
	Decode(data []byte, samples int) ([]byte, error)
}

// Codec is an [Encoder] and a [Decoder] for the same stream pair.
//
// Implementations must be safe for concurrent use: encode runs on browser
// receive goroutines and decode on the upstream read goroutine.
type Codec interface {
	Encoder
	Decoder
}
