// Package mock provides an in-memory mock implementation of [audio.Codec] for
// use in unit tests.
//
// The mock is safe for concurrent use. It records every call so that tests
// can assert on call counts and arguments, and it exposes exported fields that
// the test can set to control return values.
//
// Typical usage:
//
//	codec := &mock.Codec{EncodeResult: []byte{0xF8}}
//	fwd, _ := relay.NewForwarder(640, codec, up, tracker)
//	// ... push a frame ...
//	if codec.CallCountEncode != 1 { ... }
package mock

import (
	"sync"

	"github.com/MrWong99/voicebridge/pkg/audio"
)

var _ audio.Codec = (*Codec)(nil)

// DecodeCall records the arguments of a single [Codec.Decode] invocation.
type DecodeCall struct {
	// Data is a copy of the compressed frame.
	Data []byte

	// Samples is the expected per-channel sample count.
	Samples int
}

// Codec is a mock implementation of [audio.Codec].
// Set the exported Result fields before use; inspect the Call* fields after.
type Codec struct {
	mu sync.Mutex

	// EncodeResult is returned by [Codec.Encode] when EncodeFunc is nil.
	EncodeResult []byte

	// EncodeErr is returned by [Codec.Encode] when EncodeFunc is nil.
	EncodeErr error

	// EncodeFunc, when set, overrides EncodeResult and EncodeErr.
	EncodeFunc func(pcm []byte) ([]byte, error)

	// DecodeResult is returned by [Codec.Decode] when DecodeFunc is nil.
	DecodeResult []byte

	// DecodeErr is returned by [Codec.Decode] when DecodeFunc is nil.
	DecodeErr error

	// DecodeFunc, when set, overrides DecodeResult and DecodeErr.
	DecodeFunc func(data []byte, samples int) ([]byte, error)

	// CallCountEncode records how many times Encode was called.
	CallCountEncode int

	// CallCountDecode records how many times Decode was called.
	CallCountDecode int

	// EncodeCalls holds a copy of each PCM frame passed to Encode, in order.
	EncodeCalls [][]byte

	// DecodeCalls holds the arguments of each Decode call, in order.
	DecodeCalls []DecodeCall
}

// Encode implements [audio.Encoder].
func (c *Codec) Encode(pcm []byte) ([]byte, error) {
	c.mu.Lock()
	c.CallCountEncode++
	c.EncodeCalls = append(c.EncodeCalls, append([]byte(nil), pcm...))
	fn, res, err := c.EncodeFunc, c.EncodeResult, c.EncodeErr
	c.mu.Unlock()

	if fn != nil {
		return fn(pcm)
	}
	return res, err
}

// Decode implements [audio.Decoder].
func (c *Codec) Decode(data []byte, samples int) ([]byte, error) {
	c.mu.Lock()
	c.CallCountDecode++
	c.DecodeCalls = append(c.DecodeCalls, DecodeCall{Data: append([]byte(nil), data...), Samples: samples})
	fn, res, err := c.DecodeFunc, c.DecodeResult, c.DecodeErr
	c.mu.Unlock()

	if fn != nil {
		return fn(data, samples)
	}
	return res, err
}

// EncodeCount returns CallCountEncode under the lock.
func (c *Codec) EncodeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountEncode
}

// DecodeCount returns CallCountDecode under the lock.
func (c *Codec) DecodeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountDecode
}
