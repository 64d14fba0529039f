package relay

// FrameAccumulator turns arbitrarily sized PCM chunks into fixed-size frames.
// After every [FrameAccumulator.Push] fewer than one frame's worth of bytes
// remain buffered.
//
// FrameAccumulator is not safe for concurrent use; [Forwarder] guards it.
type FrameAccumulator struct {
	size int
	buf  []byte
}

// NewFrameAccumulator creates an accumulator producing frames of frameBytes
// bytes. It panics if frameBytes is not positive.
func NewFrameAccumulator(frameBytes int) *FrameAccumulator {
	if frameBytes <= 0 {
		panic("relay: frame size must be positive")
	}
	return &FrameAccumulator{size: frameBytes, buf: make([]byte, 0, frameBytes*2)}
}

// Push appends chunk and returns every complete frame, oldest first. Returned
// frames are copies and remain valid after later pushes.
func (a *FrameAccumulator) Push(chunk []byte) [][]byte {
	a.buf = append(a.buf, chunk...)
	if len(a.buf) < a.size {
		return nil
	}

	n := len(a.buf) / a.size
	frames := make([][]byte, 0, n)
	off := 0
	for ; off+a.size <= len(a.buf); off += a.size {
		frame := make([]byte, a.size)
		copy(frame, a.buf[off:off+a.size])
		frames = append(frames, frame)
	}
	a.buf = append(a.buf[:0], a.buf[off:]...)
	return frames
}

// Buffered returns the number of bytes waiting for the next frame.
func (a *FrameAccumulator) Buffered() int { return len(a.buf) }

// Reset discards any partial frame.
func (a *FrameAccumulator) Reset() { a.buf = a.buf[:0] }
