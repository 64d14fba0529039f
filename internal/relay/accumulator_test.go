package relay

import (
	"bytes"
	"testing"
)

// ramp returns n bytes counting up from start.
func ramp(start, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(start + i)
	}
	return b
}

func TestFrameAccumulator_SlicesExactFrames(t *testing.T) {
	t.Parallel()

	const frame = 640
	tests := []struct {
		name      string
		chunks    []int
		wantFrame int
		wantRest  int
	}{
		{"less than one frame", []int{100}, 0, 100},
		{"exactly one frame", []int{640}, 1, 0},
		{"K frames plus remainder", []int{3*640 + 17}, 3, 17},
		{"many small chunks", []int{200, 200, 200, 200}, 1, 160},
		{"remainder completes later", []int{600, 80}, 1, 40},
		{"empty chunk", []int{0}, 0, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			acc := NewFrameAccumulator(frame)
			var all, input []byte
			offset := 0
			for _, n := range tc.chunks {
				chunk := ramp(offset, n)
				offset += n
				input = append(input, chunk...)
				for _, f := range acc.Push(chunk) {
					if len(f) != frame {
						t.Fatalf("frame size = %d, want %d", len(f), frame)
					}
					all = append(all, f...)
				}
			}

			if got := len(all) / frame; got != tc.wantFrame {
				t.Errorf("frames = %d, want %d", got, tc.wantFrame)
			}
			if got := acc.Buffered(); got != tc.wantRest {
				t.Errorf("buffered = %d, want %d", got, tc.wantRest)
			}
			if !bytes.Equal(all, input[:len(all)]) {
				t.Error("frames do not preserve input order")
			}
		})
	}
}

func TestFrameAccumulator_FramesAreCopies(t *testing.T) {
	t.Parallel()

	acc := NewFrameAccumulator(4)
	first := acc.Push([]byte{1, 2, 3, 4, 5})
	acc.Push([]byte{6, 7, 8, 9, 10, 11})

	if !bytes.Equal(first[0], []byte{1, 2, 3, 4}) {
		t.Errorf("earlier frame mutated to %v", first[0])
	}
}

func TestFrameAccumulator_Reset(t *testing.T) {
	t.Parallel()

	acc := NewFrameAccumulator(4)
	acc.Push([]byte{1, 2, 3})
	acc.Reset()
	if acc.Buffered() != 0 {
		t.Fatalf("buffered = %d after Reset", acc.Buffered())
	}
	frames := acc.Push([]byte{9, 9, 9, 9})
	if len(frames) != 1 || !bytes.Equal(frames[0], []byte{9, 9, 9, 9}) {
		t.Errorf("frames after Reset = %v", frames)
	}
}

func TestNewFrameAccumulator_PanicsOnZeroSize(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	NewFrameAccumulator(0)
}
