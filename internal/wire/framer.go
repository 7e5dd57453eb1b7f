package wire

import (
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// Framer — stream reassembly with bounded recovery
// -------------------------------------------------------------------------

// BufferHighWatermark caps the framer's internal buffer. Device frames
// top out at HeaderSize+MaxPayloadSize; anything beyond a few frames of
// buffered input means the stream has lost sync and is discarded rather
// than grown without bound.
const BufferHighWatermark = 64 * 1024

// Recovery budget bounds, see recoveryBudget.
const (
	minRecoveryBudget = 100
	maxRecoveryBudget = 1000
)

// Framing errors. These are buffer-level conditions; the session counts
// them but keeps the connection open unless they repeat past its own
// tolerance.
var (
	// ErrRecoveryBudgetExceeded indicates resync scanning exceeded the
	// bounded budget; the buffer was cleared.
	ErrRecoveryBudgetExceeded = errors.New("framing recovery budget exceeded, buffer cleared")

	// ErrBufferOverflow indicates buffered input exceeded
	// BufferHighWatermark; the buffer was cleared.
	ErrBufferOverflow = errors.New("framer buffer exceeded high watermark, buffer cleared")
)

// Framer consumes a byte stream and yields complete packets. Incomplete
// data is buffered until more bytes arrive. Invalid headers trigger a
// bounded resync scan: the framer advances one header width at a time,
// spending at most recoveryBudget() attempts per Push, which keeps worst
// case work O(n) in bytes fed even on fully corrupt input.
//
// A Framer is owned by a single session reader and is not safe for
// concurrent use.
type Framer struct {
	buf []byte

	// framesYielded counts complete packets produced over the framer's
	// lifetime.
	framesYielded uint64

	// resyncs counts header-width advances performed during recovery.
	resyncs uint64
}

// NewFramer returns an empty framer.
func NewFramer() *Framer {
	return &Framer{}
}

// recoveryBudget is the per-Push cap on resync attempts:
// max(100, min(1000, bufsize/5)). Scaling with the buffer keeps small
// corrupt bursts cheap while letting a large desynced buffer drain in a
// bounded number of Push calls.
func (f *Framer) recoveryBudget() int {
	budget := len(f.buf) / HeaderSize
	if budget < minRecoveryBudget {
		return minRecoveryBudget
	}
	if budget > maxRecoveryBudget {
		return maxRecoveryBudget
	}
	return budget
}

// Push appends data to the buffer and returns all complete frames that
// can be delimited. Frames are raw (header included); the caller decodes
// them so that unknown kinds and inner-structure failures surface as
// typed DecodeErrors at the session, not silently inside the framer.
//
// A non-nil error reports a recovery event (budget exceeded or
// overflow); any frames delimited before the event are still returned,
// and the framer remains usable.
func (f *Framer) Push(data []byte) ([][]byte, error) {
	f.buf = append(f.buf, data...)

	if len(f.buf) > BufferHighWatermark {
		f.buf = nil
		return nil, fmt.Errorf("push %d bytes: %w", len(data), ErrBufferOverflow)
	}

	var frames [][]byte
	budget := f.recoveryBudget()

	for {
		if len(f.buf) < HeaderSize {
			return frames, nil
		}

		length := int(f.buf[3])<<8 | int(f.buf[4])
		if length > MaxPayloadSize {
			// Invalid header: advance one header width and retry.
			if budget == 0 {
				f.buf = nil
				return frames, ErrRecoveryBudgetExceeded
			}
			budget--
			f.resyncs++
			f.buf = f.buf[HeaderSize:]
			continue
		}

		total := HeaderSize + length
		if len(f.buf) < total {
			// Wait for the rest of the frame.
			return frames, nil
		}

		frame := make([]byte, total)
		copy(frame, f.buf[:total])
		f.buf = f.buf[total:]

		f.framesYielded++
		frames = append(frames, frame)
	}
}

// Buffered returns the number of bytes waiting for frame completion.
func (f *Framer) Buffered() int { return len(f.buf) }

// FramesYielded returns the number of complete packets produced.
func (f *Framer) FramesYielded() uint64 { return f.framesYielded }

// Resyncs returns the number of header-width recovery advances performed.
func (f *Framer) Resyncs() uint64 { return f.resyncs }
