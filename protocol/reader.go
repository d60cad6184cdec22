package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// readChunkSize is the size of each read from the worker's stdout.
const readChunkSize = 32768

// DefaultMaxFrameSize bounds a single frame read by ScanFrames.
const DefaultMaxFrameSize = 6 << 20

// errorFrameLen is how much of an oversized frame is kept in its FrameParseError.
const errorFrameLen = 128

// ErrTruncatedFrame is reported when the stream ends in the middle of a frame.
var ErrTruncatedFrame = errors.New("stream ended before frame terminator")

// ErrFrameTooLarge is reported for a frame longer than the reader's limit. The frame is discarded up to its terminator.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// FrameReader accumulates raw chunks and splits them into frames.
// Chunk boundaries are arbitrary: one chunk may hold a fraction of a frame, or several frames.
// The zero value has no frame size limit. A FrameReader is not goroutine-safe.
type FrameReader struct {
	buf []byte

	// scanned is the prefix of buf already searched for a terminator.
	scanned int
	max     int

	// discarding is set while skipping the rest of an oversized frame.
	discarding bool
}

// NewFrameReader returns a reader that rejects frames longer than maxFrameSize bytes. Zero means no limit.
func NewFrameReader(maxFrameSize int) *FrameReader {
	return &FrameReader{max: maxFrameSize}
}

// Push appends chunk to the buffer and returns every frame it completes, in order, without terminators.
// Blank frames are skipped. Any trailing partial frame stays buffered for the next call.
// Oversized frames are dropped; use PushFunc to observe them.
func (r *FrameReader) Push(chunk []byte) [][]byte {
	var frames [][]byte
	r.PushFunc(chunk, func(frame []byte, err error) {
		if err == nil {
			frames = append(frames, frame)
		}
	})
	return frames
}

// PushFunc is like Push, but calls fn with each frame in order. An oversized frame is reported once, as a
// *FrameParseError wrapping ErrFrameTooLarge, and the rest of it is skipped.
func (r *FrameReader) PushFunc(chunk []byte, fn func(frame []byte, err error)) {
	r.buf = append(r.buf, chunk...)

	start := 0
	for {
		i := bytes.IndexByte(r.buf[r.scanned:], Terminator)
		if i < 0 {
			break
		}
		end := r.scanned + i
		line := r.buf[start:end]
		start = end + 1
		r.scanned = start

		switch {
		case r.discarding:
			r.discarding = false
		case len(bytes.TrimSpace(line)) == 0:
		case r.max > 0 && len(line) > r.max:
			fn(nil, tooLarge(line))
		default:
			frame := make([]byte, len(line))
			copy(frame, line)
			fn(frame, nil)
		}
	}
	r.scanned = len(r.buf)

	if start > 0 {
		n := copy(r.buf, r.buf[start:])
		r.buf = r.buf[:n]
		r.scanned = n
	}

	if r.max > 0 && len(r.buf) > r.max {
		if !r.discarding {
			fn(nil, tooLarge(r.buf))
			r.discarding = true
		}
		r.buf = r.buf[:0]
		r.scanned = 0
	}
}

func tooLarge(frame []byte) *FrameParseError {
	prefix := make([]byte, min(len(frame), errorFrameLen))
	copy(prefix, frame)
	return &FrameParseError{Frame: prefix, Err: ErrFrameTooLarge}
}

// Buffered returns the number of bytes held for an incomplete frame.
func (r *FrameReader) Buffered() int {
	return len(r.buf)
}

// Remainder returns and clears the incomplete frame, if any.
// The tail of an oversized frame that was already reported is not returned.
func (r *FrameReader) Remainder() []byte {
	discarding := r.discarding
	r.discarding = false
	r.scanned = 0
	if discarding || len(bytes.TrimSpace(r.buf)) == 0 {
		r.buf = r.buf[:0]
		return nil
	}
	rem := make([]byte, len(r.buf))
	copy(rem, r.buf)
	r.buf = r.buf[:0]
	return rem
}

// ScanFrames reads src until EOF, calling fn with each complete frame.
// A partial frame left at EOF is reported through fn as a *FrameParseError wrapping ErrTruncatedFrame, and a frame
// over DefaultMaxFrameSize as one wrapping ErrFrameTooLarge.
// The returned error is nil on EOF.
func ScanFrames(src io.Reader, fn func(frame []byte, err error)) error {
	fr := NewFrameReader(DefaultMaxFrameSize)
	chunk := make([]byte, readChunkSize)
	for {
		n, err := src.Read(chunk)
		if n > 0 {
			fr.PushFunc(chunk[:n], fn)
		}
		if err != nil {
			if rem := fr.Remainder(); rem != nil {
				fn(nil, &FrameParseError{Frame: rem, Err: ErrTruncatedFrame})
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading frames: %w", err)
		}
	}
}

// Frame is one parsed reply frame, or the reason it could not be parsed.
type Frame struct {
	Reply Reply
	Err   error
}

// ReadReplies reads reply frames from src until EOF.
// Malformed frames are delivered with Err set and do not stop the stream.
func ReadReplies(src io.Reader, fn func(Frame)) error {
	return ScanFrames(src, func(frame []byte, err error) {
		if err != nil {
			fn(Frame{Err: err})
			return
		}
		reply, err := ParseReply(frame)
		fn(Frame{Reply: reply, Err: err})
	})
}
