package protocol

import "fmt"

// FrameParseError reports a frame that could not be decoded.
// It affects only that frame; reading continues with the next one.
type FrameParseError struct {
	Frame []byte
	Err   error
}

func (e *FrameParseError) Error() string {
	const max = 128
	f := e.Frame
	if len(f) > max {
		f = f[:max]
	}
	return fmt.Sprintf("parsing frame %q: %s", f, e.Err)
}

func (e *FrameParseError) Unwrap() error { return e.Err }
