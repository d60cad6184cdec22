package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/guseggert/procbridge/internal/jsoncodec"
)

// Terminator ends every frame on the wire.
const Terminator = '\n'

// HRTime is a [seconds, nanoseconds] pair read from a monotonic clock.
type HRTime [2]int64

func NewHRTime(d time.Duration) HRTime {
	return HRTime{int64(d / time.Second), int64(d % time.Second)}
}

func (t HRTime) Duration() time.Duration {
	return time.Duration(t[0])*time.Second + time.Duration(t[1])
}

// Request is sent to the worker.
// ID must be unique among requests whose replies are still outstanding; the bridge does not generate it.
type Request struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
	// Context carries invocation metadata supplied by the caller, e.g. the HTTP method and path.
	Context map[string]any `json:"context,omitempty"`

	// SubmittedAtMonotonic is the elapsed time since the encoder was created, taken from the monotonic clock.
	SubmittedAtMonotonic HRTime `json:"submittedAtMonotonic"`
	// SubmittedAtWallClock is the submission time in Unix milliseconds.
	SubmittedAtWallClock int64 `json:"submittedAtWallClock"`
}

// Reply is a parsed reply frame.
type Reply struct {
	ID string
	// Payload is the reply's "payload" member, or nil if the worker did not send one.
	Payload json.RawMessage
	// Raw is the complete frame without its terminator.
	Raw json.RawMessage
}

// Body returns the payload if present, otherwise the whole frame.
func (r Reply) Body() json.RawMessage {
	if r.Payload != nil {
		return r.Payload
	}
	return r.Raw
}

type replyLine struct {
	ID      *string         `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var errMissingID = errors.New(`frame has no "id" member`)

// ParseReply decodes a single frame into a Reply.
// Malformed JSON, and JSON without a non-empty string id, produce a *FrameParseError.
func ParseReply(frame []byte) (Reply, error) {
	raw := make([]byte, len(frame))
	copy(raw, frame)

	var line replyLine
	if err := jsoncodec.Unmarshal(raw, &line); err != nil {
		return Reply{}, &FrameParseError{Frame: raw, Err: err}
	}
	if line.ID == nil || *line.ID == "" {
		return Reply{}, &FrameParseError{Frame: raw, Err: errMissingID}
	}
	return Reply{ID: *line.ID, Payload: line.Payload, Raw: raw}, nil
}

// MarshalReply builds a terminated reply line carrying id and payload.
func MarshalReply(id string, payload any) ([]byte, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := jsoncodec.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling payload for %q: %w", id, err)
		}
		raw = b
	}
	b, err := jsoncodec.Marshal(replyLine{ID: &id, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshaling reply %q: %w", id, err)
	}
	return append(b, Terminator), nil
}

// Encoder turns requests into terminated lines, stamping each with its submission time.
type Encoder struct {
	epoch time.Time
	now   func() time.Time
}

func NewEncoder() *Encoder {
	return &Encoder{epoch: time.Now(), now: time.Now}
}

// Marshal stamps a copy of req and returns it along with its wire line.
func (e *Encoder) Marshal(req Request) (Request, []byte, error) {
	if req.ID == "" {
		return req, nil, errors.New("request has no id")
	}
	if req.Payload == nil {
		req.Payload = json.RawMessage("null")
	}

	now := e.now()
	req.SubmittedAtMonotonic = NewHRTime(now.Sub(e.epoch))
	req.SubmittedAtWallClock = now.UnixMilli()

	b, err := jsoncodec.Marshal(req)
	if err != nil {
		return req, nil, fmt.Errorf("marshaling request %q: %w", req.ID, err)
	}
	return req, append(b, Terminator), nil
}
