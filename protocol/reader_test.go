package protocol

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameReaderPush(t *testing.T) {
	cases := []struct {
		name      string
		chunks    []string
		expFrames []string
		expBuffer int
	}{
		{
			name:      "single frame",
			chunks:    []string{"{\"id\":\"1\"}\n"},
			expFrames: []string{`{"id":"1"}`},
		},
		{
			name:      "frame split across chunks",
			chunks:    []string{`{"id":"1"`, ",\"ok\":true}\n"},
			expFrames: []string{`{"id":"1","ok":true}`},
		},
		{
			name:      "two frames in one chunk",
			chunks:    []string{"{\"id\":\"a\"}\n{\"id\":\"b\"}\n"},
			expFrames: []string{`{"id":"a"}`, `{"id":"b"}`},
		},
		{
			name:      "frame then partial",
			chunks:    []string{"{\"id\":\"a\"}\n{\"id\""},
			expFrames: []string{`{"id":"a"}`},
			expBuffer: len(`{"id"`),
		},
		{
			name:      "terminator in its own chunk",
			chunks:    []string{`{"id":"a"}`, "\n"},
			expFrames: []string{`{"id":"a"}`},
		},
		{
			name:      "partial completed alongside a full frame",
			chunks:    []string{`{"id":`, "\"a\"}\n{\"id\":\"b\"}\n{"},
			expFrames: []string{`{"id":"a"}`, `{"id":"b"}`},
			expBuffer: 1,
		},
		{
			name:      "blank lines are skipped",
			chunks:    []string{"\n\r\n{\"id\":\"a\"}\n\n"},
			expFrames: []string{`{"id":"a"}`},
		},
		{
			name:   "no terminator",
			chunks: []string{`{"id":"a"}`},
			// nothing emitted yet
			expBuffer: len(`{"id":"a"}`),
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var fr FrameReader
			var got []string
			for _, chunk := range c.chunks {
				for _, f := range fr.Push([]byte(chunk)) {
					got = append(got, string(f))
				}
			}
			assert.Equal(t, c.expFrames, got)
			assert.Equal(t, c.expBuffer, fr.Buffered())
		})
	}
}

func TestFrameReaderFramesDoNotAliasBuffer(t *testing.T) {
	var fr FrameReader
	frames := fr.Push([]byte("{\"id\":\"a\"}\n{\"id\":\"b\"}\n"))
	require.Len(t, frames, 2)
	fr.Push([]byte("xxxxxxxxxxxxxxxxxxxxxxxxxxxx"))
	assert.Equal(t, `{"id":"a"}`, string(frames[0]))
	assert.Equal(t, `{"id":"b"}`, string(frames[1]))
}

// oneByteReader returns a single byte per Read, the worst case for chunk boundaries.
type oneByteReader struct{ r io.Reader }

func (o *oneByteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return o.r.Read(p[:1])
}

func TestReadReplies(t *testing.T) {
	input := strings.Join([]string{
		`{"id":"a","payload":{"y":1}}`,
		`not json`,
		`{"payload":{}}`,
		`{"id":"b","ok":true}`,
		`{"id":"trunc"`,
	}, "\n")

	var frames []Frame
	err := ReadReplies(&oneByteReader{r: strings.NewReader(input)}, func(f Frame) {
		frames = append(frames, f)
	})
	require.NoError(t, err)
	require.Len(t, frames, 5)

	require.NoError(t, frames[0].Err)
	assert.Equal(t, "a", frames[0].Reply.ID)
	assert.JSONEq(t, `{"y":1}`, string(frames[0].Reply.Payload))

	var parseErr *FrameParseError
	require.ErrorAs(t, frames[1].Err, &parseErr)
	assert.Equal(t, "not json", string(parseErr.Frame))

	require.ErrorAs(t, frames[2].Err, &parseErr)
	assert.ErrorIs(t, frames[2].Err, errMissingID)

	require.NoError(t, frames[3].Err)
	assert.Equal(t, "b", frames[3].Reply.ID)
	assert.Nil(t, frames[3].Reply.Payload)
	assert.JSONEq(t, `{"id":"b","ok":true}`, string(frames[3].Reply.Body()))

	assert.ErrorIs(t, frames[4].Err, ErrTruncatedFrame)
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestScanFramesReturnsReadError(t *testing.T) {
	err := ScanFrames(errReader{}, func([]byte, error) {
		t.Fatal("no frames expected")
	})
	require.ErrorContains(t, err, "boom")
}

func TestFrameReaderScansOnlyNewBytes(t *testing.T) {
	var fr FrameReader
	frame := strings.Repeat("x", 10000)
	for i := 0; i < len(frame); i += 100 {
		require.Empty(t, fr.Push([]byte(frame[i:i+100])))
		assert.Equal(t, fr.Buffered(), fr.scanned)
	}
	frames := fr.Push([]byte("\n{}"))
	require.Len(t, frames, 1)
	assert.Equal(t, frame, string(frames[0]))
	assert.Equal(t, 2, fr.Buffered())
	assert.Equal(t, 2, fr.scanned)
}

func TestFrameReaderMaxFrameSize(t *testing.T) {
	fr := NewFrameReader(8)
	var frames []string
	var errs []error
	fn := func(frame []byte, err error) {
		if err != nil {
			errs = append(errs, err)
			return
		}
		frames = append(frames, string(frame))
	}

	// a partial frame grows past the limit and its tail is skipped
	fr.PushFunc([]byte("{\"a\":1}\n0123456789"), fn)
	assert.Equal(t, 0, fr.Buffered())
	fr.PushFunc([]byte("abcdef\n{}\n"), fn)
	// a complete frame over the limit
	fr.PushFunc([]byte("0123456789abc\n[]\n"), fn)

	assert.Equal(t, []string{`{"a":1}`, `{}`, `[]`}, frames)
	require.Len(t, errs, 2)
	var parseErr *FrameParseError
	require.ErrorAs(t, errs[0], &parseErr)
	assert.ErrorIs(t, errs[0], ErrFrameTooLarge)
	assert.Equal(t, "0123456789", string(parseErr.Frame))
	require.ErrorAs(t, errs[1], &parseErr)
	assert.ErrorIs(t, errs[1], ErrFrameTooLarge)
	assert.Equal(t, "0123456789abc", string(parseErr.Frame))
	assert.Equal(t, 0, fr.Buffered())
}

func TestFrameReaderRemainderAfterOversizedFrame(t *testing.T) {
	fr := NewFrameReader(4)
	fr.PushFunc([]byte("0123456789"), func([]byte, error) {})
	fr.PushFunc([]byte("more"), func([]byte, error) {})
	assert.Nil(t, fr.Remainder(), "the oversized frame was already reported")

	frames := fr.Push([]byte("{}\n"))
	assert.Equal(t, [][]byte{[]byte("{}")}, frames)
}
