package jsoncodec

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawMessageIsPreserved(t *testing.T) {
	var v struct {
		ID      string          `json:"id"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, Unmarshal([]byte(`{"id":"a","payload":{"x":[1,2]}}`), &v))
	assert.Equal(t, "a", v.ID)
	assert.JSONEq(t, `{"x":[1,2]}`, string(v.Payload))

	b, err := Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"a","payload":{"x":[1,2]}}`, string(b))
}

func TestEncodeAppendsNewline(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, map[string]int{"a": 1}))
	assert.Equal(t, "{\"a\":1}\n", buf.String())

	var out map[string]int
	require.NoError(t, Decode(&buf, &out))
	assert.Equal(t, 1, out["a"])
}

func TestValid(t *testing.T) {
	assert.True(t, Valid([]byte(`{"a":1}`)))
	assert.False(t, Valid([]byte(`{"a":`)))
}
