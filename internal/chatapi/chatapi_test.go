package chatapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValidRequest(t *testing.T) {
	body := []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}],"stream":true,"temperature":0.5}`)
	req, err := Parse(body)
	require.NoError(t, err)
	assert.Equal(t, "m", req.Model)
	assert.True(t, req.Stream)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "hi", req.Messages[0].Content)
	assert.Contains(t, req.Raw, "temperature")
}

func TestParseRejectsInvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`{not json`))
	require.Error(t, err)
}

func TestParseRejectsEmptyMessages(t *testing.T) {
	_, err := Parse([]byte(`{"model":"m","messages":[]}`))
	require.Error(t, err)
}

func TestWithRoutingAddsFieldsAndPreservesOthers(t *testing.T) {
	req, err := Parse([]byte(`{"model":"m","messages":[{"role":"user","content":"hi"}],"temperature":0.5}`))
	require.NoError(t, err)

	out := req.WithRouting("10.0.0.1", 12345, 7, 2)
	assert.Equal(t, "10.0.0.1", out["bootstrap_host"])
	assert.Equal(t, 12345, out["bootstrap_port"])
	assert.Equal(t, int64(7), out["bootstrap_room"])
	assert.Equal(t, uint(2), out["decode_rank"])
	assert.Equal(t, 0.5, out["temperature"])
	assert.Equal(t, "m", out["model"])
}

func TestWithRoutingOmitsAbsentBootstrapPort(t *testing.T) {
	req, err := Parse([]byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)

	out := req.WithRouting("10.0.0.1", 0, 3, 0)
	_, present := out["bootstrap_port"]
	assert.False(t, present)
}

func TestWithRoutingDoesNotMutateOriginalRaw(t *testing.T) {
	req, err := Parse([]byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)

	req.WithRouting("host", 1, 1, 0)
	_, present := req.Raw["bootstrap_host"]
	assert.False(t, present)
}
