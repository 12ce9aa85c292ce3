package fanout

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgl-project/disagg-lb/internal/chatapi"
	"github.com/sgl-project/disagg-lb/internal/loadtracker"
	"github.com/sgl-project/disagg-lb/internal/registry"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testRequest(t *testing.T) *chatapi.ChatCompletionsRequest {
	t.Helper()
	req, err := chatapi.Parse([]byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	return req
}

// TestRoomCounterStride covers S7: ten requests each picking a rank in
// [0,4) must receive distinct, correctly-offset room ids.
func TestRoomCounterStride(t *testing.T) {
	var c RoomCounter
	seen := map[int64]bool{}
	for i := 0; i < 10; i++ {
		rank := uint(i % 4)
		room := c.Next(4, rank)
		assert.False(t, seen[room], "room id %d reused", room)
		seen[room] = true
	}
}

// TestPrefillFailureGateReturnsErrorAndReleasesSlots covers S4: a prefill
// that returns 503 must abort the fan-out, release both slots, and the
// decode body must never reach the client.
func TestPrefillFailureGateReturnsErrorAndReleasesSlots(t *testing.T) {
	prefill := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
	}))
	defer prefill.Close()

	decodeCalled := make(chan struct{}, 1)
	decode := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decodeCalled <- struct{}{}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("should not be read"))
	}))
	defer decode.Close()

	d := NewDispatcher(testLogger())
	prefillCounter := loadtracker.NewCounter()
	decodeCounter := loadtracker.NewCounter()
	pSlot := prefillCounter.Acquire()
	dSlot := decodeCounter.Acquire()

	rec := httptest.NewRecorder()
	err := d.ChatCompletions(context.Background(), rec, http.Header{}, testRequest(t),
		registry.PrefillWorker{URL: prefill.URL, DPSize: 1}, 0, pSlot,
		registry.DecodeWorker{URL: decode.URL, DPSize: 1}, 0, dSlot)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Empty(t, rec.Body.String(), "decode body must not reach the client")
	assert.EqualValues(t, 0, prefillCounter.Outstanding())
	assert.EqualValues(t, 0, decodeCounter.Outstanding())
}

// TestStreamingKeepsSlotsHeldUntilComplete covers S5: while the decode body
// is being streamed, both slots remain held; once the stream ends they are
// released.
func TestStreamingKeepsSlotsHeldUntilComplete(t *testing.T) {
	prefill := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer prefill.Close()

	prefillCounter := loadtracker.NewCounter()
	decodeCounter := loadtracker.NewCounter()
	midStream := make(chan [2]int64, 1)
	decode := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("chunk1"))
		flusher.Flush()
		time.Sleep(50 * time.Millisecond)
		midStream <- [2]int64{prefillCounter.Outstanding(), decodeCounter.Outstanding()}
		w.Write([]byte("chunk2"))
	}))
	defer decode.Close()

	d := NewDispatcher(testLogger())
	pSlot := prefillCounter.Acquire()
	dSlot := decodeCounter.Acquire()

	rec := httptest.NewRecorder()
	err := d.ChatCompletions(context.Background(), rec, http.Header{}, testRequest(t),
		registry.PrefillWorker{URL: prefill.URL, DPSize: 1}, 0, pSlot,
		registry.DecodeWorker{URL: decode.URL, DPSize: 1}, 0, dSlot)

	require.NoError(t, err)
	assert.Equal(t, [2]int64{1, 1}, <-midStream, "both slots must be held mid-stream")
	assert.EqualValues(t, 0, prefillCounter.Outstanding())
	assert.EqualValues(t, 0, decodeCounter.Outstanding())
	assert.Equal(t, "chunk1chunk2", rec.Body.String())
}

func TestDispatcherAddsRoutingFieldsToOutboundBody(t *testing.T) {
	var gotPrefillBody map[string]interface{}
	prefill := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotPrefillBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer prefill.Close()

	decode := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer decode.Close()

	d := NewDispatcher(testLogger())
	pSlot := loadtracker.NewCounter().Acquire()
	dSlot := loadtracker.NewCounter().Acquire()

	rec := httptest.NewRecorder()
	err := d.ChatCompletions(context.Background(), rec, http.Header{}, testRequest(t),
		registry.PrefillWorker{URL: prefill.URL, DPSize: 2, BootstrapPort: 10000}, 1, pSlot,
		registry.DecodeWorker{URL: decode.URL, DPSize: 1}, 0, dSlot)

	require.NoError(t, err)
	require.NotNil(t, gotPrefillBody)
	assert.EqualValues(t, 10000, gotPrefillBody["bootstrap_port"])
	assert.EqualValues(t, 1, gotPrefillBody["bootstrap_room"])
	assert.EqualValues(t, 0, gotPrefillBody["decode_rank"])
}
