package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell/childbook/internal/model"
)

func receive(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case msg := <-c.Send:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestHub_BroadcastReachesOnlyRunSubscribers(t *testing.T) {
	h := NewHub()
	go h.Run()

	a := &Client{RunID: "run-a", Send: make(chan []byte, 4)}
	b := &Client{RunID: "run-b", Send: make(chan []byte, 4)}
	h.Register(a)
	h.Register(b)
	require.Eventually(t, func() bool { return h.Subscribers("run-a") == 1 }, time.Second, 5*time.Millisecond)

	h.BroadcastProgress("run-a", model.RunProgress{Percent: 41, Done: 4, Total: 10, Step: "Generating"})

	var msg model.WSProgressMessage
	require.NoError(t, json.Unmarshal(receive(t, a), &msg))
	assert.Equal(t, model.WSProgressMessage{
		Type:        model.WSMessageTypeProgress,
		RunID:       "run-a",
		Status:      model.RunStatusRunning,
		Progress:    41,
		Done:        4,
		Total:       10,
		CurrentStep: "Generating",
	}, msg)
	assert.Empty(t, b.Send)
}

func TestHub_CompleteCanceledAndError(t *testing.T) {
	h := NewHub()
	go h.Run()

	c := &Client{RunID: "r", Send: make(chan []byte, 4)}
	h.Register(c)
	require.Eventually(t, func() bool { return h.Subscribers("r") == 1 }, time.Second, 5*time.Millisecond)

	h.BroadcastComplete("r", &model.RunResult{
		RunID:     "r",
		Processed: 3,
		Skipped:   []string{"a"},
		Failed:    []string{"b", "c"},
		Billing:   &model.BillingEntry{EstimatedCost: 1.25},
	})
	h.BroadcastCanceled("r")
	h.BroadcastError("r", "RUN_FAILED", "boom")

	var done model.WSCompleteMessage
	require.NoError(t, json.Unmarshal(receive(t, c), &done))
	assert.Equal(t, model.WSMessageTypeComplete, done.Type)
	assert.Equal(t, 3, done.Processed)
	assert.Equal(t, 1, done.Skipped)
	assert.Equal(t, 2, done.Failed)
	assert.InDelta(t, 1.25, done.EstimatedCost, 1e-9)
	require.NotNil(t, done.Result)
	assert.Equal(t, []string{"b", "c"}, done.Result.Failed)

	var canceled model.WSCanceledMessage
	require.NoError(t, json.Unmarshal(receive(t, c), &canceled))
	assert.Equal(t, model.WSCanceledMessage{Type: model.WSMessageTypeCanceled, RunID: "r"}, canceled)

	var failed model.WSErrorMessage
	require.NoError(t, json.Unmarshal(receive(t, c), &failed))
	assert.Equal(t, "RUN_FAILED", failed.Error.Code)
	assert.Equal(t, "boom", failed.Error.Message)
}

func TestHub_SlowClientIsDropped(t *testing.T) {
	h := NewHub()
	go h.Run()

	slow := &Client{RunID: "r", Send: make(chan []byte)}
	h.Register(slow)
	require.Eventually(t, func() bool { return h.Subscribers("r") == 1 }, time.Second, 5*time.Millisecond)

	h.BroadcastProgress("r", model.RunProgress{Percent: 10})
	require.Eventually(t, func() bool { return h.Subscribers("r") == 0 }, time.Second, 5*time.Millisecond)

	_, ok := <-slow.Send
	assert.False(t, ok)
}

func TestHub_Unregister(t *testing.T) {
	h := NewHub()
	go h.Run()

	c := &Client{RunID: "r", Send: make(chan []byte, 1)}
	h.Register(c)
	h.Unregister(c)
	require.Eventually(t, func() bool { return h.Subscribers("r") == 0 }, time.Second, 5*time.Millisecond)

	_, ok := <-c.Send
	assert.False(t, ok)
}
