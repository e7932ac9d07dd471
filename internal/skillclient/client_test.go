package skillclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/canvasflow/workflow"
)

func newClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		Endpoint:   srv.URL + "/v1/skills/",
		Timeout:    time.Second,
		MaxRetries: 2,
		Backoff:    time.Millisecond,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func TestNew_InvalidEndpoint(t *testing.T) {
	_, err := New(Config{Endpoint: "not a url"}, nil)
	assert.Error(t, err)
}

func TestInvoke(t *testing.T) {
	var got workflow.NodeContext
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/skills/invoke", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))

	nc := workflow.NodeContext{
		ExecutionID: "exec-1",
		UserID:      "u1",
		NodeID:      "n1",
		NodeType:    workflow.NodeTypeSkill,
		EntityID:    "e1",
		Payload:     json.RawMessage(`{"prompt":"hi"}`),
	}
	require.NoError(t, c.Invoke(context.Background(), nc))
	assert.Equal(t, nc.ExecutionID, got.ExecutionID)
	assert.Equal(t, nc.NodeID, got.NodeID)
	assert.JSONEq(t, `{"prompt":"hi"}`, string(got.Payload))
}

func TestInvoke_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	require.NoError(t, c.Invoke(context.Background(), workflow.NodeContext{NodeID: "n1"}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestInvoke_ClientErrorIsFinal(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown skill", http.StatusUnprocessableEntity)
	}))

	err := c.Invoke(context.Background(), workflow.NodeContext{NodeID: "n1"})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnprocessableEntity, se.StatusCode)
	assert.Equal(t, "unknown skill", se.Body)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCancel(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		var req cancelRequest
		c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/skills/cancel", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		}))
		require.NoError(t, c.Cancel(context.Background(), "exec-1", "n1"))
		assert.Equal(t, cancelRequest{ExecutionID: "exec-1", NodeID: "n1"}, req)
	})

	t.Run("already finished", func(t *testing.T) {
		c := newClient(t, http.NotFoundHandler())
		assert.NoError(t, c.Cancel(context.Background(), "exec-1", "n1"))
	})
}
