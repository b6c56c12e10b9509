package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "autopilot/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientPostsTrigger(t *testing.T) {
	var got Trigger
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/runs", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	eng := New(Config{URL: srv.URL + "/", Token: "secret", Timeout: time.Second}, logx.Nop())
	err := eng.Run(context.Background(), Trigger{TaskID: "t1", ThreadKey: "task_t1_1"})
	require.NoError(t, err)
	assert.Equal(t, "task_t1_1", got.ThreadKey)
}

func TestClientReportsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := New(Config{URL: srv.URL}, logx.Nop()).Run(context.Background(), Trigger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http=503")
	assert.Contains(t, err.Error(), "overloaded")
}

func TestNoURLLogsOnly(t *testing.T) {
	require.NoError(t, New(Config{}, logx.Nop()).Run(context.Background(), Trigger{}))
}
