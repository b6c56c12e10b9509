package opsserver

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	logx "autopilot/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, cfg Config, mount Mount) *Service {
	t.Helper()
	cfg.Enabled = true
	cfg.Addr = "127.0.0.1:0"
	s := New("ops", cfg, mount, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 5*time.Millisecond)
	return s
}

func get(t *testing.T, url, token string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestServesMountAndHealth(t *testing.T) {
	s := startServer(t, Config{Token: "tok"}, func(mux *http.ServeMux) {
		mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("up 1")) })
	})
	s.SetHealth(func() any { return map[string]int{"scheduler": 1} })
	base := "http://" + s.Addr()

	code, body := get(t, base+"/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"scheduler":1`)

	code, _ = get(t, base+"/metrics", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body = get(t, base+"/metrics", "tok")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "up 1", body)

	code, _ = get(t, base+"/metrics?token=tok", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestPprofToggle(t *testing.T) {
	s := startServer(t, Config{}, nil)
	code, _ := get(t, "http://"+s.Addr()+"/debug/pprof/", "")
	assert.Equal(t, http.StatusNotFound, code)

	s2 := startServer(t, Config{Pprof: true}, nil)
	code, _ = get(t, "http://"+s2.Addr()+"/debug/pprof/", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:9090"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.False(t, isLoopbackAddr(":9090"))
	assert.False(t, isLoopbackAddr("0.0.0.0:9090"))
	assert.Equal(t, "/debug/pprof/", normalizePrefix(""))
	assert.Equal(t, "/x/", normalizePrefix("x"))
}
