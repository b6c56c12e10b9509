package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroAndNopLoggers(t *testing.T) {
	var zero Logger
	assert.True(t, zero.IsZero())
	zero.Info("dropped")

	nop := Nop()
	assert.False(t, nop.IsZero())
	nop.Error("dropped", String("k", "v"))
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "scheduler"))
	log.Warn("tick failed", Int("due", 3), Err(errors.New("boom")), Duration("took", time.Second))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "warn", rec["level"])
	assert.Equal(t, "tick failed", rec["message"])
	assert.Equal(t, "scheduler", rec["comp"])
	assert.Equal(t, float64(3), rec["due"])
	assert.Equal(t, "boom", rec["err"])
	assert.Contains(t, rec["caller"], "logging_test.go:")
}

func TestWriterLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("quiet")
	assert.Zero(t, buf.Len())
	assert.False(t, log.Enabled(LevelInfo))
	assert.True(t, log.Enabled(LevelError))
}

func TestFormatRecord(t *testing.T) {
	got := formatRecord([]byte(`{"level":"error","time":"x","message":"send failed","thread_key":"task_t1_1","attempt":2}` + "\n"))
	assert.Equal(t, "[ERROR] send failed\n- attempt=2\n- thread_key=task_t1_1", got)

	assert.Equal(t, "not json", formatRecord([]byte("not json\n")))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

type captureForwarder struct {
	mu    sync.Mutex
	texts []string
}

func (c *captureForwarder) Forward(_ context.Context, text string) error {
	c.mu.Lock()
	c.texts = append(c.texts, text)
	c.mu.Unlock()
	return nil
}

func (c *captureForwarder) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

func TestServiceForwardsWarnings(t *testing.T) {
	cfg := Config{Level: "debug", Console: true, Forward: ForwardConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100}}
	svc, log := New(Config{Level: "debug", Console: true})
	defer svc.Close()

	fwd := &captureForwarder{}
	svc.SetForwarder(fwd)
	svc.Apply(cfg)

	log.Info("not forwarded")
	log.Warn("disk almost full", String("mandate_path", "clients/acme"))

	require.Eventually(t, func() bool { return len(fwd.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := fwd.snapshot()[0]
	assert.Contains(t, got, "[WARN] disk almost full")
	assert.Contains(t, got, "- mandate_path=clients/acme")
}
