package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseYAMLKeepsDefaultsAndExpandsEnv(t *testing.T) {
	t.Setenv("AP_TG_TOKEN", "tok")
	t.Setenv("AP_TG_CHAT", "-100123")

	cfg, err := ParseBytes("config.yaml", []byte(`
scheduler:
  poll_interval: 30s
messaging:
  driver: telegram
  telegram:
    token: ${AP_TG_TOKEN}
    chat_id: "${AP_TG_CHAT}"
dispatch:
  endpoints:
    router: http://router.local/jobs
  unit_costs:
    router: 2.5
`))
	require.NoError(t, err)

	assert.Equal(t, "30s", cfg.Scheduler.PollInterval)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 2, cfg.Notifier.Workers)
	assert.Equal(t, 1.2, cfg.Dispatch.SafetyMargin)
	assert.Equal(t, "tok", cfg.Messaging.Telegram.Token)
	assert.Equal(t, "http://router.local/jobs", cfg.Dispatch.Endpoints["router"])
	assert.Equal(t, 2.5, cfg.Dispatch.UnitCosts["router"])

	id, err := ParseChatID(cfg.Messaging.Telegram.ChatID)
	require.NoError(t, err)
	assert.Equal(t, int64(-100123), id)
}

func TestParseJSONStrict(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown field", `{"scheduler":{"workers":3}}`, "unknown field"},
		{"trailing data", `{"logging":{"level":"debug"}}{}`, "trailing data"},
		{"bad duration", `{"scheduler":{"poll_interval":"soon"}}`, "scheduler.poll_interval"},
		{"sqlite without path", `{"storage":{"driver":"sqlite"}}`, "storage.path"},
		{"unknown driver", `{"messaging":{"driver":"smtp"}}`, "messaging.driver"},
		{"relative endpoint", `{"dispatch":{"endpoints":{"router":"/jobs"}}}`, "dispatch.endpoints[router]"},
		{"open ops server", `{"ops":{"enabled":true,"addr":"0.0.0.0:9090"}}`, "ops.addr"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseBytes("config.json", []byte(tc.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateAllowsTokenOnPublicAddr(t *testing.T) {
	cfg := Default()
	cfg.API = ServerConfig{Enabled: true, Addr: "0.0.0.0:8080", Token: "s3cret"}
	assert.NoError(t, cfg.Validate())

	cfg.API.Token = ""
	cfg.API.AllowInsecure = true
	assert.NoError(t, cfg.Validate())
}

func TestExpandStringUnsetIsEmpty(t *testing.T) {
	t.Setenv("AP_SET", "x")
	assert.Equal(t, "x-", ExpandString("${AP_SET}-${AP_SURELY_UNSET_VAR}"))
	assert.Equal(t, "$HOME stays", ExpandString("$HOME stays"))
}

func TestSummarizeConfigChange(t *testing.T) {
	a := Default()
	b := Default()
	b.Scheduler.PollInterval = "10s"
	b.API.Token = "rotated"

	sections, attrs := SummarizeConfigChange(&a, &b)
	assert.Equal(t, []string{"api", "scheduler"}, sections)
	assert.NotEmpty(t, attrs)
	assert.False(t, RestartRequired("scheduler"))
	assert.True(t, RestartRequired("storage"))

	sections, _ = SummarizeConfigChange(&a, &a)
	assert.Empty(t, sections)
}

func TestWatchPublishesChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"scheduler":{"poll_interval":"60s"}}`), 0o644))

	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// give the watcher a moment to register the directory
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"scheduler":{"poll_interval":"5s"}}`), 0o644))

	select {
	case cfg := <-sub:
		require.NotNil(t, cfg)
		assert.Equal(t, "5s", cfg.Scheduler.PollInterval)
		assert.Equal(t, "5s", m.Get().Scheduler.PollInterval)
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
}

func TestWatchSkipsRejectedConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(context.Context, *Config) error { return assert.AnError })

	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o644))
	assert.False(t, m.reload(context.Background()))
	assert.Equal(t, "info", m.Get().Logging.Level)
}
