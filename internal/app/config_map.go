package app

import (
	"net/http"
	"strings"
	"time"

	"autopilot/internal/agent"
	"autopilot/internal/config"
	"autopilot/internal/dispatch"
	"autopilot/internal/docstore"
	"autopilot/internal/ledger"
	"autopilot/internal/messaging"
	"autopilot/internal/notifier"
	"autopilot/internal/observability/opsserver"
	"autopilot/internal/task/jobs"
	"autopilot/internal/task/scheduler"
	logx "autopilot/pkg/logx"
)

// Every map function expects a config that already passed Config.Validate,
// but still returns parse errors so a bad hot-reload keeps the previous state.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Forward: logx.ForwardConfig{
			Enabled:    strings.TrimSpace(cfg.Messaging.OpsChannel) != "",
			MinLevel:   cfg.Messaging.LogMinLevel,
			RatePerSec: cfg.Messaging.LogRatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (docstore.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return docstore.Config{}, err
	}
	return docstore.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
	}, nil
}

func mapMessagingConfig(cfg *config.Config) (messaging.Config, error) {
	mc := cfg.Messaging
	chatID, err := config.ParseChatID(mc.Telegram.ChatID)
	if err != nil {
		return messaging.Config{}, err
	}
	return messaging.Config{
		Driver: mc.Driver,
		NATS: messaging.NATSConfig{
			URL:           strings.TrimSpace(mc.NATS.URL),
			SubjectPrefix: strings.TrimSpace(mc.NATS.SubjectPrefix),
			Name:          "autopilot",
		},
		Telegram: messaging.TelegramConfig{
			Token:  strings.TrimSpace(mc.Telegram.Token),
			ChatID: chatID,
		},
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	poll, err := config.ParseDurationOrDefault("scheduler.poll_interval", sc.PollInterval, 60*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	lease, err := config.ParseDurationField("scheduler.lease_ttl", sc.LeaseTTL)
	if err != nil {
		return scheduler.Config{}, err
	}
	trigger, err := config.ParseDurationField("scheduler.trigger_timeout", sc.TriggerTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:        sc.Enabled,
		PollInterval:   poll,
		InstanceID:     strings.TrimSpace(sc.InstanceID),
		LeaseTTL:       lease,
		RepairOnStart:  sc.RepairOnStart,
		TriggerTimeout: trigger,
	}, nil
}

func mapJobsConfig(cfg *config.Config) (jobs.Config, error) {
	jc := cfg.Jobs
	timeout, err := config.ParseDurationField("jobs.default_timeout", jc.DefaultTimeout)
	if err != nil {
		return jobs.Config{}, err
	}
	return jobs.Config{
		Enabled:        true,
		Workers:        jc.Workers,
		QueueSize:      jc.QueueSize,
		DefaultTimeout: timeout,
		HistorySize:    jc.HistorySize,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	base, err := config.ParseDurationOrDefault("notifier.retry_base", nc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	window, err := config.ParseDurationField("notifier.dedup_window", nc.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		DedupWindow:     window,
		DedupMaxEntries: nc.DedupMaxEntries,
	}, nil
}

func mapAgentConfig(cfg *config.Config) (agent.Config, error) {
	timeout, err := config.ParseDurationOrDefault("agent.timeout", cfg.Agent.Timeout, 30*time.Second)
	if err != nil {
		return agent.Config{}, err
	}
	return agent.Config{URL: cfg.Agent.URL, Token: cfg.Agent.Token, Timeout: timeout}, nil
}

func mapLedgerConfig(cfg *config.Config) (ledger.Config, error) {
	timeout, err := config.ParseDurationOrDefault("ledger.timeout", cfg.Ledger.Timeout, 10*time.Second)
	if err != nil {
		return ledger.Config{}, err
	}
	return ledger.Config{
		URL:     cfg.Ledger.URL,
		Token:   cfg.Ledger.Token,
		Timeout: timeout,
		Static:  cfg.Ledger.Static,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	httpTimeout, err := config.ParseDurationOrDefault("dispatch.http_timeout", dc.HTTPTimeout, 30*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	asyncTimeout, err := config.ParseDurationOrDefault("dispatch.async_timeout", dc.AsyncTimeout, 120*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Endpoints:       dc.Endpoints,
		UnitCosts:       dc.UnitCosts,
		DefaultUnitCost: dc.DefaultUnitCost,
		SafetyMargin:    dc.SafetyMargin,
		HTTPTimeout:     httpTimeout,
		AsyncTimeout:    asyncTimeout,
		MaxAlternatives: dc.MaxAlternatives,
		Source:          dc.Source,
	}, nil
}

// newTransport builds the worker transport. The per-request deadline comes
// from the dispatch context, so the client itself has no timeout.
func newTransport(cfg *config.Config) dispatch.Transport {
	return dispatch.NewHTTPTransport(&http.Client{}, strings.TrimSpace(cfg.Dispatch.WorkerToken))
}

func mapServerConfig(name string, sc config.ServerConfig) (opsserver.Config, error) {
	read, err := config.ParseDurationField(name+".read_timeout", sc.ReadTimeout)
	if err != nil {
		return opsserver.Config{}, err
	}
	write, err := config.ParseDurationField(name+".write_timeout", sc.WriteTimeout)
	if err != nil {
		return opsserver.Config{}, err
	}
	idle, err := config.ParseDurationField(name+".idle_timeout", sc.IdleTimeout)
	if err != nil {
		return opsserver.Config{}, err
	}
	return opsserver.Config{
		Enabled:       sc.Enabled,
		Addr:          strings.TrimSpace(sc.Addr),
		Token:         strings.TrimSpace(sc.Token),
		AllowInsecure: sc.AllowInsecure,
		Pprof:         sc.Pprof,
		PprofPrefix:   sc.PprofPrefix,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}
