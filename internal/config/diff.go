package config

import (
	"reflect"
	"sort"
	"strings"

	logx "autopilot/pkg/logx"
)

// restartSections are read once at start-up; changing them needs a restart.
var restartSections = map[string]bool{
	"storage":   true,
	"messaging": true,
	"agent":     true,
	"ledger":    true,
}

// RestartRequired reports whether a changed section only takes effect after a restart.
func RestartRequired(section string) bool { return restartSections[section] }

// SummarizeConfigChange returns the sorted list of changed sections and safe
// structured attrs for logging. Secrets (tokens, DSNs) are only reported as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		d := Default()
		oldCfg = &d
	}
	if newCfg == nil {
		d := Default()
		newCfg = &d
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)
	set := func(s string) bool { return strings.TrimSpace(s) != "" }

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		s := newCfg.Scheduler
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", s.Enabled),
			logx.String("scheduler.poll_interval", strings.TrimSpace(s.PollInterval)),
			logx.String("scheduler.lease_ttl", strings.TrimSpace(s.LeaseTTL)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Jobs, newCfg.Jobs) {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.workers", newCfg.Jobs.Workers),
			logx.Int("jobs.queue_size", newCfg.Jobs.QueueSize),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", set(newCfg.Storage.Path)),
			logx.Bool("storage.dsn_set", set(newCfg.Storage.DSN)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Messaging, newCfg.Messaging) {
		m := newCfg.Messaging
		changed = append(changed, "messaging")
		attrs = append(attrs,
			logx.String("messaging.driver", strings.TrimSpace(m.Driver)),
			logx.Bool("messaging.ops_channel_set", set(m.OpsChannel)),
			logx.String("messaging.log_min_level", m.LogMinLevel),
			logx.Bool("messaging.telegram_token_set", set(m.Telegram.Token)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		n := newCfg.Notifier
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", n.Enabled),
			logx.Int("notifier.workers", n.Workers),
			logx.Int("notifier.rate_per_sec", n.RatePerSec),
			logx.Int("notifier.retry_max", n.RetryMax),
		)
	}

	if !reflect.DeepEqual(oldCfg.Agent, newCfg.Agent) {
		changed = append(changed, "agent")
		attrs = append(attrs, logx.Bool("agent.url_set", set(newCfg.Agent.URL)))
	}

	if !reflect.DeepEqual(oldCfg.Ledger, newCfg.Ledger) {
		changed = append(changed, "ledger")
		attrs = append(attrs,
			logx.Bool("ledger.url_set", set(newCfg.Ledger.URL)),
			logx.Int("ledger.static_count", len(newCfg.Ledger.Static)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		d := newCfg.Dispatch
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.families", len(d.Endpoints)),
			logx.Float64("dispatch.safety_margin", d.SafetyMargin),
			logx.Float64("dispatch.default_unit_cost", d.DefaultUnitCost),
			logx.String("dispatch.http_timeout", strings.TrimSpace(d.HTTPTimeout)),
		)
	}

	for name, pair := range map[string][2]ServerConfig{
		"ops": {oldCfg.Ops, newCfg.Ops},
		"api": {oldCfg.API, newCfg.API},
	} {
		if reflect.DeepEqual(pair[0], pair[1]) {
			continue
		}
		changed = append(changed, name)
		attrs = append(attrs,
			logx.Bool(name+".enabled", pair[1].Enabled),
			logx.String(name+".addr", strings.TrimSpace(pair[1].Addr)),
			logx.Bool(name+".token_set", set(pair[1].Token)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
