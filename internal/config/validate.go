package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// ParseChatID parses messaging.telegram.chat_id. Empty means 0.
func ParseChatID(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("messaging.telegram.chat_id: invalid %q", raw)
	}
	return id, nil
}

// Validate reports every problem in cfg at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	nonNeg := func(path string, v int) {
		if v < 0 {
			add(fmt.Errorf("%s must be >= 0", path))
		}
	}

	dur("scheduler.poll_interval", c.Scheduler.PollInterval)
	dur("scheduler.lease_ttl", c.Scheduler.LeaseTTL)
	dur("scheduler.trigger_timeout", c.Scheduler.TriggerTimeout)

	nonNeg("jobs.workers", c.Jobs.Workers)
	nonNeg("jobs.queue_size", c.Jobs.QueueSize)
	nonNeg("jobs.history_size", c.Jobs.HistorySize)
	dur("jobs.default_timeout", c.Jobs.DefaultTimeout)

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			add(errors.New("storage.path is required when storage.driver=sqlite"))
		}
		dur("storage.busy_timeout", c.Storage.BusyTimeout)
	case "postgres", "postgresql":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			add(errors.New("storage.dsn is required when storage.driver=postgres"))
		}
	default:
		add(fmt.Errorf("unknown storage.driver: %s", c.Storage.Driver))
	}

	switch strings.ToLower(strings.TrimSpace(c.Messaging.Driver)) {
	case "", "log", "memory":
	case "nats":
		if strings.TrimSpace(c.Messaging.NATS.URL) == "" {
			add(errors.New("messaging.nats.url is required when messaging.driver=nats"))
		}
	case "telegram":
		if strings.TrimSpace(c.Messaging.Telegram.Token) == "" {
			add(errors.New("messaging.telegram.token is required when messaging.driver=telegram"))
		}
		_, err := ParseChatID(c.Messaging.Telegram.ChatID)
		add(err)
	default:
		add(fmt.Errorf("unknown messaging.driver: %s", c.Messaging.Driver))
	}
	nonNeg("messaging.log_rate_per_sec", c.Messaging.LogRatePerSec)

	nonNeg("notifier.workers", c.Notifier.Workers)
	nonNeg("notifier.queue_size", c.Notifier.QueueSize)
	nonNeg("notifier.rate_per_sec", c.Notifier.RatePerSec)
	nonNeg("notifier.retry_max", c.Notifier.RetryMax)
	nonNeg("notifier.dedup_max_entries", c.Notifier.DedupMaxEntries)
	dur("notifier.retry_base", c.Notifier.RetryBase)
	dur("notifier.retry_max_delay", c.Notifier.RetryMaxDelay)
	dur("notifier.dedup_window", c.Notifier.DedupWindow)

	add(checkURL("agent.url", c.Agent.URL))
	dur("agent.timeout", c.Agent.Timeout)
	add(checkURL("ledger.url", c.Ledger.URL))
	dur("ledger.timeout", c.Ledger.Timeout)
	for tenant, bal := range c.Ledger.Static {
		if strings.TrimSpace(tenant) == "" {
			add(errors.New("ledger.static: empty tenant"))
		}
		if bal < 0 {
			add(fmt.Errorf("ledger.static[%s] must be >= 0", tenant))
		}
	}

	d := c.Dispatch
	for family, ep := range d.Endpoints {
		if strings.TrimSpace(family) == "" {
			add(errors.New("dispatch.endpoints: empty family"))
			continue
		}
		if strings.TrimSpace(ep) == "" {
			add(fmt.Errorf("dispatch.endpoints[%s] is empty", family))
			continue
		}
		add(checkURL("dispatch.endpoints["+family+"]", ep))
	}
	for family, cost := range d.UnitCosts {
		if cost < 0 {
			add(fmt.Errorf("dispatch.unit_costs[%s] must be >= 0", family))
		}
	}
	if d.DefaultUnitCost < 0 {
		add(errors.New("dispatch.default_unit_cost must be >= 0"))
	}
	if d.SafetyMargin < 0 {
		add(errors.New("dispatch.safety_margin must be >= 0"))
	}
	nonNeg("dispatch.max_alternatives", d.MaxAlternatives)
	dur("dispatch.http_timeout", d.HTTPTimeout)
	dur("dispatch.async_timeout", d.AsyncTimeout)
	dur("dispatch.listing_ttl", d.ListingTTL)

	add(c.Ops.validate("ops"))
	add(c.API.validate("api"))

	return errors.Join(errs...)
}

func (s ServerConfig) validate(name string) error {
	var errs []error
	for k, v := range map[string]string{
		".read_timeout":  s.ReadTimeout,
		".write_timeout": s.WriteTimeout,
		".idle_timeout":  s.IdleTimeout,
	} {
		if _, err := ParseDurationField(name+k, v); err != nil {
			errs = append(errs, err)
		}
	}
	if !s.Enabled {
		return errors.Join(errs...)
	}
	addr := strings.TrimSpace(s.Addr)
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		errs = append(errs, fmt.Errorf("%s.addr: invalid %q: %w", name, addr, err))
		return errors.Join(errs...)
	}
	if !isLoopback(host) && strings.TrimSpace(s.Token) == "" && !s.AllowInsecure {
		errs = append(errs, fmt.Errorf("%s.addr %q is not loopback: set %s.token or %s.allow_insecure", name, addr, name, name))
	}
	return errors.Join(errs...)
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func checkURL(path, raw string) error {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s: want an absolute http(s) URL, got %q", path, raw)
	}
	return nil
}
