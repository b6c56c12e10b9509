package config

// Config is the whole process configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Parse decodes on top of Default(), so omitted keys keep their defaults.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Jobs      JobsConfig      `json:"jobs"`
	Storage   StorageConfig   `json:"storage"`
	Messaging MessagingConfig `json:"messaging"`
	Notifier  NotifierConfig  `json:"notifier"`
	Agent     AgentConfig     `json:"agent"`
	Ledger    LedgerConfig    `json:"ledger"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Ops       ServerConfig    `json:"ops"`
	API       ServerConfig    `json:"api"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the polling loop.
//
// lease_ttl "0s" keeps the single-instance assumption; any positive value makes
// every tick take the shared lease first.
type SchedulerConfig struct {
	Enabled        bool   `json:"enabled"`
	PollInterval   string `json:"poll_interval"`
	InstanceID     string `json:"instance_id,omitempty"`
	LeaseTTL       string `json:"lease_ttl,omitempty"`
	RepairOnStart  bool   `json:"repair_on_start,omitempty"`
	TriggerTimeout string `json:"trigger_timeout,omitempty"`
}

// JobsConfig controls the background job runner used for triggers and async dispatch.
type JobsConfig struct {
	Workers        int    `json:"workers"`
	QueueSize      int    `json:"queue_size"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size"`
}

// StorageConfig selects the document store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./autopilot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type MessagingConfig struct {
	Driver   string                  `json:"driver"`
	NATS     MessagingNATSConfig     `json:"nats"`
	Telegram MessagingTelegramConfig `json:"telegram"`

	// OpsChannel receives forwarded WARN+ log records. Empty disables forwarding.
	OpsChannel    string `json:"ops_channel,omitempty"`
	LogMinLevel   string `json:"log_min_level"`
	LogRatePerSec int    `json:"log_rate_per_sec"`
}

type MessagingNATSConfig struct {
	URL           string `json:"url,omitempty"`
	SubjectPrefix string `json:"subject_prefix"`
}

type MessagingTelegramConfig struct {
	Token string `json:"token,omitempty"`
	// ChatID is a string so it can come from ${VAR}.
	ChatID string `json:"chat_id,omitempty"`
}

// NotifierConfig controls the async checklist notification pipeline.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

type AgentConfig struct {
	URL     string `json:"url,omitempty"`
	Token   string `json:"token,omitempty"`
	Timeout string `json:"timeout"`
}

type LedgerConfig struct {
	URL     string `json:"url,omitempty"`
	Token   string `json:"token,omitempty"`
	Timeout string `json:"timeout"`
	// Static balances per tenant, used when url is empty.
	Static map[string]float64 `json:"static,omitempty"`
}

type DispatchConfig struct {
	Endpoints       map[string]string  `json:"endpoints,omitempty"`
	UnitCosts       map[string]float64 `json:"unit_costs,omitempty"`
	DefaultUnitCost float64            `json:"default_unit_cost"`
	SafetyMargin    float64            `json:"safety_margin"`
	HTTPTimeout     string             `json:"http_timeout"`
	AsyncTimeout    string             `json:"async_timeout"`
	MaxAlternatives int                `json:"max_alternatives"`
	Source          string             `json:"source"`
	WorkerToken     string             `json:"worker_token,omitempty"`
	ListingTTL      string             `json:"listing_ttl,omitempty"`
}

// ServerConfig is shared by the ops and api HTTP servers.
//
// Security note:
//   - Prefer binding to localhost.
//   - A non-loopback address needs a token or an explicit allow_insecure.
type ServerConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Pprof only applies to the ops server.
	Pprof       bool   `json:"pprof,omitempty"`
	PprofPrefix string `json:"pprof_prefix,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// Default returns the configuration used for every key the file omits.
func Default() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			PollInterval: "60s",
			LeaseTTL:     "0s",
		},
		Jobs: JobsConfig{Workers: 4, QueueSize: 256, DefaultTimeout: "0s", HistorySize: 200},
		Storage: StorageConfig{
			Driver:      "memory",
			BusyTimeout: "1s",
		},
		Messaging: MessagingConfig{
			Driver:        "log",
			NATS:          MessagingNATSConfig{SubjectPrefix: "autopilot"},
			LogMinLevel:   "warn",
			LogRatePerSec: 1,
		},
		Notifier: NotifierConfig{
			Enabled:         true,
			Workers:         2,
			QueueSize:       512,
			RatePerSec:      5,
			RetryMax:        2,
			RetryBase:       "500ms",
			RetryMaxDelay:   "10s",
			DedupWindow:     "1m",
			DedupMaxEntries: 2000,
		},
		Agent:  AgentConfig{Timeout: "30s"},
		Ledger: LedgerConfig{Timeout: "10s"},
		Dispatch: DispatchConfig{
			DefaultUnitCost: 1.0,
			SafetyMargin:    1.2,
			HTTPTimeout:     "30s",
			AsyncTimeout:    "120s",
			MaxAlternatives: 10,
			Source:          "autopilot",
		},
		Ops: ServerConfig{Addr: "127.0.0.1:9090"},
		API: ServerConfig{Addr: "127.0.0.1:8080"},
	}
}
