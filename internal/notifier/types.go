package notifier

import "time"

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Note is one notice. Channel is a mandate path or an ops channel name.
type Note struct {
	Channel   string
	ThreadKey string
	Kind      string
	Text      string
	Data      any
	// Priority >= 7 is prefixed as a warning, >= 9 as an alert.
	Priority int
}

type HistoryItem struct {
	At      time.Time `json:"at"`
	Channel string    `json:"channel"`
	Text    string    `json:"text"`
}
