package notifier

import (
	"context"
	"time"
)

// Sender delivers one rendered message. *telegram.Client implements it.
type Sender interface {
	SendText(ctx context.Context, text string) error
}

type Config struct {
	Enabled bool
	// Checkins forwards every accepted check-in, not only summaries.
	Checkins        bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}
