package notifier

import (
	"context"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    float64
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	DedupWindow   time.Duration
	DedupMax      int
}

// Target addresses a chat, optionally a thread within it.
type Target struct {
	ChatID   int64
	ThreadID int
}

// Notification is one message. Priority >= 7 marks failures.
type Notification struct {
	Target   Target
	Priority int
	Text     string
}

// Sender delivers a message.
type Sender interface {
	Send(ctx context.Context, to Target, text string) error
}

type HistoryItem struct {
	At   time.Time
	Text string
}

// NotificationEvent is published on the event bus for notifier lifecycle
// events.
type NotificationEvent struct {
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
