package notifier

import (
	"context"
	"time"

	"syncq/internal/queue"
)

type Config struct {
	Enabled     bool
	Workers     int
	QueueSize   int
	RatePerSec  int
	HistorySize int
}

// Sink delivers one failure notification.
type Sink interface {
	Deliver(ctx context.Context, f queue.Failure) error
}

type SinkFunc func(ctx context.Context, f queue.Failure) error

func (fn SinkFunc) Deliver(ctx context.Context, f queue.Failure) error { return fn(ctx, f) }

// FailureEvent is published on the event bus for notifier lifecycle events.
type FailureEvent struct {
	Type     string    `json:"type"`
	ID       string    `json:"id"`
	Instance string    `json:"instance"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
