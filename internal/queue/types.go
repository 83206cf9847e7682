package queue

import (
	"context"
	"errors"
	"time"

	"syncq/internal/job"
)

var (
	ErrStopped   = errors.New("queue stopped")
	ErrWrongType = errors.New("descriptor type does not match queue")
)

// Executor performs one attempt of a descriptor and classifies the outcome.
// It must return promptly once ctx is cancelled.
type Executor interface {
	Execute(ctx context.Context, d job.Descriptor) job.Result
}

type ExecutorFunc func(ctx context.Context, d job.Descriptor) job.Result

func (f ExecutorFunc) Execute(ctx context.Context, d job.Descriptor) job.Result { return f(ctx, d) }

// Gate decides whether a network requirement is currently met and signals
// when connectivity changes.
type Gate interface {
	Allows(req job.Network) bool
	Subscribe() (<-chan struct{}, func())
}

// Failure describes a job that will never succeed.
type Failure struct {
	Type     job.Type   `json:"type"`
	ID       string     `json:"id"`
	Instance string     `json:"instance"`
	Attempts int        `json:"attempts"`
	Reason   string     `json:"reason"`
	At       time.Time  `json:"at"`
	Params   job.Params `json:"params"`
}

// FailureObserver is told, exactly once per failed submission, that a job was dropped.
type FailureObserver interface {
	JobFailed(f Failure)
}

// Metrics receives queue counters; internal/metrics provides the Prometheus one.
type Metrics interface {
	Submitted(t job.Type)
	Superseded(t job.Type)
	Succeeded(t job.Type)
	Retried(t job.Type)
	Failed(t job.Type)
	Discarded(t job.Type)
	Depth(t job.Type, pending, running int)
}

type nopMetrics struct{}

func (nopMetrics) Submitted(job.Type)       {}
func (nopMetrics) Superseded(job.Type)      {}
func (nopMetrics) Succeeded(job.Type)       {}
func (nopMetrics) Retried(job.Type)         {}
func (nopMetrics) Failed(job.Type)          {}
func (nopMetrics) Discarded(job.Type)       {}
func (nopMetrics) Depth(job.Type, int, int) {}

// Config controls one queue.
type Config struct {
	Type job.Type
	// Concurrency bounds in-flight executions. Default 1.
	Concurrency int
	// RecheckEvery re-evaluates a blocked gate without a push signal.
	// 0 disables polling.
	RecheckEvery time.Duration
}

// Event is published on the bus for queue lifecycle changes.
type Event struct {
	Type     job.Type `json:"type"`
	ID       string   `json:"id"`
	Instance string   `json:"instance,omitempty"`
	Attempt  int      `json:"attempt,omitempty"`
	Result   string   `json:"result,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Type        job.Type `json:"type"`
	Pending     []string `json:"pending"`
	Running     []string `json:"running"`
	InFlight    int      `json:"in_flight"`
	Concurrency int      `json:"concurrency"`
	Generation  uint64   `json:"generation"`
	Started     bool     `json:"started"`
}
