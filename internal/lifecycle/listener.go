// Package lifecycle reacts to session events. A logout purges every
// registered queue and store so no pending or in-flight work survives it.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"syncq/internal/eventbus"
	"syncq/internal/storage"
	logx "syncq/pkg/logx"
)

type State int

const (
	Active State = iota
	Purged
)

func (s State) String() string {
	if s == Purged {
		return "purged"
	}
	return "active"
}

// Canceller is a queue that can drop its in-memory work.
type Canceller interface {
	CancelAll()
}

// Purger cancels and clears its own store as one step.
type Purger interface {
	Purge(ctx context.Context) error
}

type Listener struct {
	mu     sync.Mutex
	state  State
	queues []Canceller
	stores []storage.JobStore
	purges int

	bus eventbus.Bus
	log logx.Logger
}

func New(bus eventbus.Bus, log logx.Logger) *Listener {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Listener{bus: bus, log: log}
}

// RegisterQueue adds q to the logout purge. Queues that implement Purger are
// cancelled again and cleared atomically once every queue is cancelled.
func (l *Listener) RegisterQueue(q Canceller) {
	l.mu.Lock()
	l.queues = append(l.queues, q)
	l.mu.Unlock()
}

// RegisterStore adds a store that is not owned by a registered queue.
func (l *Listener) RegisterStore(s storage.JobStore) {
	l.mu.Lock()
	l.stores = append(l.stores, s)
	l.mu.Unlock()
}

func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Logout cancels every queue then clears every store. It does not wait for
// in-flight executions. Calling it again re-runs the purge.
//
// Every queue and store is attempted even if one fails; the errors are joined.
func (l *Listener) Logout(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Every queue stops dispatching before any store is cleared, so a slow
	// clear on one queue cannot let another start its next pending job.
	for _, q := range l.queues {
		q.CancelAll()
	}
	var errs []error
	for _, q := range l.queues {
		if p, ok := q.(Purger); ok {
			if err := p.Purge(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, s := range l.stores {
		if err := s.ClearAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("clear store: %w", err))
		}
	}

	l.state = Purged
	l.purges++
	err := errors.Join(errs...)
	if err != nil {
		l.log.Error("logout purge incomplete", logx.Err(err))
	} else {
		l.log.Info("logout purge complete", logx.Int("queues", len(l.queues)), logx.Int("stores", len(l.stores)), logx.Int("purges", l.purges))
	}
	if l.bus != nil {
		l.bus.Publish(eventbus.Event{Type: eventbus.SessionPurged, Data: map[string]any{"ok": err == nil}})
	}
	return err
}

// Watch purges on every signal from events until ctx ends or events closes.
func (l *Listener) Watch(ctx context.Context, events <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-events:
			if !ok {
				return nil
			}
			// Purge must complete even if ctx is ending.
			if err := l.Logout(context.WithoutCancel(ctx)); err != nil {
				l.log.Warn("logout from watch failed", logx.Err(err))
			}
		}
	}
}
