// Package eventbus carries in-process observability events (job transitions,
// purges, connectivity changes). Nothing on it drives control flow.
package eventbus

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const (
	JobSubmitted   = "job.submitted"
	JobSuperseded  = "job.superseded"
	JobStarted     = "job.started"
	JobSucceeded   = "job.succeeded"
	JobRetry       = "job.retry"
	JobFailed      = "job.failed"
	QueueCancelled = "queue.cancelled"
	SessionPurged  = "session.purged"
	NetworkChanged = "network.changed"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// MemBus fans events out to buffered subscriber channels. Publish never
// blocks: a full subscriber misses the event and Dropped counts it.
type MemBus struct {
	mu      sync.Mutex // serializes subscriber list changes
	subs    atomic.Pointer[[]*subscriber]
	dropped atomic.Uint64
}

type subscriber struct {
	mu     sync.RWMutex
	ch     chan Event
	closed bool
}

func New() *MemBus {
	b := &MemBus{}
	b.subs.Store(&[]*subscriber{})
	return b
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	for _, s := range *b.subs.Load() {
		if !s.offer(e) {
			b.dropped.Add(1)
		}
	}
}

// offer reports false only when the subscriber is open but full.
func (s *subscriber) offer(e Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}

func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	next := append(slices.Clone(*b.subs.Load()), s)
	b.subs.Store(&next)
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() { once.Do(func() { b.remove(s) }) }
}

func (b *MemBus) remove(s *subscriber) {
	b.mu.Lock()
	next := slices.DeleteFunc(slices.Clone(*b.subs.Load()), func(x *subscriber) bool { return x == s })
	b.subs.Store(&next)
	b.mu.Unlock()

	s.mu.Lock()
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
}

// Dropped is the number of deliveries skipped because a subscriber was full.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }
