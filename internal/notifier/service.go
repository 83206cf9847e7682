package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"syncq/internal/eventbus"
	"syncq/internal/queue"
	rtsup "syncq/internal/runtime/supervisor"
	logx "syncq/pkg/logx"
)

var ErrQueueFull = errors.New("notifier queue full")

// Service is a queue.FailureObserver. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	sinks []Sink

	cfg     Config
	limiter *rate.Limiter

	queue    chan queue.Failure
	sup      *rtsup.Supervisor
	stopping bool

	hmu     sync.Mutex
	history []queue.Failure
	// seen holds instances already reported, bounded like history.
	seen map[string]struct{}
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, sinks ...Sink) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:   log.With(logx.String("comp", "notifier")),
		bus:   bus,
		sinks: sinks,
		seen:  map[string]struct{}{},
	}
	s.applyLocked(cfg)
	return s
}

// Apply swaps pacing and history size at runtime. Worker and queue sizes
// take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	s.cfg = cfg
	// Burst equals the per-second rate so short spikes pass.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan queue.Failure, s.cfg.QueueSize)
	s.stopping = false
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return nil
		})
	}
}

// Stop closes intake and drains queued notifications until ctx ends.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	close(q)
	s.mu.Unlock()

	err := sup.Wait(ctx)
	if err != nil {
		_ = sup.Stop(context.Background())
	}
	s.mu.Lock()
	s.queue, s.sup = nil, nil
	s.mu.Unlock()
	return err
}

// JobFailed records f and schedules delivery. It never blocks: if the
// delivery queue is full the notification stays in history only.
// A failure instance is reported at most once.
func (s *Service) JobFailed(f queue.Failure) {
	if !s.remember(f) {
		return
	}
	s.publish("notifier.recorded", f, nil)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.queue == nil || s.stopping {
		s.log.Warn("job failed", failureFields(f)...)
		return
	}
	select {
	case s.queue <- f:
	default:
		s.log.Warn("job failed (notifier queue full)", failureFields(f)...)
		s.publish("notifier.dropped", f, ErrQueueFull)
	}
}

// History returns the most recent failures, oldest first.
func (s *Service) History() []queue.Failure {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]queue.Failure(nil), s.history...)
}

func (s *Service) remember(f queue.Failure) bool {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	defer s.hmu.Unlock()
	if f.Instance != "" {
		if _, dup := s.seen[f.Instance]; dup {
			return false
		}
		s.seen[f.Instance] = struct{}{}
	}
	s.history = append(s.history, f)
	if len(s.history) > limit {
		for _, old := range s.history[:len(s.history)-limit] {
			delete(s.seen, old.Instance)
		}
		s.history = s.history[len(s.history)-limit:]
	}
	return true
}

func (s *Service) workerLoop(ctx context.Context, q <-chan queue.Failure) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, f)
		}
	}
}

func (s *Service) deliver(ctx context.Context, f queue.Failure) {
	s.mu.Lock()
	lim, sinks := s.limiter, s.sinks
	s.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return
	}
	s.log.Warn("job failed", failureFields(f)...)
	for _, sink := range sinks {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := sink.Deliver(cctx, f)
		cancel()
		if err != nil {
			s.log.Debug("notify sink failed", logx.String("id", f.ID), logx.Err(err))
			s.publish("notifier.failed", f, err)
			continue
		}
		s.publish("notifier.sent", f, nil)
	}
}

func (s *Service) publish(typ string, f queue.Failure, err error) {
	if s.bus == nil {
		return
	}
	ev := FailureEvent{Type: string(f.Type), ID: f.ID, Instance: f.Instance, At: f.At}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func failureFields(f queue.Failure) []logx.Field {
	return []logx.Field{
		logx.String("type", string(f.Type)),
		logx.String("id", f.ID),
		logx.String("instance", f.Instance),
		logx.Int("attempts", f.Attempts),
		logx.String("reason", f.Reason),
	}
}
