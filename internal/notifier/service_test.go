package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"syncq/internal/eventbus"
	"syncq/internal/job"
	"syncq/internal/queue"
	logx "syncq/pkg/logx"
)

type collect struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (c *collect) Deliver(_ context.Context, f queue.Failure) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, f.ID)
	return c.err
}

func (c *collect) got() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

func failure(id, instance string) queue.Failure {
	return queue.Failure{Type: job.FileUpload, ID: id, Instance: instance, Attempts: 3, Reason: "retry limit exhausted", At: time.Now()}
}

func TestJobFailedDeliversOncePerInstance(t *testing.T) {
	t.Parallel()

	sink := &collect{}
	s := New(Config{Enabled: true, RatePerSec: 100}, logx.Nop(), nil, sink)
	s.Start(context.Background())

	s.JobFailed(failure("a", "i1"))
	s.JobFailed(failure("a", "i1"))
	s.JobFailed(failure("a", "i2"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := sink.got(); len(got) != 2 {
		t.Fatalf("delivered=%v, want 2", got)
	}
	if h := s.History(); len(h) != 2 || h[0].Instance != "i1" || h[1].Instance != "i2" {
		t.Fatalf("history=%+v", h)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	t.Parallel()

	s := New(Config{HistorySize: 2}, logx.Nop(), nil)
	for _, inst := range []string{"1", "2", "3"} {
		s.JobFailed(failure("x", inst))
	}
	h := s.History()
	if len(h) != 2 || h[0].Instance != "2" || h[1].Instance != "3" {
		t.Fatalf("history=%+v", h)
	}
	// Evicted instances may be reported again.
	s.JobFailed(failure("x", "1"))
	if h := s.History(); h[len(h)-1].Instance != "1" {
		t.Fatalf("evicted instance not re-recorded")
	}
}

func TestSinkErrorsArePublished(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := New(Config{Enabled: true, RatePerSec: 100}, logx.Nop(), bus, &collect{err: errors.New("offline")})
	s.Start(context.Background())
	s.JobFailed(failure("b", "i"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	var types []string
	for {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
			continue
		default:
		}
		break
	}
	if len(types) != 2 || types[0] != "notifier.recorded" || types[1] != "notifier.failed" {
		t.Fatalf("events=%v", types)
	}
}
