package storage

import (
	"context"
	"strings"
	"sync"

	"syncq/internal/job"
)

type memoryBackend struct {
	mu     sync.Mutex
	closed bool
	ns     map[string]map[string]job.Descriptor
}

// NewMemory returns a non-durable backend. Records are lost on Close.
func NewMemory() Backend {
	return &memoryBackend{ns: map[string]map[string]job.Descriptor{}}
}

func (b *memoryBackend) Jobs(namespace string) JobStore {
	return &memoryJobs{b: b, ns: strings.TrimSpace(namespace)}
}

func (b *memoryBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.ns = nil
	b.mu.Unlock()
	return nil
}

type memoryJobs struct {
	b  *memoryBackend
	ns string
}

func (s *memoryJobs) table() (map[string]job.Descriptor, error) {
	if s.b.closed {
		return nil, ErrClosed
	}
	if s.ns == "" {
		return nil, ErrBadNamespace
	}
	t := s.b.ns[s.ns]
	if t == nil {
		t = map[string]job.Descriptor{}
		s.b.ns[s.ns] = t
	}
	return t, nil
}

func (s *memoryJobs) Put(_ context.Context, d job.Descriptor) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	t, err := s.table()
	if err != nil {
		return err
	}
	d.Params = d.Params.Clone()
	t[d.ID] = d
	return nil
}

func (s *memoryJobs) Get(_ context.Context, id string) (job.Descriptor, bool, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	t, err := s.table()
	if err != nil {
		return job.Descriptor{}, false, err
	}
	d, ok := t[id]
	return d, ok, nil
}

func (s *memoryJobs) Remove(_ context.Context, id string) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	t, err := s.table()
	if err != nil {
		return err
	}
	delete(t, id)
	return nil
}

func (s *memoryJobs) ClearAll(_ context.Context) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if _, err := s.table(); err != nil {
		return err
	}
	s.b.ns[s.ns] = map[string]job.Descriptor{}
	return nil
}

func (s *memoryJobs) ListAll(_ context.Context) ([]job.Descriptor, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	t, err := s.table()
	if err != nil {
		return nil, err
	}
	out := make([]job.Descriptor, 0, len(t))
	for _, d := range t {
		out = append(out, d)
	}
	sortBySeq(out)
	return out, nil
}
