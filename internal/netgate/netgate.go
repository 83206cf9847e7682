// Package netgate tracks the current connectivity class and decides whether a
// job's network requirement is satisfied.
package netgate

import (
	"fmt"
	"strings"
	"sync"

	"syncq/internal/job"
)

// Class is the connectivity class reported by the observer.
type Class int

const (
	None Class = iota
	Cellular
	WiFi
)

func (c Class) String() string {
	switch c {
	case WiFi:
		return "wifi"
	case Cellular:
		return "cellular"
	default:
		return "none"
	}
}

func ParseClass(raw string) (Class, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "none", "offline":
		return None, nil
	case "cellular", "wwan":
		return Cellular, nil
	case "wifi", "wlan", "ethernet":
		return WiFi, nil
	default:
		return None, fmt.Errorf("unknown connectivity class %q", raw)
	}
}

// Allows reports whether class satisfies requirement. NetworkAny still
// needs some connectivity.
func Allows(req job.Network, class Class) bool {
	switch req {
	case job.NetworkWiFiOnly:
		return class == WiFi
	default:
		return class >= Cellular
	}
}

// Monitor holds the current class and fans out changes to subscribers.
// Subscribers get a signal on every change; they re-read Current().
type Monitor struct {
	mu      sync.Mutex
	current Class
	subs    map[int]chan struct{}
	nextID  int
}

func NewMonitor(initial Class) *Monitor {
	return &Monitor{current: initial, subs: map[int]chan struct{}{}}
}

func (m *Monitor) Current() Class {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Set updates the class and reports whether it changed.
func (m *Monitor) Set(c Class) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == c {
		return false
	}
	m.current = c
	for _, ch := range m.subs {
		// Coalesce: one pending signal is enough.
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return true
}

// Subscribe returns a change-signal channel and its cancel func.
func (m *Monitor) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Gate binds a Monitor to the Allows policy for queues.
type Gate struct{ m *Monitor }

func NewGate(m *Monitor) Gate { return Gate{m: m} }

func (g Gate) Allows(req job.Network) bool { return Allows(req, g.m.Current()) }

func (g Gate) Subscribe() (<-chan struct{}, func()) { return g.m.Subscribe() }
