package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "syncq/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
)

// Manager holds the committed config for one file and republishes it to
// subscribers after an on-disk change passes validation.
type Manager struct {
	path string
	log  logx.Logger
	// check runs after Validate on reloads only.
	check func(ctx context.Context, cfg *Config) error

	mu     sync.RWMutex
	cur    *Config
	digest uint64

	// watchers is guarded by wmu, which also serializes sends with cancels.
	wmu      sync.Mutex
	nextID   int
	watchers map[int]chan *Config
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop(), watchers: map[int]chan *Config{}}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs an extra reload check, typically one that needs
// runtime knowledge the static Validate lacks.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) { m.check = fn }

// Parse decodes the file without committing it.
func (m *Manager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Decode(m.path, raw)
}

// Load parses, validates and commits the file.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err == nil {
		err = Validate(cfg)
	}
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Commit(cfg *Config) {
	d := digestOf(cfg)
	m.mu.Lock()
	m.cur, m.digest = cfg, d
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	cfg := m.cur
	m.mu.RUnlock()
	return cfg
}

// Subscribe returns a channel of committed reloads and a cancel func that
// closes it. A slow subscriber only ever misses intermediate configs.
func (m *Manager) Subscribe(buffer int) (<-chan *Config, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	m.wmu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = ch
	m.wmu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.wmu.Lock()
			delete(m.watchers, id)
			m.wmu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) broadcast(cfg *Config) {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	for id, ch := range m.watchers {
		if offerLatest(ch, cfg) {
			continue
		}
		m.log.Debug("config update dropped", logx.Int("subscriber", id), logx.Int("cap", cap(ch)))
	}
}

// offerLatest sends cfg, evicting the oldest queued config once if ch is full.
func offerLatest(ch chan *Config, cfg *Config) bool {
	for range 2 {
		select {
		case ch <- cfg:
			return true
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
	return false
}

func (m *Manager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}
	d := digestOf(cfg)
	m.mu.RLock()
	same := d != 0 && d == m.digest
	m.mu.RUnlock()
	if same {
		m.log.Trace("config content unchanged", logx.String("path", m.path))
		return
	}
	if err := m.accept(ctx, cfg); err != nil {
		m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
		return
	}
	m.Commit(cfg)
	m.broadcast(cfg)
	m.log.Info("config reloaded", logx.String("path", m.path), logx.String("digest", fmt.Sprintf("%016x", d)))
}

func (m *Manager) accept(ctx context.Context, cfg *Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.check == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	return m.check(cctx, cfg)
}

// Watch follows the parent directory so atomic-rename saves are seen, and
// reloads once per burst of events. It returns nil when ctx ends and an
// error when the watcher itself fails.
func (m *Manager) Watch(ctx context.Context) error {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch init: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config watch %s: %w", dir, err)
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", name))

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()
	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-debounce.C:
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("config watcher events closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), name) && ev.Op&relevant != 0 {
				debounce.Reset(reloadDebounce)
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return errors.New("config watcher errors closed")
			}
			if !errors.Is(werr, fsnotify.ErrEventOverflow) {
				return fmt.Errorf("config watch: %w", werr)
			}
			m.log.Warn("config watch overflow, forcing reload", logx.String("dir", dir))
			debounce.Reset(reloadDebounce)
		}
	}
}

// digestOf fingerprints the decoded config, so whitespace edits are no-ops.
func digestOf(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(raw)
	return h.Sum64()
}
