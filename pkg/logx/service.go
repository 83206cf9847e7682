package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const defaultLogFile = "./syncq.log"

// Service owns the process sinks. Loggers it hands out write through the
// latest configuration, so a config reload reaches every component.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	file   *os.File
	stdout io.Writer

	root atomic.Pointer[zerolog.Logger]
}

// New builds the service from cfg and returns it with its root Logger.
func New(cfg Config) (*Service, Logger) {
	s := &Service{stdout: os.Stdout}
	s.mu.Lock()
	s.rebuildLocked(cfg)
	s.mu.Unlock()
	return s, s.Logger()
}

func (s *Service) Logger() Logger { return Logger{src: s} }

func (s *Service) zl() zerolog.Logger {
	if p := s.root.Load(); p != nil {
		return *p
	}
	return zerolog.Nop()
}

// Apply reconfigures the sinks. A change of level alone keeps the open sinks.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sameSinks(s.cfg, cfg) {
		s.cfg = cfg
		next := s.zl().Level(parseLevel(cfg.Level, zerolog.InfoLevel))
		s.root.Store(&next)
		return
	}
	s.rebuildLocked(cfg)
}

func sameSinks(a, b Config) bool {
	return a.Console == b.Console && a.File.Enabled == b.File.Enabled &&
		strings.TrimSpace(a.File.Path) == strings.TrimSpace(b.File.Path)
}

func (s *Service) rebuildLocked(cfg Config) {
	s.cfg = cfg
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(s.stdout))
	}
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	// Never go silent: with no sink configured (or the file failing), keep the console.
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(s.stdout))
	}

	root := newRoot(zerolog.MultiLevelWriter(sinks...), parseLevel(cfg.Level, zerolog.InfoLevel))
	s.root.Store(&root)
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir for %q: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

// Close releases the file sink. Loggers keep working on the remaining sinks.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.rebuildLocked(Config{Level: s.cfg.Level, Console: s.cfg.Console})
	return err
}
