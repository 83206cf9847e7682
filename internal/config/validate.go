package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"syncq/internal/job"
	"syncq/internal/netgate"
)

const (
	DefaultRetryLimit = 3
	DefaultPoll       = "@every 30s"
	DefaultHTTPAddr   = "127.0.0.1:8089"
)

var (
	defaultNotifier = NotifierConfig{Enabled: true, Workers: 1, QueueSize: 64, RatePerSec: 5, HistorySize: 100}
)

// NotifierOrDefault returns the notifier section with zero fields filled in.
// An omitted section means enabled with defaults.
func NotifierOrDefault(cfg *Config) NotifierConfig {
	if cfg == nil || cfg.Notifier == nil {
		return defaultNotifier
	}
	n := *cfg.Notifier
	if n.Workers <= 0 {
		n.Workers = defaultNotifier.Workers
	}
	if n.QueueSize <= 0 {
		n.QueueSize = defaultNotifier.QueueSize
	}
	if n.RatePerSec <= 0 {
		n.RatePerSec = defaultNotifier.RatePerSec
	}
	if n.HistorySize <= 0 {
		n.HistorySize = defaultNotifier.HistorySize
	}
	return n
}

// ModeOrDefault returns the normalized mode; empty means "auto".
func (c ConnectivityConfig) ModeOrDefault() string {
	m := strings.ToLower(strings.TrimSpace(c.Mode))
	if m == "" {
		return "auto"
	}
	return m
}

func (c ConnectivityConfig) PollOrDefault() string {
	if p := strings.TrimSpace(c.Poll); p != "" {
		return p
	}
	return DefaultPoll
}

func (h HTTPConfig) AddrOrDefault() string {
	if a := strings.TrimSpace(h.Addr); a != "" {
		return a
	}
	return DefaultHTTPAddr
}

// Validate checks every section and returns all problems joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	errs = append(errs, validateLogging(cfg.Logging)...)
	errs = append(errs, validateStorage(cfg.Storage)...)
	errs = append(errs, validateQueue("queues.file_upload", cfg.Queues.FileUpload)...)
	errs = append(errs, validateQueue("queues.metadata_upload", cfg.Queues.MetadataUpload)...)
	errs = append(errs, validateConnectivity(cfg.Connectivity)...)
	errs = append(errs, validateRemote(cfg.Remote)...)
	if n := cfg.Notifier; n != nil {
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.HistorySize < 0 {
			errs = append(errs, errors.New("notifier: values must be >= 0"))
		}
	}
	return errors.Join(errs...)
}

func validateLogging(c LoggingConfig) []error {
	var errs []error
	switch strings.ToLower(strings.TrimSpace(c.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Level))
	}
	if c.File.Enabled && strings.TrimSpace(c.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path is required when file logging is enabled"))
	}
	return errs
}

func validateStorage(c StorageConfig) []error {
	var errs []error
	switch strings.ToLower(strings.TrimSpace(c.Driver)) {
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Path) == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for driver %q", c.Driver))
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(c.DSN) == "" && strings.TrimSpace(c.DSNEnv) == "" {
			errs = append(errs, errors.New("storage.dsn or storage.dsn_env is required for postgres"))
		}
	case "memory":
	case "":
		errs = append(errs, errors.New("storage.driver is required"))
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Driver))
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	if c.CompactEvery < 0 {
		errs = append(errs, errors.New("storage.compact_every must be >= 0"))
	}
	return errs
}

func validateQueue(path string, c QueueConfig) []error {
	var errs []error
	if c.RetryLimit < 0 {
		errs = append(errs, fmt.Errorf("%s.retry_limit must be >= 0", path))
	}
	if c.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("%s.concurrency must be >= 0", path))
	}
	if _, err := job.ParseNetwork(c.Network); err != nil {
		errs = append(errs, fmt.Errorf("%s.network: %w", path, err))
	}
	if _, err := ParseDurationField(path+".recheck_every", c.RecheckEvery); err != nil {
		errs = append(errs, err)
	}
	return errs
}

func validateConnectivity(c ConnectivityConfig) []error {
	mode := c.ModeOrDefault()
	if mode == "auto" {
		return nil
	}
	if _, err := netgate.ParseClass(mode); err != nil {
		return []error{fmt.Errorf("connectivity.mode: %w", err)}
	}
	return nil
}

// ErrRemoteIncomplete marks a config that cannot drive uploads.
var ErrRemoteIncomplete = errors.New("remote section incomplete")

// RequireRemote checks the remote settings the running service needs. The
// offline maintenance commands only need storage and skip it.
func RequireRemote(cfg *Config) error {
	var errs []error
	if strings.TrimSpace(cfg.Remote.BaseURL) == "" {
		errs = append(errs, fmt.Errorf("%w: remote.base_url is required", ErrRemoteIncomplete))
	}
	if strings.TrimSpace(cfg.Remote.LibraryRoot) == "" {
		errs = append(errs, fmt.Errorf("%w: remote.library_root is required", ErrRemoteIncomplete))
	}
	return errors.Join(errs...)
}

func validateRemote(c RemoteConfig) []error {
	var errs []error
	if raw := strings.TrimSpace(c.BaseURL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("remote.base_url: invalid URL %q", c.BaseURL))
		}
	}
	if _, err := ParseDurationField("remote.timeout", c.Timeout); err != nil {
		errs = append(errs, err)
	}
	if c.RatePerSec < 0 {
		errs = append(errs, errors.New("remote.rate_per_sec must be >= 0"))
	}
	return errs
}
