package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"syncq/internal/config"
	"syncq/internal/job"
	"syncq/internal/netgate"
	"syncq/internal/notifier"
	"syncq/internal/queue"
	"syncq/internal/remote"
	"syncq/internal/scheduler"
	"syncq/internal/storage"
	logx "syncq/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file", "memory":
		return storage.Config{Driver: driver, Path: path, CompactEvery: sc.CompactEvery}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pgx":
		dsn := strings.TrimSpace(sc.DSN)
		if env := strings.TrimSpace(sc.DSNEnv); env != "" {
			dsn = strings.TrimSpace(os.Getenv(env))
			if dsn == "" {
				return storage.Config{}, fmt.Errorf("storage.dsn_env: %s is empty", env)
			}
		}
		if dsn == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: dsn}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapQueueConfig returns the queue runtime config and the submission policy
// for one job type.
func mapQueueConfig(t job.Type, qc config.QueueConfig) (queue.Config, scheduler.Policy, error) {
	key := "queues." + string(t)
	network, err := job.ParseNetwork(qc.Network)
	if err != nil {
		return queue.Config{}, scheduler.Policy{}, fmt.Errorf("%s.network: %w", key, err)
	}
	recheck, err := config.ParseDurationField(key+".recheck_every", qc.RecheckEvery)
	if err != nil {
		return queue.Config{}, scheduler.Policy{}, err
	}
	limit := qc.RetryLimit
	if limit <= 0 {
		limit = config.DefaultRetryLimit
	}
	return queue.Config{Type: t, Concurrency: qc.Concurrency, RecheckEvery: recheck},
		scheduler.Policy{RetryLimit: limit, Network: network}, nil
}

func queueConfigFor(cfg *config.Config, t job.Type) config.QueueConfig {
	if t == job.MetadataUpload {
		return cfg.Queues.MetadataUpload
	}
	return cfg.Queues.FileUpload
}

func mapRemoteConfig(cfg *config.Config) (remote.Config, error) {
	rc := cfg.Remote
	timeout, err := config.ParseDurationOrDefault("remote.timeout", rc.Timeout, 60*time.Second)
	if err != nil {
		return remote.Config{}, err
	}
	return remote.Config{
		BaseURL:     rc.BaseURL,
		LibraryRoot: rc.LibraryRoot,
		Timeout:     timeout,
		RatePerSec:  rc.RatePerSec,
		TokenEnv:    rc.TokenEnv,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	n := config.NotifierOrDefault(cfg)
	return notifier.Config{
		Enabled:     n.Enabled,
		Workers:     n.Workers,
		QueueSize:   n.QueueSize,
		RatePerSec:  n.RatePerSec,
		HistorySize: n.HistorySize,
	}
}

// mapConnectivity returns whether interfaces are polled, the poll spec and
// the initial class. Pinned modes start at the pinned class.
func mapConnectivity(cfg *config.Config) (poll bool, spec string, initial netgate.Class, err error) {
	mode := cfg.Connectivity.ModeOrDefault()
	if mode == "auto" {
		return true, cfg.Connectivity.PollOrDefault(), netgate.None, nil
	}
	c, err := netgate.ParseClass(mode)
	if err != nil {
		return false, "", netgate.None, fmt.Errorf("connectivity.mode: %w", err)
	}
	return false, "", c, nil
}

// validateRuntime runs every mapping so a reload is rejected before commit
// if the running app could not apply it.
func validateRuntime(cfg *config.Config) error {
	if err := config.RequireRemote(cfg); err != nil {
		return err
	}
	for _, t := range []job.Type{job.FileUpload, job.MetadataUpload} {
		if _, _, err := mapQueueConfig(t, queueConfigFor(cfg, t)); err != nil {
			return err
		}
	}
	if _, err := mapRemoteConfig(cfg); err != nil {
		return err
	}
	if _, _, _, err := mapConnectivity(cfg); err != nil {
		return err
	}
	return nil
}

// OpenStorage opens the configured backend without starting the app, for
// offline inspection and maintenance.
func OpenStorage(cfg *config.Config, log logx.Logger) (storage.Backend, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, log)
}
