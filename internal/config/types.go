package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Queues       QueuesConfig       `json:"queues"`
	Connectivity ConnectivityConfig `json:"connectivity"`
	Remote       RemoteConfig       `json:"remote"`
	HTTP         HTTPConfig         `json:"http"`
	Notifier     *NotifierConfig    `json:"notifier,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the job store backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./syncq.db" }
type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
	// DSN is the postgres connection string. Prefer DSNEnv to keep it out of the file.
	DSN          string `json:"dsn,omitempty"`
	DSNEnv       string `json:"dsn_env,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	CompactEvery int    `json:"compact_every,omitempty"`
}

type QueuesConfig struct {
	FileUpload     QueueConfig `json:"file_upload"`
	MetadataUpload QueueConfig `json:"metadata_upload"`
}

// QueueConfig is the per-job-type policy.
//
// Defaults (when fields are omitted/zero):
//   - retry_limit: 3
//   - network: "wifi"
//   - concurrency: 1
//   - recheck_every: "0s" (gate re-evaluated on connectivity changes only)
type QueueConfig struct {
	RetryLimit   int    `json:"retry_limit,omitempty"`
	Network      string `json:"network,omitempty"`
	Concurrency  int    `json:"concurrency,omitempty"`
	RecheckEvery string `json:"recheck_every,omitempty"`
}

// ConnectivityConfig controls where the connectivity class comes from.
//
// mode "auto" probes network interfaces on the poll schedule (a cron spec or
// "@every 30s"); the other modes pin the class until it is pushed through
// the control API.
type ConnectivityConfig struct {
	Mode string `json:"mode,omitempty"`
	Poll string `json:"poll,omitempty"`
}

type RemoteConfig struct {
	BaseURL     string `json:"base_url"`
	LibraryRoot string `json:"library_root"`
	Timeout     string `json:"timeout,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	TokenEnv    string `json:"token_env,omitempty"`
}

type HTTPConfig struct {
	Addr  string `json:"addr,omitempty"`
	Pprof bool   `json:"pprof,omitempty"`
}

// NotifierConfig controls failure reporting. If the whole section is
// omitted, the notifier is enabled with defaults.
type NotifierConfig struct {
	Enabled     bool `json:"enabled"`
	Workers     int  `json:"workers,omitempty"`
	QueueSize   int  `json:"queue_size,omitempty"`
	RatePerSec  int  `json:"rate_per_sec,omitempty"`
	HistorySize int  `json:"history_size,omitempty"`

	// ReportRemote also posts each failure to the remote server.
	ReportRemote bool `json:"report_remote,omitempty"`
}
