package config

import (
	"strings"

	logx "syncq/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Secrets (DSNs, tokens) are reported as presence only.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage is read once at startup; a change only takes effect on restart.
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != "" || strings.TrimSpace(newCfg.Storage.DSNEnv) != ""),
			logx.Bool("storage.restart_required", true),
		)
	}

	if oldCfg.Queues != newCfg.Queues {
		changed = append(changed, "queues")
		attrs = append(attrs,
			logx.String("queues.file_upload.network", newCfg.Queues.FileUpload.Network),
			logx.Int("queues.file_upload.retry_limit", newCfg.Queues.FileUpload.RetryLimit),
			logx.String("queues.metadata_upload.network", newCfg.Queues.MetadataUpload.Network),
			logx.Int("queues.metadata_upload.retry_limit", newCfg.Queues.MetadataUpload.RetryLimit),
		)
	}

	if oldCfg.Connectivity != newCfg.Connectivity {
		changed = append(changed, "connectivity")
		attrs = append(attrs,
			logx.String("connectivity.mode", newCfg.Connectivity.Mode),
			logx.String("connectivity.poll", newCfg.Connectivity.Poll),
		)
	}

	if oldCfg.Remote != newCfg.Remote {
		changed = append(changed, "remote")
		attrs = append(attrs,
			logx.String("remote.base_url", strings.TrimSpace(newCfg.Remote.BaseURL)),
			logx.Bool("remote.token_env_set", strings.TrimSpace(newCfg.Remote.TokenEnv) != ""),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	on, nn := NotifierOrDefault(oldCfg), NotifierOrDefault(newCfg)
	if on != nn {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nn.Enabled),
			logx.Int("notifier.workers", nn.Workers),
			logx.Int("notifier.rate_per_sec", nn.RatePerSec),
		)
	}

	if len(changed) > 0 {
		attrs = append(attrs, logx.String("sections", strings.Join(changed, ",")))
	}
	return changed, attrs
}
