// Package config holds the permsweep configuration, loaded from
// permsweep.toml with PERMSWEEP_-prefixed environment overrides.
package config

// Config represents the full permsweep configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Source   SourceConfig   `mapstructure:"source"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Report   ReportConfig   `mapstructure:"report"`
	Server   ServerConfig   `mapstructure:"server"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SourceConfig configures the external file collection the audit reads
type SourceConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	Token             string `mapstructure:"token"`              // bearer token; prefer PERMSWEEP_SOURCE_TOKEN
	PageSize          int    `mapstructure:"page_size"`          // items per listing page
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`    // per-request HTTP timeout
}

// AuditConfig configures the checkpointed audit engine
type AuditConfig struct {
	// BudgetSeconds is the wall-clock ceiling per invocation. Kept well
	// under any host-imposed hard limit: actual duration can overrun by
	// up to one page's fan-out, since the budget is only checked between
	// pages.
	BudgetSeconds int `mapstructure:"budget_seconds"`

	// ContinuationDelaySeconds is how long after a budget stop the next
	// invocation is scheduled.
	ContinuationDelaySeconds int `mapstructure:"continuation_delay_seconds"`

	// ProgressEvery is the processed-item cadence for soft progress reports.
	ProgressEvery int `mapstructure:"progress_every"`

	// TickerIntervalSeconds is how often the daemon checks for due
	// continuations.
	TickerIntervalSeconds int `mapstructure:"ticker_interval_seconds"`
}

// ReportConfig configures the report output
type ReportConfig struct {
	CSVPath string `mapstructure:"csv_path"` // empty disables the CSV sink
}

// ServerConfig configures the status observer server
type ServerConfig struct {
	Port int `mapstructure:"port"` // 0 disables the status server
}
