package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "permsweep.db")

	// Source defaults
	v.SetDefault("source.page_size", 100)
	v.SetDefault("source.requests_per_minute", 60)
	v.SetDefault("source.timeout_seconds", 30)

	// Audit engine defaults. The 240s budget assumes a ~360s host limit
	// with a one-page overrun margin.
	v.SetDefault("audit.budget_seconds", 240)
	v.SetDefault("audit.continuation_delay_seconds", 60)
	v.SetDefault("audit.progress_every", 100)
	v.SetDefault("audit.ticker_interval_seconds", 1)

	// Report defaults
	v.SetDefault("report.csv_path", "permsweep-report.csv")

	// Status server defaults
	v.SetDefault("server.port", 8710)
}
