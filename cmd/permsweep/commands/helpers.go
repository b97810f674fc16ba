package commands

import (
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/permsweep/permsweep/audit"
	"github.com/permsweep/permsweep/config"
	"github.com/permsweep/permsweep/db"
	"github.com/permsweep/permsweep/drive"
	"github.com/permsweep/permsweep/errors"
	"github.com/permsweep/permsweep/logger"
	"github.com/permsweep/permsweep/schedule"
	"github.com/permsweep/permsweep/sink"
)

// ConfigPath is the --config flag value; empty means the default search
var ConfigPath string

func loadConfig() (*config.Config, error) {
	if ConfigPath != "" {
		return config.LoadFromFile(ConfigPath)
	}
	return config.Load()
}

func openDatabase(cfg *config.Config) (*sql.DB, error) {
	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrap(err, "migrate database")
	}
	return database, nil
}

// buildController wires the audit engine from configuration. extra
// reporters (the daemon's websocket broadcaster) are appended after
// the log and sqlite reporters.
func buildController(cfg *config.Config, database *sql.DB, log *zap.SugaredLogger, extra ...audit.Reporter) *audit.Controller {
	store := audit.NewCheckpointStore(database)
	source := drive.NewClient(cfg.Source)
	scheduler := schedule.NewScheduler(schedule.NewStore(database))

	sinks := []audit.RowSink{sink.NewSQLiteSink(database)}
	if cfg.Report.CSVPath != "" {
		sinks = append(sinks, sink.NewCSVSink(cfg.Report.CSVPath, log))
	}

	reporter := audit.MultiReporter{
		audit.NewLogReporter(log),
		audit.NewSQLiteReporter(database, log),
	}
	reporter = append(reporter, extra...)

	budget := audit.NewBudget(time.Duration(cfg.Audit.BudgetSeconds) * time.Second)

	return audit.NewController(
		store,
		source,
		sink.NewMulti(sinks...),
		reporter,
		scheduler,
		budget,
		audit.ControllerConfig{
			PageSize:          cfg.Source.PageSize,
			ContinuationDelay: time.Duration(cfg.Audit.ContinuationDelaySeconds) * time.Second,
			ProgressEvery:     cfg.Audit.ProgressEvery,
		},
		log,
	)
}
