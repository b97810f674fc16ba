package commands

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/permsweep/permsweep/audit"
	"github.com/permsweep/permsweep/config"
	"github.com/permsweep/permsweep/errors"
	"github.com/permsweep/permsweep/logger"
	"github.com/permsweep/permsweep/schedule"
	"github.com/permsweep/permsweep/server"
)

// DaemonCmd runs the scheduler ticker and the status server
var DaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the scheduler and status server",
	Long: `Run the permsweep daemon.

The daemon polls for due continuations and recurring kickoffs and runs
audit invocations when they fire. It also serves the status observer
endpoints (GET /api/status and a websocket stream on /ws) and reloads
the configuration file when it changes.

Stop with Ctrl-C; the current invocation's page finishes and its
checkpoint is saved before exit.`,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	log := logger.Logger.Named("daemon")
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	broadcaster := server.NewBroadcaster()

	// The watcher goroutine swaps the controller while the ticker
	// dispatches through it, hence the lock
	var mu sync.Mutex
	controller := buildController(cfg, database, logger.Logger, broadcaster)
	getController := func() *audit.Controller {
		mu.Lock()
		defer mu.Unlock()
		return controller
	}

	// Hot-reload: a changed config applies to the next invocation
	if path := configFilePath(); path != "" {
		watcher, err := config.NewWatcher(path)
		if err != nil {
			log.Warnw("Config watching disabled", "path", path, "error", err)
		} else {
			watcher.OnReload(func(newCfg *config.Config) error {
				mu.Lock()
				controller = buildController(newCfg, database, logger.Logger, broadcaster)
				mu.Unlock()
				log.Infow("Audit engine rebuilt from new config")
				return nil
			})
			watcher.Start()
			defer watcher.Stop()
		}
	}

	registry := schedule.NewRegistry()
	registry.Register(audit.HandlerContinue, func(ctx context.Context) error {
		err := getController().RunInvocation(ctx)
		if errors.IsNoJob(err) {
			// The job finished or was cancelled between scheduling and
			// dispatch; nothing to resume
			return nil
		}
		return err
	})
	registry.Register(audit.HandlerWeekly, func(ctx context.Context) error {
		return getController().Start(ctx)
	})

	ticker := schedule.NewTicker(ctx, schedule.NewStore(database), registry,
		time.Duration(cfg.Audit.TickerIntervalSeconds)*time.Second, logger.Logger)
	ticker.Start()
	defer ticker.Stop()

	var statusServer *server.StatusServer
	serverErr := make(chan error, 1)
	if cfg.Server.Port > 0 {
		statusServer = server.NewStatusServer(database, broadcaster, cfg.Server.Port, logger.Logger)
		go func() {
			serverErr <- statusServer.Start()
		}()
	}

	log.Infow("Daemon started",
		"ticker_interval", cfg.Audit.TickerIntervalSeconds,
		"status_port", cfg.Server.Port,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infow("Shutting down", "signal", sig)
	case err := <-serverErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	cancel()
	if statusServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := statusServer.Shutdown(shutdownCtx); err != nil {
			log.Warnw("Status server shutdown error", "error", err)
		}
	}
	return nil
}

func configFilePath() string {
	if ConfigPath != "" {
		return ConfigPath
	}
	return config.FilePath()
}
