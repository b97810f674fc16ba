package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Ticker polls the store for due registrations and dispatches them
// through the registry. Runs in the daemon only; CLI invocations that
// schedule continuations rely on the daemon's ticker to fire them.
type Ticker struct {
	store    *Store
	registry *Registry
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	log      *zap.SugaredLogger
}

// NewTicker creates a ticker polling store every interval
func NewTicker(ctx context.Context, store *Store, registry *Registry, interval time.Duration, log *zap.SugaredLogger) *Ticker {
	if interval <= 0 {
		interval = time.Second
	}
	tickerCtx, cancel := context.WithCancel(ctx)
	return &Ticker{
		store:    store,
		registry: registry,
		interval: interval,
		ctx:      tickerCtx,
		cancel:   cancel,
		log:      log.Named("ticker"),
	}
}

// Start begins the tick loop
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.log.Infow("Scheduler ticker started", "interval", t.interval)
}

// Stop stops the tick loop and waits for the current tick to finish
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.log.Infow("Scheduler ticker stopped")
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case now := <-ticker.C:
			if err := t.Tick(now); err != nil {
				t.log.Warnw("Tick error", "error", err)
			}
		}
	}
}

// Tick dispatches every due registration once. Exported so tests can
// drive the ticker without real time.
func (t *Ticker) Tick(now time.Time) error {
	due, err := t.store.Due(now)
	if err != nil {
		return err
	}

	for _, reg := range due {
		// Retire the row before running the handler: a handler that
		// reschedules (the continuation chain does) must not race its
		// own pending registration.
		if reg.CronSpec == "" {
			if err := t.store.Delete(reg.ID); err != nil {
				t.log.Warnw("Failed to retire registration",
					"id", reg.ID,
					"handler", reg.Handler,
					"error", err)
				continue
			}
		} else {
			sched, err := cronParser.Parse(reg.CronSpec)
			if err != nil {
				t.log.Errorw("Unparsable cron spec on stored registration, dropping it",
					"id", reg.ID,
					"spec", reg.CronSpec,
					"error", err)
				t.store.Delete(reg.ID)
				continue
			}
			if err := t.store.Rearm(reg.ID, sched.Next(now)); err != nil {
				t.log.Warnw("Failed to re-arm recurring registration",
					"id", reg.ID,
					"error", err)
				continue
			}
		}

		t.dispatch(reg)
	}
	return nil
}

func (t *Ticker) dispatch(reg Registration) {
	fn, err := t.registry.Get(reg.Handler)
	if err != nil {
		t.log.Errorw("Due registration has no handler",
			"id", reg.ID,
			"handler", reg.Handler,
			"error", err)
		return
	}

	t.log.Infow("Dispatching handler",
		"handler", reg.Handler,
		"registration", reg.ID,
	)
	if err := fn(t.ctx); err != nil {
		t.log.Errorw("Handler failed",
			"handler", reg.Handler,
			"registration", reg.ID,
			"error", err)
	}
}
