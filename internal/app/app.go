// Package app assembles the control plane from configuration: stores,
// message bus, briefing trigger, cycle runner, execution stack, monitors
// and the status surface, wired in the order their dependencies demand.
package app

import (
	"context"
	"fmt"
	"time"

	"conclave/internal/briefing"
	"conclave/internal/bus"
	"conclave/internal/capability"
	"conclave/internal/config"
	"conclave/internal/execution"
	"conclave/internal/kv"
	"conclave/internal/logger"
	"conclave/internal/monitor"
	"conclave/internal/notifier"
	"conclave/internal/portfolio"
	"conclave/internal/queue"
	"conclave/internal/scheduler"
	"conclave/internal/store/auditlog"
	"conclave/internal/store/gormstore"
	statushttp "conclave/internal/transport/http/status"

	"golang.org/x/sync/errgroup"
)

// App owns the assembled control plane. NewApp builds it without starting
// anything; Run brings the long-lived pieces up and blocks until the
// context ends or one of them fails.
type App struct {
	cfg *config.Config

	kvs       kv.Store
	bus       *bus.Bus
	orders    *gormstore.Store
	audit     *auditlog.Store
	registry  *capability.Registry
	book      *portfolio.Book
	briefings *briefing.Store
	trigger   *briefing.Trigger
	queue     *queue.Queue
	orch      *execution.Orchestrator
	positions *portfolio.Tracker
	perf      *monitor.PerformanceTracker
	risk      *monitor.RiskMonitor
	alerts    *notifier.AlertRouter
	status    *statushttp.Server

	Summary *StartupSummary
}

// NewApp builds the application from config. Embedders that need to inject
// a deliberation backend or test doubles use NewAppBuilder directly.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return NewAppBuilder(cfg).Build(context.Background())
}

// Run starts the orchestrator, monitors, trigger, status server and, in
// scheduled mode, the cycle scheduler. It blocks until ctx is cancelled or
// a component fails, then shuts everything down in dependency order.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}

	group, ctx := errgroup.WithContext(ctx)

	a.orch.Start(ctx)
	if a.risk != nil {
		a.risk.Start(ctx)
	}
	if err := a.trigger.Start(); err != nil {
		a.shutdown()
		return fmt.Errorf("trigger start: %w", err)
	}

	if a.status != nil {
		group.Go(func() error {
			if err := a.status.Start(ctx); err != nil {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
	}

	if mode := config.NormalizeTriggerMode(a.cfg.Trigger.Mode); mode == string(briefing.ModeScheduled) {
		group.Go(func() error {
			a.runScheduler(ctx)
			return nil
		})
	}

	// Keeps Run alive when neither the status server nor the scheduler is
	// configured; the trigger and orchestrator live on their own goroutines.
	group.Go(func() error {
		<-ctx.Done()
		return nil
	})

	err := group.Wait()
	a.shutdown()
	return err
}

// runScheduler fires cycles on interval boundaries until ctx ends.
func (a *App) runScheduler(ctx context.Context) {
	interval := time.Duration(a.cfg.Trigger.ScheduleIntervalSeconds) * time.Second
	offset := time.Duration(a.cfg.Trigger.ScheduleOffsetSeconds) * time.Second
	sched := scheduler.NewIntervalScheduler(ctx, interval, offset)
	sched.RunImmediately = a.cfg.Trigger.RunImmediately
	sched.Start(func() {
		// Run logs and records its own failures; a skipped or failed
		// cycle must not stop the schedule.
		_, _ = a.trigger.Run(ctx, "scheduled")
	})
}

// shutdown stops producers before consumers, then closes the stores.
func (a *App) shutdown() {
	if a.trigger != nil {
		a.trigger.Close()
	}
	if a.orch != nil {
		a.orch.Stop()
	}
	if a.risk != nil {
		a.risk.Stop()
	}
	if a.alerts != nil {
		a.alerts.Close()
	}
	if a.perf != nil {
		a.perf.Close()
	}
	if a.positions != nil {
		a.positions.Close()
	}
	if a.queue != nil {
		a.queue.Close()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			logger.Warnf("audit log close: %v", err)
		}
	}
	if a.orders != nil {
		if err := a.orders.Close(); err != nil {
			logger.Warnf("order archive close: %v", err)
		}
	}
	if a.kvs != nil {
		if err := a.kvs.Close(); err != nil {
			logger.Warnf("kv close: %v", err)
		}
	}
}

// Briefings exposes the briefing store so the embedding process can feed
// research updates in.
func (a *App) Briefings() *briefing.Store {
	if a == nil {
		return nil
	}
	return a.briefings
}

// Trigger exposes the deliberation trigger (manual cycles, status).
func (a *App) Trigger() *briefing.Trigger {
	if a == nil {
		return nil
	}
	return a.trigger
}

// Bus exposes the message bus for additional subscribers.
func (a *App) Bus() *bus.Bus {
	if a == nil {
		return nil
	}
	return a.bus
}

// Book exposes the portfolio book.
func (a *App) Book() *portfolio.Book {
	if a == nil {
		return nil
	}
	return a.book
}
