package app

import (
	"context"
	"fmt"
	"time"

	"conclave/internal/briefing"
	"conclave/internal/bus"
	"conclave/internal/capability"
	"conclave/internal/config"
	"conclave/internal/enrichment"
	"conclave/internal/execution"
	"conclave/internal/guard"
	"conclave/internal/kv"
	"conclave/internal/logger"
	"conclave/internal/memo"
	"conclave/internal/monitor"
	"conclave/internal/notifier"
	"conclave/internal/order"
	"conclave/internal/pkg/circuit"
	"conclave/internal/pipeline/runner"
	"conclave/internal/portfolio"
	"conclave/internal/queue"
	"conclave/internal/store/auditlog"
	"conclave/internal/store/gormstore"
	statushttp "conclave/internal/transport/http/status"
)

// AppBuilder wires an App step by step. Every external seam is an
// injectable function or value so tests and embedders can replace it.
type AppBuilder struct {
	cfg *config.Config

	deliberator runner.Deliberator
	kvOverride  kv.Store
	priceSource execution.PriceFunc
	venuesFn    func(*config.Config, execution.PriceFunc) ([]execution.Capability, error)
	statusFn    func(statushttp.ServerConfig) (*statushttp.Server, error)
}

type AppBuilderOption func(*AppBuilder)

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:      cfg,
		venuesFn: buildVenues,
		statusFn: statushttp.NewServer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// WithDeliberator attaches the deliberation backend. Without one, every
// cycle fails at DELIBERATING with a wiring error.
func WithDeliberator(d runner.Deliberator) AppBuilderOption {
	return func(b *AppBuilder) {
		if d != nil {
			b.deliberator = d
		}
	}
}

// WithKV replaces the default namespaced in-memory store.
func WithKV(s kv.Store) AppBuilderOption {
	return func(b *AppBuilder) {
		if s != nil {
			b.kvOverride = s
		}
	}
}

// WithPriceSource replaces the market-data price chain.
func WithPriceSource(fn execution.PriceFunc) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.priceSource = fn
		}
	}
}

// WithVenues replaces venue construction.
func WithVenues(fn func(*config.Config, execution.PriceFunc) ([]execution.Capability, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.venuesFn = fn
		}
	}
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)
	logger.SetFormat(cfg.App.LogFormat)

	kvs := b.kvOverride
	if kvs == nil {
		kvs = kv.Namespaced(kv.NewMemory(), cfg.KV.Namespace)
	}
	msgBus := bus.New()

	orders, err := gormstore.New(cfg.Store.OrderArchivePath)
	if err != nil {
		return nil, fmt.Errorf("open order archive: %w", err)
	}
	audit, err := auditlog.New(cfg.Store.AuditLogPath)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	registry, err := capability.NewRegistry(cfg.Roles.Path)
	if err != nil {
		return nil, fmt.Errorf("load roles: %w", err)
	}
	registry.OnChange(func(snap capability.Snapshot) {
		msgBus.PublishJSON(bus.MsgRolesReloaded, map[string]any{
			"version": snap.Version,
			"agents":  len(snap.Profiles),
		})
	})
	logger.Infof("✓ roles loaded from %s (%d agents)", cfg.Roles.Path, len(registry.Snapshot().Profiles))

	book := portfolio.NewBook(cfg.Portfolio.StartingCashUSD)

	briefStore, err := briefing.NewStore(kvs, msgBus, cfg.Briefing.Sources,
		time.Duration(cfg.Briefing.TTLSeconds)*time.Second)
	if err != nil {
		return nil, fmt.Errorf("briefing store: %w", err)
	}

	var marketSrc *enrichment.BinanceSource
	if cfg.Binance.Enabled {
		marketSrc = enrichment.NewBinanceSource(enrichment.BinanceConfig{
			APIKey:      cfg.Binance.APIKey,
			APISecret:   cfg.Binance.APISecret,
			RESTBaseURL: cfg.Binance.ResolveRESTBaseURL(),
		})
		logger.Infof("✓ binance market data via %s", cfg.Binance.ResolveRESTBaseURL())
	}

	price := b.priceSource
	if price == nil {
		price = marketPriceSource(marketSrc, book)
	}

	enricher := buildEnricher(cfg, marketSrc, kvs)

	relay := &expiryRelay{}
	orderQueue := queue.New(relay.handle)
	tracker := order.NewTracker()
	counters := guard.NewCounters()

	router := execution.NewRouter(registry, execution.RouterConfig{
		BreakerThreshold: cfg.Execution.BreakerThreshold,
		BreakerCooldown:  time.Duration(cfg.Execution.BreakerCooldownSeconds) * time.Second,
		OnBreakerChange: func(platform string, from, to circuit.State) {
			logger.Warnf("venue %s circuit %s -> %s", platform, from, to)
			if to == circuit.StateOpen {
				msgBus.PublishJSON(bus.MsgRiskAlert, map[string]any{
					"source": "circuit." + platform,
					"detail": fmt.Sprintf("venue circuit opened after repeated failures (was %s)", from),
				})
			}
		},
	})
	venues, err := b.venuesFn(cfg, price)
	if err != nil {
		return nil, err
	}
	agents, err := registerVenues(router, registry, venues)
	if err != nil {
		return nil, err
	}

	orch, err := execution.NewOrchestrator(execution.Config{
		Workers:               cfg.Execution.Workers,
		ExecTimeout:           time.Duration(cfg.Execution.ExecuteTimeoutSeconds) * time.Second,
		ReconcileTolerancePct: cfg.Execution.ReconcileTolerancePct,
	}, execution.Deps{
		Queue:     orderQueue,
		Router:    router,
		Tracker:   tracker,
		Portfolio: book,
		Counters:  counters,
		Audit:     audit,
		Bus:       msgBus,
		Archive:   orders,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	relay.bind(orch)

	delib := b.deliberator
	if delib == nil {
		logger.Warnf("No deliberation backend wired; cycles will fail at DELIBERATING until one is attached")
		delib = unwiredDeliberator{}
	}
	cycleRunner, err := runner.New(runner.Config{
		OrderDefaults: memo.OrderDefaults{
			TTLSeconds: cfg.Execution.OrderTTLSeconds,
			Platforms:  platformDefaults(cfg.Execution.Platforms),
		},
	}, runner.Deps{
		Deliberator: delib,
		Queue:       orderQueue,
		Tracker:     tracker,
		Bus:         msgBus,
		Enricher:    enricher,
	})
	if err != nil {
		return nil, fmt.Errorf("cycle runner: %w", err)
	}

	trigCfg, err := triggerConfig(cfg)
	if err != nil {
		return nil, err
	}
	trigger, err := briefing.NewTrigger(trigCfg, briefStore, kvs, msgBus, cycleRunner.Run, audit)
	if err != nil {
		return nil, fmt.Errorf("trigger: %w", err)
	}

	positions := portfolio.NewTracker(book, msgBus)
	perf := monitor.NewPerformanceTracker(book, msgBus, cfg.Monitor.EquityMaxPoints)
	if cfg.Monitor.DrawdownAlertPct > 0 {
		perf.AlertOnDrawdown(cfg.Monitor.DrawdownAlertPct)
	}
	risk := buildRiskMonitor(cfg, registry, book, msgBus, audit, monitor.PriceSource(price), venues)

	var alerts *notifier.AlertRouter
	if tg := newTelegram(cfg.Notify); tg != nil {
		alerts, err = notifier.NewAlertRouter(tg, msgBus)
		if err != nil {
			return nil, fmt.Errorf("alert router: %w", err)
		}
		logger.Infof("✓ telegram alerts enabled")
	}

	statusSrv, err := b.statusFn(statushttp.ServerConfig{
		Addr:    cfg.App.HTTPAddr,
		Trigger: trigger,
		Orders:  orders,
		Audit:   audit,
		Book:    book,
		Perf:    perf,
		Venues:  router,
		Bus:     msgBus,
	})
	if err != nil {
		return nil, fmt.Errorf("status server: %w", err)
	}
	logger.Infof("✓ status surface on %s", statusSrv.Addr())

	cancelled, requeued := recoverOpenOrders(ctx, orders, tracker, orderQueue)

	a := &App{
		cfg:       cfg,
		kvs:       kvs,
		bus:       msgBus,
		orders:    orders,
		audit:     audit,
		registry:  registry,
		book:      book,
		briefings: briefStore,
		trigger:   trigger,
		queue:     orderQueue,
		orch:      orch,
		positions: positions,
		perf:      perf,
		risk:      risk,
		alerts:    alerts,
		status:    statusSrv,
	}
	a.Summary = buildSummary(cfg, trigCfg, agents, enricher != nil, risk != nil, alerts != nil, cancelled, requeued)
	return a, nil
}

// triggerConfig translates the validated config section into the trigger's
// own terms.
func triggerConfig(cfg *config.Config) (briefing.Config, error) {
	mode, err := briefing.ParseMode(config.NormalizeTriggerMode(cfg.Trigger.Mode))
	if err != nil {
		return briefing.Config{}, fmt.Errorf("trigger mode: %w", err)
	}
	return briefing.Config{
		Mode:         mode,
		Quorum:       cfg.Trigger.QuorumN,
		Debounce:     time.Duration(cfg.Trigger.DebounceSeconds) * time.Second,
		MinInterval:  time.Duration(cfg.Trigger.MinIntervalSeconds) * time.Second,
		LockTTL:      time.Duration(cfg.Trigger.LockTTLSeconds) * time.Second,
		CycleTimeout: time.Duration(cfg.Trigger.CycleTimeoutSeconds) * time.Second,
	}, nil
}

// platformDefaults maps the validated class→platform routes into order
// terms for memo conversion.
func platformDefaults(routes map[string]string) map[order.AssetClass]string {
	out := make(map[order.AssetClass]string, len(routes))
	for class, platform := range routes {
		parsed, err := order.ParseAssetClass(class)
		if err != nil {
			continue
		}
		out[parsed] = config.NormalizePlatform(platform)
	}
	return out
}

func buildEnricher(cfg *config.Config, src *enrichment.BinanceSource, cache kv.Store) *enrichment.Enricher {
	if !cfg.Enrichment.Enabled {
		return nil
	}
	if src == nil {
		logger.Warnf("Enrichment enabled but binance is not; stage disabled")
		return nil
	}
	return enrichment.New(src, cache, enrichment.Config{
		Enabled:       true,
		MaxCandidates: cfg.Enrichment.MaxCandidates,
		Fetch: enrichment.FetchConfig{
			FanoutLimit:   cfg.Enrichment.FanoutLimit,
			CacheTTL:      time.Duration(cfg.Enrichment.CacheTTLSeconds) * time.Second,
			KlineInterval: cfg.Enrichment.KlineInterval,
			KlineLimit:    cfg.Enrichment.KlineLimit,
			OIPeriod:      cfg.Enrichment.OIPeriod,
			OILimit:       cfg.Enrichment.OILimit,
		},
		Derived: enrichment.DerivedConfig{
			ATRPeriod:       cfg.Enrichment.Derived.ATRPeriod,
			RSIPeriod:       cfg.Enrichment.Derived.RSIPeriod,
			RSIOverbought:   cfg.Enrichment.Derived.RSIOverbought,
			RSIOversold:     cfg.Enrichment.Derived.RSIOversold,
			BBPeriod:        cfg.Enrichment.Derived.BBPeriod,
			BBStdDev:        cfg.Enrichment.Derived.BBStdDev,
			SqueezeLookback: cfg.Enrichment.Derived.SqueezeLookback,
			SqueezeRatio:    cfg.Enrichment.Derived.SqueezeRatio,
		},
	})
}

// unwiredDeliberator fails every cycle with a wiring error. It keeps an
// unconfigured host observable: the cycle record and status surface show
// exactly what is missing instead of the trigger silently idling.
type unwiredDeliberator struct{}

func (unwiredDeliberator) Deliberate(context.Context, string, map[string]*briefing.Briefing) (string, error) {
	return "", fmt.Errorf("no deliberation backend attached")
}
