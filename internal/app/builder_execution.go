package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"conclave/internal/capability"
	"conclave/internal/config"
	"conclave/internal/enrichment"
	"conclave/internal/execution"
	"conclave/internal/logger"
	"conclave/internal/order"
	"conclave/internal/portfolio"
	"conclave/internal/queue"
	"conclave/internal/store/gormstore"
)

const (
	roleExecutor = "executor"
	roleMonitor  = "monitor"
)

// expiryRelay bridges the queue's TTL callback to the orchestrator. The
// queue must exist before the orchestrator that consumes it, so the
// callback target is bound after construction, under a lock because the
// queue's sweeper goroutine may fire before bind runs.
type expiryRelay struct {
	mu   sync.Mutex
	orch *execution.Orchestrator
}

func (r *expiryRelay) bind(o *execution.Orchestrator) {
	r.mu.Lock()
	r.orch = o
	r.mu.Unlock()
}

func (r *expiryRelay) handle(o *order.Order) {
	r.mu.Lock()
	target := r.orch
	r.mu.Unlock()
	if target == nil {
		logger.Warnf("Order %s expired before the orchestrator was wired", o.ID)
		return
	}
	target.HandleExpired(o)
}

// buildVenues constructs one capability per platform the routing table
// references. A route to binance with the binance section disabled is a
// configuration error, not a silent fallback to paper.
func buildVenues(cfg *config.Config, price execution.PriceFunc) ([]execution.Capability, error) {
	needed := map[string]bool{}
	for _, platform := range cfg.Execution.Platforms {
		if p := config.NormalizePlatform(platform); p != "" {
			needed[p] = true
		}
	}
	if len(needed) == 0 {
		needed["paper"] = true
	}

	names := make([]string, 0, len(needed))
	for name := range needed {
		names = append(names, name)
	}
	sort.Strings(names)

	venues := make([]execution.Capability, 0, len(names))
	for _, name := range names {
		switch name {
		case "paper":
			venue, err := execution.NewPaper(paperVenueConfig(cfg.Execution.Paper), price)
			if err != nil {
				return nil, fmt.Errorf("paper venue: %w", err)
			}
			venues = append(venues, venue)
		case "binance":
			if !cfg.Binance.Enabled {
				return nil, fmt.Errorf("platform %q routed but binance is disabled", name)
			}
			venues = append(venues, execution.NewBinance(execution.BinanceConfig{
				APIKey:      cfg.Binance.APIKey,
				APISecret:   cfg.Binance.APISecret,
				RESTBaseURL: cfg.Binance.ResolveRESTBaseURL(),
			}))
		default:
			return nil, fmt.Errorf("unknown execution platform %q", name)
		}
	}
	return venues, nil
}

// paperVenueConfig translates the config section into venue terms. The
// config layer fills unset paper knobs, so a zero here is an explicit
// operator choice and maps to the venue's "disabled" value.
func paperVenueConfig(p config.PaperConfig) execution.PaperConfig {
	return execution.PaperConfig{
		SlippageBps:      zeroAsDisabled(p.SlippageBps),
		FeeRate:          zeroAsDisabled(p.FeeRate),
		PartialFillRatio: p.PartialFillRatio,
		Latency:          time.Duration(p.LatencyMS) * time.Millisecond,
	}
}

func zeroAsDisabled(v float64) float64 {
	if v == 0 {
		return -1
	}
	return v
}

// registerVenues binds each venue to the first active executor cleared for
// its platform and returns the platform→agent assignment for the summary.
func registerVenues(router *execution.Router, registry *capability.Registry, venues []execution.Capability) (map[string]string, error) {
	agents := make(map[string]string, len(venues))
	for _, venue := range venues {
		agentID, err := executorFor(registry, venue.Platform())
		if err != nil {
			return nil, err
		}
		if err := router.Register(venue, agentID); err != nil {
			return nil, fmt.Errorf("register venue: %w", err)
		}
		agents[venue.Platform()] = agentID
		logger.Infof("✓ venue %s registered under agent %s", venue.Platform(), agentID)
	}
	return agents, nil
}

func executorFor(registry *capability.Registry, platform string) (string, error) {
	for _, p := range registry.ByRole(roleExecutor) {
		if p.Active && p.AllowsPlatform(platform) {
			return p.AgentID, nil
		}
	}
	return "", fmt.Errorf("roles file has no active executor cleared for platform %q", platform)
}

// marketPriceSource marks assets from binance futures when market data is
// configured, falling back to the book's own marks so the paper venue and
// risk monitor stay usable offline.
func marketPriceSource(src *enrichment.BinanceSource, book *portfolio.Book) execution.PriceFunc {
	return func(ctx context.Context, asset string) (float64, error) {
		if src != nil {
			premium, err := src.FundingPremium(ctx, asset)
			if err == nil && premium.MarkPrice > 0 {
				return premium.MarkPrice, nil
			}
		}
		snap, err := book.Snapshot(ctx)
		if err != nil {
			return 0, err
		}
		for _, pos := range snap.Positions {
			if !strings.EqualFold(pos.Asset, asset) {
				continue
			}
			if pos.CurrentPrice > 0 {
				return pos.CurrentPrice, nil
			}
			if pos.EntryPrice > 0 {
				return pos.EntryPrice, nil
			}
		}
		return 0, fmt.Errorf("no price mark for %s", asset)
	}
}

// recoverOpenOrders rebinds orders the archive still holds in a non-terminal
// status. Pending orders go back on the queue. Orders caught mid-flight are
// cancelled: the venue outcome is unknowable after a restart and re-executing
// risks a double fill.
func recoverOpenOrders(ctx context.Context, archive *gormstore.Store, tracker *order.Tracker, q *queue.Queue) (cancelled, requeued int) {
	open, err := archive.ListOpen(ctx)
	if err != nil {
		logger.Warnf("Order recovery skipped: %v", err)
		return 0, 0
	}
	for _, o := range open {
		sm := tracker.Bind(o)
		switch o.Status {
		case order.StatusPending:
			priority := 0
			if o.Action == order.ActionSell || o.Action == order.ActionCover {
				priority = 1
			}
			if err := q.Enqueue(o, priority); err != nil {
				logger.Warnf("Recovered order %s could not be requeued: %v", o.ID, err)
				tracker.Release(o.ID)
				continue
			}
			requeued++
		case order.StatusValidating, order.StatusExecuting:
			if err := sm.Fire(order.EventCancel, "recovery", "in-flight at shutdown, outcome unknown"); err != nil {
				logger.Warnf("Recovered order %s could not be cancelled: %v", o.ID, err)
			}
			if err := archive.Archive(ctx, o); err != nil {
				logger.Warnf("Recovered order %s could not be archived: %v", o.ID, err)
			}
			tracker.Release(o.ID)
			cancelled++
		default:
			tracker.Release(o.ID)
		}
	}
	if cancelled > 0 || requeued > 0 {
		logger.Infof("✓ recovery requeued %d and cancelled %d open orders", requeued, cancelled)
	}
	return cancelled, requeued
}
