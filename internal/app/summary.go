package app

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"conclave/internal/briefing"
	"conclave/internal/config"
)

// StartupSummary is the operator-facing wiring recap printed once at boot.
type StartupSummary struct {
	App      AppSummary
	Trigger  TriggerSummary
	Exec     ExecutionSummary
	Stores   StoreSummary
	Monitor  MonitorSummary
	Recovery RecoverySummary
}

type AppSummary struct {
	Env      string
	HTTPAddr string
	LogLevel string
}

type TriggerSummary struct {
	Mode         string
	Sources      []string
	Quorum       int
	MinInterval  time.Duration
	CycleTimeout time.Duration
}

type ExecutionSummary struct {
	// Venues maps platform name to the executor agent serving it.
	Venues     map[string]string
	Routes     map[string]string
	Workers    int
	OrderTTL   time.Duration
	Enrichment bool
}

type StoreSummary struct {
	OrderArchivePath string
	AuditLogPath     string
	KVNamespace      string
}

type MonitorSummary struct {
	RiskMonitor bool
	DrawdownPct float64
	Telegram    bool
}

type RecoverySummary struct {
	Requeued  int
	Cancelled int
}

func buildSummary(
	cfg *config.Config,
	trig briefing.Config,
	venueAgents map[string]string,
	enrichment, riskMonitor, telegram bool,
	cancelled, requeued int,
) *StartupSummary {
	return &StartupSummary{
		App: AppSummary{
			Env:      cfg.App.Env,
			HTTPAddr: cfg.App.HTTPAddr,
			LogLevel: cfg.App.LogLevel,
		},
		Trigger: TriggerSummary{
			Mode:         string(trig.Mode),
			Sources:      cfg.Briefing.Sources,
			Quorum:       trig.Quorum,
			MinInterval:  time.Duration(cfg.Trigger.MinIntervalSeconds) * time.Second,
			CycleTimeout: time.Duration(cfg.Trigger.CycleTimeoutSeconds) * time.Second,
		},
		Exec: ExecutionSummary{
			Venues:     venueAgents,
			Routes:     cfg.Execution.Platforms,
			Workers:    cfg.Execution.Workers,
			OrderTTL:   time.Duration(cfg.Execution.OrderTTLSeconds) * time.Second,
			Enrichment: enrichment,
		},
		Stores: StoreSummary{
			OrderArchivePath: cfg.Store.OrderArchivePath,
			AuditLogPath:     cfg.Store.AuditLogPath,
			KVNamespace:      cfg.KV.Namespace,
		},
		Monitor: MonitorSummary{
			RiskMonitor: riskMonitor,
			DrawdownPct: cfg.Monitor.DrawdownAlertPct,
			Telegram:    telegram,
		},
		Recovery: RecoverySummary{
			Requeued:  requeued,
			Cancelled: cancelled,
		},
	}
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("STARTUP SUMMARY")/2, "STARTUP SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[CONTROL PLANE]")
	fmt.Printf("  environment: %s\n", valueOrDash(s.App.Env))
	fmt.Printf("  status addr: %s\n", valueOrDash(s.App.HTTPAddr))
	fmt.Printf("  log level:   %s\n", valueOrDash(s.App.LogLevel))
	fmt.Println()

	fmt.Println("[TRIGGER]")
	fmt.Printf("  mode:          %s\n", s.Trigger.Mode)
	fmt.Printf("  sources:       %s\n", formatList(s.Trigger.Sources))
	if s.Trigger.Mode == string(briefing.ModeQuorum) {
		fmt.Printf("  quorum:        %d of %d\n", s.Trigger.Quorum, len(s.Trigger.Sources))
	}
	fmt.Printf("  min interval:  %s\n", s.Trigger.MinInterval)
	fmt.Printf("  cycle timeout: %s\n", s.Trigger.CycleTimeout)
	fmt.Println()

	fmt.Println("[EXECUTION]")
	if len(s.Exec.Venues) == 0 {
		fmt.Println("  venues: (none)")
	} else {
		platforms := make([]string, 0, len(s.Exec.Venues))
		for p := range s.Exec.Venues {
			platforms = append(platforms, p)
		}
		sort.Strings(platforms)
		for _, p := range platforms {
			fmt.Printf("  > %s (executor: %s)\n", p, s.Exec.Venues[p])
		}
	}
	fmt.Printf("  class routes: %s\n", formatRoutes(s.Exec.Routes))
	fmt.Printf("  workers:      %d\n", s.Exec.Workers)
	fmt.Printf("  order ttl:    %s\n", s.Exec.OrderTTL)
	fmt.Printf("  enrichment:   %s\n", onOff(s.Exec.Enrichment))
	fmt.Println()

	fmt.Println("[STORES]")
	fmt.Printf("  order archive: %s\n", valueOrDash(s.Stores.OrderArchivePath))
	fmt.Printf("  audit log:     %s\n", valueOrDash(s.Stores.AuditLogPath))
	fmt.Printf("  kv namespace:  %s\n", valueOrDash(s.Stores.KVNamespace))
	fmt.Println()

	fmt.Println("[MONITORING]")
	fmt.Printf("  risk monitor:   %s\n", onOff(s.Monitor.RiskMonitor))
	if s.Monitor.DrawdownPct > 0 {
		fmt.Printf("  drawdown alert: %.1f%%\n", s.Monitor.DrawdownPct)
	}
	fmt.Printf("  telegram:       %s\n", onOff(s.Monitor.Telegram))

	if s.Recovery.Requeued > 0 || s.Recovery.Cancelled > 0 {
		fmt.Println()
		fmt.Println("[RECOVERY]")
		fmt.Printf("  requeued:  %d\n", s.Recovery.Requeued)
		fmt.Printf("  cancelled: %d\n", s.Recovery.Cancelled)
	}
	fmt.Println(strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func formatRoutes(routes map[string]string) string {
	if len(routes) == 0 {
		return "-"
	}
	classes := make([]string, 0, len(routes))
	for class := range routes {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	pairs := make([]string, 0, len(classes))
	for _, class := range classes {
		pairs = append(pairs, fmt.Sprintf("%s→%s", class, routes[class]))
	}
	return strings.Join(pairs, ", ")
}

func valueOrDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
