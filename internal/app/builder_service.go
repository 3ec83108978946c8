package app

import (
	"time"

	"conclave/internal/bus"
	"conclave/internal/capability"
	"conclave/internal/config"
	"conclave/internal/execution"
	"conclave/internal/guard"
	"conclave/internal/logger"
	"conclave/internal/monitor"
	"conclave/internal/notifier"
	"conclave/internal/portfolio"
)

// newTelegram returns nil when notifications are disabled or incomplete, so
// callers can skip the alert router entirely.
func newTelegram(cfg config.NotifyConfig) *notifier.Telegram {
	tg := cfg.Telegram
	if !tg.Enabled {
		return nil
	}
	if tg.BotToken == "" || tg.ChatID == "" {
		logger.Warnf("Telegram enabled but bot_token or chat_id is missing; alerts disabled")
		return nil
	}
	return notifier.NewTelegram(tg.BotToken, tg.ChatID)
}

// buildRiskMonitor wires the protective-stop loop under the first active
// monitor-role profile. Without one the control plane still runs, but
// nothing enforces stops, so that is worth a loud warning.
func buildRiskMonitor(
	cfg *config.Config,
	registry *capability.Registry,
	book *portfolio.Book,
	msgBus *bus.Bus,
	audit guard.AuditSink,
	price monitor.PriceSource,
	venues []execution.Capability,
) *monitor.RiskMonitor {
	var agentID string
	for _, p := range registry.ByRole(roleMonitor) {
		if p.Active {
			agentID = p.AgentID
			break
		}
	}
	if agentID == "" {
		logger.Warnf("Roles file has no active monitor agent; protective stops will not be enforced")
		return nil
	}
	risk, err := monitor.NewRiskMonitor(monitor.RiskParams{
		AgentID:       agentID,
		Resolver:      registry,
		Book:          book,
		Bus:           msgBus,
		Audit:         audit,
		Price:         price,
		CheckInterval: time.Duration(cfg.Monitor.CheckIntervalSeconds) * time.Second,
	})
	if err != nil {
		logger.Warnf("Risk monitor disabled: %v", err)
		return nil
	}
	for _, venue := range venues {
		risk.RegisterVenue(venue.Platform(), venue.Tools())
	}
	logger.Infof("✓ risk monitor running as agent %s", agentID)
	return risk
}
