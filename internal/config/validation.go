package config

import (
	"fmt"
	"strings"
)

func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Store.validate(); err != nil {
		return err
	}
	if err := c.Briefing.validate(); err != nil {
		return err
	}
	if err := c.Trigger.validate(len(c.Briefing.Sources)); err != nil {
		return err
	}
	if err := c.Enrichment.validate(); err != nil {
		return err
	}
	if err := c.Execution.validate(); err != nil {
		return err
	}
	if err := c.Portfolio.validate(); err != nil {
		return err
	}
	if err := c.Monitor.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	if err := c.Binance.validate(); err != nil {
		return err
	}
	for class, platform := range c.Execution.Platforms {
		if NormalizePlatform(platform) == "binance" && !c.Binance.Enabled {
			return fmt.Errorf("execution.platforms.%s routes to binance but binance.enabled is false", class)
		}
	}
	return nil
}

func (a *AppConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(a.LogLevel)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("app.log_level must be debug|info|warn|error, got %s", a.LogLevel)
	}
	if NormalizeLogFormat(a.LogFormat) == "" {
		return fmt.Errorf("app.log_format must be text or json, got %s", a.LogFormat)
	}
	if strings.TrimSpace(a.HTTPAddr) == "" {
		return fmt.Errorf("app.http_addr cannot be empty")
	}
	return nil
}

func (s *StoreConfig) validate() error {
	if strings.TrimSpace(s.OrderArchivePath) == "" {
		return fmt.Errorf("store.order_archive_path cannot be empty")
	}
	if strings.TrimSpace(s.AuditLogPath) == "" {
		return fmt.Errorf("store.audit_log_path cannot be empty")
	}
	return nil
}

func (b *BriefingConfig) validate() error {
	if b.TTLSeconds <= 0 {
		return fmt.Errorf("briefing.ttl_seconds must be > 0")
	}
	nonEmpty := 0
	for _, src := range b.Sources {
		if strings.TrimSpace(src) != "" {
			nonEmpty++
		}
	}
	if nonEmpty == 0 {
		return fmt.Errorf("briefing.sources requires at least one source id")
	}
	return nil
}

func (t *TriggerConfig) validate(sourceCount int) error {
	mode := NormalizeTriggerMode(t.Mode)
	if mode == "" {
		return fmt.Errorf("trigger.mode must be quorum|all_fresh|scheduled|manual, got %s", t.Mode)
	}
	if mode == "quorum" {
		if t.QuorumN < 1 {
			return fmt.Errorf("trigger.quorum_n must be >= 1 in quorum mode")
		}
		if t.QuorumN > sourceCount {
			return fmt.Errorf("trigger.quorum_n=%d exceeds the %d configured briefing sources", t.QuorumN, sourceCount)
		}
	}
	if mode == "scheduled" && t.ScheduleIntervalSeconds <= 0 {
		return fmt.Errorf("trigger.schedule_interval_seconds must be > 0 in scheduled mode")
	}
	if t.LockTTLSeconds < 0 {
		return fmt.Errorf("trigger.lock_ttl_seconds must be >= 0")
	}
	return nil
}

func (e *EnrichmentConfig) validate() error {
	if !IsValidInterval(e.KlineInterval) {
		return fmt.Errorf("enrichment.kline_interval %q is not a valid interval", e.KlineInterval)
	}
	if e.KlineLimit < 50 || e.KlineLimit > 1500 {
		return fmt.Errorf("enrichment.kline_limit must be in [50,1500]")
	}
	if !IsValidInterval(e.OIPeriod) {
		return fmt.Errorf("enrichment.oi_period %q is not a valid interval", e.OIPeriod)
	}
	if e.OILimit < 1 || e.OILimit > 500 {
		return fmt.Errorf("enrichment.oi_limit must be in [1,500]")
	}
	return nil
}

func (e *ExecutionConfig) validate() error {
	if e.ReconcileTolerancePct > 10 {
		return fmt.Errorf("execution.reconcile_tolerance_pct must be <= 10")
	}
	for class, platform := range e.Platforms {
		switch class {
		case "stock", "etf", "crypto":
		default:
			return fmt.Errorf("execution.platforms has unknown asset class %q", class)
		}
		if NormalizePlatform(platform) == "" {
			return fmt.Errorf("execution.platforms.%s names unknown platform %q", class, platform)
		}
	}
	if e.Paper.SlippageBps < 0 {
		return fmt.Errorf("execution.paper.slippage_bps must be >= 0")
	}
	if e.Paper.FeeRate < 0 || e.Paper.FeeRate > 0.05 {
		return fmt.Errorf("execution.paper.fee_rate must be in [0,0.05]")
	}
	return nil
}

func (p *PortfolioConfig) validate() error {
	if p.StartingCashUSD <= 0 {
		return fmt.Errorf("portfolio.starting_cash_usd must be > 0")
	}
	return nil
}

func (m *MonitorConfig) validate() error {
	if m.DrawdownAlertPct >= 100 {
		return fmt.Errorf("monitor.drawdown_alert_pct must be < 100")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if n.Telegram.BotToken == "" || n.Telegram.ChatID == "" {
			return fmt.Errorf("telegram notification enabled but missing bot_token or chat_id")
		}
	}
	return nil
}

func (b *BinanceConfig) validate() error {
	if !b.Enabled {
		return nil
	}
	if strings.TrimSpace(b.APIKey) == "" || strings.TrimSpace(b.APISecret) == "" {
		return fmt.Errorf("binance.enabled requires api_key and api_secret")
	}
	return nil
}

// IsValidInterval reports whether s looks like a market interval token:
// digits followed by m/h/d/w.
func IsValidInterval(s string) bool {
	if len(s) < 2 {
		return false
	}
	suf := s[len(s)-1]
	if suf != 'm' && suf != 'h' && suf != 'd' && suf != 'w' {
		return false
	}
	for i := 0; i < len(s)-1; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
