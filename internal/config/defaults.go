package config

import (
	"path/filepath"
	"strings"
)

const (
	defaultAppEnv       = "dev"
	defaultAppLogLevel  = "info"
	defaultAppLogFormat = "text"
	defaultAppHTTPAddr  = ":9884"
	defaultAppDataDir   = "data"

	defaultKVNamespace = "conclave"

	defaultBriefingTTLSeconds = 900

	defaultTriggerMode             = "quorum"
	defaultTriggerQuorum           = 2
	defaultTriggerMinInterval      = 300
	defaultTriggerDebounce         = 2
	defaultTriggerCycleTimeout     = 600
	defaultTriggerScheduleInterval = 3600
	defaultTriggerScheduleOffset   = 10

	defaultEnrichMaxCandidates = 5
	defaultEnrichFanout        = 4
	defaultEnrichCacheTTL      = 120
	defaultEnrichKlineInterval = "1h"
	defaultEnrichKlineLimit    = 200
	defaultEnrichOIPeriod      = "1h"
	defaultEnrichOILimit       = 48

	defaultExecWorkers          = 2
	defaultExecTimeout          = 30
	defaultExecOrderTTL         = 300
	defaultExecBreakerThreshold = 5
	defaultExecBreakerCooldown  = 120

	defaultPaperSlippageBps = 2.0
	defaultPaperFeeRate     = 0.0004

	defaultPortfolioCashUSD = 100_000

	defaultRolesPath = "configs/roles.yaml"

	defaultMonitorCheckInterval = 5
	defaultMonitorEquityPoints  = 10_000
)

func defaultBriefingSources() []string {
	return []string{"macro", "technical", "sentiment", "onchain"}
}

func defaultPlatforms() map[string]string {
	return map[string]string{"stock": "paper", "etf": "paper", "crypto": "paper"}
}

// defaultString fills target when the operator left key unset and the
// decoded value is blank.
func defaultString(keys keySet, key string, target *string, def string) {
	if keys.isSet(key) || strings.TrimSpace(*target) != "" {
		return
	}
	*target = def
}

// defaultPositive fills target when the operator left key unset and the
// decoded value is not positive. An explicit zero in a file survives
// because the key reads as set.
func defaultPositive[T ~int | ~float64](keys keySet, key string, target *T, def T) {
	if keys.isSet(key) || *target > 0 {
		return
	}
	*target = def
}

// defaultBool fills target when the operator left key unset. An explicit
// false survives the same way.
func defaultBool(keys keySet, key string, target *bool, def bool) {
	if !keys.isSet(key) {
		*target = def
	}
}

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Store.applyDefaults(keys, c.App.DataDir)
	c.KV.applyDefaults(keys)
	c.Briefing.applyDefaults(keys)
	c.Trigger.applyDefaults(keys)
	c.Enrichment.applyDefaults(keys)
	c.Execution.applyDefaults(keys)
	c.Portfolio.applyDefaults(keys)
	c.Roles.applyDefaults(keys)
	c.Monitor.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	defaultString(keys, "app.env", &a.Env, defaultAppEnv)
	defaultString(keys, "app.log_level", &a.LogLevel, defaultAppLogLevel)
	defaultString(keys, "app.log_format", &a.LogFormat, defaultAppLogFormat)
	defaultString(keys, "app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr)
	defaultString(keys, "app.data_dir", &a.DataDir, defaultAppDataDir)
	defaultString(keys, "app.log_path", &a.LogPath, filepath.Join(a.DataDir, "logs", "conclave.log"))
}

func (s *StoreConfig) applyDefaults(keys keySet, dataDir string) {
	if s == nil {
		return
	}
	defaultString(keys, "store.order_archive_path", &s.OrderArchivePath, filepath.Join(dataDir, "orders.db"))
	defaultString(keys, "store.audit_log_path", &s.AuditLogPath, filepath.Join(dataDir, "audit.db"))
}

func (k *KVConfig) applyDefaults(keys keySet) {
	if k == nil {
		return
	}
	defaultString(keys, "kv.namespace", &k.Namespace, defaultKVNamespace)
}

func (b *BriefingConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	if len(b.Sources) == 0 {
		b.Sources = defaultBriefingSources()
	}
	defaultPositive(keys, "briefing.ttl_seconds", &b.TTLSeconds, defaultBriefingTTLSeconds)
}

func (t *TriggerConfig) applyDefaults(keys keySet) {
	if t == nil {
		return
	}
	defaultString(keys, "trigger.mode", &t.Mode, defaultTriggerMode)
	defaultPositive(keys, "trigger.quorum_n", &t.QuorumN, defaultTriggerQuorum)
	defaultPositive(keys, "trigger.min_interval_seconds", &t.MinIntervalSeconds, defaultTriggerMinInterval)
	defaultPositive(keys, "trigger.debounce_seconds", &t.DebounceSeconds, defaultTriggerDebounce)
	defaultPositive(keys, "trigger.cycle_timeout_seconds", &t.CycleTimeoutSeconds, defaultTriggerCycleTimeout)
	defaultPositive(keys, "trigger.schedule_interval_seconds", &t.ScheduleIntervalSeconds, defaultTriggerScheduleInterval)
	if !keys.isSet("trigger.schedule_offset_seconds") && t.ScheduleOffsetSeconds < 0 {
		t.ScheduleOffsetSeconds = defaultTriggerScheduleOffset
	}
	// lock_ttl_seconds deliberately keeps no default: 0 lets the trigger
	// derive it from the cycle timeout.
}

func (e *EnrichmentConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	defaultBool(keys, "enrichment.enabled", &e.Enabled, true)
	defaultPositive(keys, "enrichment.max_candidates", &e.MaxCandidates, defaultEnrichMaxCandidates)
	defaultPositive(keys, "enrichment.fanout_limit", &e.FanoutLimit, defaultEnrichFanout)
	defaultPositive(keys, "enrichment.cache_ttl_seconds", &e.CacheTTLSeconds, defaultEnrichCacheTTL)
	defaultString(keys, "enrichment.kline_interval", &e.KlineInterval, defaultEnrichKlineInterval)
	defaultPositive(keys, "enrichment.kline_limit", &e.KlineLimit, defaultEnrichKlineLimit)
	defaultString(keys, "enrichment.oi_period", &e.OIPeriod, defaultEnrichOIPeriod)
	defaultPositive(keys, "enrichment.oi_limit", &e.OILimit, defaultEnrichOILimit)
}

func (e *ExecutionConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	if len(e.Platforms) == 0 {
		e.Platforms = defaultPlatforms()
	} else {
		normalized := make(map[string]string, len(e.Platforms))
		for class, platform := range e.Platforms {
			class = strings.ToLower(strings.TrimSpace(class))
			platform = strings.ToLower(strings.TrimSpace(platform))
			if class == "" || platform == "" {
				continue
			}
			normalized[class] = platform
		}
		e.Platforms = normalized
	}
	defaultPositive(keys, "execution.workers", &e.Workers, defaultExecWorkers)
	defaultPositive(keys, "execution.execute_timeout_seconds", &e.ExecuteTimeoutSeconds, defaultExecTimeout)
	defaultPositive(keys, "execution.order_ttl_seconds", &e.OrderTTLSeconds, defaultExecOrderTTL)
	defaultPositive(keys, "execution.breaker_threshold", &e.BreakerThreshold, defaultExecBreakerThreshold)
	defaultPositive(keys, "execution.breaker_cooldown_seconds", &e.BreakerCooldownSeconds, defaultExecBreakerCooldown)

	// Paper costs may legitimately be negative (maker rebates), so only an
	// untouched zero gets the default.
	if !keys.isSet("execution.paper.slippage_bps") && e.Paper.SlippageBps == 0 {
		e.Paper.SlippageBps = defaultPaperSlippageBps
	}
	if !keys.isSet("execution.paper.fee_rate") && e.Paper.FeeRate == 0 {
		e.Paper.FeeRate = defaultPaperFeeRate
	}

	if e.ReconcileTolerancePct < 0 {
		e.ReconcileTolerancePct = 0
	}
	if e.Paper.PartialFillRatio < 0 || e.Paper.PartialFillRatio >= 1 {
		e.Paper.PartialFillRatio = 0
	}
	if e.Paper.LatencyMS < 0 {
		e.Paper.LatencyMS = 0
	}
}

func (p *PortfolioConfig) applyDefaults(keys keySet) {
	if p == nil {
		return
	}
	defaultPositive(keys, "portfolio.starting_cash_usd", &p.StartingCashUSD, float64(defaultPortfolioCashUSD))
}

func (r *RolesConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	defaultString(keys, "roles.path", &r.Path, defaultRolesPath)
}

func (m *MonitorConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	defaultPositive(keys, "monitor.check_interval_seconds", &m.CheckIntervalSeconds, defaultMonitorCheckInterval)
	defaultPositive(keys, "monitor.equity_max_points", &m.EquityMaxPoints, defaultMonitorEquityPoints)
	if m.DrawdownAlertPct < 0 {
		m.DrawdownAlertPct = 0
	}
}
