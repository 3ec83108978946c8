package config

import "strings"

// Config is the merged runtime configuration of the control plane.
type Config struct {
	App        AppConfig        `toml:"app"`
	Store      StoreConfig      `toml:"store"`
	KV         KVConfig         `toml:"kv"`
	Briefing   BriefingConfig   `toml:"briefing"`
	Trigger    TriggerConfig    `toml:"trigger"`
	Enrichment EnrichmentConfig `toml:"enrichment"`
	Execution  ExecutionConfig  `toml:"execution"`
	Portfolio  PortfolioConfig  `toml:"portfolio"`
	Roles      RolesConfig      `toml:"roles"`
	Monitor    MonitorConfig    `toml:"monitor"`
	Notify     NotifyConfig     `toml:"notify"`
	Binance    BinanceConfig    `toml:"binance"`
}

type AppConfig struct {
	Env       string `toml:"env"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	LogPath   string `toml:"log_path"`
	HTTPAddr  string `toml:"http_addr"`
	DataDir   string `toml:"data_dir"`
}

// StoreConfig holds the sqlite paths. Unset paths land under app.data_dir.
type StoreConfig struct {
	OrderArchivePath string `toml:"order_archive_path"`
	AuditLogPath     string `toml:"audit_log_path"`
}

type KVConfig struct {
	Namespace string `toml:"namespace"`
}

type BriefingConfig struct {
	TTLSeconds int      `toml:"ttl_seconds"`
	Sources    []string `toml:"sources"`
}

// TriggerConfig tunes when deliberation cycles start. lock_ttl_seconds may
// stay 0; the trigger derives it from the cycle timeout.
type TriggerConfig struct {
	Mode                    string `toml:"mode"`
	QuorumN                 int    `toml:"quorum_n"`
	MinIntervalSeconds      int    `toml:"min_interval_seconds"`
	DebounceSeconds         int    `toml:"debounce_seconds"`
	LockTTLSeconds          int    `toml:"lock_ttl_seconds"`
	CycleTimeoutSeconds     int    `toml:"cycle_timeout_seconds"`
	ScheduleIntervalSeconds int    `toml:"schedule_interval_seconds"`
	ScheduleOffsetSeconds   int    `toml:"schedule_offset_seconds"`
	RunImmediately          bool   `toml:"run_immediately"`
}

type EnrichmentConfig struct {
	Enabled         bool          `toml:"enabled"`
	MaxCandidates   int           `toml:"max_candidates"`
	FanoutLimit     int           `toml:"fanout_limit"`
	CacheTTLSeconds int           `toml:"cache_ttl_seconds"`
	KlineInterval   string        `toml:"kline_interval"`
	KlineLimit      int           `toml:"kline_limit"`
	OIPeriod        string        `toml:"oi_period"`
	OILimit         int           `toml:"oi_limit"`
	Derived         DerivedConfig `toml:"derived"`
}

// DerivedConfig carries indicator tuning. These are business values, not
// code; zero falls back to the usual defaults inside the enrichment stage.
type DerivedConfig struct {
	ATRPeriod       int     `toml:"atr_period"`
	RSIPeriod       int     `toml:"rsi_period"`
	RSIOverbought   float64 `toml:"rsi_overbought"`
	RSIOversold     float64 `toml:"rsi_oversold"`
	BBPeriod        int     `toml:"bb_period"`
	BBStdDev        float64 `toml:"bb_std_dev"`
	SqueezeLookback int     `toml:"squeeze_lookback"`
	SqueezeRatio    float64 `toml:"squeeze_ratio"`
}

type ExecutionConfig struct {
	Workers                int     `toml:"workers"`
	ExecuteTimeoutSeconds  int     `toml:"execute_timeout_seconds"`
	OrderTTLSeconds        int     `toml:"order_ttl_seconds"`
	ReconcileTolerancePct  float64 `toml:"reconcile_tolerance_pct"`
	BreakerThreshold       int     `toml:"breaker_threshold"`
	BreakerCooldownSeconds int     `toml:"breaker_cooldown_seconds"`
	// Platforms maps an asset class to the venue used when a
	// recommendation names none, e.g. crypto = "binance".
	Platforms map[string]string `toml:"platforms"`
	Paper     PaperConfig       `toml:"paper"`
}

// PaperConfig tunes the simulated venue.
type PaperConfig struct {
	SlippageBps      float64 `toml:"slippage_bps"`
	FeeRate          float64 `toml:"fee_rate"`
	PartialFillRatio float64 `toml:"partial_fill_ratio"`
	LatencyMS        int     `toml:"latency_ms"`
}

type PortfolioConfig struct {
	StartingCashUSD float64 `toml:"starting_cash_usd"`
}

type RolesConfig struct {
	Path string `toml:"path"`
}

type MonitorConfig struct {
	CheckIntervalSeconds int     `toml:"check_interval_seconds"`
	EquityMaxPoints      int     `toml:"equity_max_points"`
	DrawdownAlertPct     float64 `toml:"drawdown_alert_pct"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

// BinanceConfig covers both enrichment market data and the live executor.
type BinanceConfig struct {
	Enabled     bool   `toml:"enabled"`
	APIKey      string `toml:"api_key"`
	APISecret   string `toml:"api_secret"`
	Testnet     bool   `toml:"testnet"`
	RESTBaseURL string `toml:"rest_base_url"`
}

// ResolveRESTBaseURL returns the explicit override when set, otherwise the
// endpoint matching the testnet flag.
func (b BinanceConfig) ResolveRESTBaseURL() string {
	if url := strings.TrimSpace(b.RESTBaseURL); url != "" {
		return url
	}
	if b.Testnet {
		return "https://testnet.binancefuture.com"
	}
	return "https://fapi.binance.com"
}

// keySet tracks the field paths the config files set explicitly.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}
