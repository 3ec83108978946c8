package config

import "strings"

// NormalizeTriggerMode normalizes trigger mode aliases to canonical values.
// Allowed: quorum, all_fresh, scheduled, manual.
func NormalizeTriggerMode(mode string) string {
	m := strings.ToLower(strings.TrimSpace(mode))
	switch m {
	case "quorum", "n_of_m":
		return "quorum"
	case "all_fresh", "all-fresh", "allfresh", "all":
		return "all_fresh"
	case "scheduled", "schedule", "interval":
		return "scheduled"
	case "manual", "force", "on_demand", "on-demand":
		return "manual"
	default:
		return ""
	}
}

// NormalizePlatform normalizes venue aliases to canonical values.
// Allowed: paper, binance.
func NormalizePlatform(platform string) string {
	p := strings.ToLower(strings.TrimSpace(platform))
	switch p {
	case "paper", "sim", "simulated", "simulator":
		return "paper"
	case "binance", "binance_futures", "binance-futures", "binance_usdm":
		return "binance"
	default:
		return ""
	}
}

// NormalizeLogFormat normalizes log format aliases to canonical values.
// Allowed: text, json.
func NormalizeLogFormat(format string) string {
	f := strings.ToLower(strings.TrimSpace(format))
	switch f {
	case "text", "console", "plain":
		return "text"
	case "json", "structured":
		return "json"
	default:
		return ""
	}
}
