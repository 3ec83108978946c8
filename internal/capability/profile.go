package capability

import (
	"fmt"
	"strings"

	"conclave/internal/order"
)

// Constraints are the immutable per-role trading limits. Zero means
// unlimited for every numeric field, so a partially filled config stays
// permissive rather than accidentally blocking everything.
type Constraints struct {
	MaxOrderPct              float64            `mapstructure:"max_order_pct" yaml:"max_order_pct"`
	MaxOrderValueUSD         float64            `mapstructure:"max_order_value_usd" yaml:"max_order_value_usd"`
	AllowedOrderTypes        []string           `mapstructure:"allowed_order_types" yaml:"allowed_order_types"`
	MaxDailyTrades           int                `mapstructure:"max_daily_trades" yaml:"max_daily_trades"`
	MaxDailyVolumeUSD        float64            `mapstructure:"max_daily_volume_usd" yaml:"max_daily_volume_usd"`
	MaxPositions             int                `mapstructure:"max_positions" yaml:"max_positions"`
	MaxExposurePct           float64            `mapstructure:"max_exposure_pct" yaml:"max_exposure_pct"`
	MaxAssetClassExposurePct map[string]float64 `mapstructure:"max_asset_class_exposure_pct" yaml:"max_asset_class_exposure_pct"`
	MinConsensus             string             `mapstructure:"min_consensus" yaml:"min_consensus"`
	MaxDailyLossPct          float64            `mapstructure:"max_daily_loss_pct" yaml:"max_daily_loss_pct"`
	MaxDrawdownPct           float64            `mapstructure:"max_drawdown_pct" yaml:"max_drawdown_pct"`
	MandateTTLSeconds        int                `mapstructure:"mandate_ttl_seconds" yaml:"mandate_ttl_seconds"`
}

// OrderTypeAllowed checks the allow-list; an empty list allows everything.
func (c *Constraints) OrderTypeAllowed(ot order.OrderType) bool {
	if c == nil || len(c.AllowedOrderTypes) == 0 {
		return true
	}
	for _, allowed := range c.AllowedOrderTypes {
		if strings.EqualFold(strings.TrimSpace(allowed), string(ot)) {
			return true
		}
	}
	return false
}

// ClassCap returns the exposure cap for one asset class, if configured.
func (c *Constraints) ClassCap(class order.AssetClass) (float64, bool) {
	if c == nil || len(c.MaxAssetClassExposurePct) == 0 {
		return 0, false
	}
	limit, ok := c.MaxAssetClassExposurePct[string(class)]
	return limit, ok
}

// MinConsensusLevel returns the parsed ordinal floor. Unset or unparsable
// means DIVIDED, which every order satisfies; unparsable values are already
// rejected at load time.
func (c *Constraints) MinConsensusLevel() order.ConsensusLevel {
	if c == nil || strings.TrimSpace(c.MinConsensus) == "" {
		return order.ConsensusDivided
	}
	level, err := order.ParseConsensus(c.MinConsensus)
	if err != nil {
		return order.ConsensusDivided
	}
	return level
}

func (c *Constraints) normalize() error {
	if c == nil {
		return nil
	}
	if s := strings.TrimSpace(c.MinConsensus); s != "" {
		if _, err := order.ParseConsensus(s); err != nil {
			return err
		}
	}
	return nil
}

// Profile is one agent's identity and permission set. Built once at load
// time and treated as read-only afterwards; only Active flips at runtime.
type Profile struct {
	AgentID      string       `mapstructure:"-" yaml:"-"`
	Role         string       `mapstructure:"role" yaml:"role"`
	CapNames     []string     `mapstructure:"capabilities" yaml:"capabilities"`
	Platforms    []string     `mapstructure:"platforms" yaml:"platforms"`
	AssetClasses []string     `mapstructure:"asset_classes" yaml:"asset_classes"`
	Constraints  *Constraints `mapstructure:"constraints" yaml:"constraints"`
	Active       bool         `mapstructure:"-" yaml:"-"`

	caps    Capability
	classes []order.AssetClass
}

// NewProfile builds a profile programmatically, for wiring defaults and
// tests. File-backed profiles come through the registry instead.
func NewProfile(id, role string, caps Capability, platforms []string, classes []order.AssetClass, cons *Constraints) *Profile {
	p := &Profile{
		AgentID:     id,
		Role:        role,
		CapNames:    caps.Names(),
		Platforms:   platforms,
		Constraints: cons,
		Active:      true,
		caps:        caps,
		classes:     classes,
	}
	for _, c := range classes {
		p.AssetClasses = append(p.AssetClasses, string(c))
	}
	return p
}

// Capabilities returns the parsed permission mask.
func (p *Profile) Capabilities() Capability { return p.caps }

// AllowsPlatform checks the platform allow-list, case-insensitively.
func (p *Profile) AllowsPlatform(platform string) bool {
	for _, allowed := range p.Platforms {
		if strings.EqualFold(strings.TrimSpace(allowed), platform) {
			return true
		}
	}
	return false
}

// AllowsClass checks the asset-class allow-list.
func (p *Profile) AllowsClass(class order.AssetClass) bool {
	for _, allowed := range p.classes {
		if allowed == class {
			return true
		}
	}
	return false
}

func (p *Profile) normalize(id string) error {
	p.AgentID = strings.TrimSpace(id)
	if p.AgentID == "" {
		return fmt.Errorf("profile missing agent id")
	}
	p.Role = strings.TrimSpace(p.Role)
	if p.Role == "" {
		return fmt.Errorf("profile %s: missing role", p.AgentID)
	}

	caps, err := ParseSet(p.CapNames)
	if err != nil {
		return fmt.Errorf("profile %s: %w", p.AgentID, err)
	}
	p.caps = caps

	p.classes = p.classes[:0]
	for _, raw := range p.AssetClasses {
		class, err := order.ParseAssetClass(raw)
		if err != nil {
			return fmt.Errorf("profile %s: %w", p.AgentID, err)
		}
		p.classes = append(p.classes, class)
	}

	// An agent that can place orders must carry limits; read-only roles
	// may omit them entirely.
	if p.caps.CanPlaceAny() && p.Constraints == nil {
		return fmt.Errorf("profile %s: order placement requires constraints", p.AgentID)
	}
	if err := p.Constraints.normalize(); err != nil {
		return fmt.Errorf("profile %s: %w", p.AgentID, err)
	}
	p.Active = true
	return nil
}
