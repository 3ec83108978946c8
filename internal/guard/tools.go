package guard

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"conclave/internal/logger"
)

// ToolInvocation is an explicit tool-call value. The guard judges it purely
// against the mandate, independent of who or what produced it.
type ToolInvocation struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolFunc is one underlying tool. It only ever runs behind the wrapper.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// GuardedTools is guard layer 3. It fronts every tool handed to an executor
// capability: name must be in the mandate's allow-list, arguments must fall
// inside the mandate's bounds, and the mandate must still be live. Each
// attempt writes exactly one audit entry; a denied call never reaches the
// underlying tool.
type GuardedTools struct {
	mandate *Mandate
	funcs   map[string]ToolFunc
	audit   AuditSink
	nowFn   func() time.Time

	mu     sync.Mutex
	placed bool
}

func NewGuardedTools(m *Mandate, funcs map[string]ToolFunc, audit AuditSink) *GuardedTools {
	return &GuardedTools{
		mandate: m,
		funcs:   funcs,
		audit:   audit,
		nowFn:   time.Now,
	}
}

func (g *GuardedTools) Mandate() *Mandate { return g.mandate }

// Invoke runs one guarded call. A denial comes back as a Result, not an
// error; err is reserved for wiring problems and the tool's own failure.
func (g *GuardedTools) Invoke(ctx context.Context, inv ToolInvocation) (any, Result, error) {
	res := g.check(inv)
	g.record(ctx, inv, res)
	if !res.Allowed {
		return nil, res, nil
	}

	fn, ok := g.funcs[inv.Name]
	if !ok {
		return nil, res, fmt.Errorf("tool %s allowed by mandate but not wired", inv.Name)
	}
	out, err := fn(ctx, inv.Args)
	return out, res, err
}

func (g *GuardedTools) check(inv ToolInvocation) Result {
	m := g.mandate
	if !m.AllowsTool(inv.Name) {
		return Deny(ViolationUnauthorizedTool,
			"tool %s not in mandate %s allowed set %v", inv.Name, m.ID, m.AllowedTools)
	}

	if res := g.checkArgs(inv); !res.Allowed {
		return res
	}

	if m.Expired(g.nowFn().UTC()) {
		return Deny(ViolationStaleMandate,
			"mandate %s expired at %s", m.ID, m.ExpiresAt.Format(time.RFC3339))
	}

	if inv.Name == ToolPlaceOrder {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.placed {
			return Deny(ViolationStaleMandate, "mandate %s already consumed", m.ID)
		}
		g.placed = true
	}
	return Allow()
}

func (g *GuardedTools) checkArgs(inv ToolInvocation) Result {
	m := g.mandate

	if asset, ok := stringArg(inv.Args, "asset"); ok && !strings.EqualFold(asset, m.Asset) {
		return Deny(ViolationAssetMismatch,
			"tool %s targets %s, mandate %s authorizes %s", inv.Name, asset, m.ID, m.Asset)
	}

	switch inv.Name {
	case ToolPlaceOrder:
		if action, ok := stringArg(inv.Args, "action"); ok && !strings.EqualFold(action, string(m.Action)) {
			return Deny(ViolationAssetMismatch,
				"side %s differs from authorized %s", action, m.Action)
		}
		if ot, ok := stringArg(inv.Args, "order_type"); ok && !strings.EqualFold(ot, string(m.OrderType)) {
			return Deny(ViolationOrderTypeNotAllowed,
				"order type %s differs from authorized %s", ot, m.OrderType)
		}
		if qty, ok := floatArg(inv.Args, "quantity"); ok && m.MaxQuantity > 0 && exceeds(qty, m.MaxQuantity) {
			return Deny(ViolationSizeExceeded,
				"quantity %v exceeds authorized %v", qty, m.MaxQuantity)
		}
		if notional, ok := floatArg(inv.Args, "notional_usd"); ok && m.MaxNotionalUSD > 0 && exceeds(notional, m.MaxNotionalUSD) {
			return Deny(ViolationSizeExceeded,
				"notional $%.2f exceeds authorized $%.2f", notional, m.MaxNotionalUSD)
		}
		if price, ok := floatArg(inv.Args, "price"); ok && price > 0 {
			if m.PriceCeiling > 0 && exceeds(price, m.PriceCeiling) {
				return Deny(ViolationPriceOutOfBounds,
					"price %v above authorized ceiling %v", price, m.PriceCeiling)
			}
			if m.PriceFloor > 0 && undercuts(price, m.PriceFloor) {
				return Deny(ViolationPriceOutOfBounds,
					"price %v below authorized floor %v", price, m.PriceFloor)
			}
		}

	case ToolSetStopLoss, ToolSetTakeProfit:
		if price, ok := floatArg(inv.Args, "price"); !ok || price <= 0 {
			return Deny(ViolationPriceOutOfBounds, "tool %s needs a positive price", inv.Name)
		}

	case ToolClosePosition:
		if action, ok := stringArg(inv.Args, "action"); ok && !strings.EqualFold(action, string(m.Action)) {
			return Deny(ViolationAssetMismatch,
				"side %s differs from authorized %s", action, m.Action)
		}
		if qty, ok := floatArg(inv.Args, "quantity"); ok && m.MaxQuantity > 0 && exceeds(qty, m.MaxQuantity) {
			return Deny(ViolationSizeExceeded,
				"close quantity %v exceeds authorized %v", qty, m.MaxQuantity)
		}
	}

	return Allow()
}

// record writes the single audit entry for this attempt. Persistence
// failures are logged, not raised: the call verdict stands either way and
// the orchestrator surfaces audit health separately.
func (g *GuardedTools) record(ctx context.Context, inv ToolInvocation, res Result) {
	if g.audit == nil {
		return
	}
	entry := AuditEntry{
		ID:        uuid.New().String(),
		MandateID: g.mandate.ID,
		OrderID:   g.mandate.OrderID,
		ToolName:  inv.Name,
		Arguments: copyArgs(inv.Args),
		Verdict:   VerdictAllowed,
		At:        g.nowFn().UTC(),
	}
	if !res.Allowed && res.Violation != nil {
		entry.Verdict = string(res.Violation.Type)
		entry.Detail = res.Violation.Detail
	}
	if err := g.audit.Record(ctx, entry); err != nil {
		logger.Errorf("audit write failed for mandate %s tool %s: %v", g.mandate.ID, inv.Name, err)
	}
}

func copyArgs(args map[string]any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// floatArg tolerates the numeric shapes that survive JSON round-trips,
// including numbers arriving as strings.
func floatArg(args map[string]any, key string) (float64, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
