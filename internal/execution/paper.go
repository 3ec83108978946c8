package execution

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"conclave/internal/guard"
	"conclave/internal/order"
	"conclave/internal/pkg/convert"
)

// PriceFunc marks one asset. The paper venue uses it as its market feed.
type PriceFunc func(ctx context.Context, asset string) (float64, error)

// PaperConfig tunes the simulated venue. Zero values fall back to the
// defaults noted per field.
type PaperConfig struct {
	Platform         string        // venue name, default "paper"
	SlippageBps      float64       // market-order slippage, default 2
	FeeRate          float64       // taker fee on notional, default 0.0004
	PartialFillRatio float64       // in (0,1): fraction filled, else full fills
	Latency          time.Duration // artificial venue delay per call
}

func (c PaperConfig) withDefaults() PaperConfig {
	if strings.TrimSpace(c.Platform) == "" {
		c.Platform = "paper"
	}
	if c.SlippageBps < 0 {
		c.SlippageBps = 0
	} else if c.SlippageBps == 0 {
		c.SlippageBps = 2
	}
	if c.FeeRate < 0 {
		c.FeeRate = 0
	} else if c.FeeRate == 0 {
		c.FeeRate = 0.0004
	}
	if c.PartialFillRatio <= 0 || c.PartialFillRatio >= 1 {
		c.PartialFillRatio = 0
	}
	return c
}

type paperProtection struct {
	StopLoss   float64
	TakeProfit float64
}

// Paper is the simulated execution venue. Fills happen at the marked price
// shifted by configured slippage; limit orders fill only when marketable.
// No state beyond protective levels is kept: position accounting belongs to
// the portfolio book, which consumes fill reports off the bus.
type Paper struct {
	cfg   PaperConfig
	price PriceFunc

	mu          sync.Mutex
	protections map[string]paperProtection
}

var _ Capability = (*Paper)(nil)

func NewPaper(cfg PaperConfig, price PriceFunc) (*Paper, error) {
	if price == nil {
		return nil, fmt.Errorf("paper venue requires a price source")
	}
	return &Paper{
		cfg:         cfg.withDefaults(),
		price:       price,
		protections: make(map[string]paperProtection),
	}, nil
}

func (p *Paper) Platform() string { return p.cfg.Platform }

func (p *Paper) Tools() map[string]guard.ToolFunc {
	return map[string]guard.ToolFunc{
		guard.ToolPlaceOrder:    p.placeOrder,
		guard.ToolCancelOrder:   p.cancelOrder,
		guard.ToolSetStopLoss:   p.setStopLoss,
		guard.ToolSetTakeProfit: p.setTakeProfit,
		guard.ToolClosePosition: p.closePosition,
		guard.ToolGetMarketData: p.getMarketData,
	}
}

// Execute sizes the attempt from the mandate and drives it through the
// guarded tool set. Quantity derives from the authorized notional at the
// reference price; the venue decides the actual fill.
func (p *Paper) Execute(ctx context.Context, m *guard.Mandate, tools *guard.GuardedTools) (Result, error) {
	if err := sleepCtx(ctx, p.cfg.Latency); err != nil {
		return Result{}, err
	}

	refPrice := m.PriceCeiling
	if refPrice <= 0 {
		refPrice = m.PriceFloor
	}
	if refPrice <= 0 {
		mark, err := p.price(ctx, m.Asset)
		if err != nil {
			return Result{}, fmt.Errorf("paper: mark %s: %w", m.Asset, err)
		}
		refPrice = mark
	}
	if refPrice <= 0 {
		return Result{}, fmt.Errorf("paper: no usable price for %s", m.Asset)
	}

	qty := m.MaxNotionalUSD / refPrice
	if m.MaxQuantity > 0 && qty > m.MaxQuantity {
		qty = m.MaxQuantity
	}
	if qty <= 0 {
		return Result{}, fmt.Errorf("paper: mandate %s authorizes zero quantity", m.ID)
	}

	args := map[string]any{
		"asset":        m.Asset,
		"action":       string(m.Action),
		"order_type":   string(m.OrderType),
		"quantity":     qty,
		"notional_usd": qty * refPrice,
	}
	if m.OrderType == order.TypeLimit {
		args["price"] = refPrice
	}

	requested := Result{
		Asset:             m.Asset,
		Action:            m.Action,
		RequestedQuantity: qty,
		RequestedPrice:    refPrice,
	}

	out, verdict, err := tools.Invoke(ctx, guard.ToolInvocation{Name: guard.ToolPlaceOrder, Args: args})
	if err != nil {
		return Result{}, err
	}
	if !verdict.Allowed {
		requested.Outcome = OutcomeDenied
		requested.Reason = verdict.Reason()
		return requested, nil
	}

	resp, ok := out.(map[string]any)
	if !ok {
		return Result{}, fmt.Errorf("paper: unexpected venue response %T", out)
	}
	res := requested
	res.Raw = resp
	switch resp["status"] {
	case "FILLED":
		res.Outcome = OutcomeFilled
	case "PARTIALLY_FILLED":
		res.Outcome = OutcomePartial
	default:
		res.Outcome = OutcomeRejected
		res.Reason, _ = resp["reason"].(string)
		return res, nil
	}
	res.FilledQuantity = convert.ToFloat64(resp["executed_qty"])
	res.FilledPrice = convert.ToFloat64(resp["avg_price"])

	p.placeProtections(ctx, m, tools, res.Raw)
	return res, nil
}

// placeProtections attaches stop loss and take profit after a fill. Both are
// best-effort: a denial is already audited by the guard and noted in the raw
// payload, but never fails the executed order.
func (p *Paper) placeProtections(ctx context.Context, m *guard.Mandate, tools *guard.GuardedTools, raw map[string]any) {
	set := func(tool string, price float64) {
		if price <= 0 {
			return
		}
		args := map[string]any{"asset": m.Asset, "action": string(m.Action), "price": price}
		_, verdict, err := tools.Invoke(ctx, guard.ToolInvocation{Name: tool, Args: args})
		switch {
		case err != nil:
			raw[tool+"_error"] = err.Error()
		case !verdict.Allowed:
			raw[tool+"_denied"] = verdict.Reason()
		default:
			raw[tool] = price
		}
	}
	set(guard.ToolSetStopLoss, m.StopLoss)
	set(guard.ToolSetTakeProfit, m.TakeProfit)
}

// placeOrder is the venue side of the simulation. Market orders fill at the
// mark shifted against the taker; limit orders fill at or better than the
// limit, or reject when the mark is through it.
func (p *Paper) placeOrder(ctx context.Context, args map[string]any) (any, error) {
	asset, _ := args["asset"].(string)
	action, _ := args["action"].(string)
	qty := convert.ToFloat64(args["quantity"])
	limit := convert.ToFloat64(args["price"])
	if asset == "" || qty <= 0 {
		return nil, fmt.Errorf("paper venue: asset and positive quantity required")
	}

	mark, err := p.price(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("paper venue: mark %s: %w", asset, err)
	}
	if mark <= 0 {
		return nil, fmt.Errorf("paper venue: no market for %s", asset)
	}

	buySide := isBuySide(action)
	slip := mark * p.cfg.SlippageBps / 10000
	execPrice := mark + slip
	if !buySide {
		execPrice = mark - slip
	}

	if limit > 0 {
		if buySide {
			if mark > limit {
				return rejectedVenueResponse(asset, action, "limit price not reached"), nil
			}
			if execPrice > limit {
				execPrice = limit
			}
		} else {
			if mark < limit {
				return rejectedVenueResponse(asset, action, "limit price not reached"), nil
			}
			if execPrice < limit {
				execPrice = limit
			}
		}
	}

	filledQty := qty
	status := "FILLED"
	if p.cfg.PartialFillRatio > 0 {
		filledQty = qty * p.cfg.PartialFillRatio
		status = "PARTIALLY_FILLED"
	}
	notional := filledQty * execPrice

	return map[string]any{
		"order_id":     uuid.NewString(),
		"status":       status,
		"symbol":       asset,
		"side":         action,
		"executed_qty": filledQty,
		"avg_price":    execPrice,
		"notional":     notional,
		"fee":          notional * p.cfg.FeeRate,
	}, nil
}

func rejectedVenueResponse(asset, action, reason string) map[string]any {
	return map[string]any{
		"order_id": uuid.NewString(),
		"status":   "REJECTED",
		"symbol":   asset,
		"side":     action,
		"reason":   reason,
	}
}

func (p *Paper) cancelOrder(_ context.Context, args map[string]any) (any, error) {
	// Paper fills are immediate, so there is never a resting order to pull.
	return map[string]any{"status": "CANCELED", "order_id": args["order_id"]}, nil
}

func (p *Paper) setStopLoss(_ context.Context, args map[string]any) (any, error) {
	return p.setProtection(args, true)
}

func (p *Paper) setTakeProfit(_ context.Context, args map[string]any) (any, error) {
	return p.setProtection(args, false)
}

func (p *Paper) setProtection(args map[string]any, stop bool) (any, error) {
	asset, _ := args["asset"].(string)
	price := convert.ToFloat64(args["price"])
	if asset == "" || price <= 0 {
		return nil, fmt.Errorf("paper venue: asset and positive price required")
	}
	asset = strings.ToUpper(asset)

	p.mu.Lock()
	prot := p.protections[asset]
	if stop {
		prot.StopLoss = price
	} else {
		prot.TakeProfit = price
	}
	p.protections[asset] = prot
	p.mu.Unlock()

	return map[string]any{"status": "SET", "symbol": asset, "price": price}, nil
}

func (p *Paper) closePosition(ctx context.Context, args map[string]any) (any, error) {
	asset, _ := args["asset"].(string)
	qty := convert.ToFloat64(args["quantity"])
	if asset == "" {
		return nil, fmt.Errorf("paper venue: asset required")
	}
	mark, err := p.price(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("paper venue: mark %s: %w", asset, err)
	}

	p.mu.Lock()
	delete(p.protections, strings.ToUpper(asset))
	p.mu.Unlock()

	return map[string]any{
		"order_id":     uuid.NewString(),
		"status":       "FILLED",
		"symbol":       strings.ToUpper(asset),
		"executed_qty": qty,
		"avg_price":    mark,
	}, nil
}

func (p *Paper) getMarketData(ctx context.Context, args map[string]any) (any, error) {
	asset, _ := args["asset"].(string)
	if asset == "" {
		return nil, fmt.Errorf("paper venue: asset required")
	}
	mark, err := p.price(ctx, asset)
	if err != nil {
		return nil, err
	}
	return map[string]any{"symbol": strings.ToUpper(asset), "price": mark}, nil
}

// Protection returns the venue-held protective levels for an asset.
func (p *Paper) Protection(asset string) (stopLoss, takeProfit float64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prot, exists := p.protections[strings.ToUpper(asset)]
	return prot.StopLoss, prot.TakeProfit, exists
}

// isBuySide groups actions by which way they cross the book: BUY and COVER
// lift the offer, SELL and SHORT hit the bid.
func isBuySide(action string) bool {
	switch order.Action(strings.ToUpper(action)) {
	case order.ActionBuy, order.ActionCover:
		return true
	default:
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
