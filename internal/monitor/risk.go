// Package monitor holds the post-execution roles: protective-level
// enforcement and performance tracking. Both feed off the bus; the risk
// monitor is the only component in the system allowed to close positions,
// through its own capability-scoped profile.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"conclave/internal/bus"
	"conclave/internal/capability"
	"conclave/internal/guard"
	"conclave/internal/logger"
	"conclave/internal/order"
	"conclave/internal/portfolio"
)

// PriceSource marks one asset for the monitoring loop.
type PriceSource func(ctx context.Context, asset string) (float64, error)

// ProfileResolver resolves the monitor's own profile at check time, so a
// disabled or reloaded role applies immediately.
type ProfileResolver interface {
	Profile(agentID string) (*capability.Profile, bool)
}

// RiskAlert mirrors the execution package's alert payload. Declared here so
// the monitor can publish without importing the execution layer.
type RiskAlert struct {
	OrderID   string    `json:"order_id,omitempty"`
	MandateID string    `json:"mandate_id,omitempty"`
	Asset     string    `json:"asset,omitempty"`
	Source    string    `json:"source"`
	Detail    string    `json:"detail"`
	At        time.Time `json:"at"`
}

// watch is the protection state for one asset. Trailing stops anchor at the
// best price seen since the fill and only ever tighten.
type watch struct {
	Asset       string
	AssetClass  order.AssetClass
	Platform    string
	Side        portfolio.Side
	StopLoss    float64
	TakeProfit  float64
	TrailingPct float64
	anchor      float64
	closing     bool
}

func (w *watch) trailingStop() float64 {
	if w.TrailingPct <= 0 || w.anchor <= 0 {
		return 0
	}
	if w.Side == portfolio.SideShort {
		return w.anchor * (1 + w.TrailingPct/100)
	}
	return w.anchor * (1 - w.TrailingPct/100)
}

type RiskParams struct {
	AgentID       string
	Resolver      ProfileResolver
	Book          *portfolio.Book
	Bus           *bus.Bus
	Audit         guard.AuditSink
	Price         PriceSource
	CheckInterval time.Duration // default 5s
}

// RiskMonitor enforces stop-loss, take-profit and trailing stops. Fill
// reports seed its watch list; each tick marks prices, feeds the book, and
// closes any position whose protective level has tripped. Closes run
// through a fresh close mandate and the guarded close_position tool, so
// they are audited like every other venue call.
type RiskMonitor struct {
	agentID  string
	resolver ProfileResolver
	book     *portfolio.Book
	bus      *bus.Bus
	audit    guard.AuditSink
	price    PriceSource
	interval time.Duration
	nowFn    func() time.Time

	mu      sync.Mutex
	watches map[string]*watch
	venues  map[string]map[string]guard.ToolFunc

	unsub  []func()
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRiskMonitor(p RiskParams) (*RiskMonitor, error) {
	switch {
	case strings.TrimSpace(p.AgentID) == "":
		return nil, fmt.Errorf("risk monitor requires its agent id")
	case p.Resolver == nil:
		return nil, fmt.Errorf("risk monitor requires a profile resolver")
	case p.Book == nil:
		return nil, fmt.Errorf("risk monitor requires the portfolio book")
	case p.Bus == nil:
		return nil, fmt.Errorf("risk monitor requires the message bus")
	case p.Price == nil:
		return nil, fmt.Errorf("risk monitor requires a price source")
	}
	if p.CheckInterval <= 0 {
		p.CheckInterval = 5 * time.Second
	}
	m := &RiskMonitor{
		agentID:  p.AgentID,
		resolver: p.Resolver,
		book:     p.Book,
		bus:      p.Bus,
		audit:    p.Audit,
		price:    p.Price,
		interval: p.CheckInterval,
		nowFn:    time.Now,
		watches:  make(map[string]*watch),
		venues:   make(map[string]map[string]guard.ToolFunc),
	}
	return m, nil
}

// RegisterVenue wires one platform's raw tools so closes can reach it. The
// monitor wraps them per close in a guarded set; it never holds a standing
// authorization.
func (m *RiskMonitor) RegisterVenue(platform string, tools map[string]guard.ToolFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.venues[strings.ToLower(strings.TrimSpace(platform))] = tools
}

// Start subscribes to fill traffic and launches the check loop.
func (m *RiskMonitor) Start(ctx context.Context) {
	m.unsub = append(m.unsub,
		m.bus.Subscribe(bus.MsgOrderFilled, m.onFill),
		m.bus.Subscribe(bus.MsgOrderPartial, m.onFill),
	)

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(runCtx)
	logger.Infof("risk monitor: watching fills, checking every %s", m.interval)
}

func (m *RiskMonitor) Stop() {
	for _, u := range m.unsub {
		u()
	}
	if m.cancel != nil {
		m.cancel()
	}
	if m.done != nil {
		<-m.done
	}
}

func (m *RiskMonitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckOnce(ctx)
		}
	}
}

// fillEvent is the slice of the execution report the monitor consumes.
type fillEvent struct {
	Asset       string           `json:"asset"`
	AssetClass  order.AssetClass `json:"asset_class"`
	Action      order.Action     `json:"action"`
	Platform    string           `json:"platform"`
	FilledPrice float64          `json:"filled_price"`
	StopLoss    float64          `json:"stop_loss"`
	TakeProfit  float64          `json:"take_profit"`
	TrailingPct float64          `json:"trailing_stop_pct"`
}

func (m *RiskMonitor) onFill(msg bus.Message) {
	var ev fillEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil || ev.Asset == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !ev.Action.Opens() {
		// An executor-side close ends the watch; partial closes re-arm on
		// the next opening fill.
		delete(m.watches, ev.Asset)
		return
	}
	if ev.StopLoss <= 0 && ev.TakeProfit <= 0 && ev.TrailingPct <= 0 {
		return
	}

	side := portfolio.SideLong
	if ev.Action == order.ActionShort {
		side = portfolio.SideShort
	}
	m.watches[ev.Asset] = &watch{
		Asset:       ev.Asset,
		AssetClass:  ev.AssetClass,
		Platform:    strings.ToLower(ev.Platform),
		Side:        side,
		StopLoss:    ev.StopLoss,
		TakeProfit:  ev.TakeProfit,
		TrailingPct: ev.TrailingPct,
		anchor:      ev.FilledPrice,
	}
	logger.Infof("risk monitor: watching %s (%s, sl=%.4f tp=%.4f trail=%.2f%%)",
		ev.Asset, side, ev.StopLoss, ev.TakeProfit, ev.TrailingPct)
}

// CheckOnce runs one monitoring pass: mark every watched asset, publish the
// marks, and close whatever has tripped.
func (m *RiskMonitor) CheckOnce(ctx context.Context) {
	for _, w := range m.snapshotWatches() {
		price, err := m.price(ctx, w.Asset)
		if err != nil {
			logger.Warnf("risk monitor: mark %s failed: %v", w.Asset, err)
			continue
		}
		if price <= 0 {
			continue
		}

		m.book.Mark(w.Asset, price)
		m.bus.PublishJSON(bus.MsgPriceMark, map[string]any{
			"asset": w.Asset, "price": price, "at": m.nowFn().UTC(),
		})

		if reason, tripped := m.evaluate(w.Asset, price); tripped {
			m.closePosition(ctx, w.Asset, price, reason)
		}
	}
}

func (m *RiskMonitor) snapshotWatches() []*watch {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*watch, 0, len(m.watches))
	for _, w := range m.watches {
		out = append(out, w)
	}
	return out
}

// evaluate advances the trailing anchor and reports whether any protective
// level has tripped at the given price.
func (m *RiskMonitor) evaluate(asset string, price float64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.watches[asset]
	if !ok || w.closing {
		return "", false
	}

	if w.TrailingPct > 0 {
		if w.Side == portfolio.SideShort {
			if w.anchor <= 0 || price < w.anchor {
				w.anchor = price
			}
		} else if price > w.anchor {
			w.anchor = price
		}
	}

	long := w.Side == portfolio.SideLong
	switch {
	case w.StopLoss > 0 && ((long && price <= w.StopLoss) || (!long && price >= w.StopLoss)):
		w.closing = true
		return fmt.Sprintf("stop loss %.4f hit at %.4f", w.StopLoss, price), true
	case w.TakeProfit > 0 && ((long && price >= w.TakeProfit) || (!long && price <= w.TakeProfit)):
		w.closing = true
		return fmt.Sprintf("take profit %.4f hit at %.4f", w.TakeProfit, price), true
	}
	if trail := w.trailingStop(); trail > 0 {
		if (long && price <= trail) || (!long && price >= trail) {
			w.closing = true
			return fmt.Sprintf("trailing stop %.4f hit at %.4f (anchor %.4f)", trail, price, w.anchor), true
		}
	}
	return "", false
}

// closePosition runs the monitor's exclusive close authority: mint a close
// mandate from its own profile, invoke the guarded close_position tool, and
// settle the book from the venue response.
func (m *RiskMonitor) closePosition(ctx context.Context, asset string, mark float64, reason string) {
	snap, err := m.book.Snapshot(ctx)
	if err != nil {
		logger.Errorf("risk monitor: snapshot failed closing %s: %v", asset, err)
		m.clearClosing(asset)
		return
	}
	pos, ok := snap.Find(asset)
	if !ok {
		logger.Warnf("risk monitor: %s tripped but no position remains", asset)
		m.forget(asset)
		return
	}

	profile, ok := m.resolver.Profile(m.agentID)
	if !ok {
		m.alert(asset, "", "monitoring profile "+m.agentID+" no longer exists; close skipped")
		m.clearClosing(asset)
		return
	}

	mandate, err := guard.CreateCloseMandate(guard.CloseIntent{
		Asset:      asset,
		AssetClass: pos.AssetClass,
		Side:       pos.Side,
		Quantity:   pos.Quantity,
		MarkPrice:  mark,
	}, profile, m.nowFn())
	if err != nil {
		m.alert(asset, "", fmt.Sprintf("close refused: %v", err))
		m.clearClosing(asset)
		return
	}

	venueTools := m.venueFor(asset)
	if venueTools == nil {
		m.alert(asset, mandate.ID, "no venue tools registered for platform; close skipped")
		m.clearClosing(asset)
		return
	}

	tools := guard.NewGuardedTools(mandate, venueTools, m.audit)
	out, verdict, err := tools.Invoke(ctx, guard.ToolInvocation{
		Name: guard.ToolClosePosition,
		Args: map[string]any{
			"asset":    asset,
			"action":   string(mandate.Action),
			"quantity": pos.Quantity,
		},
	})
	if err != nil {
		m.alert(asset, mandate.ID, fmt.Sprintf("close call failed: %v (%s)", err, reason))
		m.clearClosing(asset)
		return
	}
	if !verdict.Allowed {
		m.alert(asset, mandate.ID, "close denied: "+verdict.Reason())
		m.clearClosing(asset)
		return
	}

	qty, price := pos.Quantity, mark
	if resp, ok := out.(map[string]any); ok {
		if v, ok := resp["executed_qty"].(float64); ok && v > 0 {
			qty = v
		}
		if v, ok := resp["avg_price"].(float64); ok && v > 0 {
			price = v
		}
	}
	if err := m.book.ApplyFill(asset, pos.AssetClass, mandate.Action, qty, price); err != nil {
		logger.Errorf("risk monitor: close fill for %s not applied: %v", asset, err)
	}

	m.forget(asset)
	m.alert(asset, mandate.ID,
		fmt.Sprintf("closed %.6f %s @ %.4f: %s", qty, asset, price, reason))
	logger.Warnf("risk monitor: closed %s: %s", asset, reason)
}

func (m *RiskMonitor) venueFor(asset string) map[string]guard.ToolFunc {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watches[asset]
	if !ok {
		return nil
	}
	return m.venues[w.Platform]
}

func (m *RiskMonitor) clearClosing(asset string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.watches[asset]; ok {
		w.closing = false
	}
}

func (m *RiskMonitor) forget(asset string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watches, asset)
}

func (m *RiskMonitor) alert(asset, mandateID, detail string) {
	m.bus.PublishJSON(bus.MsgRiskAlert, RiskAlert{
		Asset:     asset,
		MandateID: mandateID,
		Source:    "monitor.risk",
		Detail:    detail,
		At:        m.nowFn().UTC(),
	})
}

// Watching lists the assets currently under protection, for the status
// surface.
func (m *RiskMonitor) Watching() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.watches))
	for asset := range m.watches {
		out = append(out, asset)
	}
	return out
}
