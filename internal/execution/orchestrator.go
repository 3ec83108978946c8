package execution

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"conclave/internal/bus"
	"conclave/internal/guard"
	"conclave/internal/logger"
	"conclave/internal/order"
	"conclave/internal/portfolio"
	"conclave/internal/queue"
)

// Archiver persists terminal orders. The orchestrator calls it exactly once
// per order, after the final transition.
type Archiver interface {
	Archive(ctx context.Context, o *order.Order) error
}

// ExecutionReport is the bus payload announcing one order's terminal
// outcome. Monitoring roles and the portfolio tracker consume it.
type ExecutionReport struct {
	OrderID        string           `json:"order_id"`
	Asset          string           `json:"asset"`
	AssetClass     order.AssetClass `json:"asset_class"`
	Action         order.Action     `json:"action"`
	Status         order.Status     `json:"status"`
	Platform       string           `json:"platform,omitempty"`
	AgentID        string           `json:"agent_id,omitempty"`
	MandateID      string           `json:"mandate_id,omitempty"`
	FilledQuantity float64          `json:"filled_quantity,omitempty"`
	FilledPrice    float64          `json:"filled_price,omitempty"`
	NotionalUSD    float64          `json:"notional_usd,omitempty"`
	StopLoss       float64          `json:"stop_loss,omitempty"`
	TakeProfit     float64          `json:"take_profit,omitempty"`
	TrailingPct    float64          `json:"trailing_stop_pct,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	ReconcileNote  string           `json:"reconcile_note,omitempty"`
	At             time.Time        `json:"at"`
}

// RiskAlert is published when layer 4 refuses to trust a platform-reported
// fill, and by monitors when protective levels trip.
type RiskAlert struct {
	OrderID   string    `json:"order_id,omitempty"`
	MandateID string    `json:"mandate_id,omitempty"`
	Asset     string    `json:"asset,omitempty"`
	Source    string    `json:"source"`
	Detail    string    `json:"detail"`
	At        time.Time `json:"at"`
}

type Config struct {
	Workers               int           // default 2
	ExecTimeout           time.Duration // per-order platform budget, default 30s
	ReconcileTolerancePct float64       // default guard.DefaultReconcileTolerancePct
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 30 * time.Second
	}
	if c.ReconcileTolerancePct <= 0 {
		c.ReconcileTolerancePct = guard.DefaultReconcileTolerancePct
	}
	return c
}

// Orchestrator drives orders from the queue to a terminal status. Each
// worker runs the full sequence for one order at a time: route, validate,
// mandate, guarded execution under a deadline, reconcile, report, archive.
// A worker panic fails only the order being processed.
type Orchestrator struct {
	cfg      Config
	queue    *queue.Queue
	router   *Router
	tracker  *order.Tracker
	book     portfolio.Provider
	counters *guard.Counters
	audit    guard.AuditSink
	bus      *bus.Bus
	archive  Archiver
	nowFn    func() time.Time

	cancel context.CancelFunc
	group  *errgroup.Group
}

type Deps struct {
	Queue     *queue.Queue
	Router    *Router
	Tracker   *order.Tracker
	Portfolio portfolio.Provider
	Counters  *guard.Counters
	Audit     guard.AuditSink
	Bus       *bus.Bus
	Archive   Archiver
}

func NewOrchestrator(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Queue == nil:
		return nil, fmt.Errorf("orchestrator requires a queue")
	case deps.Router == nil:
		return nil, fmt.Errorf("orchestrator requires a router")
	case deps.Tracker == nil:
		return nil, fmt.Errorf("orchestrator requires an order tracker")
	case deps.Portfolio == nil:
		return nil, fmt.Errorf("orchestrator requires a portfolio provider")
	case deps.Bus == nil:
		return nil, fmt.Errorf("orchestrator requires the message bus")
	}
	counters := deps.Counters
	if counters == nil {
		counters = guard.NewCounters()
	}
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		queue:    deps.Queue,
		router:   deps.Router,
		tracker:  deps.Tracker,
		book:     deps.Portfolio,
		counters: counters,
		audit:    deps.Audit,
		bus:      deps.Bus,
		archive:  deps.Archive,
		nowFn:    time.Now,
	}, nil
}

// Start launches the worker pool. Workers exit when ctx is cancelled or the
// queue closes; Stop waits for in-flight orders to reach terminal status.
func (oc *Orchestrator) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	oc.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < oc.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			oc.run(gctx, worker)
			return nil
		})
	}
	oc.group = g
	logger.Infof("orchestrator: %d workers started (exec timeout %s)", oc.cfg.Workers, oc.cfg.ExecTimeout)
}

// Stop cancels the workers and blocks until they finish their current
// orders.
func (oc *Orchestrator) Stop() {
	if oc.cancel != nil {
		oc.cancel()
	}
	if oc.group != nil {
		_ = oc.group.Wait()
	}
}

func (oc *Orchestrator) run(ctx context.Context, worker int) {
	for {
		o, err := oc.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				logger.Debugf("orchestrator: worker %d stopping: %v", worker, err)
				return
			}
			logger.Errorf("orchestrator: worker %d dequeue failed: %v", worker, err)
			return
		}
		oc.process(ctx, o)
	}
}

// process runs one order end to end. Every exit path leaves the order in a
// terminal status with its history telling the story.
func (oc *Orchestrator) process(ctx context.Context, o *order.Order) {
	m := oc.tracker.Bind(o)

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("orchestrator: panic on order %s: %v", o.ID, r)
			debug.PrintStack()
			oc.failAfterPanic(m, r)
		}
	}()

	if err := m.Fire(order.EventRoute, "orchestrator", "dequeued for execution"); err != nil {
		// Already terminal: cancelled or expired while queued.
		logger.Debugf("orchestrator: order %s not routable: %v", o.ID, err)
		return
	}

	asn, err := oc.router.Route(o)
	if err != nil {
		oc.reject(ctx, m, nil, "router", err.Error())
		return
	}
	platform := asn.Capability.Platform()

	snap, err := oc.book.Snapshot(ctx)
	if err != nil {
		oc.reject(ctx, m, asn, "orchestrator", fmt.Sprintf("portfolio snapshot unavailable: %v", err))
		return
	}

	check := guard.ValidateOrder(o, snap, asn.Profile, oc.counters.Activity())
	if !check.Allowed {
		oc.reject(ctx, m, asn, "guard.validator", check.Reason())
		return
	}

	if err := m.Fire(order.EventExecute, "orchestrator", "validated for agent "+asn.Profile.AgentID); err != nil {
		logger.Warnf("orchestrator: order %s vanished before execution: %v", o.ID, err)
		return
	}

	mandate, err := guard.CreateMandate(o, snap, asn.Profile, check, oc.nowFn())
	if err != nil {
		oc.rejectExecuting(ctx, m, asn, nil, "guard.mandate", err.Error())
		return
	}

	if !asn.Breaker.Allow() {
		oc.platformReject(ctx, m, asn, mandate, Result{},
			fmt.Sprintf("circuit open on platform %s", platform))
		return
	}

	tools := guard.NewGuardedTools(mandate, asn.Capability.Tools(), oc.audit)
	execCtx, cancelExec := context.WithTimeout(ctx, oc.cfg.ExecTimeout)
	res, execErr := asn.Capability.Execute(execCtx, mandate, tools)
	cancelExec()

	switch {
	case execErr != nil:
		asn.Breaker.RecordFailure()
		reason := fmt.Sprintf("platform call failed: %v", execErr)
		if errors.Is(execErr, context.DeadlineExceeded) {
			reason = fmt.Sprintf("execution timed out after %s", oc.cfg.ExecTimeout)
		}
		oc.platformReject(ctx, m, asn, mandate, res, reason)

	case res.Outcome == OutcomeDenied:
		// The guard refused before the venue was touched; the platform's
		// health is not in question.
		oc.rejectExecuting(ctx, m, asn, mandate, "guard.tools", res.Reason)

	case res.Outcome == OutcomeRejected:
		asn.Breaker.RecordSuccess()
		oc.platformReject(ctx, m, asn, mandate, res, "platform rejected: "+res.Reason)

	case res.Outcome == OutcomeFilled || res.Outcome == OutcomePartial:
		asn.Breaker.RecordSuccess()
		oc.settle(ctx, m, asn, mandate, res)

	default:
		asn.Breaker.RecordFailure()
		oc.platformReject(ctx, m, asn, mandate, res,
			fmt.Sprintf("capability returned unknown outcome %q", res.Outcome))
	}
}

// settle applies layer 4 and lands a fill. An untrusted fill still moves the
// order by what the venue claims, but raises a risk alert carrying the
// reconciliation verdict.
func (oc *Orchestrator) settle(ctx context.Context, m *order.StateMachine, asn *Assignment, mandate *guard.Mandate, res Result) {
	o := m.Order()
	requested := guard.Fill{
		Asset:    mandate.Asset,
		Action:   mandate.Action,
		Quantity: res.RequestedQuantity,
		Price:    res.RequestedPrice,
	}
	reported := guard.Fill{
		Asset:    res.Asset,
		Action:   res.Action,
		Quantity: res.FilledQuantity,
		Price:    res.FilledPrice,
	}
	verdict := guard.Reconcile(mandate, requested, reported, oc.cfg.ReconcileTolerancePct)

	reconcileNote := ""
	if !verdict.Allowed {
		reconcileNote = verdict.Reason()
		logger.Errorf("orchestrator: order %s fill failed reconciliation: %s", o.ID, reconcileNote)
		oc.bus.PublishJSON(bus.MsgRiskAlert, RiskAlert{
			OrderID:   o.ID,
			MandateID: mandate.ID,
			Asset:     o.Asset,
			Source:    "guard.reconcile",
			Detail:    reconcileNote,
			At:        oc.nowFn().UTC(),
		})
	}

	ev := order.EventFill
	reason := fmt.Sprintf("filled %.6f @ %.4f on %s", res.FilledQuantity, res.FilledPrice, asn.Capability.Platform())
	if res.Outcome == OutcomePartial {
		ev = order.EventPartialFill
		reason = fmt.Sprintf("partially filled %.6f of %.6f @ %.4f on %s",
			res.FilledQuantity, res.RequestedQuantity, res.FilledPrice, asn.Capability.Platform())
	}
	if err := m.Fire(ev, "executor:"+asn.Capability.Platform(), reason); err != nil {
		logger.Errorf("orchestrator: order %s fill transition failed: %v", o.ID, err)
		return
	}

	oc.counters.RecordTrade(res.FilledNotionalUSD())

	report := oc.report(o, asn, mandate, res, reason)
	report.ReconcileNote = reconcileNote
	oc.publish(report)
	oc.finalize(ctx, o)
}

// reject lands a constraint rejection from VALIDATING.
func (oc *Orchestrator) reject(ctx context.Context, m *order.StateMachine, asn *Assignment, changedBy, reason string) {
	o := m.Order()
	if err := m.Fire(order.EventReject, changedBy, reason); err != nil {
		logger.Errorf("orchestrator: order %s reject transition failed: %v", o.ID, err)
		return
	}
	oc.publish(oc.report(o, asn, nil, Result{}, reason))
	oc.finalize(ctx, o)
}

// rejectExecuting lands a constraint rejection after the execute event.
func (oc *Orchestrator) rejectExecuting(ctx context.Context, m *order.StateMachine, asn *Assignment, mandate *guard.Mandate, changedBy, reason string) {
	o := m.Order()
	if err := m.Fire(order.EventReject, changedBy, reason); err != nil {
		logger.Errorf("orchestrator: order %s reject transition failed: %v", o.ID, err)
		return
	}
	oc.publish(oc.report(o, asn, mandate, Result{}, reason))
	oc.finalize(ctx, o)
}

func (oc *Orchestrator) platformReject(ctx context.Context, m *order.StateMachine, asn *Assignment, mandate *guard.Mandate, res Result, reason string) {
	o := m.Order()
	if err := m.Fire(order.EventPlatformReject, "executor:"+asn.Capability.Platform(), reason); err != nil {
		logger.Errorf("orchestrator: order %s platform-reject transition failed: %v", o.ID, err)
		return
	}
	oc.publish(oc.report(o, asn, mandate, res, reason))
	oc.finalize(ctx, o)
}

// failAfterPanic cancels the poisoned order so the worker can move on.
// Whatever status it was in, cancel is legal from every live state.
func (oc *Orchestrator) failAfterPanic(m *order.StateMachine, cause any) {
	o := m.Order()
	if order.IsTerminal(m.Current()) {
		return
	}
	if err := m.Fire(order.EventCancel, "orchestrator", fmt.Sprintf("worker panic: %v", cause)); err != nil {
		logger.Errorf("orchestrator: order %s post-panic cancel failed: %v", o.ID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	oc.publish(oc.report(o, nil, nil, Result{}, fmt.Sprintf("worker panic: %v", cause)))
	oc.finalize(ctx, o)
}

// HandleExpired is the queue's TTL callback. The order never reached a
// worker; it expires in place and is archived like every terminal order.
func (oc *Orchestrator) HandleExpired(o *order.Order) {
	m := oc.tracker.Bind(o)
	if err := m.Fire(order.EventExpire, "queue", "ttl exhausted before execution"); err != nil {
		logger.Warnf("orchestrator: expire of order %s failed: %v", o.ID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	oc.publish(oc.report(o, nil, nil, Result{}, "ttl exhausted before execution"))
	oc.finalize(ctx, o)
}

func (oc *Orchestrator) report(o *order.Order, asn *Assignment, mandate *guard.Mandate, res Result, reason string) ExecutionReport {
	rep := ExecutionReport{
		OrderID:        o.ID,
		Asset:          o.Asset,
		AssetClass:     o.AssetClass,
		Action:         o.Action,
		Status:         o.Status,
		FilledQuantity: res.FilledQuantity,
		FilledPrice:    res.FilledPrice,
		NotionalUSD:    res.FilledNotionalUSD(),
		StopLoss:       o.StopLoss,
		TakeProfit:     o.TakeProfit,
		TrailingPct:    o.TrailingStopPct,
		Reason:         reason,
		At:             oc.nowFn().UTC(),
	}
	if asn != nil {
		rep.Platform = asn.Capability.Platform()
		rep.AgentID = asn.Profile.AgentID
	}
	if mandate != nil {
		rep.MandateID = mandate.ID
	}
	return rep
}

func (oc *Orchestrator) publish(rep ExecutionReport) {
	oc.bus.PublishJSON(messageFor(rep.Status), rep)
}

func messageFor(s order.Status) bus.MessageType {
	switch s {
	case order.StatusFilled:
		return bus.MsgOrderFilled
	case order.StatusPartiallyFilled:
		return bus.MsgOrderPartial
	case order.StatusCancelled:
		return bus.MsgOrderCancelled
	case order.StatusExpired:
		return bus.MsgOrderExpired
	default:
		return bus.MsgOrderRejected
	}
}

// finalize archives the terminal order and releases its machine. Archive
// failures are logged, never raised: the order already carries its history
// and the audit trail is written independently.
func (oc *Orchestrator) finalize(ctx context.Context, o *order.Order) {
	if oc.archive != nil {
		if err := oc.archive.Archive(ctx, o.Clone()); err != nil {
			logger.Errorf("orchestrator: archive order %s failed: %v", o.ID, err)
		}
	}
	oc.tracker.Release(o.ID)
}
