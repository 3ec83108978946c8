// Package runner composes one deliberation cycle end to end: briefing
// snapshot in, optional enrichment, external deliberation, memo conversion,
// dispatch into the priority queue, execution drain, monitoring handoff.
// The trigger decides when a cycle starts and records its outcome; the
// runner owns everything in between and walks the cycle's phase machine
// through each step so the record the trigger persists is honest.
package runner

import (
	"context"
	"fmt"

	"conclave/internal/briefing"
	"conclave/internal/bus"
	"conclave/internal/enrichment"
	"conclave/internal/logger"
	"conclave/internal/memo"
	"conclave/internal/order"
	"conclave/internal/pipeline"
	"conclave/internal/queue"
)

// Deliberator produces the raw deliberation memo for one cycle. The text it
// returns is untrusted: it goes through memo parsing and validation before
// any order exists.
type Deliberator interface {
	Deliberate(ctx context.Context, cycleID string, briefings map[string]*briefing.Briefing) (string, error)
}

// DeliberateFunc adapts a plain function to Deliberator.
type DeliberateFunc func(ctx context.Context, cycleID string, briefings map[string]*briefing.Briefing) (string, error)

func (f DeliberateFunc) Deliberate(ctx context.Context, cycleID string, briefings map[string]*briefing.Briefing) (string, error) {
	return f(ctx, cycleID, briefings)
}

// Config tunes one runner.
type Config struct {
	// OrderDefaults fills TTL and platform gaps during memo conversion.
	OrderDefaults memo.OrderDefaults
}

// Deps carries the runner's collaborators. Enricher is optional; everything
// else is required.
type Deps struct {
	Deliberator Deliberator
	Queue       *queue.Queue
	Tracker     *order.Tracker
	Bus         *bus.Bus
	Enricher    *enrichment.Enricher
}

type Runner struct {
	cfg      Config
	delib    Deliberator
	queue    *queue.Queue
	tracker  *order.Tracker
	bus      *bus.Bus
	enricher *enrichment.Enricher
}

func New(cfg Config, deps Deps) (*Runner, error) {
	switch {
	case deps.Deliberator == nil:
		return nil, fmt.Errorf("runner: deliberator is required")
	case deps.Queue == nil:
		return nil, fmt.Errorf("runner: queue is required")
	case deps.Tracker == nil:
		return nil, fmt.Errorf("runner: tracker is required")
	case deps.Bus == nil:
		return nil, fmt.Errorf("runner: bus is required")
	}
	return &Runner{
		cfg:      cfg,
		delib:    deps.Deliberator,
		queue:    deps.Queue,
		tracker:  deps.Tracker,
		bus:      deps.Bus,
		enricher: deps.Enricher,
	}, nil
}

// Run executes one cycle. It satisfies briefing.PipelineFunc, so a trigger
// can drive it directly. The cycle's counters are filled in as phases
// advance; on any stage failure the machine lands in FAILED and the
// stage-prefixed error is returned for the trigger to record.
func (r *Runner) Run(ctx context.Context, cycle *pipeline.Cycle, briefings map[string]*briefing.Briefing) error {
	m := pipeline.NewMachine(cycle)

	if err := m.Fire(pipeline.EventStartResearch, fmt.Sprintf("%d fresh briefings", len(briefings))); err != nil {
		return err
	}

	if r.enricher != nil && r.enricher.Enabled() {
		if err := m.Fire(pipeline.EventStartEnrichment, ""); err != nil {
			return err
		}
		added, err := r.enricher.Run(ctx, briefings)
		switch {
		case err != nil && ctx.Err() != nil:
			return r.fail(m, "enrichment", err)
		case err != nil:
			// Enrichment is advisory. The deliberation proceeds on the
			// un-enriched briefings rather than losing the cycle.
			logger.Warnf("Cycle %s enrichment failed, deliberating without it: %v", cycle.ID, err)
		default:
			logger.Debugf("Cycle %s enrichment attached %d datasets", cycle.ID, added)
		}
	}

	if err := m.Fire(pipeline.EventStartDeliberation, ""); err != nil {
		return err
	}
	raw, err := r.delib.Deliberate(ctx, cycle.ID, briefings)
	if err != nil {
		return r.fail(m, "deliberation", err)
	}
	doc, err := memo.Parse(raw)
	if err != nil {
		return r.fail(m, "memo", err)
	}

	if err := m.Fire(pipeline.EventStartDispatch, fmt.Sprintf("%d recommendations", len(doc.Recommendations))); err != nil {
		return err
	}
	orders := memo.ToOrders(doc, r.cfg.OrderDefaults)
	cycle.OrdersProduced = len(orders)

	if len(orders) == 0 {
		// A memo with nothing actionable is a legitimate outcome. The
		// remaining phases are walked so the cycle still ends COMPLETED.
		logger.Infof("Cycle %s concluded with no orders", cycle.ID)
		for _, ev := range []pipeline.Event{pipeline.EventStartExecution, pipeline.EventStartMonitoring, pipeline.EventComplete} {
			if err := m.Fire(ev, "no orders"); err != nil {
				return err
			}
		}
		return nil
	}

	// The waiter subscribes before the first enqueue, so an order that
	// settles instantly still lands in the tally.
	w := newSettleWaiter(r.bus, orders)
	defer w.stop()

	for _, o := range orders {
		r.tracker.Bind(o)
		if err := r.queue.Enqueue(o, dispatchPriority(o.Action)); err != nil {
			return r.fail(m, "dispatch", err)
		}
	}

	if err := m.Fire(pipeline.EventStartExecution, fmt.Sprintf("%d orders queued", len(orders))); err != nil {
		return err
	}

	waitErr := w.wait(ctx)
	cycle.OrdersFilled, cycle.OrdersRejected = w.counts()
	if waitErr != nil {
		return r.fail(m, "execution", waitErr)
	}

	if err := m.Fire(pipeline.EventStartMonitoring, fmt.Sprintf("filled=%d rejected=%d", cycle.OrdersFilled, cycle.OrdersRejected)); err != nil {
		return err
	}
	return m.Fire(pipeline.EventComplete, "")
}

// fail moves the cycle into FAILED and returns the stage-prefixed error.
// The trigger copies that error onto the cycle record.
func (r *Runner) fail(m *pipeline.Machine, stage string, cause error) error {
	err := fmt.Errorf("%s: %w", stage, cause)
	if ferr := m.Fire(pipeline.EventFail, err.Error()); ferr != nil {
		logger.Errorf("Cycle %s could not record failure: %v", m.Cycle().ID, ferr)
	}
	return err
}

// dispatchPriority ranks risk-reducing actions ahead of exposure-adding
// ones, so a constrained book frees capital before spending it. Finer
// ordering inside a band comes from the queue's consensus and sizing rules.
func dispatchPriority(a order.Action) int {
	if a == order.ActionSell || a == order.ActionCover {
		return 1
	}
	return 0
}
