// Package pipeline tracks a deliberation cycle through its phases and runs
// the cycle end to end. Each cycle owns exactly one state machine; phase
// changes are append-only and every illegal jump is rejected, so a cycle can
// never skip from deliberation straight to execution.
package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Phase is where a cycle currently stands.
type Phase string

const (
	PhaseIdle         Phase = "IDLE"
	PhaseResearching  Phase = "RESEARCHING"
	PhaseEnriching    Phase = "ENRICHING"
	PhaseDeliberating Phase = "DELIBERATING"
	PhaseDispatching  Phase = "DISPATCHING"
	PhaseExecuting    Phase = "EXECUTING"
	PhaseMonitoring   Phase = "MONITORING"
	PhaseHalted       Phase = "HALTED"
	PhaseCompleted    Phase = "COMPLETED"
	PhaseFailed       Phase = "FAILED"
)

// Event advances a cycle between phases.
type Event string

const (
	EventStartResearch     Event = "start_research"
	EventStartEnrichment   Event = "start_enrichment"
	EventStartDeliberation Event = "start_deliberation"
	EventStartDispatch     Event = "start_dispatch"
	EventStartExecution    Event = "start_execution"
	EventStartMonitoring   Event = "start_monitoring"
	EventComplete          Event = "complete"
	EventHalt              Event = "halt"
	EventResume            Event = "resume"
	EventFail              Event = "fail"
)

var ErrInvalidPhaseChange = errors.New("invalid pipeline phase change")

type InvalidPhaseChangeError struct {
	CycleID string
	From    Phase
	Event   Event
}

func (e *InvalidPhaseChangeError) Error() string {
	return fmt.Sprintf("cycle %s: event %q not allowed in phase %s", e.CycleID, e.Event, e.From)
}

func (e *InvalidPhaseChangeError) Unwrap() error { return ErrInvalidPhaseChange }

// transitions holds every legal (phase, event) pair. fail is legal from any
// non-terminal phase and is appended to each row below.
var transitions = map[Phase]map[Event]Phase{
	PhaseIdle:         {EventStartResearch: PhaseResearching},
	PhaseResearching:  {EventStartEnrichment: PhaseEnriching, EventStartDeliberation: PhaseDeliberating},
	PhaseEnriching:    {EventStartDeliberation: PhaseDeliberating},
	PhaseDeliberating: {EventStartDispatch: PhaseDispatching},
	PhaseDispatching:  {EventStartExecution: PhaseExecuting, EventHalt: PhaseHalted},
	PhaseExecuting:    {EventStartMonitoring: PhaseMonitoring, EventHalt: PhaseHalted},
	PhaseMonitoring:   {EventComplete: PhaseCompleted, EventHalt: PhaseHalted},
	PhaseHalted:       {EventResume: PhaseMonitoring},
}

func init() {
	for _, row := range transitions {
		row[EventFail] = PhaseFailed
	}
}

// IsTerminal reports whether a cycle in this phase is finished for good.
func IsTerminal(p Phase) bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// PhaseChange is one entry in a cycle's phase history.
type PhaseChange struct {
	From   Phase     `json:"from"`
	To     Phase     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Cycle is one deliberation run from trigger to terminal phase.
type Cycle struct {
	ID           string        `json:"id"`
	TriggeredBy  string        `json:"triggered_by"`
	Phase        Phase         `json:"phase"`
	PhaseHistory []PhaseChange `json:"phase_history,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at,omitempty"`

	// Cycle outcome counters, filled in by the runner.
	OrdersProduced int    `json:"orders_produced"`
	OrdersFilled   int    `json:"orders_filled"`
	OrdersRejected int    `json:"orders_rejected"`
	Error          string `json:"error,omitempty"`
}

// NewCycle starts a cycle in IDLE. triggeredBy records what initiated it
// (trigger mode or an operator).
func NewCycle(triggeredBy string) *Cycle {
	return &Cycle{
		ID:          uuid.New().String(),
		TriggeredBy: triggeredBy,
		Phase:       PhaseIdle,
		StartedAt:   time.Now().UTC(),
	}
}

// Clone returns an independent copy of the cycle.
func (c *Cycle) Clone() *Cycle {
	out := *c
	out.PhaseHistory = append([]PhaseChange(nil), c.PhaseHistory...)
	return &out
}

// Machine serializes phase changes for one cycle. A machine built over a
// cycle already past IDLE adopts that phase without recording anything.
type Machine struct {
	mu    sync.Mutex
	cycle *Cycle
	nowFn func() time.Time
}

func NewMachine(c *Cycle) *Machine {
	return &Machine{cycle: c, nowFn: time.Now}
}

func (m *Machine) Cycle() *Cycle { return m.cycle }

func (m *Machine) Current() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cycle.Phase
}

// Fire applies one event. On success the phase moves and exactly one history
// entry lands; on an illegal event nothing changes.
func (m *Machine) Fire(ev Event, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, ok := transitions[m.cycle.Phase][ev]
	if !ok {
		return &InvalidPhaseChangeError{CycleID: m.cycle.ID, From: m.cycle.Phase, Event: ev}
	}

	now := m.nowFn().UTC()
	m.cycle.PhaseHistory = append(m.cycle.PhaseHistory, PhaseChange{
		From:   m.cycle.Phase,
		To:     next,
		Reason: reason,
		At:     now,
	})
	m.cycle.Phase = next
	if IsTerminal(next) {
		m.cycle.FinishedAt = now
	}
	return nil
}

// Can reports whether ev is legal right now without applying it.
func (m *Machine) Can(ev Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := transitions[m.cycle.Phase][ev]
	return ok
}
