package order

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

type Status string

const (
	StatusPending            Status = "PENDING"
	StatusValidating         Status = "VALIDATING"
	StatusExecuting          Status = "EXECUTING"
	StatusFilled             Status = "FILLED"
	StatusPartiallyFilled    Status = "PARTIALLY_FILLED"
	StatusPlatformRejected   Status = "PLATFORM_REJECTED"
	StatusConstraintRejected Status = "CONSTRAINT_REJECTED"
	StatusCancelled          Status = "CANCELLED"
	StatusExpired            Status = "EXPIRED"
)

// Event drives the order lifecycle. Names follow the pipeline verbs: an
// order is routed, executed, then resolved by the platform outcome.
type Event string

const (
	EventRoute          Event = "route"
	EventExecute        Event = "execute"
	EventFill           Event = "fill"
	EventPartialFill    Event = "partial_fill"
	EventPlatformReject Event = "platform_reject"
	EventReject         Event = "reject"
	EventCancel         Event = "cancel"
	EventExpire         Event = "expire"
)

// ErrInvalidTransition marks an illegal (status, event) pair. It signals a
// caller logic error and is never swallowed.
var ErrInvalidTransition = errors.New("invalid order transition")

// InvalidTransitionError carries the offending pair for diagnostics.
type InvalidTransitionError struct {
	OrderID string
	From    Status
	Event   Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order %s: event %q illegal from %s", e.OrderID, e.Event, e.From)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// transitions is the full legality table. Terminal states have no row, so
// every event fired on them fails.
var transitions = map[Status]map[Event]Status{
	StatusPending: {
		EventRoute:  StatusValidating,
		EventReject: StatusConstraintRejected,
		EventCancel: StatusCancelled,
		EventExpire: StatusExpired,
	},
	StatusValidating: {
		EventExecute: StatusExecuting,
		EventReject:  StatusConstraintRejected,
		EventCancel:  StatusCancelled,
	},
	StatusExecuting: {
		EventFill:           StatusFilled,
		EventPartialFill:    StatusPartiallyFilled,
		EventPlatformReject: StatusPlatformRejected,
		EventReject:         StatusConstraintRejected,
		EventCancel:         StatusCancelled,
	},
}

// IsTerminal reports whether no further transitions are possible.
func IsTerminal(s Status) bool {
	_, active := transitions[s]
	return !active
}

// NextStatus resolves an event against a status without mutating anything.
func NextStatus(from Status, ev Event) (Status, bool) {
	row, ok := transitions[from]
	if !ok {
		return "", false
	}
	next, ok := row[ev]
	return next, ok
}

// StateMachine serializes lifecycle transitions for a single order. Fire
// either applies exactly one transition (status update + one history entry,
// atomically under the lock) or fails without touching the order.
type StateMachine struct {
	mu    sync.Mutex
	order *Order
	nowFn func() time.Time
}

// NewStateMachine wraps an order. The order's current status, initial or
// persisted, is adopted as-is; wrapping never emits a transition.
func NewStateMachine(o *Order) *StateMachine {
	if o.Status == "" {
		o.Status = StatusPending
	}
	return &StateMachine{order: o, nowFn: time.Now}
}

// Order returns the governed order. Callers must treat it as read-only and
// route every mutation through Fire.
func (m *StateMachine) Order() *Order {
	return m.order
}

// Current returns the order's present status.
func (m *StateMachine) Current() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Status
}

// Fire validates and applies one transition. changedBy names the acting
// component; reason is the human-readable explanation recorded in history
// (terminal entries surface it to compliance review).
func (m *StateMachine) Fire(ev Event, changedBy, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, ok := NextStatus(m.order.Status, ev)
	if !ok {
		return &InvalidTransitionError{OrderID: m.order.ID, From: m.order.Status, Event: ev}
	}

	change := StatusChange{
		From:      m.order.Status,
		To:        next,
		ChangedBy: changedBy,
		Reason:    reason,
		At:        m.nowFn().UTC(),
	}
	m.order.Status = next
	m.order.History = append(m.order.History, change)
	return nil
}

// Can reports whether ev is currently legal, without firing it.
func (m *StateMachine) Can(ev Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := NextStatus(m.order.Status, ev)
	return ok
}
