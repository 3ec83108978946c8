package order

import (
	"sync"
)

// Tracker binds one StateMachine per order id so every component firing
// events for the same order shares a single serialized machine. Binding an
// order that already carries a persisted non-initial status (crash
// recovery, archive reload) adopts that status silently, with no spurious
// transition and no history entry.
type Tracker struct {
	mu       sync.Mutex
	machines map[string]*StateMachine
}

func NewTracker() *Tracker {
	return &Tracker{machines: make(map[string]*StateMachine)}
}

// Bind returns the machine governing o, creating it on first sight. A
// repeated bind for the same id returns the cached machine untouched.
func (t *Tracker) Bind(o *Order) *StateMachine {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.machines[o.ID]; ok {
		return m
	}
	m := NewStateMachine(o)
	t.machines[o.ID] = m
	return m
}

// Lookup returns the cached machine for an order id, if any.
func (t *Tracker) Lookup(id string) (*StateMachine, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.machines[id]
	return m, ok
}

// Release drops the cached machine once its order is archived.
func (t *Tracker) Release(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.machines, id)
}

// Active returns ids of all currently tracked orders.
func (t *Tracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.machines))
	for id := range t.machines {
		out = append(out, id)
	}
	return out
}
