package briefing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"conclave/internal/bus"
	"conclave/internal/kv"
	"conclave/internal/logger"
	"conclave/internal/pipeline"
)

// Mode selects how deliberation cycles are initiated.
type Mode string

const (
	// ModeQuorum starts a cycle once at least Quorum sources are fresh.
	ModeQuorum Mode = "quorum"
	// ModeAllFresh starts a cycle only when every configured source is fresh.
	ModeAllFresh Mode = "all_fresh"
	// ModeScheduled ignores freshness; an external scheduler calls Run.
	ModeScheduled Mode = "scheduled"
	// ModeManual starts cycles only through Force.
	ModeManual Mode = "manual"
)

// ParseMode maps a config string onto a trigger mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeQuorum, ModeAllFresh, ModeScheduled, ModeManual:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown trigger mode %q", s)
	}
}

var (
	// ErrLockContention reports that another node (or a concurrent caller)
	// already holds the cycle lock. Expected under normal operation, not a
	// fault.
	ErrLockContention = errors.New("deliberation cycle lock held elsewhere")
	// ErrTriggerClosed is returned after Close.
	ErrTriggerClosed = errors.New("deliberation trigger closed")
)

const lockKey = "deliberation:lock"

// PipelineFunc runs one deliberation cycle over the fresh briefings. The
// runner owns the cycle's phase machine and must leave the cycle in a
// terminal phase on return, recovering its own worker panics.
type PipelineFunc func(ctx context.Context, cycle *pipeline.Cycle, briefings map[string]*Briefing) error

// CycleRecorder persists finished cycles. Implementations must tolerate
// repeated ids.
type CycleRecorder interface {
	RecordCycle(ctx context.Context, c *pipeline.Cycle) error
}

// Config tunes the trigger. Zero durations fall back to defaults.
type Config struct {
	Mode         Mode
	Quorum       int
	Debounce     time.Duration
	MinInterval  time.Duration
	LockTTL      time.Duration
	CycleTimeout time.Duration
	NodeID       string
}

func (c *Config) normalize(sourceCount int) error {
	if c.Mode == "" {
		c.Mode = ModeQuorum
	}
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if c.Mode == ModeQuorum {
		if c.Quorum < 1 {
			return fmt.Errorf("quorum mode needs a quorum of at least 1, got %d", c.Quorum)
		}
		if c.Quorum > sourceCount {
			return fmt.Errorf("quorum %d exceeds the %d configured sources", c.Quorum, sourceCount)
		}
	}
	if c.Debounce <= 0 {
		c.Debounce = 2 * time.Second
	}
	if c.MinInterval <= 0 {
		c.MinInterval = 5 * time.Minute
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = 10 * time.Minute
	}
	if c.LockTTL <= 0 {
		c.LockTTL = c.CycleTimeout + time.Minute
	}
	if c.NodeID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "node"
		}
		c.NodeID = host + "-" + uuid.New().String()[:8]
	}
	return nil
}

type lockValue struct {
	Node    string `json:"node"`
	CycleID string `json:"cycle_id"`
}

// Trigger watches briefing updates and starts deliberation cycles. Bursts of
// updates collapse into one evaluation per debounce window, cycle starts are
// spaced by MinInterval, and a kv lock keeps the whole cluster to one running
// cycle at a time.
type Trigger struct {
	cfg   Config
	store *Store
	kvs   kv.Store
	bus   *bus.Bus
	run   PipelineFunc
	rec   CycleRecorder
	nowFn func() time.Time

	mu      sync.Mutex
	pending bool
	timer   *time.Timer
	last    time.Time
	current *pipeline.Cycle
	history []*pipeline.Cycle
	unsub   func()
	closed  bool
}

const historyCap = 32

// NewTrigger validates cfg and wires the trigger. rec may be nil.
func NewTrigger(cfg Config, store *Store, kvs kv.Store, b *bus.Bus, run PipelineFunc, rec CycleRecorder) (*Trigger, error) {
	if store == nil {
		return nil, fmt.Errorf("trigger needs a briefing store")
	}
	if run == nil {
		return nil, fmt.Errorf("trigger needs a pipeline func")
	}
	if err := cfg.normalize(len(store.Sources())); err != nil {
		return nil, err
	}
	return &Trigger{
		cfg:   cfg,
		store: store,
		kvs:   kvs,
		bus:   b,
		run:   run,
		rec:   rec,
		nowFn: time.Now,
	}, nil
}

// Start begins watching briefing updates in the freshness-driven modes.
// Scheduled and manual modes have nothing to watch.
func (t *Trigger) Start() error {
	if t.cfg.Mode != ModeQuorum && t.cfg.Mode != ModeAllFresh {
		return nil
	}
	unsub, err := t.kvs.Subscribe(ChannelUpdated, func(_ string, _ []byte) {
		t.onUpdate()
	})
	if err != nil {
		return fmt.Errorf("subscribe briefing updates: %w", err)
	}
	t.mu.Lock()
	t.unsub = unsub
	t.mu.Unlock()
	logger.Infof("Deliberation trigger watching %d sources (mode %s)", len(t.store.Sources()), t.cfg.Mode)
	return nil
}

// Close stops the watcher and any pending evaluation.
func (t *Trigger) Close() {
	t.mu.Lock()
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
	}
	unsub := t.unsub
	t.unsub = nil
	t.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (t *Trigger) onUpdate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.pending {
		// An evaluation is already queued; this update rides along with it.
		return
	}
	t.pending = true
	t.timer = time.AfterFunc(t.cfg.Debounce, t.evaluate)
}

func (t *Trigger) evaluate() {
	t.mu.Lock()
	t.pending = false
	if t.closed {
		t.mu.Unlock()
		return
	}
	since := t.nowFn().Sub(t.last)
	t.mu.Unlock()

	if since < t.cfg.MinInterval {
		logger.Debugf("Deliberation deferred, last cycle started %s ago (min interval %s)", since.Round(time.Millisecond), t.cfg.MinInterval)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	count, err := t.store.FreshCount(ctx)
	cancel()
	if err != nil {
		logger.Errorf("Briefing freshness check failed: %v", err)
		return
	}
	need := t.cfg.Quorum
	if t.cfg.Mode == ModeAllFresh {
		need = len(t.store.Sources())
	}
	if count < need {
		logger.Debugf("Deliberation waiting on sources, %d/%d fresh", count, need)
		return
	}
	if _, err := t.Run(context.Background(), string(t.cfg.Mode)); err != nil && !errors.Is(err, ErrLockContention) {
		logger.Errorf("Deliberation cycle errored: %v", err)
	}
}

// Force starts a cycle immediately, skipping freshness and interval gates.
// The cluster lock still applies.
func (t *Trigger) Force(ctx context.Context) (*pipeline.Cycle, error) {
	return t.Run(ctx, "manual")
}

// Run attempts one deliberation cycle. It returns ErrLockContention when the
// cycle lock is held elsewhere; the caller did no pipeline work in that case.
// The lock is released and the cycle recorded on every other path.
func (t *Trigger) Run(ctx context.Context, triggeredBy string) (*pipeline.Cycle, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTriggerClosed
	}
	t.mu.Unlock()

	cycle := pipeline.NewCycle(triggeredBy)
	won, err := t.acquireLock(ctx, cycle.ID)
	if err != nil {
		return nil, fmt.Errorf("acquire cycle lock: %w", err)
	}
	if !won {
		logger.Infof("Deliberation cycle skipped, lock held elsewhere (trigger %s)", triggeredBy)
		return nil, ErrLockContention
	}

	t.mu.Lock()
	t.last = t.nowFn()
	t.current = cycle
	t.mu.Unlock()

	defer t.releaseLock(cycle.ID)
	defer t.record(cycle)

	logger.Infof("Deliberation cycle %s started by %s", cycle.ID, triggeredBy)
	if t.bus != nil {
		t.bus.PublishJSON(bus.MsgCycleStarted, map[string]any{
			"cycle_id":     cycle.ID,
			"triggered_by": triggeredBy,
			"at":           cycle.StartedAt,
		})
	}

	cctx, cancel := context.WithTimeout(ctx, t.cfg.CycleTimeout)
	defer cancel()

	briefings, err := t.store.Fresh(cctx)
	if err != nil {
		logger.Errorf("Briefing snapshot for cycle %s failed: %v", cycle.ID, err)
		briefings = map[string]*Briefing{}
	}

	runErr := t.run(cctx, cycle, briefings)
	if runErr != nil {
		logger.Errorf("Deliberation cycle %s failed: %v", cycle.ID, runErr)
		if cycle.Error == "" {
			cycle.Error = runErr.Error()
		}
	}
	if !pipeline.IsTerminal(cycle.Phase) {
		logger.Warnf("Deliberation cycle %s returned in non-terminal phase %s", cycle.ID, cycle.Phase)
	}
	return cycle, runErr
}

func (t *Trigger) acquireLock(ctx context.Context, cycleID string) (bool, error) {
	val, _ := json.Marshal(lockValue{Node: t.cfg.NodeID, CycleID: cycleID})
	return t.kvs.SetNX(ctx, lockKey, val, t.cfg.LockTTL)
}

// releaseLock deletes the lock only while it still carries our value. A lock
// that expired and was re-acquired by another node stays untouched.
func (t *Trigger) releaseLock(cycleID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, err := t.kvs.Get(ctx, lockKey)
	if err != nil {
		logger.Errorf("Cycle lock read for release failed: %v", err)
		return
	}
	if raw == nil {
		logger.Warnf("Cycle lock for %s expired before release", cycleID)
		return
	}
	want, _ := json.Marshal(lockValue{Node: t.cfg.NodeID, CycleID: cycleID})
	if !bytes.Equal(raw, want) {
		logger.Warnf("Cycle lock for %s now held by another owner, leaving it", cycleID)
		return
	}
	if err := t.kvs.Del(ctx, lockKey); err != nil {
		logger.Errorf("Cycle lock release failed: %v", err)
	}
}

func (t *Trigger) record(cycle *pipeline.Cycle) {
	t.mu.Lock()
	t.current = nil
	t.history = append(t.history, cycle.Clone())
	if len(t.history) > historyCap {
		t.history = t.history[len(t.history)-historyCap:]
	}
	t.mu.Unlock()

	if t.rec != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := t.rec.RecordCycle(ctx, cycle); err != nil {
			logger.Errorf("Cycle %s not persisted: %v", cycle.ID, err)
		}
		cancel()
	}
	if t.bus != nil {
		t.bus.PublishJSON(bus.MsgCycleComplete, map[string]any{
			"cycle_id":        cycle.ID,
			"phase":           cycle.Phase,
			"orders_produced": cycle.OrdersProduced,
			"orders_filled":   cycle.OrdersFilled,
			"orders_rejected": cycle.OrdersRejected,
			"error":           cycle.Error,
		})
	}
	logger.Infof("Deliberation cycle %s finished in %s (produced %d, filled %d, rejected %d)",
		cycle.ID, cycle.Phase, cycle.OrdersProduced, cycle.OrdersFilled, cycle.OrdersRejected)
}

// History returns copies of the most recently recorded cycles, oldest first.
func (t *Trigger) History() []*pipeline.Cycle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*pipeline.Cycle, len(t.history))
	for i, c := range t.history {
		out[i] = c.Clone()
	}
	return out
}

// TriggerStatus is a point-in-time view of the trigger for the status
// surface.
type TriggerStatus struct {
	Mode         Mode            `json:"mode"`
	Sources      []string        `json:"sources"`
	FreshSources int             `json:"fresh_sources"`
	Quorum       int             `json:"quorum"`
	LastCycleAt  time.Time       `json:"last_cycle_at,omitempty"`
	RunningCycle *pipeline.Cycle `json:"running_cycle,omitempty"`
	LastCycle    *pipeline.Cycle `json:"last_cycle,omitempty"`
	CyclesOnFile int             `json:"cycles_on_file"`
}

// Status reports trigger mode, source freshness and the cycle in flight.
func (t *Trigger) Status(ctx context.Context) TriggerStatus {
	fresh, err := t.store.FreshCount(ctx)
	if err != nil {
		logger.Warnf("Briefing freshness check for status failed: %v", err)
		fresh = -1
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	st := TriggerStatus{
		Mode:         t.cfg.Mode,
		Sources:      t.store.Sources(),
		FreshSources: fresh,
		Quorum:       t.cfg.Quorum,
		LastCycleAt:  t.last,
		CyclesOnFile: len(t.history),
	}
	if t.current != nil {
		st.RunningCycle = t.current.Clone()
	}
	if n := len(t.history); n > 0 {
		st.LastCycle = t.history[n-1].Clone()
	}
	return st
}
