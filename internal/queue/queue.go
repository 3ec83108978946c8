// Package queue decouples order production from execution. Dispatchers
// enqueue validated orders with a priority; orchestrator workers block on
// Dequeue. Ordering favors explicit priority, then consensus strength, then
// absolute sizing, with arrival order breaking ties. An order whose TTL
// lapses while queued is expired through the provided callback exactly once
// and never handed to a consumer.
package queue

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"conclave/internal/order"
)

var ErrClosed = errors.New("order queue closed")

const sweepInterval = time.Second

type entry struct {
	o        *order.Order
	priority int
	seq      uint64
}

// Queue is a bounded-by-nothing in-memory priority queue. Sizes stay small
// (orders per deliberation cycle), so a sorted slice beats a heap here.
type Queue struct {
	mu       sync.Mutex
	items    []entry
	seq      uint64
	wake     chan struct{}
	closed   bool
	stop     chan struct{}
	nowFn    func() time.Time
	onExpire func(*order.Order)
}

// New builds a queue. onExpire is invoked, outside the queue lock, for every
// order dropped on TTL expiry; pass nil to discard expired orders silently.
func New(onExpire func(*order.Order)) *Queue {
	q := &Queue{
		wake:     make(chan struct{}),
		stop:     make(chan struct{}),
		nowFn:    time.Now,
		onExpire: onExpire,
	}
	go q.sweeper()
	return q
}

// Enqueue adds an order. Higher priority dequeues first; among equal
// priorities, stronger consensus and larger absolute sizing win.
func (q *Queue) Enqueue(o *order.Order, priority int) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.seq++
	q.items = append(q.items, entry{o: o, priority: priority, seq: q.seq})
	sort.SliceStable(q.items, func(i, j int) bool {
		return before(q.items[i], q.items[j])
	})
	q.broadcast()
	q.mu.Unlock()
	return nil
}

func before(a, b entry) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if a.o.ConsensusLevel != b.o.ConsensusLevel {
		return a.o.ConsensusLevel > b.o.ConsensusLevel
	}
	sa, sb := math.Abs(a.o.SizingPct), math.Abs(b.o.SizingPct)
	if sa != sb {
		return sa > sb
	}
	return a.seq < b.seq
}

// Dequeue blocks until an order is available, the context is cancelled, or
// the queue is closed. Expired orders are skimmed off before anything is
// returned, so consumers only ever see live work.
func (q *Queue) Dequeue(ctx context.Context) (*order.Order, error) {
	for {
		q.mu.Lock()
		expired := q.dropExpiredLocked()
		if len(q.items) > 0 {
			head := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			q.fireExpired(expired)
			return head.o, nil
		}
		if q.closed {
			q.mu.Unlock()
			q.fireExpired(expired)
			return nil, ErrClosed
		}
		wake := q.wake
		q.mu.Unlock()
		q.fireExpired(expired)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

// Remove pulls a queued order by id, for operator cancellation. Returns the
// order and true when it was still queued.
func (q *Queue) Remove(id string) (*order.Order, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.items {
		if e.o.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return e.o, true
		}
	}
	return nil, false
}

// Len reports how many live orders are waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns queued orders in dequeue priority order.
func (q *Queue) Snapshot() []*order.Order {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*order.Order, len(q.items))
	for i, e := range q.items {
		out[i] = e.o
	}
	return out
}

// Drain removes and returns everything still queued. Used at shutdown so
// the caller can cancel leftovers through their state machines.
func (q *Queue) Drain() []*order.Order {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*order.Order, len(q.items))
	for i, e := range q.items {
		out[i] = e.o
	}
	q.items = nil
	return out
}

// Close rejects further enqueues and unblocks all waiting consumers.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.stop)
	q.broadcast()
	q.mu.Unlock()
}

// broadcast wakes every waiter. Callers hold q.mu.
func (q *Queue) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// dropExpiredLocked removes TTL-lapsed entries and returns their orders.
// Callers hold q.mu and must pass the result to fireExpired after unlocking.
func (q *Queue) dropExpiredLocked() []*order.Order {
	now := q.nowFn()
	var expired []*order.Order
	live := q.items[:0]
	for _, e := range q.items {
		if e.o.Expired(now) {
			expired = append(expired, e.o)
			continue
		}
		live = append(live, e)
	}
	q.items = live
	return expired
}

func (q *Queue) fireExpired(expired []*order.Order) {
	if q.onExpire == nil {
		return
	}
	for _, o := range expired {
		q.onExpire(o)
	}
}

func (q *Queue) sweeper() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.mu.Lock()
			expired := q.dropExpiredLocked()
			q.mu.Unlock()
			q.fireExpired(expired)
		}
	}
}
