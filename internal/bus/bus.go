// Package bus is the in-process publish/subscribe fabric between the
// execution orchestrator and the monitoring roles. Delivery is
// fire-and-forget: no persistence, no replay, per-subscriber FIFO only.
// Durable record keeping lives in order history and the audit trail.
package bus

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"conclave/internal/logger"
)

type MessageType string

const (
	MsgOrderFilled     MessageType = "ORDER_FILLED"
	MsgOrderPartial    MessageType = "ORDER_PARTIALLY_FILLED"
	MsgOrderRejected   MessageType = "ORDER_REJECTED"
	MsgOrderExpired    MessageType = "ORDER_EXPIRED"
	MsgOrderCancelled  MessageType = "ORDER_CANCELLED"
	MsgRiskAlert       MessageType = "RISK_ALERT"
	MsgCycleStarted    MessageType = "CYCLE_STARTED"
	MsgCycleComplete   MessageType = "CYCLE_COMPLETE"
	MsgBriefingUpdated MessageType = "BRIEFING_UPDATED"
	MsgPriceMark       MessageType = "PRICE_MARK"
	MsgRolesReloaded   MessageType = "ROLES_RELOADED"

	// MsgAny subscribes to every type (dashboards, the websocket feed).
	MsgAny MessageType = "*"
)

// Message is the envelope placed on the bus. Payload is JSON so
// subscribers stay decoupled from publisher-side types.
type Message struct {
	ID      string      `json:"id"`
	Type    MessageType `json:"type"`
	Payload []byte      `json:"payload"`
	At      time.Time   `json:"at"`
}

// Handler processes one message. It runs on the subscriber's own delivery
// goroutine; blocking here only delays that subscriber.
type Handler func(Message)

type subscription struct {
	ch   chan Message
	done chan struct{}
}

// Bus fans messages out to type-keyed subscribers. A full subscriber buffer
// drops the message for that subscriber and counts it.
type Bus struct {
	mu      sync.RWMutex
	subs    map[MessageType][]*subscription
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Uint64
	buffer  int
}

func New() *Bus {
	return &Bus{
		subs:   make(map[MessageType][]*subscription),
		buffer: 128,
	}
}

// Publish stamps the envelope and delivers it to subscribers of the exact
// type plus wildcard subscribers. Never blocks.
func (b *Bus) Publish(t MessageType, payload []byte) {
	msg := Message{
		ID:      uuid.NewString(),
		Type:    t,
		Payload: payload,
		At:      time.Now().UTC(),
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	targets := make([]*subscription, 0, len(b.subs[t])+len(b.subs[MsgAny]))
	targets = append(targets, b.subs[t]...)
	if t != MsgAny {
		targets = append(targets, b.subs[MsgAny]...)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- msg:
		case <-sub.done:
		default:
			b.dropped.Add(1)
		}
	}
}

// PublishJSON marshals payload before publishing. Marshal failures are
// logged and swallowed; the bus never propagates errors to publishers.
func (b *Bus) PublishJSON(t MessageType, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		logger.Errorf("bus: marshal %s payload failed: %v", t, err)
		return
	}
	b.Publish(t, raw)
}

// Subscribe registers a handler for one message type (or MsgAny) and
// returns an unsubscribe func. Late subscribers miss prior messages.
func (b *Bus) Subscribe(t MessageType, h Handler) func() {
	if h == nil {
		return func() {}
	}
	sub := &subscription{
		ch:   make(chan Message, b.buffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs[t] = append(b.subs[t], sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("bus: subscriber panic on %s: %v", t, r)
			}
		}()
		for {
			select {
			case <-sub.done:
				return
			case msg := <-sub.ch:
				h(msg)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			list := b.subs[t]
			for i, s := range list {
				if s == sub {
					b.subs[t] = append(list[:i], list[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			close(sub.done)
		})
	}
}

// Dropped reports messages discarded because a subscriber buffer was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*subscription
	for _, list := range b.subs {
		all = append(all, list...)
	}
	b.subs = make(map[MessageType][]*subscription)
	b.mu.Unlock()

	for _, s := range all {
		close(s.done)
	}
	b.wg.Wait()
}
