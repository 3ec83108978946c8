package kv

import (
	"context"
	"sync"
	"time"
)

const subscriberBuffer = 64

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type subscriber struct {
	ch   chan message
	done chan struct{}
}

type message struct {
	channel string
	payload []byte
}

// Memory is the in-process Store. Keys expire lazily on read plus via a
// janitor sweep; each subscriber gets a buffered channel drained by its own
// goroutine so one slow handler cannot stall publishers (messages beyond the
// buffer are dropped, matching the fire-and-forget contract).
type Memory struct {
	mu     sync.RWMutex
	data   map[string]entry
	subs   map[string][]*subscriber
	closed bool

	janitorStop chan struct{}
	wg          sync.WaitGroup
	nowFn       func() time.Time
}

// NewMemory builds a store and starts its expiry janitor.
func NewMemory() *Memory {
	m := &Memory{
		data:        make(map[string]entry),
		subs:        make(map[string][]*subscriber),
		janitorStop: make(chan struct{}),
		nowFn:       time.Now,
	}
	m.wg.Add(1)
	go m.janitor()
	return m
}

func (m *Memory) janitor() {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.janitorStop:
			return
		case <-ticker.C:
			now := m.nowFn()
			m.mu.Lock()
			for k, e := range m.data {
				if e.expired(now) {
					delete(m.data, k)
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrClosed
	}
	e, ok := m.data[key]
	m.mu.RUnlock()
	if !ok || e.expired(m.nowFn()) {
		return nil, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[key] = m.newEntry(value, ttl)
	return nil
}

func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if e, ok := m.data[key]; ok && !e.expired(m.nowFn()) {
		return false, nil
	}
	m.data[key] = m.newEntry(value, ttl)
	return true, nil
}

func (m *Memory) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.data, key)
	return nil
}

func (m *Memory) newEntry(value []byte, ttl time.Duration) entry {
	cp := make([]byte, len(value))
	copy(cp, value)
	e := entry{value: cp}
	if ttl > 0 {
		e.expiresAt = m.nowFn().Add(ttl)
	}
	return e
}

func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	subs := append([]*subscriber(nil), m.subs[channel]...)
	m.mu.RUnlock()

	cp := make([]byte, len(payload))
	copy(cp, payload)
	for _, s := range subs {
		select {
		case s.ch <- message{channel: channel, payload: cp}:
		case <-s.done:
		default:
			// Subscriber buffer full: drop. Durable state lives in the
			// briefing store and audit trail, not in channel delivery.
		}
	}
	return nil
}

func (m *Memory) Subscribe(channel string, h Handler) (func(), error) {
	if h == nil {
		return func() {}, nil
	}
	sub := &subscriber{
		ch:   make(chan message, subscriberBuffer),
		done: make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.subs[channel] = append(m.subs[channel], sub)
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-sub.done:
				return
			case msg := <-sub.ch:
				h(msg.channel, msg.payload)
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			list := m.subs[channel]
			for i, s := range list {
				if s == sub {
					m.subs[channel] = append(list[:i], list[i+1:]...)
					break
				}
			}
			m.mu.Unlock()
			close(sub.done)
		})
	}
	return cancel, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var all []*subscriber
	for _, list := range m.subs {
		all = append(all, list...)
	}
	m.subs = make(map[string][]*subscriber)
	m.mu.Unlock()

	close(m.janitorStop)
	for _, s := range all {
		close(s.done)
	}
	m.wg.Wait()
	return nil
}
