package kv

import (
	"context"
	"strings"
	"time"
)

// Namespaced returns a view of s with every key and channel prefixed, so
// components sharing one physical store stay out of each other's keyspace.
// An empty prefix returns s unchanged. Handlers see channel names with the
// prefix stripped again.
func Namespaced(s Store, prefix string) Store {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return s
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &namespaced{s: s, prefix: prefix}
}

type namespaced struct {
	s      Store
	prefix string
}

func (n *namespaced) key(k string) string { return n.prefix + k }

func (n *namespaced) Get(ctx context.Context, key string) ([]byte, error) {
	return n.s.Get(ctx, n.key(key))
}

func (n *namespaced) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return n.s.Set(ctx, n.key(key), value, ttl)
}

func (n *namespaced) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return n.s.SetNX(ctx, n.key(key), value, ttl)
}

func (n *namespaced) Del(ctx context.Context, key string) error {
	return n.s.Del(ctx, n.key(key))
}

func (n *namespaced) Publish(ctx context.Context, channel string, payload []byte) error {
	return n.s.Publish(ctx, n.key(channel), payload)
}

func (n *namespaced) Subscribe(channel string, h Handler) (func(), error) {
	if h == nil {
		return n.s.Subscribe(n.key(channel), h)
	}
	wrapped := func(ch string, payload []byte) {
		h(strings.TrimPrefix(ch, n.prefix), payload)
	}
	return n.s.Subscribe(n.key(channel), wrapped)
}

func (n *namespaced) Close() error { return n.s.Close() }
