// Package kv defines the key-value/pub-sub contract the control plane uses
// for briefing freshness tracking, enrichment caching and the cluster-wide
// cycle lock. Persistence and transport details live behind this interface;
// the in-process implementation in memory.go is the default and the test
// fixture.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned once a store has been shut down.
	ErrClosed = errors.New("kv: store closed")
)

// Handler receives messages published on a subscribed channel.
type Handler func(channel string, payload []byte)

// Store is the external collaborator contract: a keyed byte store with TTLs
// plus fire-and-forget channel publication. Get returns (nil, nil) for a
// missing or expired key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only if key is absent; reports whether it won.
	// The trigger builds its cluster-wide cycle lock on this primitive.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe registers a handler for a channel and returns an
	// unsubscribe func. Delivery is best-effort FIFO per subscriber.
	Subscribe(channel string, h Handler) (func(), error)
	Close() error
}
