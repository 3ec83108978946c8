package briefing

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"conclave/internal/bus"
	"conclave/internal/kv"
	"conclave/internal/logger"
)

// ChannelUpdated carries an UpdateEvent on every store write.
const ChannelUpdated = "briefing:updated"

const keyPrefix = "briefing:source:"

// Store keeps the single latest briefing per configured source. Entries
// expire after the freshness TTL, so a source that has gone quiet stops
// counting toward quorum on its own.
type Store struct {
	kvs     kv.Store
	bus     *bus.Bus
	sources []string
	ttl     time.Duration
	nowFn   func() time.Time
}

// NewStore builds a store over kvs for the configured source ids. ttl is how
// long a briefing counts as fresh; b may be nil when no in-process mirror of
// update events is wanted.
func NewStore(kvs kv.Store, b *bus.Bus, sources []string, ttl time.Duration) (*Store, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("briefing store needs at least one source")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("briefing freshness ttl must be positive, got %s", ttl)
	}
	seen := make(map[string]bool, len(sources))
	ids := make([]string, 0, len(sources))
	for _, id := range sources {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return &Store{
		kvs:     kvs,
		bus:     b,
		sources: ids,
		ttl:     ttl,
		nowFn:   time.Now,
	}, nil
}

// Sources returns the configured source ids, sorted.
func (s *Store) Sources() []string {
	out := make([]string, len(s.sources))
	copy(out, s.sources)
	return out
}

// TTL returns the freshness window writes are stored with.
func (s *Store) TTL() time.Duration { return s.ttl }

func (s *Store) configured(id string) bool {
	for _, src := range s.sources {
		if src == id {
			return true
		}
	}
	return false
}

// Put replaces the source's briefing and publishes an update event. Writes
// from sources outside the configured set are rejected so a misnamed crew
// cannot silently satisfy quorum.
func (s *Store) Put(ctx context.Context, b *Briefing) error {
	if b == nil || strings.TrimSpace(b.SourceID) == "" {
		return fmt.Errorf("briefing needs a source id")
	}
	if !s.configured(b.SourceID) {
		return fmt.Errorf("unknown briefing source %q", b.SourceID)
	}
	stored := *b
	if stored.GeneratedAt.IsZero() {
		stored.GeneratedAt = s.nowFn().UTC()
	}
	raw, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("encode briefing for %s: %w", stored.SourceID, err)
	}
	if err := s.kvs.Set(ctx, keyPrefix+stored.SourceID, raw, s.ttl); err != nil {
		return fmt.Errorf("store briefing for %s: %w", stored.SourceID, err)
	}

	ev, _ := json.Marshal(UpdateEvent{SourceID: stored.SourceID, UpdatedAt: stored.GeneratedAt})
	if err := s.kvs.Publish(ctx, ChannelUpdated, ev); err != nil {
		logger.Errorf("Briefing update event for %s not published: %v", stored.SourceID, err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.MsgBriefingUpdated, ev)
	}
	return nil
}

// Get returns the source's briefing, or (nil, nil) when none is fresh.
func (s *Store) Get(ctx context.Context, sourceID string) (*Briefing, error) {
	raw, err := s.kvs.Get(ctx, keyPrefix+sourceID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var b Briefing
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode briefing for %s: %w", sourceID, err)
	}
	return &b, nil
}

// Fresh returns every configured source's live briefing, keyed by source id.
// Expired and never-written sources are simply absent.
func (s *Store) Fresh(ctx context.Context) (map[string]*Briefing, error) {
	out := make(map[string]*Briefing, len(s.sources))
	for _, id := range s.sources {
		b, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if b != nil {
			out[id] = b
		}
	}
	return out, nil
}

// FreshCount reports how many configured sources currently hold a fresh
// briefing.
func (s *Store) FreshCount(ctx context.Context) (int, error) {
	fresh, err := s.Fresh(ctx)
	if err != nil {
		return 0, err
	}
	return len(fresh), nil
}
