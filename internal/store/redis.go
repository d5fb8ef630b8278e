package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/vault-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SavePosition(ctx context.Context, position *model.Position) error {
	if err := s.primary.SavePosition(ctx, position); err != nil {
		return err
	}
	s.cachePosition(ctx, position)
	return nil
}

func (s *CachedStore) InsertEvent(ctx context.Context, event *model.Event) error {
	if err := s.primary.InsertEvent(ctx, event); err != nil {
		return err
	}
	// Invalidate event history for this user; next read re-populates.
	s.rdb.Del(ctx, eventsKey(event.UserID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPosition(ctx context.Context, userID string) (*model.Position, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, positionKey(userID)).Bytes()
	if err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			p.Normalize()
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetPosition(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.cachePosition(ctx, p)
	return p, nil
}

func (s *CachedStore) GetEventsByUser(ctx context.Context, userID string) ([]model.Event, error) {
	data, err := s.rdb.Get(ctx, eventsKey(userID)).Bytes()
	if err == nil {
		var events []model.Event
		if json.Unmarshal(data, &events) == nil {
			return events, nil
		}
	}

	// Cache miss.
	events, err := s.primary.GetEventsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(events); err == nil {
		s.rdb.Set(ctx, eventsKey(userID), data, s.ttl)
	}
	return events, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	return s.primary.ListPositions(ctx)
}

func (s *CachedStore) ListEvents(ctx context.Context, limit int) ([]model.Event, error) {
	return s.primary.ListEvents(ctx, limit)
}

// --- Cache helpers ---

func (s *CachedStore) cachePosition(ctx context.Context, p *model.Position) {
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, positionKey(p.UserID), data, s.ttl)
	}
}

func positionKey(userID string) string { return fmt.Sprintf("position:%s", userID) }
func eventsKey(userID string) string   { return fmt.Sprintf("events:%s", userID) }
