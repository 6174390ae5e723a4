package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"geoTransform/api/database"
	"geoTransform/api/models"
)

const (
	statusKeyPrefix = "ticket:status:"
	DefaultTTL      = 10 * time.Minute
)

// StatusCache keeps snapshots of completed tickets. Completed tickets
// never change again, so a cached snapshot cannot go stale; pending
// tickets are always read from the store.
type StatusCache struct {
	cache *database.Cache
	ttl   time.Duration
}

func NewStatusCache(cache *database.Cache, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &StatusCache{cache: cache, ttl: ttl}
}

func key(ticketID string) string {
	return fmt.Sprintf("%s%s", statusKeyPrefix, ticketID)
}

// Get returns database.ErrCacheMiss when no snapshot is cached.
func (sc *StatusCache) Get(ctx context.Context, ticketID string) (*models.Ticket, error) {
	data, err := sc.cache.Get(ctx, key(ticketID))
	if err != nil {
		return nil, err
	}

	var ticket models.Ticket
	if err := json.Unmarshal([]byte(data), &ticket); err != nil {
		return nil, fmt.Errorf("decode cached ticket: %w", err)
	}
	return &ticket, nil
}

// Set stores the snapshot if the ticket is completed and ignores it
// otherwise.
func (sc *StatusCache) Set(ctx context.Context, ticket *models.Ticket) error {
	if !ticket.Completed() {
		return nil
	}

	data, err := json.Marshal(ticket)
	if err != nil {
		return err
	}
	return sc.cache.Set(ctx, key(ticket.ID), data, sc.ttl)
}
