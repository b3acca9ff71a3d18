package metadata

import (
	"sync"
	"time"

	"github.com/nextseek-chat/server/internal/agent/model"
)

// schemaCache holds one schema snapshot. A lookup for a different key or
// after expiry misses, and the next put replaces the slot.
type schemaCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	key     string
	tables  []model.Table
	expires time.Time
}

func newSchemaCache(ttl time.Duration, now func() time.Time) *schemaCache {
	return &schemaCache{ttl: ttl, now: now}
}

func (c *schemaCache) get(key string) ([]model.Table, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tables == nil || c.key != key || !c.now().Before(c.expires) {
		return nil, false
	}
	return c.tables, true
}

func (c *schemaCache) put(key string, tables []model.Table) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = key
	c.tables = tables
	c.expires = c.now().Add(c.ttl)
}

// Invalidate drops the cached schema.
func (s *Store) InvalidateSchema() {
	s.schema.mu.Lock()
	defer s.schema.mu.Unlock()
	s.schema.tables = nil
}
