package quota

import (
	"context"
	"sync"
	"time"

	"github.com/pagecraft/server/internal/identity"
)

// MemoryCounter is the single-process quota backend used when Redis is not
// configured and in tests.
type MemoryCounter struct {
	mu     sync.Mutex
	day    string
	counts map[string]int64
	now    func() time.Time
}

// NewMemoryCounter creates an in-memory counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		counts: make(map[string]int64),
		now:    time.Now,
	}
}

// WithClock substitutes the time source; tests use it to cross day
// boundaries without sleeping.
func (c *MemoryCounter) WithClock(now func() time.Time) *MemoryCounter {
	c.now = now
	return c
}

func (c *MemoryCounter) CheckAndIncrement(ctx context.Context, owner identity.OwnerID, limit int64) (bool, int64, error) {
	now := c.now()
	key := dayKey(owner, now)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Rollover drops the previous day's keys outright; they can never be
	// read again, and without this the map grows for as long as the
	// process lives.
	if day := utcDay(now); day != c.day {
		c.day = day
		c.counts = make(map[string]int64)
	}

	current := c.counts[key]
	if current >= limit {
		return false, current, nil
	}
	c.counts[key] = current + 1
	return true, current + 1, nil
}
