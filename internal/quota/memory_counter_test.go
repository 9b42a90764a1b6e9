package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pagecraft/server/internal/identity"
)

func TestCheckAndIncrement_Boundary(t *testing.T) {
	counter := NewMemoryCounter()
	ctx := context.Background()
	owner := identity.DeviceOwnerID("d1")
	const limit = 60

	for i := 1; i <= limit; i++ {
		allowed, count, err := counter.CheckAndIncrement(ctx, owner, limit)
		if err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
		if !allowed || count != int64(i) {
			t.Fatalf("call %d: allowed=%v count=%d, want allowed=true count=%d", i, allowed, count, i)
		}
	}

	// Call 61 must be rejected and the counter must not advance.
	allowed, count, err := counter.CheckAndIncrement(ctx, owner, limit)
	if err != nil {
		t.Fatalf("call 61 failed: %v", err)
	}
	if allowed || count != limit {
		t.Fatalf("call 61: allowed=%v count=%d, want allowed=false count=60", allowed, count)
	}
}

func TestCheckAndIncrement_DayRolloverResets(t *testing.T) {
	current := time.Date(2026, 3, 1, 23, 50, 0, 0, time.UTC)
	var mu sync.Mutex
	counter := NewMemoryCounter().WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	})
	ctx := context.Background()
	owner := identity.DeviceOwnerID("d2")

	for i := 0; i < 3; i++ {
		if allowed, _, _ := counter.CheckAndIncrement(ctx, owner, 3); !allowed {
			t.Fatalf("call %d should be allowed", i)
		}
	}
	if allowed, _, _ := counter.CheckAndIncrement(ctx, owner, 3); allowed {
		t.Fatal("limit reached, call should be rejected")
	}

	mu.Lock()
	current = current.Add(time.Hour) // crosses midnight UTC
	mu.Unlock()

	allowed, count, err := counter.CheckAndIncrement(ctx, owner, 3)
	if err != nil {
		t.Fatalf("next-day call failed: %v", err)
	}
	if !allowed || count != 1 {
		t.Fatalf("next day: allowed=%v count=%d, want allowed=true count=1", allowed, count)
	}
}

func TestCheckAndIncrement_RolloverPrunesPriorDayKeys(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	counter := NewMemoryCounter().WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	})
	ctx := context.Background()

	for _, owner := range []identity.OwnerID{
		identity.DeviceOwnerID("d1"),
		identity.DeviceOwnerID("d2"),
		identity.UserOwnerID("u1"),
	} {
		if allowed, _, _ := counter.CheckAndIncrement(ctx, owner, 10); !allowed {
			t.Fatalf("owner %s should be allowed", owner)
		}
	}

	mu.Lock()
	current = current.AddDate(0, 0, 1)
	mu.Unlock()

	if allowed, _, _ := counter.CheckAndIncrement(ctx, identity.DeviceOwnerID("d1"), 10); !allowed {
		t.Fatal("next-day call should be allowed")
	}

	// Yesterday's keys are unreachable and must be gone, or the map grows
	// for the life of the process.
	counter.mu.Lock()
	size := len(counter.counts)
	counter.mu.Unlock()
	if size != 1 {
		t.Fatalf("counts size = %d after rollover, want 1", size)
	}
}

func TestCheckAndIncrement_NeverExceedsLimitUnderConcurrency(t *testing.T) {
	counter := NewMemoryCounter()
	ctx := context.Background()
	owner := identity.DeviceOwnerID("d3")
	const limit = 10
	const callers = 50

	var wg sync.WaitGroup
	allowed := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := counter.CheckAndIncrement(ctx, owner, limit)
			if err != nil {
				t.Errorf("CheckAndIncrement failed: %v", err)
				return
			}
			allowed <- ok
		}()
	}
	wg.Wait()
	close(allowed)

	var successes int
	for ok := range allowed {
		if ok {
			successes++
		}
	}
	if successes != limit {
		t.Fatalf("successes = %d, want exactly %d", successes, limit)
	}
}

func TestCheckAndIncrement_OwnersAreIndependent(t *testing.T) {
	counter := NewMemoryCounter()
	ctx := context.Background()

	if allowed, _, _ := counter.CheckAndIncrement(ctx, identity.DeviceOwnerID("a"), 1); !allowed {
		t.Fatal("first owner should be allowed")
	}
	if allowed, _, _ := counter.CheckAndIncrement(ctx, identity.DeviceOwnerID("a"), 1); allowed {
		t.Fatal("first owner exhausted its quota")
	}
	if allowed, _, _ := counter.CheckAndIncrement(ctx, identity.DeviceOwnerID("b"), 1); !allowed {
		t.Fatal("second owner must not be affected by the first")
	}
}
