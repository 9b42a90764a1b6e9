package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pagecraft/server/internal/identity"
	"github.com/pagecraft/server/internal/storage"
)

// failingDurable simulates an unreachable durable store.
type failingDurable struct{}

var errDown = errors.New("connection refused")

func (failingDurable) ReserveIdempotencyKey(context.Context, string, time.Duration) (bool, error) {
	return false, errDown
}
func (failingDurable) CompleteIdempotencyKey(context.Context, string, string, string) error {
	return errDown
}
func (failingDurable) LookupIdempotencyKey(context.Context, string) (storage.IdempotencyRecord, error) {
	return storage.IdempotencyRecord{}, errDown
}
func (failingDurable) ReleaseIdempotencyKey(context.Context, string) error {
	return errDown
}

func TestKeyFor_Deterministic(t *testing.T) {
	a := KeyFor(identity.DeviceOwnerID("d1"), "req-1")
	b := KeyFor(identity.DeviceOwnerID("d1"), "req-1")
	if a != b {
		t.Fatal("same owner+request must derive the same key")
	}
	if a == KeyFor(identity.DeviceOwnerID("d2"), "req-1") {
		t.Fatal("different owners must derive different keys")
	}
	if a == KeyFor(identity.DeviceOwnerID("d1"), "req-2") {
		t.Fatal("different request ids must derive different keys")
	}
}

func TestStore_DurablePath(t *testing.T) {
	durable := storage.NewMemoryStore()
	fallback := NewFallbackCache(100)
	defer fallback.Stop()
	store := New(durable, fallback, time.Minute, zerolog.Nop())
	ctx := context.Background()

	ok, err := store.Reserve(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("first reserve: ok=%v err=%v", ok, err)
	}
	ok, err = store.Reserve(ctx, "k1")
	if err != nil || ok {
		t.Fatalf("duplicate reserve: ok=%v err=%v, want rejected", ok, err)
	}

	if _, found := store.Lookup(ctx, "k1"); found {
		t.Fatal("pending key must not look like a cached success")
	}

	if err := store.Complete(ctx, "k1", "job_1", "res_1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	res, found := store.Lookup(ctx, "k1")
	if !found || res.ResultID != "res_1" {
		t.Fatalf("lookup = %+v found=%v, want res_1", res, found)
	}
}

func TestStore_FallsBackWhenDurableUnreachable(t *testing.T) {
	fallback := NewFallbackCache(100)
	defer fallback.Stop()
	store := New(failingDurable{}, fallback, time.Minute, zerolog.Nop())
	ctx := context.Background()

	ok, err := store.Reserve(ctx, "k2")
	if err != nil || !ok {
		t.Fatalf("fallback reserve: ok=%v err=%v", ok, err)
	}
	ok, err = store.Reserve(ctx, "k2")
	if err != nil || ok {
		t.Fatalf("fallback duplicate reserve: ok=%v err=%v, want rejected", ok, err)
	}

	if err := store.Complete(ctx, "k2", "job_2", "res_2"); err != nil {
		t.Fatalf("fallback complete: %v", err)
	}
	res, found := store.Lookup(ctx, "k2")
	if !found || res.ResultID != "res_2" {
		t.Fatalf("fallback lookup = %+v found=%v, want res_2", res, found)
	}
}

func TestStore_ReleaseAllowsRetry(t *testing.T) {
	durable := storage.NewMemoryStore()
	fallback := NewFallbackCache(100)
	defer fallback.Stop()
	store := New(durable, fallback, time.Minute, zerolog.Nop())
	ctx := context.Background()

	if ok, _ := store.Reserve(ctx, "k3"); !ok {
		t.Fatal("reserve failed")
	}
	store.Release(ctx, "k3")
	if ok, _ := store.Reserve(ctx, "k3"); !ok {
		t.Fatal("reserve after release failed")
	}
}

func TestFallbackCache_BoundedUnderSustainedDuplicates(t *testing.T) {
	cache := NewFallbackCache(50)
	defer cache.Stop()

	for i := 0; i < 500; i++ {
		cache.Reserve(fmt.Sprintf("key-%d", i), time.Minute)
	}
	if got := cache.Len(); got > 50 {
		t.Fatalf("cache grew to %d entries, capacity 50", got)
	}
}

func TestFallbackCache_FirstReserverWinsConcurrently(t *testing.T) {
	cache := NewFallbackCache(100)
	defer cache.Stop()

	const contenders = 16
	var wg sync.WaitGroup
	wins := make(chan bool, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- cache.Reserve("shared", time.Minute)
		}()
	}
	wg.Wait()
	close(wins)

	var count int
	for ok := range wins {
		if ok {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("reservation won %d times, want 1", count)
	}
}

func TestFallbackCache_ExpiredReservationReclaimable(t *testing.T) {
	cache := NewFallbackCache(100)
	defer cache.Stop()

	if !cache.Reserve("k", 10*time.Millisecond) {
		t.Fatal("reserve failed")
	}
	time.Sleep(30 * time.Millisecond)
	if !cache.Reserve("k", time.Minute) {
		t.Fatal("expired reservation was not reclaimable")
	}
}
