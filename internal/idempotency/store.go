// Package idempotency deduplicates client-submitted work requests so retries
// of the same logical request return the same result instead of creating new
// work or side effects.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/pagecraft/server/internal/identity"
	"github.com/pagecraft/server/internal/storage"
)

// DurableStore is the slice of the storage backend the dedup layer needs.
type DurableStore interface {
	ReserveIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error)
	CompleteIdempotencyKey(ctx context.Context, key, jobID, resultID string) error
	LookupIdempotencyKey(ctx context.Context, key string) (storage.IdempotencyRecord, error)
	ReleaseIdempotencyKey(ctx context.Context, key string) error
}

// Result is the recorded outcome of a completed submission.
type Result struct {
	JobID    string
	ResultID string
}

// Store serves idempotency reservations from the durable backend, falling
// back to a bounded in-process cache when the backend errors. The fallback
// keeps a single-instance deployment correct during a storage outage but is
// not cross-process consistent.
type Store struct {
	durable  DurableStore
	fallback *FallbackCache
	ttl      time.Duration
	logger   zerolog.Logger
}

// New creates an idempotency store. The fallback cache is owned by the
// caller (register its Stop with the lifecycle manager).
func New(durable DurableStore, fallback *FallbackCache, ttl time.Duration, log zerolog.Logger) *Store {
	return &Store{
		durable:  durable,
		fallback: fallback,
		ttl:      ttl,
		logger:   log,
	}
}

// KeyFor derives the deterministic dedup key from the owner and the client
// request id. Hashing keeps client-chosen ids from leaking into storage keys.
func KeyFor(owner identity.OwnerID, clientRequestID string) string {
	sum := sha256.Sum256([]byte(string(owner) + "\x00" + clientRequestID))
	return hex.EncodeToString(sum[:])
}

// Reserve atomically claims the key for this caller. First-reserver-wins: a
// concurrent duplicate observes false and should tell its caller to poll.
func (s *Store) Reserve(ctx context.Context, key string) (bool, error) {
	ok, err := s.durable.ReserveIdempotencyKey(ctx, key, s.ttl)
	if err == nil {
		return ok, nil
	}

	s.logger.Warn().Err(err).Msg("idempotency.durable_unreachable.falling_back")
	return s.fallback.Reserve(key, s.ttl), nil
}

// Complete records the submission outcome so later retries are served from
// the record. The fallback copy is written unconditionally: if the durable
// store went down between Reserve and Complete, the local record still
// protects this process.
func (s *Store) Complete(ctx context.Context, key, jobID, resultID string) error {
	s.fallback.Reserve(key, s.ttl)
	s.fallback.Complete(key, jobID, resultID)

	if err := s.durable.CompleteIdempotencyKey(ctx, key, jobID, resultID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn().Err(err).Msg("idempotency.complete.durable_write_failed")
	}
	return nil
}

// Lookup returns the completed outcome for the key, or false when the key is
// absent or still pending.
func (s *Store) Lookup(ctx context.Context, key string) (Result, bool) {
	rec, err := s.durable.LookupIdempotencyKey(ctx, key)
	if err == nil {
		return Result{JobID: rec.JobID, ResultID: rec.ResultID}, true
	}
	if !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn().Err(err).Msg("idempotency.lookup.durable_unreachable")
		if cached, ok := s.fallback.Lookup(key); ok {
			return Result{JobID: cached.JobID, ResultID: cached.ResultID}, true
		}
	}
	return Result{}, false
}

// Release drops a pending reservation after a failed submission so the
// client's retry can start fresh work.
func (s *Store) Release(ctx context.Context, key string) {
	s.fallback.Release(key)
	if err := s.durable.ReleaseIdempotencyKey(ctx, key); err != nil {
		s.logger.Warn().Err(err).Msg("idempotency.release.durable_write_failed")
	}
}
