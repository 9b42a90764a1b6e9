// Package quota enforces the per-owner, per-calendar-day submission cap.
// Counters are keyed by (owner, UTC date); the date rollover is the implicit
// reset, no cleanup job needed.
package quota

import (
	"context"
	"time"

	"github.com/pagecraft/server/internal/identity"
)

// Counter atomically checks and increments a daily counter. The allowed
// decision and the increment happen in one step so concurrent callers can
// never push the counter past the limit.
type Counter interface {
	// CheckAndIncrement returns whether the action is allowed and the counter
	// value after the call.
	CheckAndIncrement(ctx context.Context, owner identity.OwnerID, limit int64) (bool, int64, error)
}

// dayKey builds the counter key for the owner's current UTC day.
func dayKey(owner identity.OwnerID, now time.Time) string {
	return "quota:" + string(owner) + ":" + utcDay(now)
}

func utcDay(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// counterTTL keeps stale day keys from accumulating. Two days covers clock
// skew around the rollover.
const counterTTL = 48 * time.Hour
