package ratecontrol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Verdict is the outcome of one admission check
type Verdict struct {
	Allowed bool
	// Key and Limit name the first limit that refused admission
	Key   string
	Limit Limit
}

// Reason renders a refused verdict for block reasons and logs
func (v Verdict) Reason() string {
	if v.Allowed {
		return ""
	}
	return fmt.Sprintf("rate limit exceeded for %s (%s)", v.Key, v.Limit)
}

// Limiter admits or refuses actions against a table of sliding-window limits.
type Limiter struct {
	mu     sync.Mutex
	limits Table
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewLimiter creates a limiter. A nil store selects the in-memory store.
func NewLimiter(limits Table, store Store, logger *zap.Logger) *Limiter {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{limits: limits.Clone(), store: store, logger: logger, now: time.Now}
}

// SetLimits replaces the limit table. Recorded admissions are kept.
func (l *Limiter) SetLimits(t Table) {
	l.mu.Lock()
	l.limits = t.Clone()
	l.mu.Unlock()
}

// Limits returns a copy of the current table
func (l *Limiter) Limits() Table {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limits.Clone()
}

// Allow checks every configured key among keys and, only if all of them
// admit, records one admission against each. Keys without a limit are
// ignored. The store checks and records in one atomic step.
func (l *Limiter) Allow(ctx context.Context, keys ...string) Verdict {
	l.mu.Lock()
	now := l.now()
	var (
		entries []Entry
		limits  []Limit
	)
	for _, raw := range keys {
		key := normalizeKey(raw)
		limit, ok := l.limits[key]
		if !ok {
			continue
		}
		if limit.Max <= 0 {
			l.mu.Unlock()
			return Verdict{Key: key, Limit: limit}
		}
		entries = append(entries, Entry{Key: key, Window: limit.window(), Max: limit.Max})
		limits = append(limits, limit)
	}
	l.mu.Unlock()

	refused, err := l.store.Admit(ctx, entries, now)
	if err != nil {
		// fail open, like the gateway limiter
		l.logger.Error("Rate limit check failed", zap.Strings("keys", keys), zap.Error(err))
		return Verdict{Allowed: true}
	}
	if refused >= 0 {
		return Verdict{Key: entries[refused].Key, Limit: limits[refused]}
	}
	return Verdict{Allowed: true}
}
