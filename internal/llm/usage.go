package llm

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yomibot/backend/internal/cache"
	"github.com/yomibot/backend/internal/metrics"
	"github.com/yomibot/backend/pkg/logger"
)

const usageKey = "model_usage"

type UsageRecord struct {
	Requests         int       `json:"requests"`
	RateLimited      bool      `json:"rate_limited"`
	RateLimitedUntil time.Time `json:"rate_limited_until,omitempty"`
	LastUsed         time.Time `json:"last_used,omitempty"`
}

// UsageTable is the one piece of state shared by concurrent queries. All
// check-then-write sequences run under mu; persistence happens after mu is
// released so no lock is held across I/O.
type UsageTable struct {
	mu      sync.Mutex
	records map[string]*UsageRecord
	version uint64
	now     func() time.Time

	store     cache.Store
	persistMu sync.Mutex
	saved     uint64
}

func NewUsageTable(store cache.Store) *UsageTable {
	return &UsageTable{
		records: make(map[string]*UsageRecord),
		now:     time.Now,
		store:   store,
	}
}

// Load restores records persisted by a previous process.
func (u *UsageTable) Load(ctx context.Context) error {
	if u.store == nil {
		return nil
	}
	var records map[string]*UsageRecord
	if _, ok := cache.LoadValue(ctx, u.store, cache.KindUsage, usageKey, &records); !ok {
		return nil
	}

	u.mu.Lock()
	for name, rec := range records {
		if rec != nil {
			u.records[name] = rec
		}
	}
	u.mu.Unlock()

	logger.Info("Model usage restored", zap.Int("models", len(records)))
	return nil
}

func (u *UsageTable) record(name string) *UsageRecord {
	rec, ok := u.records[name]
	if !ok {
		rec = &UsageRecord{}
		u.records[name] = rec
	}
	return rec
}

// expire clears a lapsed cooldown. Caller holds mu.
func (u *UsageTable) expire(name string, rec *UsageRecord, now time.Time) bool {
	if rec.RateLimited && !now.Before(rec.RateLimitedUntil) {
		rec.RateLimited = false
		rec.RateLimitedUntil = time.Time{}
		u.version++
		metrics.ModelCooldown.WithLabelValues(name).Set(0)
		return true
	}
	return false
}

// Select returns the first candidate not cooling down. When every candidate
// is cooling down it returns *AllModelsUnavailableError carrying the
// shortest remaining cooldown.
func (u *UsageTable) Select(candidates []string) (string, error) {
	u.mu.Lock()
	now := u.now()
	changed := false
	var shortest time.Duration = -1
	selected := ""

	for _, name := range candidates {
		rec := u.record(name)
		if u.expire(name, rec, now) {
			changed = true
		}
		if !rec.RateLimited {
			selected = name
			break
		}
		if remaining := rec.RateLimitedUntil.Sub(now); shortest < 0 || remaining < shortest {
			shortest = remaining
		}
	}
	u.mu.Unlock()

	if changed {
		u.persist()
	}
	if selected != "" {
		return selected, nil
	}
	if shortest < 0 {
		shortest = 0
	}
	return "", &AllModelsUnavailableError{RetryAfter: shortest}
}

// Available reports whether name may be called now, and otherwise how long
// until its cooldown ends.
func (u *UsageTable) Available(name string) (bool, time.Duration) {
	u.mu.Lock()
	now := u.now()
	rec := u.record(name)
	changed := u.expire(name, rec, now)
	ok, remaining := !rec.RateLimited, rec.RateLimitedUntil.Sub(now)
	u.mu.Unlock()

	if changed {
		u.persist()
	}
	if ok {
		return true, 0
	}
	return false, remaining
}

func (u *UsageTable) RecordRequest(name string) {
	u.mu.Lock()
	rec := u.record(name)
	rec.Requests++
	rec.LastUsed = u.now()
	u.version++
	u.mu.Unlock()

	u.persist()
}

// MarkUnavailable starts a cooldown for name. An existing longer cooldown is
// kept.
func (u *UsageTable) MarkUnavailable(name string, cooldown time.Duration) time.Time {
	u.mu.Lock()
	rec := u.record(name)
	until := u.now().Add(cooldown)
	if !rec.RateLimited || until.After(rec.RateLimitedUntil) {
		rec.RateLimitedUntil = until
	}
	rec.RateLimited = true
	until = rec.RateLimitedUntil
	u.version++
	u.mu.Unlock()

	metrics.ModelCooldown.WithLabelValues(name).Set(1)
	logger.Warn("Model cooling down",
		zap.String("model", name),
		zap.Time("until", until),
	)

	u.persist()
	return until
}

// Snapshot returns copies of the records for the given names, in order.
func (u *UsageTable) Snapshot(names []string) map[string]UsageRecord {
	u.mu.Lock()
	defer u.mu.Unlock()

	now := u.now()
	out := make(map[string]UsageRecord, len(names))
	for _, name := range names {
		rec := u.record(name)
		u.expire(name, rec, now)
		out[name] = *rec
	}
	return out
}

func (u *UsageTable) persist() {
	if u.store == nil {
		return
	}

	u.persistMu.Lock()
	defer u.persistMu.Unlock()

	u.mu.Lock()
	if u.version == u.saved {
		u.mu.Unlock()
		return
	}
	version := u.version
	now := u.now()
	records := make(map[string]UsageRecord, len(u.records))
	names := make([]string, 0, len(u.records))
	for name, rec := range u.records {
		records[name] = *rec
		names = append(names, name)
	}
	u.mu.Unlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cache.SaveValue(ctx, u.store, cache.KindUsage, usageKey, now, records); err != nil {
		logger.Warn("Failed to persist model usage", zap.Strings("models", names), zap.Error(err))
		return
	}
	u.saved = version
}
