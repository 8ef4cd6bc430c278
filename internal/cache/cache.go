// Package cache holds timestamped JSON entries for the fetchers and the model
// usage table. Freshness is decided by the caller comparing Entry.Timestamp
// against its own TTL, so one store serves every kind.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type Kind string

const (
	KindWiki     Kind = "wiki"
	KindRedirect Kind = "redirect"
	KindSearch   Kind = "search"
	KindPage     Kind = "page"
	KindPlayer   Kind = "player"
	KindRoster   Kind = "roster"
	KindMetric   Kind = "metric"
	KindUsage    Kind = "usage"
)

type Entry struct {
	Timestamp    time.Time       `json:"timestamp"`
	ETag         string          `json:"etag,omitempty"`
	LastModified string          `json:"last_modified,omitempty"`
	Data         json.RawMessage `json:"data"`
}

// Store loads and saves entries. Load returns (nil, nil) for a missing key.
// Save must replace the whole entry atomically.
type Store interface {
	Load(ctx context.Context, kind Kind, key string) (*Entry, error)
	Save(ctx context.Context, kind Kind, key string, entry *Entry) error
}

// Invalidator drops a whole kind at once; both stores implement it.
type Invalidator interface {
	Invalidate(ctx context.Context, kind Kind) error
}

// Kinds lists every kind in storage order.
var Kinds = []Kind{KindWiki, KindRedirect, KindSearch, KindPage, KindPlayer, KindRoster, KindMetric, KindUsage}

func NewEntry(now time.Time, v any) (*Entry, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cache value: %w", err)
	}
	return &Entry{Timestamp: now, Data: data}, nil
}

func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.Timestamp)
}

// Fresh reports whether the entry is younger than ttl.
func (e *Entry) Fresh(now time.Time, ttl time.Duration) bool {
	return e != nil && e.Age(now) < ttl
}

func (e *Entry) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to unmarshal cache value: %w", err)
	}
	return nil
}

// LoadValue loads key and decodes it into v. It reports whether an entry was
// found; a corrupt entry counts as missing.
func LoadValue(ctx context.Context, s Store, kind Kind, key string, v any) (*Entry, bool) {
	entry, err := s.Load(ctx, kind, key)
	if err != nil || entry == nil {
		return nil, false
	}
	if err := entry.Decode(v); err != nil {
		return nil, false
	}
	return entry, true
}

// SaveValue wraps v in a new entry stamped now and saves it.
func SaveValue(ctx context.Context, s Store, kind Kind, key string, now time.Time, v any) error {
	entry, err := NewEntry(now, v)
	if err != nil {
		return err
	}
	return s.Save(ctx, kind, key, entry)
}
