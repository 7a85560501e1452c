package localfirst

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Cache Types
// ============================================================================

// CacheEntry is a cached value together with the time it was fetched.
type CacheEntry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	FetchedAt time.Time       `json:"fetchedAt"`
	TTLMs     int64           `json:"ttlMs"`
}

// TTL returns the entry's time-to-live.
func (e *CacheEntry) TTL() time.Duration {
	return time.Duration(e.TTLMs) * time.Millisecond
}

// IsFresh reports whether the entry may be served without a refetch at now.
// An entry whose fetch time lies after now is never fresh.
func (e *CacheEntry) IsFresh(now time.Time, ttl time.Duration) bool {
	if e.FetchedAt.After(now) {
		return false
	}
	return now.Sub(e.FetchedAt) <= ttl
}

// Result describes how a GetData call was served.
type Result struct {
	Value     json.RawMessage
	FetchedAt time.Time
	// FromCache is set when the value came from the store rather than a fetch.
	FromCache bool
	// Stale is set when the value is past its TTL and was returned because a
	// refetch failed or was not possible.
	Stale bool
	// Shared is set when the caller joined a fetch started by another caller.
	Shared bool
}

// Decode unmarshals the result value into v.
func (r *Result) Decode(v any) error {
	return json.Unmarshal(r.Value, v)
}

// ============================================================================
// Queue Types
// ============================================================================

// OpKind is the kind of mutation a queued operation performs.
type OpKind string

const (
	OpSet    OpKind = "set"
	OpRemove OpKind = "remove"
	OpUpdate OpKind = "update"
)

// Valid reports whether k is a known kind.
func (k OpKind) Valid() bool {
	switch k {
	case OpSet, OpRemove, OpUpdate:
		return true
	}
	return false
}

// QueuedOperation is a mutation deferred until connectivity returns.
type QueuedOperation struct {
	ID         string          `json:"id"`
	Kind       OpKind          `json:"kind"`
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"lastError,omitempty"`
}

// FlushResult summarizes one ProcessQueue run.
type FlushResult struct {
	Applied      int
	Failed       int
	DeadLettered int
	Remaining    int
}

// ============================================================================
// Status Types
// ============================================================================

// SyncStatusSnapshot is the aggregate read model consumed by status indicators.
type SyncStatusSnapshot struct {
	IsOnline        bool       `json:"isOnline"`
	State           ConnState  `json:"state"`
	PendingCount    int        `json:"pendingCount"`
	DeadLetterCount int        `json:"deadLetterCount"`
	LastSyncedAt    *time.Time `json:"lastSyncedAt"`
	LastError       *string    `json:"lastError"`
}
