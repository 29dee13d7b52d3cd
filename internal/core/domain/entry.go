package domain

import (
	"encoding/json"
	"time"
)

// OwnerID identifies the user whose data an entry belongs to.
// An empty OwnerID means "no one is logged in".
type OwnerID string

// Entry is the unit of cached data. It is stored as a single JSON value so
// ownership, freshness, and payload can never get out of sync.
type Entry struct {
	Data       json.RawMessage `json:"data"`
	OwnerID    OwnerID         `json:"owner_id"`
	Timestamp  int64           `json:"timestamp"` // unix millis at write time
	TTL        int64           `json:"ttl"`       // millis
	RetryCount int             `json:"retry_count,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
}

// NewEntry builds an entry stamped at now.
func NewEntry(data json.RawMessage, owner OwnerID, ttl time.Duration, now time.Time) Entry {
	return Entry{
		Data:      data,
		OwnerID:   owner,
		Timestamp: now.UnixMilli(),
		TTL:       ttl.Milliseconds(),
	}
}

// Expired reports whether the entry's TTL has elapsed at the given time.
func (e Entry) Expired(now time.Time) bool {
	return now.UnixMilli()-e.Timestamp > e.TTL
}

// ValidFor reports whether the entry is readable by the given owner at the
// given time. Ownership mismatch and expiry are both treated as invalid;
// callers evict and report a miss.
func (e Entry) ValidFor(owner OwnerID, now time.Time) bool {
	return e.OwnerID == owner && !e.Expired(now)
}

// WrittenAt returns the write timestamp as a time.Time.
func (e Entry) WrittenAt() time.Time {
	return time.UnixMilli(e.Timestamp)
}
