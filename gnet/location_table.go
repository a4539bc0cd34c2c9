package gnet

import "time"

// DefaultLocationTableCapacity is LOC_TABLE_CAPACITY.
const DefaultLocationTableCapacity = 64

// DefaultLocationEntryLifetime is LIFETIME_LOC_TABLE_ENTRY.
const DefaultLocationEntryLifetime = 20 * time.Second

// LocationEntry is the per-neighbor record held by the LocationTable.
type LocationEntry struct {
	StationID    StationID
	LastLPV      LongPositionVector
	IsNeighbor   bool
	LSPending    bool
	LastActivity time.Time
}

// LocationTable tracks recently observed peer positions, evicting stale or
// least-recently-updated entries to stay within capacity.
type LocationTable struct {
	capacity int
	lifetime time.Duration
	entries  map[StationID]*LocationEntry
}

// NewLocationTable constructs a table bounded to capacity entries, each
// evicted after lifetime of inactivity.
func NewLocationTable(capacity int, lifetime time.Duration) *LocationTable {
	if capacity <= 0 {
		capacity = DefaultLocationTableCapacity
	}
	if lifetime <= 0 {
		lifetime = DefaultLocationEntryLifetime
	}
	return &LocationTable{
		capacity: capacity,
		lifetime: lifetime,
		entries:  make(map[StationID]*LocationEntry, capacity),
	}
}

// Update creates or refreshes the entry for lpv's station, rejecting
// updates that are older (by the wraparound-aware timestamp delta) than
// what is already on file. It returns the resulting
// entry, or nil if the update was rejected because the table is full and
// no entry is evictable.
func (t *LocationTable) Update(now time.Time, lpv LongPositionVector, isNeighbor bool) *LocationEntry {
	id := lpv.StationID()
	if e, ok := t.entries[id]; ok {
		if lpv.Timestamp.Delta(e.LastLPV.Timestamp) < 0 {
			// Stale update for a peer we already track more recently: keep
			// the existing entry untouched.
			return e
		}
		e.LastLPV = lpv
		e.IsNeighbor = isNeighbor
		e.LastActivity = now
		return e
	}

	if len(t.entries) >= t.capacity {
		if evicted := t.evictOldest(now); !evicted {
			return nil
		}
	}

	e := &LocationEntry{
		StationID:    id,
		LastLPV:      lpv,
		IsNeighbor:   isNeighbor,
		LastActivity: now,
	}
	t.entries[id] = e
	return e
}

// evictOldest removes the least-recently-updated entry, provided at least
// one entry is older than the configured lifetime. Returns whether an
// entry was evicted.
func (t *LocationTable) evictOldest(now time.Time) bool {
	var oldestID StationID
	var oldestTime time.Time
	found := false
	for id, e := range t.entries {
		if !found || e.LastActivity.Before(oldestTime) {
			oldestID, oldestTime = id, e.LastActivity
			found = true
		}
	}
	if !found || now.Sub(oldestTime) < t.lifetime {
		return false
	}
	delete(t.entries, oldestID)
	return true
}

// Lookup returns the entry for id, if any.
func (t *LocationTable) Lookup(id StationID) (*LocationEntry, bool) {
	e, ok := t.entries[id]
	return e, ok
}

// FlushExpired removes every entry whose last activity is older than the
// configured lifetime.
func (t *LocationTable) FlushExpired(now time.Time) {
	for id, e := range t.entries {
		if now.Sub(e.LastActivity) > t.lifetime {
			delete(t.entries, id)
		}
	}
}

// Len reports the current entry count.
func (t *LocationTable) Len() int {
	return len(t.entries)
}

// Neighbors returns every entry currently marked as a direct neighbor.
func (t *LocationTable) Neighbors() []*LocationEntry {
	out := make([]*LocationEntry, 0, len(t.entries))
	for _, e := range t.entries {
		if e.IsNeighbor {
			out = append(out, e)
		}
	}
	return out
}

// MarkLSPending flags or clears the location-service-pending bit for id,
// if present.
func (t *LocationTable) MarkLSPending(id StationID, pending bool) {
	if e, ok := t.entries[id]; ok {
		e.LSPending = pending
	}
}

// Reset clears the entire table, used on conformance-harness reset.
func (t *LocationTable) Reset() {
	t.entries = make(map[StationID]*LocationEntry, t.capacity)
}
