package gnet

import (
	"encoding/binary"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultDuplicateWindow is DUPLICATE_PACKET_DETECTION_WINDOW.
const DefaultDuplicateWindow = 60 * time.Second

// DuplicateDetector is a sliding-window test over (StationID,
// SequenceNumber) pairs: a pair seen within the window is a duplicate.
// Pairs are hashed into a single flat map with xxhash rather than nested
// per-station maps, since lookups are on the hot receive path and the
// (stationID, seqNum) key space is small and fixed-width.
type DuplicateDetector struct {
	window  time.Duration
	seen    map[uint64]time.Time
}

// NewDuplicateDetector constructs a detector with the given window. A
// non-positive window uses DefaultDuplicateWindow.
func NewDuplicateDetector(window time.Duration) *DuplicateDetector {
	if window <= 0 {
		window = DefaultDuplicateWindow
	}
	return &DuplicateDetector{
		window: window,
		seen:   make(map[uint64]time.Time),
	}
}

func duplicateKey(id StationID, sn SequenceNumber) uint64 {
	var buf [6]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(id))
	binary.BigEndian.PutUint16(buf[4:6], uint16(sn))
	return xxhash.Sum64(buf[:])
}

// IsDuplicate reports whether (id, sn) was recorded within the detection
// window as of now. It does not record the pair itself; callers record
// explicitly via Record once they decide to process/forward the packet.
func (d *DuplicateDetector) IsDuplicate(id StationID, sn SequenceNumber, now time.Time) bool {
	t, ok := d.seen[duplicateKey(id, sn)]
	if !ok {
		return false
	}
	return now.Sub(t) <= d.window
}

// Record marks (id, sn) as seen at now.
func (d *DuplicateDetector) Record(id StationID, sn SequenceNumber, now time.Time) {
	d.seen[duplicateKey(id, sn)] = now
}

// Expire evicts every entry older than the detection window, bounding
// memory use. Eviction is by time, not count.
func (d *DuplicateDetector) Expire(now time.Time) {
	for k, t := range d.seen {
		if now.Sub(t) > d.window {
			delete(d.seen, k)
		}
	}
}

// Reset clears all recorded pairs.
func (d *DuplicateDetector) Reset() {
	d.seen = make(map[uint64]time.Time)
}
