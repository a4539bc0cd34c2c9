package gnet

// SequenceNumber is the 16-bit monotonic counter GeoNetworking attaches to
// every originated packet, used for duplicate detection and location-table
// freshness comparisons.
type SequenceNumber uint16

// SeqNumNewer reports whether a is strictly newer than b under the 16-bit
// signed-window wraparound rule: compare (a-b) mod 2^16 as a signed value
// in [-32768, 32767]; a is newer iff that value is positive and within the
// ±16384 window the spec calls out for sequence-number comparisons.
func SeqNumNewer(a, b SequenceNumber) bool {
	diff := int16(a - b)
	return diff > 0 && diff <= 16384
}

// SequenceCounter is a per-station monotonic 16-bit rollover counter for
// outgoing originated packets.
type SequenceCounter struct {
	next SequenceNumber
}

// NewSequenceCounter creates a counter initialized from a configuration
// seed.
func NewSequenceCounter(seed SequenceNumber) *SequenceCounter {
	return &SequenceCounter{next: seed}
}

// Next returns the current value then increments with modular wraparound.
func (c *SequenceCounter) Next() SequenceNumber {
	v := c.next
	c.next++
	return v
}

// Reset reinitializes the counter, used on pseudonym change.
func (c *SequenceCounter) Reset(seed SequenceNumber) {
	c.next = seed
}
