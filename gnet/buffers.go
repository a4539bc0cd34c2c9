package gnet

import "time"

// Default byte capacities for the three packet buffers, per §4.C.
const (
	DefaultLSBufferBytes = 1024
	DefaultUCBufferBytes = 1024
	DefaultBCBufferBytes = 1024
)

// PendingLSPacket is a unicast payload held while its destination's
// position is unresolved.
type PendingLSPacket struct {
	Payload     []byte
	Destination StationID
	TrafficClass uint8
	Lifetime    time.Duration
	EnqueuedAt  time.Time
}

// ForwardingPacket is a unicast or broadcast/anycast packet queued for
// later transmission: either awaiting the next CBF wake (broadcast) or a
// route (unicast).
type ForwardingPacket struct {
	Packet       Packet
	Deadline     time.Time // lifetime expiry
	CBFDeadline  time.Time // zero if not CBF-armed
	LastHopID    StationID // sender of the last hop, for CBF dup suppression
}

func (f ForwardingPacket) expired(now time.Time) bool {
	return !f.Deadline.IsZero() && !now.Before(f.Deadline)
}

// byteSize estimates the buffered footprint of a forwarding/pending entry
// for the purpose of enforcing the byte-capacity bound.
func byteSize(payload []byte) int {
	return len(payload)
}

// fifoQueue is a bounded, byte-capacity-limited FIFO of entries with a
// per-entry expiry deadline and byte size, shared by all three buffers.
type fifoQueue[T any] struct {
	capacityBytes int
	usedBytes     int
	items         []T
	sizeOf        func(T) int
	deadlineOf    func(T) time.Time
}

func newFIFOQueue[T any](capacityBytes int, sizeOf func(T) int, deadlineOf func(T) time.Time) *fifoQueue[T] {
	return &fifoQueue[T]{capacityBytes: capacityBytes, sizeOf: sizeOf, deadlineOf: deadlineOf}
}

// Enqueue appends item, evicting the oldest entries to make room if the
// buffer would otherwise exceed its byte capacity.
func (q *fifoQueue[T]) Enqueue(item T) {
	sz := q.sizeOf(item)
	for q.usedBytes+sz > q.capacityBytes && len(q.items) > 0 {
		q.dropFront()
	}
	q.items = append(q.items, item)
	q.usedBytes += sz
}

func (q *fifoQueue[T]) dropFront() {
	if len(q.items) == 0 {
		return
	}
	q.usedBytes -= q.sizeOf(q.items[0])
	q.items = q.items[1:]
}

// NextDeadline returns the earliest deadline across all queued entries.
func (q *fifoQueue[T]) NextDeadline() (time.Time, bool) {
	var best time.Time
	found := false
	for _, it := range q.items {
		d := q.deadlineOf(it)
		if d.IsZero() {
			continue
		}
		if !found || d.Before(best) {
			best, found = d, true
		}
	}
	return best, found
}

// DequeueExpired removes and returns every entry whose deadline has
// passed.
func (q *fifoQueue[T]) DequeueExpired(now time.Time) []T {
	var expired []T
	kept := q.items[:0]
	for _, it := range q.items {
		d := q.deadlineOf(it)
		if !d.IsZero() && !now.Before(d) {
			expired = append(expired, it)
			q.usedBytes -= q.sizeOf(it)
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
	return expired
}

// Len reports the number of queued entries.
func (q *fifoQueue[T]) Len() int { return len(q.items) }

// Items returns the queue contents in FIFO order. Callers must not mutate
// the returned slice.
func (q *fifoQueue[T]) Items() []T { return q.items }

// RemoveFunc removes and returns every item for which match returns true.
func (q *fifoQueue[T]) RemoveFunc(match func(T) bool) []T {
	var removed []T
	kept := q.items[:0]
	for _, it := range q.items {
		if match(it) {
			removed = append(removed, it)
			q.usedBytes -= q.sizeOf(it)
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
	return removed
}

// Buffers owns the three priority-ordered packet buffers: location-service
// pending, unicast forwarding, and broadcast forwarding.
type Buffers struct {
	LS *fifoQueue[PendingLSPacket]
	UC *fifoQueue[*ForwardingPacket]
	BC *fifoQueue[*ForwardingPacket]
}

// NewBuffers constructs the three buffers with the given byte capacities.
// A non-positive capacity uses its documented default.
func NewBuffers(lsBytes, ucBytes, bcBytes int) *Buffers {
	if lsBytes <= 0 {
		lsBytes = DefaultLSBufferBytes
	}
	if ucBytes <= 0 {
		ucBytes = DefaultUCBufferBytes
	}
	if bcBytes <= 0 {
		bcBytes = DefaultBCBufferBytes
	}
	fwdSize := func(f *ForwardingPacket) int { return byteSize(f.Packet.Payload) }
	fwdDeadline := func(f *ForwardingPacket) time.Time { return f.Deadline }
	return &Buffers{
		LS: newFIFOQueue(lsBytes, func(p PendingLSPacket) int { return byteSize(p.Payload) }, func(p PendingLSPacket) time.Time { return p.EnqueuedAt.Add(p.Lifetime) }),
		UC: newFIFOQueue(ucBytes, fwdSize, fwdDeadline),
		BC: newFIFOQueue(bcBytes, fwdSize, fwdDeadline),
	}
}

// PollExpiry returns the nearest deadline across all three buffers.
func (b *Buffers) PollExpiry() (time.Time, bool) {
	best, found := time.Time{}, false
	consider := func(t time.Time, ok bool) {
		if ok && (!found || t.Before(best)) {
			best, found = t, true
		}
	}
	consider(b.LS.NextDeadline())
	consider(b.UC.NextDeadline())
	consider(b.BC.NextDeadline())
	return best, found
}

// TakeReadyFor removes and returns every LS-buffered packet addressed to
// station id, meant to be called once id is resolved in the location
// table.
func (b *Buffers) TakeReadyFor(id StationID) []PendingLSPacket {
	return b.LS.RemoveFunc(func(p PendingLSPacket) bool { return p.Destination == id })
}

// Reset empties all three buffers.
func (b *Buffers) Reset() {
	b.LS.items = nil
	b.LS.usedBytes = 0
	b.UC.items = nil
	b.UC.usedBytes = 0
	b.BC.items = nil
	b.BC.usedBytes = 0
}
