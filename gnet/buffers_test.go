package gnet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFifoQueueEnqueueEvictsOldestOnOverflow(t *testing.T) {
	q := newFIFOQueue(10, func(p PendingLSPacket) int { return len(p.Payload) }, func(p PendingLSPacket) time.Time { return p.EnqueuedAt })
	q.Enqueue(PendingLSPacket{Payload: make([]byte, 6)})
	q.Enqueue(PendingLSPacket{Payload: make([]byte, 6)})
	// Second entry forces the first (6 bytes) out to stay under 10.
	assert.Equal(t, 1, q.Len())
}

func TestFifoQueueNextDeadline(t *testing.T) {
	now := time.Now()
	q := newFIFOQueue(1000, func(p PendingLSPacket) int { return len(p.Payload) }, func(p PendingLSPacket) time.Time { return p.EnqueuedAt })
	q.Enqueue(PendingLSPacket{EnqueuedAt: now.Add(time.Minute)})
	q.Enqueue(PendingLSPacket{EnqueuedAt: now})
	d, ok := q.NextDeadline()
	require.True(t, ok)
	assert.True(t, d.Equal(now))
}

func TestFifoQueueNextDeadlineIgnoresZero(t *testing.T) {
	q := newFIFOQueue(1000, func(p PendingLSPacket) int { return len(p.Payload) }, func(p PendingLSPacket) time.Time { return p.EnqueuedAt })
	q.Enqueue(PendingLSPacket{})
	_, ok := q.NextDeadline()
	assert.False(t, ok)
}

func TestFifoQueueDequeueExpired(t *testing.T) {
	now := time.Now()
	q := newFIFOQueue(1000, func(p PendingLSPacket) int { return len(p.Payload) }, func(p PendingLSPacket) time.Time { return p.EnqueuedAt })
	q.Enqueue(PendingLSPacket{Payload: []byte("a"), EnqueuedAt: now.Add(-time.Second)})
	q.Enqueue(PendingLSPacket{Payload: []byte("b"), EnqueuedAt: now.Add(time.Hour)})

	expired := q.DequeueExpired(now)
	require.Len(t, expired, 1)
	assert.Equal(t, []byte("a"), expired[0].Payload)
	assert.Equal(t, 1, q.Len())
}

func TestFifoQueueRemoveFunc(t *testing.T) {
	q := newFIFOQueue(1000, func(p PendingLSPacket) int { return len(p.Payload) }, func(p PendingLSPacket) time.Time { return p.EnqueuedAt })
	q.Enqueue(PendingLSPacket{Destination: 1})
	q.Enqueue(PendingLSPacket{Destination: 2})

	removed := q.RemoveFunc(func(p PendingLSPacket) bool { return p.Destination == 1 })
	require.Len(t, removed, 1)
	assert.Equal(t, 1, q.Len())
}

func TestNewBuffersAppliesDefaultsForNonPositiveCapacity(t *testing.T) {
	b := NewBuffers(0, -1, 0)
	assert.NotNil(t, b.LS)
	assert.NotNil(t, b.UC)
	assert.NotNil(t, b.BC)
}

func TestBuffersPollExpiryAcrossQueues(t *testing.T) {
	now := time.Now()
	b := NewBuffers(1000, 1000, 1000)
	b.LS.Enqueue(PendingLSPacket{EnqueuedAt: now.Add(time.Hour)})
	b.UC.Enqueue(&ForwardingPacket{Deadline: now.Add(time.Minute)})
	b.BC.Enqueue(&ForwardingPacket{Deadline: now.Add(2 * time.Minute)})

	d, ok := b.PollExpiry()
	require.True(t, ok)
	assert.True(t, d.Equal(now.Add(time.Minute)))
}

func TestBuffersTakeReadyFor(t *testing.T) {
	b := NewBuffers(1000, 1000, 1000)
	b.LS.Enqueue(PendingLSPacket{Destination: 5, Payload: []byte("a")})
	b.LS.Enqueue(PendingLSPacket{Destination: 6, Payload: []byte("b")})

	ready := b.TakeReadyFor(5)
	require.Len(t, ready, 1)
	assert.Equal(t, StationID(5), ready[0].Destination)
	assert.Equal(t, 1, b.LS.Len())
}

func TestBuffersReset(t *testing.T) {
	b := NewBuffers(1000, 1000, 1000)
	b.LS.Enqueue(PendingLSPacket{Payload: []byte("a")})
	b.UC.Enqueue(&ForwardingPacket{})
	b.BC.Enqueue(&ForwardingPacket{})
	b.Reset()
	assert.Equal(t, 0, b.LS.Len())
	assert.Equal(t, 0, b.UC.Len())
	assert.Equal(t, 0, b.BC.Len())
}

func TestForwardingPacketExpired(t *testing.T) {
	now := time.Now()
	f := ForwardingPacket{Deadline: now.Add(-time.Second)}
	assert.True(t, f.expired(now))

	f2 := ForwardingPacket{}
	assert.False(t, f2.expired(now))
}
