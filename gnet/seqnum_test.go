package gnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeqNumNewer(t *testing.T) {
	assert.True(t, SeqNumNewer(5, 3))
	assert.False(t, SeqNumNewer(3, 5))
	assert.False(t, SeqNumNewer(5, 5))
}

func TestSeqNumNewerWraparound(t *testing.T) {
	assert.True(t, SeqNumNewer(2, 65534))
	assert.False(t, SeqNumNewer(65534, 2))
}

func TestSeqNumNewerOutsideWindow(t *testing.T) {
	// A difference beyond the +16384 window is not considered "newer".
	assert.False(t, SeqNumNewer(20000, 3000))
}

func TestSequenceCounterNextIncrementsAndWraps(t *testing.T) {
	c := NewSequenceCounter(65534)
	assert.Equal(t, SequenceNumber(65534), c.Next())
	assert.Equal(t, SequenceNumber(65535), c.Next())
	assert.Equal(t, SequenceNumber(0), c.Next())
}

func TestSequenceCounterReset(t *testing.T) {
	c := NewSequenceCounter(0)
	c.Next()
	c.Next()
	c.Reset(100)
	assert.Equal(t, SequenceNumber(100), c.Next())
}
