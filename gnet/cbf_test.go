package gnet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCBFEngineDelayScalesWithDistance(t *testing.T) {
	e := NewCBFEngine(CBFConfig{Min: 1 * time.Millisecond, Max: 101 * time.Millisecond, MaxCommunicationRange: 1000})
	assert.Equal(t, 101*time.Millisecond, e.Delay(0))
	assert.Equal(t, 1*time.Millisecond, e.Delay(1000))
	assert.Equal(t, 1*time.Millisecond, e.Delay(5000)) // clamped to range
	assert.Equal(t, 101*time.Millisecond, e.Delay(-10)) // clamped to zero distance
}

func TestNewCBFEngineAppliesDefaultOnZeroConfig(t *testing.T) {
	e := NewCBFEngine(CBFConfig{})
	assert.Equal(t, DefaultCBFConfig(), e.cfg)
}

func TestCBFEngineArmAndDue(t *testing.T) {
	e := NewCBFEngine(CBFConfig{Min: time.Millisecond, Max: time.Millisecond, MaxCommunicationRange: 1000})
	now := time.Now()
	pkt := &ForwardingPacket{}
	e.Arm(now, 1, 1, pkt, 500)

	due := e.Due(now)
	assert.Len(t, due, 0)

	due = e.Due(now.Add(2 * time.Millisecond))
	require.Len(t, due, 1)
	assert.Same(t, pkt, due[0])
}

func TestCBFEngineSuppressPreventsDue(t *testing.T) {
	e := NewCBFEngine(CBFConfig{Min: time.Millisecond, Max: time.Millisecond, MaxCommunicationRange: 1000})
	now := time.Now()
	pkt := &ForwardingPacket{}
	e.Arm(now, 1, 1, pkt, 500)

	assert.True(t, e.Suppress(1, 1))
	assert.False(t, e.Suppress(1, 1)) // already suppressed/removed

	due := e.Due(now.Add(time.Hour))
	assert.Len(t, due, 0)
}

func TestCBFEnginePollAt(t *testing.T) {
	e := NewCBFEngine(DefaultCBFConfig())
	_, ok := e.PollAt()
	assert.False(t, ok)

	now := time.Now()
	e.Arm(now, 1, 1, &ForwardingPacket{}, 0)
	d, ok := e.PollAt()
	require.True(t, ok)
	assert.True(t, d.After(now) || d.Equal(now))
}

func TestCBFEngineReset(t *testing.T) {
	e := NewCBFEngine(DefaultCBFConfig())
	e.Arm(time.Now(), 1, 1, &ForwardingPacket{}, 0)
	e.Reset()
	_, ok := e.PollAt()
	assert.False(t, ok)
}
