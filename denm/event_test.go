package denm

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veloce/veloce/gnet"
)

type fakeOriginator struct {
	mu   sync.Mutex
	sent []Message
}

func (f *fakeOriginator) OriginateDENM(now time.Time, payload []byte, area gnet.GeoArea) error {
	msg, err := Decode(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeOriginator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testArea() gnet.GeoArea {
	return gnet.GeoArea{Shape: gnet.ShapeCircle, Latitude: 1, Longitude: 1, DistanceA: 100}
}

func TestTriggerEmitsImmediatelyAndReturnsHandle(t *testing.T) {
	orig := &fakeOriginator{}
	e := NewEngine(1, orig, nil, DefaultConfig())

	now := time.Now()
	h, err := e.Trigger(now, TriggerParams{
		DetectionTime:    now,
		ValidityDuration: time.Minute,
		Area:             testArea(),
		Cause:            Cause{Code: 2, SubCode: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, gnet.StationID(1), h.ActionID().StationID)
	assert.Equal(t, uint16(1), h.ActionID().SeqNum)
	assert.Equal(t, 1, orig.count())

	origin, state, ok := e.Lookup(h.ActionID())
	require.True(t, ok)
	assert.Equal(t, OriginLocal, origin)
	assert.Equal(t, StateActive, state)
}

func TestTriggerRepetitionSchedule(t *testing.T) {
	orig := &fakeOriginator{}
	e := NewEngine(1, orig, nil, DefaultConfig())

	now := time.Now()
	_, err := e.Trigger(now, TriggerParams{
		DetectionTime:    now,
		ValidityDuration: time.Hour,
		Area:             testArea(),
		Repetition:       &Repetition{Duration: 10 * time.Second, Interval: time.Second},
	})
	require.NoError(t, err)
	require.Equal(t, 1, orig.count())

	cur := now
	for i := 0; i < 10; i++ {
		cur = cur.Add(time.Second)
		e.Poll(cur)
	}
	// one immediate send plus roughly 10 interval sends over the
	// repetition window (±1 per the spec's ceil(D/I)±1 bound).
	assert.GreaterOrEqual(t, orig.count(), 9)
	assert.LessOrEqual(t, orig.count(), 12)
}

func TestUpdatePreservesDetectionTimeAndAdvancesReference(t *testing.T) {
	orig := &fakeOriginator{}
	e := NewEngine(1, orig, nil, DefaultConfig())

	now := time.Now()
	detection := now
	h, err := e.Trigger(now, TriggerParams{
		DetectionTime:    detection,
		ValidityDuration: time.Hour,
		Area:             testArea(),
	})
	require.NoError(t, err)

	later := now.Add(5 * time.Second)
	err = e.Update(later, h, UpdateParams{
		ValidityDuration: 2 * time.Hour,
		Area:             testArea(),
	})
	require.NoError(t, err)

	require.Equal(t, 2, orig.count())
	last := orig.sent[len(orig.sent)-1]
	assert.True(t, last.DetectionTime.Equal(detection))
	assert.True(t, last.ReferenceTime.Equal(later))
	assert.Equal(t, 2*time.Hour, last.ValidityDuration)
}

func TestUpdateRejectsNonOriginRecord(t *testing.T) {
	e := NewEngine(1, &fakeOriginator{}, nil, DefaultConfig())
	err := e.Update(time.Now(), EventHandle{action: ActionID{StationID: 99, SeqNum: 1}}, UpdateParams{})
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

func TestCancelEmitsSingleTerminationAndStopsFurtherSends(t *testing.T) {
	orig := &fakeOriginator{}
	e := NewEngine(1, orig, nil, DefaultConfig())

	now := time.Now()
	h, err := e.Trigger(now, TriggerParams{
		DetectionTime:    now,
		ValidityDuration: time.Hour,
		Area:             testArea(),
		Repetition:       &Repetition{Duration: time.Minute, Interval: time.Second},
	})
	require.NoError(t, err)

	require.NoError(t, e.Cancel(now.Add(time.Second), h))
	countAfterCancel := orig.count()
	last := orig.sent[len(orig.sent)-1]
	assert.Equal(t, TerminationCancellation, last.Termination)

	// Advance well past where repetition would have fired again; no
	// further sends should occur.
	e.Poll(now.Add(10 * time.Second))
	assert.Equal(t, countAfterCancel, orig.count())

	_, state, ok := e.Lookup(h.ActionID())
	require.True(t, ok)
	assert.Equal(t, StateCancelled, state)
}

func TestCancelGarbageCollectedAfterGracePeriod(t *testing.T) {
	orig := &fakeOriginator{}
	cfg := Config{MaxEvents: DefaultMaxEvents, GCThreshold: time.Second}
	e := NewEngine(1, orig, nil, cfg)

	now := time.Now()
	h, err := e.Trigger(now, TriggerParams{DetectionTime: now, ValidityDuration: time.Hour, Area: testArea()})
	require.NoError(t, err)
	require.NoError(t, e.Cancel(now, h))

	e.Poll(now.Add(2 * time.Second))
	_, _, ok := e.Lookup(h.ActionID())
	assert.False(t, ok)
}

func TestCancelRejectsNonOriginEvent(t *testing.T) {
	e := NewEngine(1, &fakeOriginator{}, nil, DefaultConfig())
	err := e.Cancel(time.Now(), EventHandle{action: ActionID{StationID: 2, SeqNum: 5}})
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

func TestNegateRequiresObservationUnlessForced(t *testing.T) {
	orig := &fakeOriginator{}
	e := NewEngine(1, orig, nil, DefaultConfig())

	action := ActionID{StationID: 42, SeqNum: 7}
	err := e.Negate(time.Now(), action, TriggerParams{Area: testArea()}, false)
	assert.ErrorIs(t, err, ErrNegationRequiresObservation)

	err = e.Negate(time.Now(), action, TriggerParams{Area: testArea()}, true)
	assert.NoError(t, err)
	assert.Equal(t, 1, orig.count())
	assert.Equal(t, TerminationNegation, orig.sent[0].Termination)
}

func TestNegateAfterObservationAndSuppressesFurtherUpdates(t *testing.T) {
	orig := &fakeOriginator{}
	var delivered []RecvEvent
	e := NewEngine(1, orig, func(ev RecvEvent) { delivered = append(delivered, ev) }, DefaultConfig())

	action := ActionID{StationID: 42, SeqNum: 7}
	now := time.Now()
	firstMsg := Message{
		ActionID:         action,
		DetectionTime:    now,
		ReferenceTime:    now,
		ValidityDuration: time.Hour,
		Area:             testArea(),
	}
	e.ReceiveBTP(Encode(firstMsg), 42, gnet.LongPositionVector{})
	require.Len(t, delivered, 1)
	assert.Equal(t, RecvNew, delivered[0].Kind)

	require.NoError(t, e.Negate(now.Add(time.Second), action, TriggerParams{Area: testArea()}, false))
	origin, state, ok := e.Lookup(action)
	require.True(t, ok)
	assert.Equal(t, OriginLocal, origin)
	assert.Equal(t, StateNegated, state)

	// A further update for the same ActionID must be dropped, not
	// dispatched to the application.
	update := firstMsg
	update.ReferenceTime = now.Add(2 * time.Second)
	e.ReceiveBTP(Encode(update), 42, gnet.LongPositionVector{})
	assert.Len(t, delivered, 1)
}

func TestReceiveBTPDuplicateSuppressionByReferenceTime(t *testing.T) {
	var delivered []RecvEvent
	e := NewEngine(1, &fakeOriginator{}, func(ev RecvEvent) { delivered = append(delivered, ev) }, DefaultConfig())

	action := ActionID{StationID: 5, SeqNum: 1}
	now := time.Now()
	msg := Message{ActionID: action, DetectionTime: now, ReferenceTime: now, ValidityDuration: time.Hour, Area: testArea()}
	e.ReceiveBTP(Encode(msg), 5, gnet.LongPositionVector{})
	require.Len(t, delivered, 1)
	assert.Equal(t, RecvNew, delivered[0].Kind)

	// Same or older reference_time: suppressed.
	e.ReceiveBTP(Encode(msg), 5, gnet.LongPositionVector{})
	assert.Len(t, delivered, 1)

	// Newer reference_time: delivered as an update.
	newer := msg
	newer.ReferenceTime = now.Add(time.Second)
	e.ReceiveBTP(Encode(newer), 5, gnet.LongPositionVector{})
	require.Len(t, delivered, 2)
	assert.Equal(t, RecvUpdate, delivered[1].Kind)
}

func TestReceiveBTPDispatchesCancelAndNegation(t *testing.T) {
	var delivered []RecvEvent
	e := NewEngine(1, &fakeOriginator{}, func(ev RecvEvent) { delivered = append(delivered, ev) }, DefaultConfig())

	action := ActionID{StationID: 5, SeqNum: 1}
	now := time.Now()
	base := Message{ActionID: action, DetectionTime: now, ReferenceTime: now, ValidityDuration: time.Hour, Area: testArea()}
	e.ReceiveBTP(Encode(base), 5, gnet.LongPositionVector{})

	cancel := base
	cancel.ReferenceTime = now.Add(time.Second)
	cancel.Termination = TerminationCancellation
	e.ReceiveBTP(Encode(cancel), 5, gnet.LongPositionVector{})
	require.Len(t, delivered, 2)
	assert.Equal(t, RecvCancel, delivered[1].Kind)

	_, state, ok := e.Lookup(action)
	require.True(t, ok)
	assert.Equal(t, StateTerminated, state)
}

func TestPollExpiresReceivedEventAfterValidity(t *testing.T) {
	e := NewEngine(1, &fakeOriginator{}, nil, Config{MaxEvents: DefaultMaxEvents, GCThreshold: time.Second})

	action := ActionID{StationID: 5, SeqNum: 1}
	now := time.Now()
	msg := Message{ActionID: action, DetectionTime: now, ReferenceTime: now, ValidityDuration: time.Second, Area: testArea()}
	e.ReceiveBTP(Encode(msg), 5, gnet.LongPositionVector{})

	e.Poll(now.Add(2 * time.Second))
	_, state, ok := e.Lookup(action)
	require.True(t, ok)
	assert.Equal(t, StateExpired, state)

	e.Poll(now.Add(4 * time.Second))
	_, _, ok = e.Lookup(action)
	assert.False(t, ok)
}

func TestResetClearsTableAndSequenceCounter(t *testing.T) {
	orig := &fakeOriginator{}
	e := NewEngine(1, orig, nil, DefaultConfig())
	now := time.Now()
	h, err := e.Trigger(now, TriggerParams{DetectionTime: now, ValidityDuration: time.Hour, Area: testArea()})
	require.NoError(t, err)

	e.Reset()
	_, _, ok := e.Lookup(h.ActionID())
	assert.False(t, ok)

	h2, err := e.Trigger(now, TriggerParams{DetectionTime: now, ValidityDuration: time.Hour, Area: testArea()})
	require.NoError(t, err)
	assert.Equal(t, uint16(1), h2.ActionID().SeqNum)
}

func TestTriggerEventTableFull(t *testing.T) {
	e := NewEngine(1, &fakeOriginator{}, nil, Config{MaxEvents: 1, GCThreshold: time.Second})
	now := time.Now()
	_, err := e.Trigger(now, TriggerParams{DetectionTime: now, ValidityDuration: time.Hour, Area: testArea()})
	require.NoError(t, err)

	_, err = e.Trigger(now, TriggerParams{DetectionTime: now, ValidityDuration: time.Hour, Area: testArea()})
	assert.ErrorIs(t, err, ErrEventTableFull)
}
