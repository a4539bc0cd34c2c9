package denm

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/veloce/veloce/gnet"
)

// DefaultKeepAlive is a 1 s keep-alive interval. Trigger does not
// substitute it for a missing interval: a TriggerParams.KeepAlive of 0
// disables keep-alive retransmission.
const DefaultKeepAlive = 1 * time.Second

// DefaultGCThreshold is how long a Cancelled, Negated, Terminated or
// Expired record is retained (to suppress stale re-deliveries of the same
// ActionID) before it is deleted from the event table.
const DefaultGCThreshold = 3 * time.Second

// DefaultMaxEvents bounds the event table. Trigger returns
// ErrEventTableFull when it would be exceeded; received events past the
// cap are dropped (logged at debug), never evicting a live event to make
// room.
const DefaultMaxEvents = 4096

// ErrEventTableFull is returned by Trigger when the event table is at
// capacity.
var ErrEventTableFull = fmt.Errorf("denm: event table full")

// ErrUnknownHandle is returned by Update/Cancel when the handle's
// ActionID has no record (already expired and garbage collected, or
// never existed).
var ErrUnknownHandle = fmt.Errorf("denm: unknown event handle")

// ErrNotOriginEvent is returned by Update/Cancel when the ActionID exists
// but is not an Origin-side record.
var ErrNotOriginEvent = fmt.Errorf("denm: not an origin event")

// ErrNotActive is returned by Update when the record is not in an active
// origin state.
var ErrNotActive = fmt.Errorf("denm: event is not active")

// ErrNegationRequiresObservation is returned by Negate when the station
// has not observed the target ActionID and force was not set.
var ErrNegationRequiresObservation = fmt.Errorf("denm: negation target was never observed")

// Originator dispatches an encoded DENM payload for broadcast over the
// given area. The concrete implementation lives in the runtime package,
// wiring BTP-B encoding and the GeoNetworking forwarder's broadcast
// transport; this package depends only on the interface to avoid an
// import cycle back through gnet/btp.
type Originator interface {
	OriginateDENM(now time.Time, payload []byte, area gnet.GeoArea) error
}

type record struct {
	actionID ActionID
	origin   Origin
	state    State

	detectionTime    time.Time
	referenceTime    time.Time
	triggerTime      time.Time
	validityDuration time.Duration
	area             gnet.GeoArea
	cause            Cause

	repetition *Repetition
	keepAlive  time.Duration

	situation, location, alacarte []byte

	nextSend   time.Time
	hasNext    bool
	gcDeadline time.Time
	gcPending  bool
}

func (r *record) expiresAt() time.Time {
	return r.detectionTime.Add(r.validityDuration)
}

// Engine is the DENM event table and scheduler: one instance per station,
// owning every event record this station has originated or observed. It
// is not safe for concurrent use; callers run it from the single core
// goroutine that also drives gnet.Router.Poll and Router.Receive.
type Engine struct {
	station    gnet.StationID
	seq        uint16
	records    map[ActionID]*record
	maxEvents  int
	gcThreshold time.Duration

	originator Originator
	deliver    func(RecvEvent)
}

// Config tunes an Engine's bounds; construction-time only.
type Config struct {
	MaxEvents   int           `yaml:"max_events"`
	GCThreshold time.Duration `yaml:"gc_threshold"`
}

// DefaultConfig returns the engine's default tunables.
func DefaultConfig() Config {
	return Config{MaxEvents: DefaultMaxEvents, GCThreshold: DefaultGCThreshold}
}

// NewEngine constructs an Engine for the given station identity. deliver
// is invoked synchronously from ReceiveBTP for every application-visible
// receive event; it must not block.
func NewEngine(station gnet.StationID, originator Originator, deliver func(RecvEvent), cfg Config) *Engine {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultMaxEvents
	}
	if cfg.GCThreshold <= 0 {
		cfg.GCThreshold = DefaultGCThreshold
	}
	return &Engine{
		station:     station,
		records:     make(map[ActionID]*record),
		maxEvents:   cfg.MaxEvents,
		gcThreshold: cfg.GCThreshold,
		originator:  originator,
		deliver:     deliver,
	}
}

// SetStationID updates the identity used for newly allocated ActionIDs,
// mirroring a pseudonym change in the underlying GeoNetworking station.
func (e *Engine) SetStationID(id gnet.StationID) {
	e.station = id
}

// Reset clears every event record and the sequence counter.
func (e *Engine) Reset() {
	e.records = make(map[ActionID]*record)
	e.seq = 0
}

// Trigger originates a new event per the supplied parameters, emitting
// the first DENM immediately and scheduling repetition/keep-alive
// retransmission.
func (e *Engine) Trigger(now time.Time, p TriggerParams) (EventHandle, error) {
	if len(e.records) >= e.maxEvents {
		return EventHandle{}, ErrEventTableFull
	}
	e.seq++
	action := ActionID{StationID: e.station, SeqNum: e.seq}

	detection := p.DetectionTime
	if detection.IsZero() {
		detection = now
	}

	rec := &record{
		actionID:         action,
		origin:           OriginLocal,
		state:            StateActive,
		detectionTime:    detection,
		referenceTime:    now,
		triggerTime:      now,
		validityDuration: p.ValidityDuration,
		area:             p.Area,
		cause:            p.Cause,
		repetition:       p.Repetition,
		keepAlive:        p.KeepAlive,
		situation:        p.SituationContainer,
		location:         p.LocationContainer,
		alacarte:         p.AlacarteContainer,
	}
	e.records[action] = rec
	e.scheduleNext(rec, now)

	if err := e.emit(now, rec, TerminationNone); err != nil {
		return EventHandle{}, err
	}
	return EventHandle{action: action}, nil
}

// Update requires the handle to reference an Active or KeepAlive Origin
// record; it advances reference_time to now, applies the supplied
// parameters (preserving detection_time unless explicitly overridden),
// re-emits immediately, and reschedules repetition from now.
func (e *Engine) Update(now time.Time, h EventHandle, p UpdateParams) error {
	rec, ok := e.records[h.action]
	if !ok {
		return ErrUnknownHandle
	}
	if rec.origin != OriginLocal {
		return ErrNotOriginEvent
	}
	if rec.state != StateActive && rec.state != StateKeepAlive {
		return ErrNotActive
	}

	rec.referenceTime = now
	if p.DetectionTime != nil {
		rec.detectionTime = *p.DetectionTime
	}
	rec.validityDuration = p.ValidityDuration
	rec.area = p.Area
	rec.cause = p.Cause
	rec.situation = p.SituationContainer
	rec.location = p.LocationContainer
	rec.alacarte = p.AlacarteContainer
	rec.state = StateActive
	e.scheduleNext(rec, now)

	return e.emit(now, rec, TerminationNone)
}

// Cancel is permitted only for Origin events. It emits a single
// termination DENM (isCancellation), marks the record Cancelled, and
// holds it for GCThreshold before deleting it so a delayed duplicate of
// the prior state cannot resurrect the event.
func (e *Engine) Cancel(now time.Time, h EventHandle) error {
	rec, ok := e.records[h.action]
	if !ok {
		return ErrUnknownHandle
	}
	if rec.origin != OriginLocal {
		return ErrNotOriginEvent
	}
	rec.referenceTime = now
	rec.validityDuration = 0
	rec.state = StateCancelled
	rec.hasNext = false
	rec.gcPending = true
	rec.gcDeadline = now.Add(e.gcThreshold)

	return e.emit(now, rec, TerminationCancellation)
}

// Negate emits a termination DENM (isNegation) for an ActionID this
// station did not originate. Unless force is true, the target must
// already have a record (i.e. this station observed it over the air).
func (e *Engine) Negate(now time.Time, action ActionID, p TriggerParams, force bool) error {
	existing, seen := e.records[action]
	if !seen && !force {
		return ErrNegationRequiresObservation
	}

	rec := &record{
		actionID:         action,
		origin:           OriginLocal,
		state:            StateNegated,
		detectionTime:    p.DetectionTime,
		referenceTime:    now,
		triggerTime:      now,
		validityDuration: 0,
		area:             p.Area,
		cause:            p.Cause,
		situation:        p.SituationContainer,
		location:         p.LocationContainer,
		alacarte:         p.AlacarteContainer,
		gcPending:        true,
		gcDeadline:       now.Add(e.gcThreshold),
	}
	if rec.detectionTime.IsZero() {
		if seen {
			rec.detectionTime = existing.detectionTime
		} else {
			rec.detectionTime = now
		}
	}
	e.records[action] = rec

	return e.emit(now, rec, TerminationNegation)
}

// scheduleNext computes the record's next origin-side retransmission
// deadline from its repetition/keep-alive configuration, capping at
// validity expiry.
func (e *Engine) scheduleNext(rec *record, now time.Time) {
	expiry := rec.expiresAt()

	var next time.Time
	switch {
	case rec.repetition != nil && now.Before(rec.triggerTime.Add(rec.repetition.Duration)):
		next = now.Add(rec.repetition.Interval)
		rec.state = StateActive
	case rec.keepAlive > 0:
		ka := rec.keepAlive
		if ka < 0 {
			ka = DefaultKeepAlive
		}
		next = now.Add(ka)
		rec.state = StateKeepAlive
	default:
		rec.hasNext = false
		return
	}
	if next.After(expiry) {
		rec.hasNext = false
		return
	}
	rec.nextSend = next
	rec.hasNext = true
}

func (e *Engine) emit(now time.Time, rec *record, term Termination) error {
	msg := Message{
		ActionID:         rec.actionID,
		DetectionTime:    rec.detectionTime,
		ReferenceTime:    rec.referenceTime,
		Termination:      term,
		Area:             rec.area,
		ValidityDuration: rec.validityDuration,
		Cause:            rec.cause,
		SituationContainer: rec.situation,
		LocationContainer:  rec.location,
		AlacarteContainer:  rec.alacarte,
	}
	if e.originator == nil {
		return nil
	}
	return e.originator.OriginateDENM(now, Encode(msg), rec.area)
}

// ReceiveBTP implements btp.Receiver: it decodes an inbound DENM,
// suppresses duplicates by ActionID with a reference_time tie-break
// (strictly newer wins), and dispatches the resulting RecvEvent.
func (e *Engine) ReceiveBTP(payload []byte, sender gnet.StationID, senderLPV gnet.LongPositionVector) {
	msg, err := Decode(payload)
	if err != nil {
		log.Debugf("denm: dropping malformed DENM from %d: %v", sender, err)
		return
	}

	existing, seen := e.records[msg.ActionID]
	if seen && existing.origin == OriginLocal && existing.state == StateNegated {
		log.Debugf("denm: dropping update for negated action %+v", msg.ActionID)
		return
	}
	if seen && !msg.ReferenceTime.After(existing.referenceTime) {
		log.Debugf("denm: suppressing duplicate/stale DENM for action %+v", msg.ActionID)
		return
	}
	if !seen && len(e.records) >= e.maxEvents {
		log.Debugf("denm: event table full, dropping DENM for action %+v", msg.ActionID)
		return
	}

	var kind RecvKind
	switch msg.Termination {
	case TerminationCancellation:
		kind = RecvCancel
	case TerminationNegation:
		kind = RecvNegation
	default:
		if seen {
			kind = RecvUpdate
		} else {
			kind = RecvNew
		}
	}

	rec := &record{
		actionID:         msg.ActionID,
		origin:           OriginReceived,
		detectionTime:    msg.DetectionTime,
		referenceTime:    msg.ReferenceTime,
		validityDuration: msg.ValidityDuration,
		area:             msg.Area,
		cause:            msg.Cause,
		situation:        msg.SituationContainer,
		location:         msg.LocationContainer,
		alacarte:         msg.AlacarteContainer,
	}
	switch kind {
	case RecvCancel, RecvNegation:
		rec.state = StateTerminated
		rec.gcPending = true
	default:
		rec.state = StateActive
	}
	e.records[msg.ActionID] = rec
	deliver := e.deliver

	if deliver != nil {
		deliver(RecvEvent{Kind: kind, ActionID: msg.ActionID, Message: msg})
	}
}

// PollAt returns the earliest time Poll should next be called, and
// whether any deadline is scheduled at all.
func (e *Engine) PollAt() (time.Time, bool) {
	best, found := time.Time{}, false
	consider := func(t time.Time) {
		if !found || t.Before(best) {
			best, found = t, true
		}
	}
	for _, rec := range e.records {
		if rec.origin == OriginLocal && (rec.state == StateActive || rec.state == StateKeepAlive) {
			if rec.hasNext {
				consider(rec.nextSend)
			}
			consider(rec.expiresAt())
		}
		if rec.origin == OriginReceived && rec.state == StateActive {
			consider(rec.expiresAt())
		}
		if rec.gcPending {
			consider(rec.gcDeadline)
		}
	}
	return best, found
}

// Poll advances every scheduled retransmission and garbage-collection
// deadline that has come due as of now.
func (e *Engine) Poll(now time.Time) {
	var toEmit []*record
	var toDelete []ActionID

	for id, rec := range e.records {
		if rec.origin == OriginLocal && (rec.state == StateActive || rec.state == StateKeepAlive) {
			if now.Before(rec.expiresAt()) {
				if rec.hasNext && !now.Before(rec.nextSend) {
					toEmit = append(toEmit, rec)
					e.scheduleNext(rec, now)
				}
			} else {
				rec.state = StateExpired
				rec.gcPending = true
				rec.gcDeadline = now.Add(e.gcThreshold)
			}
		}
		if rec.origin == OriginReceived && rec.state == StateActive && !now.Before(rec.expiresAt()) {
			rec.state = StateExpired
			rec.gcPending = true
			rec.gcDeadline = now.Add(e.gcThreshold)
		}
		if rec.gcPending && rec.gcDeadline.IsZero() {
			// received terminations start their retention at the first Poll.
			rec.gcDeadline = now.Add(e.gcThreshold)
		}
		if rec.gcPending && !now.Before(rec.gcDeadline) {
			toDelete = append(toDelete, id)
		}
	}
	for _, id := range toDelete {
		delete(e.records, id)
	}

	for _, rec := range toEmit {
		if err := e.emit(now, rec, TerminationNone); err != nil {
			log.Warnf("denm: retransmission of action %+v failed: %v", rec.actionID, err)
		}
	}
}

// Lookup returns the current state of an ActionID's record, for
// diagnostics and the conformance harness.
func (e *Engine) Lookup(action ActionID) (origin Origin, state State, ok bool) {
	rec, ok := e.records[action]
	if !ok {
		return 0, 0, false
	}
	return rec.origin, rec.state, true
}
