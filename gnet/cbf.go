package gnet

import "time"

// CBF timing defaults, per §4.F.
const (
	DefaultCBFMin                       = 1 * time.Millisecond
	DefaultCBFMax                       = 100 * time.Millisecond
	DefaultMaxCommunicationRange float64 = 1000 // meters
)

// CBFConfig holds the tunables governing contention-based forwarding
// timer sizing.
type CBFConfig struct {
	Min                   time.Duration `yaml:"min"`
	Max                   time.Duration `yaml:"max"`
	MaxCommunicationRange float64       `yaml:"max_communication_range"`
}

// DefaultCBFConfig returns the spec's default CBF tunables.
func DefaultCBFConfig() CBFConfig {
	return CBFConfig{Min: DefaultCBFMin, Max: DefaultCBFMax, MaxCommunicationRange: DefaultMaxCommunicationRange}
}

// cbfIdentity is the packet identity CBF suppression keys on.
type cbfIdentity struct {
	Source StationID
	SeqNum SequenceNumber
}

// cbfState is the lifecycle of a single armed packet.
type cbfState uint8

const (
	cbfArmed cbfState = iota
	cbfTransmitted
	cbfSuppressed
)

// pendingCBF is one packet under contention-based forwarding.
type pendingCBF struct {
	id       cbfIdentity
	packet   *ForwardingPacket
	deadline time.Time
	state    cbfState
}

// CBFEngine schedules and tracks contention-based forwarding timers for
// broadcast/anycast packets being forwarded.
type CBFEngine struct {
	cfg     CBFConfig
	pending map[cbfIdentity]*pendingCBF
}

// NewCBFEngine constructs an engine with cfg. A zero-value cfg is replaced
// with DefaultCBFConfig.
func NewCBFEngine(cfg CBFConfig) *CBFEngine {
	if cfg.Min == 0 && cfg.Max == 0 {
		cfg = DefaultCBFConfig()
	}
	return &CBFEngine{cfg: cfg, pending: make(map[cbfIdentity]*pendingCBF)}
}

// Delay computes T_CBF for a packet whose previous hop is distanceM
// meters from the local station: shorter distance yields a longer delay,
// so farther stations forward first.
func (e *CBFEngine) Delay(distanceM float64) time.Duration {
	d := distanceM
	if d > e.cfg.MaxCommunicationRange {
		d = e.cfg.MaxCommunicationRange
	}
	if d < 0 {
		d = 0
	}
	frac := 1 - d/e.cfg.MaxCommunicationRange
	span := e.cfg.Max - e.cfg.Min
	return e.cfg.Min + time.Duration(float64(span)*frac)
}

// Arm schedules packet for contention-based forwarding, to fire at
// now+Delay(distanceM) unless suppressed first by a duplicate reception.
func (e *CBFEngine) Arm(now time.Time, source StationID, seqNum SequenceNumber, packet *ForwardingPacket, distanceM float64) {
	id := cbfIdentity{Source: source, SeqNum: seqNum}
	deadline := now.Add(e.Delay(distanceM))
	packet.CBFDeadline = deadline
	e.pending[id] = &pendingCBF{id: id, packet: packet, deadline: deadline, state: cbfArmed}
}

// Suppress cancels a pending packet on reception of the same packet
// (identified by source+seqNum) from another station before its timer
// expired. Returns whether a pending entry was found and suppressed.
func (e *CBFEngine) Suppress(source StationID, seqNum SequenceNumber) bool {
	id := cbfIdentity{Source: source, SeqNum: seqNum}
	p, ok := e.pending[id]
	if !ok || p.state != cbfArmed {
		return false
	}
	p.state = cbfSuppressed
	delete(e.pending, id)
	return true
}

// PollAt returns the nearest CBF deadline across all armed packets.
func (e *CBFEngine) PollAt() (time.Time, bool) {
	var best time.Time
	found := false
	for _, p := range e.pending {
		if p.state != cbfArmed {
			continue
		}
		if !found || p.deadline.Before(best) {
			best, found = p.deadline, true
		}
	}
	return best, found
}

// Due returns every armed packet whose deadline has passed as of now,
// marks them transmitted, and removes them from the pending set.
func (e *CBFEngine) Due(now time.Time) []*ForwardingPacket {
	var out []*ForwardingPacket
	for id, p := range e.pending {
		if p.state == cbfArmed && !now.Before(p.deadline) {
			p.state = cbfTransmitted
			out = append(out, p.packet)
			delete(e.pending, id)
		}
	}
	return out
}

// Reset clears all pending CBF state.
func (e *CBFEngine) Reset() {
	e.pending = make(map[cbfIdentity]*pendingCBF)
}
