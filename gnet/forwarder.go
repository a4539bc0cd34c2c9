package gnet

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Defaults for forwarder-level tunables, per §9 design notes.
const (
	DefaultLSMaxRetrans       = 3
	DefaultLSRetransmitTimer  = 1 * time.Second
	DefaultMaxPlausibleDelta  = 40 * time.Second
	DefaultLSRequestHopLimit  = 10
)

// Config holds every GeoNetworking tunable enumerated by the design,
// constructed once and never mutated at runtime.
type Config struct {
	LocationTableCapacity  int            `yaml:"location_table_capacity"`
	LocationEntryLifetime  time.Duration  `yaml:"location_entry_lifetime"`
	LSBufferBytes          int            `yaml:"ls_buffer_bytes"`
	UCBufferBytes          int            `yaml:"uc_buffer_bytes"`
	BCBufferBytes          int            `yaml:"bc_buffer_bytes"`
	LSMaxRetrans           int            `yaml:"ls_max_retrans"`
	LSRetransmitTimer      time.Duration  `yaml:"ls_retransmit_timer"`
	CBF                    CBFConfig      `yaml:"cbf"`
	DuplicateWindow        time.Duration  `yaml:"duplicate_window"`
	MaxPlausibleDelta      time.Duration  `yaml:"max_plausible_delta"`
	SequenceSeed           SequenceNumber `yaml:"sequence_seed"`
}

// DefaultConfig returns the documented defaults for every tunable.
func DefaultConfig() Config {
	return Config{
		LocationTableCapacity: DefaultLocationTableCapacity,
		LocationEntryLifetime: DefaultLocationEntryLifetime,
		LSBufferBytes:         DefaultLSBufferBytes,
		UCBufferBytes:         DefaultUCBufferBytes,
		BCBufferBytes:         DefaultBCBufferBytes,
		LSMaxRetrans:          DefaultLSMaxRetrans,
		LSRetransmitTimer:     DefaultLSRetransmitTimer,
		CBF:                   DefaultCBFConfig(),
		DuplicateWindow:       DefaultDuplicateWindow,
		MaxPlausibleDelta:     DefaultMaxPlausibleDelta,
	}
}

// Verifier unwraps and authenticates a security-wrapped GN payload. The
// concrete implementation lives in package security; gnet depends only on
// this interface to avoid an import cycle.
type Verifier interface {
	Verify(now time.Time, payload []byte) (unwrapped []byte, signer StationID, err error)
}

// Signer wraps an outgoing payload in a security envelope.
type Signer interface {
	Sign(now time.Time, payload []byte) (wrapped []byte, err error)
}

// LinkDriver is the packet sink/source the forwarder emits onto and
// receives from. It is the only I/O boundary of the core.
type LinkDriver interface {
	Send(raw []byte) error
}

// Indication is a locally-deliverable packet handed to the upper layer
// (BTP demux or, for location-service internals, consumed by the
// forwarder itself).
type Indication struct {
	NextHeader NextHeader
	Payload    []byte
	Sender     StationID
	SenderLPV  LongPositionVector
}

// UpperLayer receives packets the forwarder has decided are for local
// consumption.
type UpperLayer interface {
	Deliver(ind Indication)
}

// PositionProvider supplies the local station's current position vector,
// embedded fresh in every originated packet.
type PositionProvider func() LongPositionVector

// Router is the GeoNetworking forwarder: the hub that ties the wire
// codec, location table, buffers, duplicate detector and CBF engine
// together into the receive/forward/originate decision tree.
type Router struct {
	cfg      Config
	address  GnAddress
	position PositionProvider

	Table     *LocationTable
	Buffers   *Buffers
	Seq       *SequenceCounter
	Dup       *DuplicateDetector
	CBF       *CBFEngine

	Verifier Verifier
	Signer   Signer
	Link     LinkDriver
	Upper    UpperLayer

	lsRetrans map[StationID]*lsRetransState
}

type lsRetransState struct {
	count        int
	nextDeadline time.Time
}

// NewRouter constructs a Router for the station at address, using
// position to embed fresh LPVs at origination time.
func NewRouter(cfg Config, address GnAddress, position PositionProvider) *Router {
	return &Router{
		cfg:       cfg,
		address:   address,
		position:  position,
		Table:     NewLocationTable(cfg.LocationTableCapacity, cfg.LocationEntryLifetime),
		Buffers:   NewBuffers(cfg.LSBufferBytes, cfg.UCBufferBytes, cfg.BCBufferBytes),
		Seq:       NewSequenceCounter(cfg.SequenceSeed),
		Dup:       NewDuplicateDetector(cfg.DuplicateWindow),
		CBF:       NewCBFEngine(cfg.CBF),
		lsRetrans: make(map[StationID]*lsRetransState),
	}
}

// StationID returns the router's own station identifier.
func (r *Router) StationID() StationID { return r.address.StationID() }

// SetAddress updates the router's own GN address, used on pseudonym
// change. It also resets the sequence counter, per the privacy
// invariant.
func (r *Router) SetAddress(addr GnAddress, seed SequenceNumber) {
	r.address = addr
	r.Seq.Reset(seed)
}

// Reset clears all mutable forwarder state: location table, buffers,
// duplicate detector, CBF timers and LS retransmission tracking. Used by
// the conformance harness at test init.
func (r *Router) Reset() {
	r.Table.Reset()
	r.Buffers.Reset()
	r.Dup.Reset()
	r.CBF.Reset()
	r.lsRetrans = make(map[StationID]*lsRetransState)
}

// Receive processes one ingress packet end to end: security verify,
// plausibility check, location table update, and the per-transport
// receive decision tree. All remote-fault errors are swallowed here; the
// function returns only to let tests observe what happened.
func (r *Router) Receive(now time.Time, raw []byte) error {
	pkt, err := ParsePacket(raw)
	if err != nil {
		log.Debugf("gnet: dropping unparseable packet: %v", err)
		return nil
	}

	payload := pkt.Payload
	signer := pkt.SenderLPV.StationID()
	if pkt.Basic.NextHeader == NextHeaderSecured {
		if r.Verifier == nil {
			log.Debugf("gnet: dropping secured packet, no verifier configured")
			return nil
		}
		unwrapped, sid, verr := r.Verifier.Verify(now, payload)
		if verr != nil {
			log.Infof("gnet: dropping packet failing security verify: %v", verr)
			return nil
		}
		payload = unwrapped
		signer = sid
	}

	// Reject only packets whose sender timestamp is too far in the past
	// relative to our clock; a sender slightly ahead of us (clock skew) is
	// not a plausibility violation.
	localTS := TimestampFromTime(now)
	if age := localTS.Delta(pkt.SenderLPV.Timestamp); age > r.cfg.MaxPlausibleDelta {
		log.Debugf("gnet: dropping packet with implausible timestamp age %s", age)
		return nil
	}

	r.Table.Update(now, pkt.SenderLPV, true)

	switch pkt.Transport.Kind {
	case TransportUnicast:
		return r.receiveUnicast(now, pkt, payload, signer)
	case TransportSingleHopBroadcast:
		r.deliverLocal(pkt, payload, signer)
		return nil
	case TransportTopoBroadcast:
		return r.receiveTopoBroadcast(now, pkt, payload, signer)
	case TransportBroadcast:
		return r.receiveBroadcast(now, pkt, payload, signer)
	case TransportAnycast:
		return r.receiveAnycast(now, pkt, payload, signer)
	case TransportLSRequest:
		return r.receiveLSRequest(now, pkt)
	case TransportLSReply:
		return r.receiveLSReply(now, pkt)
	default:
		log.Debugf("gnet: dropping packet with unknown transport")
		return nil
	}
}

func (r *Router) deliverLocal(pkt Packet, payload []byte, signer StationID) {
	if r.Upper == nil {
		return
	}
	r.Upper.Deliver(Indication{
		NextHeader: pkt.Basic.NextHeader,
		Payload:    payload,
		Sender:     signer,
		SenderLPV:  pkt.SenderLPV,
	})
}

func (r *Router) receiveUnicast(now time.Time, pkt Packet, payload []byte, signer StationID) error {
	if pkt.Transport.Destination == r.StationID() {
		r.deliverLocal(pkt, payload, signer)
		return nil
	}
	if pkt.Basic.RemainingHopLimit <= 1 {
		return nil // hop limit exhausted: drop, not delivered, not forwarded
	}
	if pkt.Basic.Lifetime <= 0 {
		return nil
	}
	pkt.Basic.RemainingHopLimit--
	return r.forwardGreedy(now, pkt, pkt.Transport.Destination)
}

// forwardGreedy re-emits pkt toward destination via the neighbor closest
// to it, or queues it in the unicast forwarding buffer if no neighbor is
// closer than the local station.
func (r *Router) forwardGreedy(now time.Time, pkt Packet, destination StationID) error {
	destEntry, haveDest := r.Table.Lookup(destination)
	var destLat, destLon int32
	if haveDest {
		destLat, destLon = destEntry.LastLPV.Latitude, destEntry.LastLPV.Longitude
	}

	localLPV := r.position()
	bestDist := HaversineDistance(localLPV.Latitude, localLPV.Longitude, destLat, destLon)
	var nextHop *LocationEntry
	for _, n := range r.Table.Neighbors() {
		d := HaversineDistance(n.LastLPV.Latitude, n.LastLPV.Longitude, destLat, destLon)
		if d < bestDist {
			bestDist = d
			nextHop = n
		}
	}

	if nextHop == nil {
		fp := &ForwardingPacket{Packet: pkt, Deadline: now.Add(pkt.Basic.Lifetime), LastHopID: pkt.SenderLPV.StationID()}
		r.Buffers.UC.Enqueue(fp)
		return nil
	}
	return r.emit(now, pkt)
}

func (r *Router) receiveTopoBroadcast(now time.Time, pkt Packet, payload []byte, signer StationID) error {
	source := pkt.SenderLPV.StationID()
	if r.Dup.IsDuplicate(source, pkt.SeqNum, now) {
		return nil
	}
	r.Dup.Record(source, pkt.SeqNum, now)
	r.deliverLocal(pkt, payload, signer)

	if pkt.Basic.RemainingHopLimit <= 1 || pkt.Basic.Lifetime <= 0 {
		return nil
	}
	pkt.Basic.RemainingHopLimit--
	return r.emit(now, pkt)
}

func (r *Router) receiveBroadcast(now time.Time, pkt Packet, payload []byte, signer StationID) error {
	source := pkt.SenderLPV.StationID()
	if r.Dup.IsDuplicate(source, pkt.SeqNum, now) {
		r.CBF.Suppress(source, pkt.SeqNum)
		return nil
	}
	r.Dup.Record(source, pkt.SeqNum, now)

	local := r.position()
	inside := pkt.Transport.Area.Inside(local.Latitude, local.Longitude)
	if inside {
		r.deliverLocal(pkt, payload, signer)
	}
	if pkt.Basic.Lifetime <= 0 {
		return nil
	}
	dist := HaversineDistance(pkt.SenderLPV.Latitude, pkt.SenderLPV.Longitude, local.Latitude, local.Longitude)
	fp := &ForwardingPacket{Packet: pkt, Deadline: now.Add(pkt.Basic.Lifetime), LastHopID: source}
	r.Buffers.BC.Enqueue(fp)
	r.CBF.Arm(now, source, pkt.SeqNum, fp, dist)
	return nil
}

func (r *Router) receiveAnycast(now time.Time, pkt Packet, payload []byte, signer StationID) error {
	source := pkt.SenderLPV.StationID()
	if r.Dup.IsDuplicate(source, pkt.SeqNum, now) {
		return nil
	}
	r.Dup.Record(source, pkt.SeqNum, now)

	local := r.position()
	if pkt.Transport.Area.Inside(local.Latitude, local.Longitude) {
		r.deliverLocal(pkt, payload, signer)
		return nil
	}
	if pkt.Basic.Lifetime <= 0 {
		return nil
	}
	return r.forwardTowardArea(now, pkt)
}

func (r *Router) forwardTowardArea(now time.Time, pkt Packet) error {
	area := pkt.Transport.Area
	localLPV := r.position()
	bestDist := HaversineDistance(localLPV.Latitude, localLPV.Longitude, area.Latitude, area.Longitude)
	var nextHop *LocationEntry
	for _, n := range r.Table.Neighbors() {
		d := HaversineDistance(n.LastLPV.Latitude, n.LastLPV.Longitude, area.Latitude, area.Longitude)
		if d < bestDist {
			bestDist = d
			nextHop = n
		}
	}
	if nextHop == nil {
		fp := &ForwardingPacket{Packet: pkt, Deadline: now.Add(pkt.Basic.Lifetime), LastHopID: pkt.SenderLPV.StationID()}
		r.Buffers.UC.Enqueue(fp)
		return nil
	}
	return r.emit(now, pkt)
}

func (r *Router) receiveLSRequest(now time.Time, pkt Packet) error {
	if pkt.Transport.Destination == r.StationID() {
		reply := Packet{
			Basic:     BasicHeader{NextHeader: pkt.Basic.NextHeader, Lifetime: 1 * time.Second, RemainingHopLimit: DefaultLSRequestHopLimit},
			Transport: Transport{Kind: TransportLSReply},
			SeqNum:    r.Seq.Next(),
			SenderLPV: r.position(),
			DestLPV:   pkt.SenderLPV,
		}
		return r.emit(now, reply)
	}
	if pkt.Basic.RemainingHopLimit <= 1 {
		return nil
	}
	pkt.Basic.RemainingHopLimit--
	return r.emit(now, pkt)
}

func (r *Router) receiveLSReply(now time.Time, pkt Packet) error {
	r.Table.Update(now, pkt.SenderLPV, false)
	id := pkt.SenderLPV.StationID()
	delete(r.lsRetrans, id)
	ready := r.Buffers.TakeReadyFor(id)
	for _, p := range ready {
		if err := r.Originate(now, Transport{Kind: TransportUnicast, Destination: id}, p.Payload, p.Lifetime, p.TrafficClass); err != nil {
			log.Debugf("gnet: failed to flush LS-pending packet: %v", err)
		}
	}
	return nil
}

// Originate builds, optionally signs, and emits a packet from the upper
// layer. For Unicast, an unresolved destination is queued in the
// location-service buffer and a Location-Service Request is issued
// instead of emitting immediately.
func (r *Router) Originate(now time.Time, transport Transport, payload []byte, lifetime time.Duration, trafficClass uint8) error {
	switch transport.Kind {
	case TransportUnicast:
		if _, ok := r.Table.Lookup(transport.Destination); ok {
			return r.originateAndEmit(now, transport, payload, lifetime, trafficClass)
		}
		r.Buffers.LS.Enqueue(PendingLSPacket{
			Payload:      payload,
			Destination:  transport.Destination,
			TrafficClass: trafficClass,
			Lifetime:     lifetime,
			EnqueuedAt:   now,
		})
		return r.issueLSRequest(now, transport.Destination)
	default:
		return r.originateAndEmit(now, transport, payload, lifetime, trafficClass)
	}
}

func (r *Router) issueLSRequest(now time.Time, destination StationID) error {
	st, ok := r.lsRetrans[destination]
	if !ok {
		st = &lsRetransState{}
		r.lsRetrans[destination] = st
	}
	if st.count >= r.cfg.LSMaxRetrans {
		return fmt.Errorf("gnet: location service exhausted for station %d", destination)
	}
	st.count++
	st.nextDeadline = now.Add(r.cfg.LSRetransmitTimer)

	req := Packet{
		Basic:     BasicHeader{Lifetime: r.cfg.LSRetransmitTimer, RemainingHopLimit: DefaultLSRequestHopLimit},
		Transport: Transport{Kind: TransportLSRequest, Destination: destination},
		SeqNum:    r.Seq.Next(),
		SenderLPV: r.position(),
	}
	return r.emit(now, req)
}

func (r *Router) originateAndEmit(now time.Time, transport Transport, payload []byte, lifetime time.Duration, trafficClass uint8) error {
	pkt := Packet{
		Basic:     BasicHeader{Lifetime: lifetime, RemainingHopLimit: DefaultLSRequestHopLimit},
		Common:    CommonHeader{TrafficClass: trafficClass, MaxHopLimit: DefaultLSRequestHopLimit},
		Transport: transport,
		SeqNum:    r.Seq.Next(),
		SenderLPV: r.position(),
		Payload:   payload,
	}
	if transport.Kind == TransportTopoBroadcast && pkt.Basic.RemainingHopLimit > transport.MaxHops && transport.MaxHops != 0 {
		pkt.Basic.RemainingHopLimit = transport.MaxHops
		pkt.Common.MaxHopLimit = transport.MaxHops
	}
	return r.emit(now, pkt)
}

// emit optionally signs and then serializes pkt onto the link.
func (r *Router) emit(now time.Time, pkt Packet) error {
	if r.Signer != nil {
		wrapped, err := r.Signer.Sign(now, pkt.Payload)
		if err != nil {
			return fmt.Errorf("gnet: sign failed: %w", err)
		}
		pkt.Payload = wrapped
		pkt.Basic.NextHeader = NextHeaderSecured
	}
	raw, err := pkt.Bytes()
	if err != nil {
		return fmt.Errorf("gnet: emit failed: %w", err)
	}
	if r.Link == nil {
		return nil
	}
	return r.Link.Send(raw)
}

// PollAt returns the nearest deadline across buffers, CBF timers and
// pending LS retransmissions.
func (r *Router) PollAt() (time.Time, bool) {
	best, found := time.Time{}, false
	consider := func(t time.Time, ok bool) {
		if ok && (!found || t.Before(best)) {
			best, found = t, true
		}
	}
	consider(r.Buffers.PollExpiry())
	consider(r.CBF.PollAt())
	for _, st := range r.lsRetrans {
		consider(st.nextDeadline, true)
	}
	return best, found
}

// Poll advances every time-driven piece of forwarder state: expired
// buffered packets are dropped, due CBF transmissions fire, due LS
// retransmissions are resent, and stale location/duplicate entries are
// flushed.
func (r *Router) Poll(now time.Time) {
	for _, fp := range r.CBF.Due(now) {
		if fp.expired(now) {
			continue
		}
		if err := r.emit(now, fp.Packet); err != nil {
			log.Debugf("gnet: CBF transmit failed: %v", err)
		}
	}

	r.Buffers.LS.DequeueExpired(now)
	r.Buffers.UC.DequeueExpired(now)
	for _, fp := range r.Buffers.BC.DequeueExpired(now) {
		_ = fp // expired without being forwarded
	}

	for dest, st := range r.lsRetrans {
		if !now.Before(st.nextDeadline) {
			if err := r.issueLSRequest(now, dest); err != nil {
				for _, p := range r.Buffers.LS.RemoveFunc(func(p PendingLSPacket) bool { return p.Destination == dest }) {
					_ = p
				}
				delete(r.lsRetrans, dest)
			}
		}
	}

	r.Table.FlushExpired(now)
	r.Dup.Expire(now)
}
