package conformance

import (
	"context"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/veloce/veloce/btp"
	"github.com/veloce/veloce/denm"
	"github.com/veloce/veloce/gnet"
)

// Config configures the UT UDP listener.
type Config struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultListenAddr is the UT listener's default bind address.
const DefaultListenAddr = ":3000"

// DefaultConfig returns the UT listener's documented defaults.
func DefaultConfig() Config {
	return Config{ListenAddr: DefaultListenAddr}
}

// DefaultValidityDuration is applied to a UtDenmTrigger/Update that does
// not set an explicit validity duration, matching the 600s default ETSI
// conformance test suites assume when the field is omitted.
const DefaultValidityDuration = 600 * time.Second

// defaultRadiusMeters is the geo-area radius used for a DENM trigger/
// update/negate that does not set an explicit relevance distance; the UT
// wire protocol always targets a circle around the station's current
// position.
const defaultRadiusMeters = 300

// State is the Uppertester dispatcher: it binds to the first source
// address that sends it a UtInitialize and thereafter accepts commands
// only from that address, exactly as the original conformance/etsi.rs
// State guards every handler but UtInitialize behind
// `self.ut_server == Some(source)`.
type State struct {
	mu sync.Mutex

	router         *gnet.Router
	demux          *btp.Demux
	engine         *denm.Engine
	position       *Position
	initialAddress gnet.GnAddress

	utServer *net.UDPAddr
	conn     *net.UDPConn

	// denmHandles caches the EventHandle for every event this dispatcher
	// has triggered, keyed by its ActionID, so UtDenmUpdate/UtDenmTermination
	// can address it by (stationId, seqNum) instead of requiring the UT
	// client to hold an opaque handle — mirroring the original's
	// HashMap<EventHandle, EventParameters> kept in the conformance layer
	// itself, separate from the engine's own event table.
	denmHandles map[denm.ActionID]denm.EventHandle

	// dispatch is the function handle invokes for each received
	// datagram; it defaults to s.Dispatch, called inline on the
	// per-request goroutine ListenAndServe spawns. SetDispatcher lets the
	// owning process override it so the actual router/engine/store
	// mutation happens on its single core goroutine instead.
	dispatch func(now time.Time, raw []byte, source *net.UDPAddr) []byte
}

// NewState constructs a dispatcher wired to router/demux/engine. position
// must be the same Position whose Provider() the router was constructed
// with, and initialAddress is the address UtInitialize resets the router
// to.
func NewState(router *gnet.Router, demux *btp.Demux, engine *denm.Engine, position *Position, initialAddress gnet.GnAddress) *State {
	s := &State{
		router:         router,
		demux:          demux,
		engine:         engine,
		position:       position,
		initialAddress: initialAddress,
		denmHandles:    make(map[denm.ActionID]denm.EventHandle),
	}
	s.dispatch = s.Dispatch
	return s
}

// SetDispatcher overrides how handle executes a parsed request, letting a
// caller (runtime.Process) route dispatch onto its own single core
// goroutine instead of the listener's per-request goroutine. Tests that
// call Dispatch directly are unaffected.
func (s *State) SetDispatcher(f func(now time.Time, raw []byte, source *net.UDPAddr) []byte) {
	s.dispatch = f
}

// Deliver implements gnet.UpperLayer. Every indication is forwarded to
// the real upper layer (the BTP demux); indications with no specific
// upper protocol are additionally pushed to the bound UT client as a
// UtGnEventInd, matching the original's upper_proto == Any guard on
// ut_gn_event.
func (s *State) Deliver(ind gnet.Indication) {
	if s.demux != nil {
		s.demux.Deliver(ind)
	}
	if ind.NextHeader != gnet.NextHeaderAny {
		return
	}
	s.pushToServer(EmitUtGnEventInd(ind.Payload))
}

// NotifyDENM pushes a DENM receive event to the bound UT client as a
// UtDenmEventInd, if one is bound.
func (s *State) NotifyDENM(ev denm.RecvEvent) {
	s.pushToServer(EmitUtDenmEventInd(ev.Kind, denm.Encode(ev.Message)))
}

func (s *State) pushToServer(payload []byte) {
	s.mu.Lock()
	conn, addr := s.conn, s.utServer
	s.mu.Unlock()
	if conn == nil || addr == nil {
		return
	}
	if _, err := conn.WriteToUDP(payload, addr); err != nil {
		log.Debugf("conformance: failed to push indication to %s: %v", addr, err)
	}
}

// ListenAndServe runs the UT UDP listener until ctx is cancelled,
// grounded on the teacher's responder/server.startListener read loop:
// one socket and one blocking read loop; each request is copied and
// handled in its own goroutine.
func (s *State) ListenAndServe(ctx context.Context, listenAddr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	log.Infof("conformance: UT listener on %s", listenAddr)
	buf := make([]byte, 2048)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		req := make([]byte, n)
		copy(req, buf[:n])
		go s.handle(conn, from, req)
	}
}

func (s *State) handle(conn *net.UDPConn, from *net.UDPAddr, req []byte) {
	resp := s.dispatch(time.Now(), req, from)
	if resp == nil {
		return
	}
	if _, err := conn.WriteToUDP(resp, from); err != nil {
		log.Debugf("conformance: failed to write response to %s: %v", from, err)
	}
}

// Dispatch parses and executes a single UT request, returning the
// response packet to write back to source, or nil if the request has no
// response (unrecognized type, or issued by a source other than the
// bound UT server).
func (s *State) Dispatch(now time.Time, raw []byte, source *net.UDPAddr) []byte {
	pkt, err := ParsePacket(raw)
	if err != nil {
		log.Debugf("conformance: %v", err)
		return nil
	}

	if pkt.Type == UtInitialize {
		return s.handleInitialize(now, pkt.Payload, source)
	}

	s.mu.Lock()
	bound := s.utServer != nil && s.utServer.String() == source.String()
	s.mu.Unlock()
	if !bound {
		log.Debugf("conformance: dropping %v from unbound source %s", pkt.Type, source)
		return nil
	}

	switch pkt.Type {
	case UtChangePosition:
		return s.handleChangePosition(now, pkt.Payload)
	case UtChangePseudonym:
		return s.handleChangePseudonym(now, pkt.Payload)
	case UtGnTriggerGeoUnicast:
		return s.handleTriggerUnicast(now, pkt.Payload)
	case UtGnTriggerGeoBroadcast:
		return s.handleTriggerArea(now, pkt.Payload, gnet.TransportBroadcast)
	case UtGnTriggerGeoAnycast:
		return s.handleTriggerArea(now, pkt.Payload, gnet.TransportAnycast)
	case UtGnTriggerShb:
		return s.handleTriggerShb(now, pkt.Payload)
	case UtGnTriggerTsb:
		return s.handleTriggerTsb(now, pkt.Payload)
	case UtBtpTriggerA:
		return s.handleBtpTriggerA(now, pkt.Payload)
	case UtBtpTriggerB:
		return s.handleBtpTriggerB(now, pkt.Payload)
	case UtDenmTrigger:
		return s.handleDenmTrigger(now, pkt.Payload)
	case UtDenmUpdate:
		return s.handleDenmUpdate(now, pkt.Payload)
	case UtDenmTermination:
		return s.handleDenmTermination(now, pkt.Payload)
	default:
		log.Debugf("conformance: unhandled message type %v", pkt.Type)
		return nil
	}
}

// handleInitialize resets every mutable piece of state the conformance
// harness expects a fresh run to start from: location table, buffers,
// duplicate detector, CBF timers, sequence number, GN address, and the
// DENM event table. It then binds source as the UT server.
func (s *State) handleInitialize(now time.Time, payload []byte, source *net.UDPAddr) []byte {
	req, err := ParseUtInitializeReq(payload)
	if err != nil {
		return EmitResult(UtInitializeResult, ResultFailure)
	}
	// Security-enabled initialization is not supported; only the
	// all-zero HashedId8 ("no security") is accepted.
	if req.HashedID != ZeroHashedId8 {
		return EmitResult(UtInitializeResult, ResultFailure)
	}

	s.engine.Reset()
	s.router.Reset()
	s.router.SetAddress(s.initialAddress, 0)
	s.position.ResetAddress(s.initialAddress)

	s.mu.Lock()
	s.utServer = source
	s.denmHandles = make(map[denm.ActionID]denm.EventHandle)
	s.mu.Unlock()

	return EmitResult(UtInitializeResult, ResultSuccess)
}

func (s *State) handleChangePosition(now time.Time, payload []byte) []byte {
	req, err := ParseUtChangePositionReq(payload)
	if err != nil {
		return EmitResult(UtChangePositionResult, ResultFailure)
	}
	s.position.Shift(req.DeltaLatitude, req.DeltaLongitude)
	return EmitResult(UtChangePositionResult, ResultSuccess)
}

func (s *State) handleChangePseudonym(now time.Time, payload []byte) []byte {
	addr := s.router.StationID()
	newAddr := gnet.GnAddress{StationType: s.initialAddress.StationType}
	// Derive a new link-layer address deterministically from the current
	// one and the current time so repeated UtChangePseudonym calls in the
	// same test run do not collide.
	seed := uint32(addr) ^ uint32(now.UnixNano())
	newAddr.LLAddr[2] = byte(seed >> 24)
	newAddr.LLAddr[3] = byte(seed >> 16)
	newAddr.LLAddr[4] = byte(seed >> 8)
	newAddr.LLAddr[5] = byte(seed)

	s.router.SetAddress(newAddr, 0)
	s.engine.SetStationID(newAddr.StationID())
	s.position.SetAddress(newAddr)
	return EmitResult(UtChangePseudonymResult, ResultSuccess)
}

func (s *State) handleTriggerUnicast(now time.Time, payload []byte) []byte {
	req, err := ParseUtGnTriggerUnicastReq(payload)
	if err != nil {
		return EmitResult(UtGnTriggerResult, ResultFailure)
	}
	transport := gnet.Transport{Kind: gnet.TransportUnicast, Destination: req.Destination}
	return s.originate(now, transport, req.Payload, req.Lifetime, req.TrafficClass, UtGnTriggerResult)
}

func (s *State) handleTriggerArea(now time.Time, payload []byte, kind gnet.TransportKind) []byte {
	req, err := ParseUtGnTriggerAreaReq(payload)
	if err != nil {
		return EmitResult(UtGnTriggerResult, ResultFailure)
	}
	transport := gnet.Transport{Kind: kind, Area: req.Area}
	return s.originate(now, transport, req.Payload, req.Lifetime, req.TrafficClass, UtGnTriggerResult)
}

func (s *State) handleTriggerShb(now time.Time, payload []byte) []byte {
	req, err := ParseUtGnTriggerShbReq(payload)
	if err != nil {
		return EmitResult(UtGnTriggerResult, ResultFailure)
	}
	transport := gnet.Transport{Kind: gnet.TransportSingleHopBroadcast}
	return s.originate(now, transport, req.Payload, 0, req.TrafficClass, UtGnTriggerResult)
}

func (s *State) handleTriggerTsb(now time.Time, payload []byte) []byte {
	req, err := ParseUtGnTriggerTsbReq(payload)
	if err != nil {
		return EmitResult(UtGnTriggerResult, ResultFailure)
	}
	transport := gnet.Transport{Kind: gnet.TransportTopoBroadcast, MaxHops: req.HopLimit}
	return s.originate(now, transport, req.Payload, req.Lifetime, req.TrafficClass, UtGnTriggerResult)
}

func (s *State) originate(now time.Time, transport gnet.Transport, payload []byte, lifetimeSec uint16, trafficClass uint8, resultType MessageType) []byte {
	lifetime := time.Duration(lifetimeSec) * time.Second
	if lifetime == 0 {
		lifetime = gnet.DefaultMaxPacketLifetime
	}
	if err := s.router.Originate(now, transport, payload, lifetime, trafficClass); err != nil {
		log.Debugf("conformance: originate failed: %v", err)
		return EmitResult(resultType, ResultFailure)
	}
	return EmitResult(resultType, ResultSuccess)
}

func (s *State) handleBtpTriggerA(now time.Time, payload []byte) []byte {
	req, err := ParseUtBtpTriggerAReq(payload)
	if err != nil {
		return EmitResult(UtBtpTriggerResult, ResultFailure)
	}
	wire, err := btp.EncodeA(btp.HeaderA{DestPort: req.DestPort, SrcPort: req.SrcPort}, nil)
	if err != nil {
		return EmitResult(UtBtpTriggerResult, ResultFailure)
	}
	transport := gnet.Transport{Kind: gnet.TransportSingleHopBroadcast}
	return s.originate(now, transport, wire, 0, 0, UtBtpTriggerResult)
}

func (s *State) handleBtpTriggerB(now time.Time, payload []byte) []byte {
	req, err := ParseUtBtpTriggerBReq(payload)
	if err != nil {
		return EmitResult(UtBtpTriggerResult, ResultFailure)
	}
	wire, err := btp.EncodeB(btp.HeaderB{DestPort: req.DestPort, DestPortInfo: req.DestPortInfo}, nil)
	if err != nil {
		return EmitResult(UtBtpTriggerResult, ResultFailure)
	}
	transport := gnet.Transport{Kind: gnet.TransportSingleHopBroadcast}
	return s.originate(now, transport, wire, 0, 0, UtBtpTriggerResult)
}

func (s *State) triggerArea(radiusMeters uint16) gnet.GeoArea {
	pos := s.position.Get()
	if radiusMeters == 0 {
		radiusMeters = defaultRadiusMeters
	}
	return gnet.GeoArea{
		Shape:     gnet.ShapeCircle,
		Latitude:  pos.Latitude,
		Longitude: pos.Longitude,
		DistanceA: radiusMeters,
	}
}

func (s *State) handleDenmTrigger(now time.Time, payload []byte) []byte {
	req, err := ParseUtDenmTriggerReq(payload)
	if err != nil {
		return EmitResult(UtDenmTriggerResult, ResultFailure)
	}

	params := denm.TriggerParams{
		DetectionTime:    time.UnixMicro(int64(req.DetectionTimeUnixMicros)),
		ValidityDuration: DefaultValidityDuration,
		Area:             s.triggerArea(req.RadiusMeters),
	}
	if req.HasValidityDuration() {
		params.ValidityDuration = time.Duration(req.ValidityDurationSec) * time.Second
	}
	if req.HasCause() {
		params.Cause = denm.Cause{Code: req.CauseCode, SubCode: req.SubCauseCode}
	}
	if req.HasRepetition() {
		params.Repetition = &denm.Repetition{
			Duration: time.Duration(req.RepetitionDurationSec) * time.Second,
			Interval: time.Duration(req.RepetitionIntervalSec) * time.Second,
		}
	}
	if req.HasKeepAlive() {
		params.KeepAlive = time.Duration(req.KeepAliveSec) * time.Second
	}

	handle, err := s.engine.Trigger(now, params)
	if err != nil {
		log.Debugf("conformance: DENM trigger failed: %v", err)
		return EmitResult(UtDenmTriggerResult, ResultFailure)
	}

	s.mu.Lock()
	s.denmHandles[handle.ActionID()] = handle
	s.mu.Unlock()

	result := UtDenmTriggerResultPayload{StationID: handle.ActionID().StationID, SeqNum: handle.ActionID().SeqNum}
	return EmitPacket(UtDenmTriggerResult, append([]byte{byte(ResultSuccess)}, result.Emit()...))
}

func (s *State) handleDenmUpdate(now time.Time, payload []byte) []byte {
	req, err := ParseUtDenmUpdateReq(payload)
	if err != nil {
		return EmitResult(UtDenmUpdateResult, ResultFailure)
	}

	action := req.ActionID()
	s.mu.Lock()
	handle, ok := s.denmHandles[action]
	s.mu.Unlock()
	if !ok {
		log.Debugf("conformance: cannot find DENM %+v handle", action)
		return EmitResult(UtDenmUpdateResult, ResultFailure)
	}

	params := denm.UpdateParams{
		ValidityDuration: DefaultValidityDuration,
		Area:             s.triggerArea(0),
	}
	detection := time.UnixMicro(int64(req.DetectionTimeUnixMicros))
	params.DetectionTime = &detection
	if req.HasValidityDuration() {
		params.ValidityDuration = time.Duration(req.ValidityDurationSec) * time.Second
	}
	if req.HasCause() {
		params.Cause = denm.Cause{Code: req.CauseCode, SubCode: req.SubCauseCode}
	}

	if err := s.engine.Update(now, handle, params); err != nil {
		log.Debugf("conformance: DENM update failed: %v", err)
		return EmitResult(UtDenmUpdateResult, ResultFailure)
	}

	result := UtDenmTriggerResultPayload{StationID: action.StationID, SeqNum: action.SeqNum}
	return EmitPacket(UtDenmUpdateResult, append([]byte{byte(ResultSuccess)}, result.Emit()...))
}

func (s *State) handleDenmTermination(now time.Time, payload []byte) []byte {
	req, err := ParseUtDenmTerminationReq(payload)
	if err != nil {
		return EmitResult(UtDenmTerminationResult, ResultFailure)
	}
	action := req.ActionID()

	s.mu.Lock()
	handle, originated := s.denmHandles[action]
	s.mu.Unlock()

	if originated {
		if err := s.engine.Cancel(now, handle); err != nil {
			log.Debugf("conformance: DENM cancel failed: %v", err)
			return EmitResult(UtDenmTerminationResult, ResultFailure)
		}
		s.mu.Lock()
		delete(s.denmHandles, action)
		s.mu.Unlock()
		return EmitResult(UtDenmTerminationResult, ResultSuccess)
	}

	params := denm.TriggerParams{Area: s.triggerArea(0)}
	if err := s.engine.Negate(now, action, params, false); err != nil {
		log.Debugf("conformance: DENM negate failed: %v", err)
		return EmitResult(UtDenmTerminationResult, ResultFailure)
	}
	return EmitResult(UtDenmTerminationResult, ResultSuccess)
}
