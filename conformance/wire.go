// Package conformance implements the ETSI Uppertester (UT) probe: a
// UDP-based RPC surface that lets an external conformance test suite
// drive a running Veloce process — initialize/reset its state, move its
// position, trigger GeoNetworking/BTP/DENM traffic, and observe inbound
// indications — without the test suite needing its own GeoNetworking
// stack. The wire contract below is normative (conformance suites are
// written against it); the dispatcher behind it is Veloce's only
// consumer.
package conformance

import (
	"encoding/binary"
	"fmt"

	"github.com/veloce/veloce/denm"
	"github.com/veloce/veloce/gnet"
	"github.com/veloce/veloce/security"
)

// MessageType identifies a UT request or response packet.
type MessageType uint8

// MessageType values. Every *Result type answers the request of the
// same name; *Ind types are unsolicited indications pushed to the
// bound UT client.
const (
	UtInitialize MessageType = iota
	UtInitializeResult
	UtChangePosition
	UtChangePositionResult
	UtChangePseudonym
	UtChangePseudonymResult
	UtGnTriggerGeoUnicast
	UtGnTriggerGeoBroadcast
	UtGnTriggerGeoAnycast
	UtGnTriggerShb
	UtGnTriggerTsb
	UtGnTriggerResult
	UtGnEventInd
	UtBtpTriggerA
	UtBtpTriggerB
	UtBtpTriggerResult
	UtDenmTrigger
	UtDenmTriggerResult
	UtDenmUpdate
	UtDenmUpdateResult
	UtDenmTermination
	UtDenmTerminationResult
	UtDenmEventInd
)

// Result is the one-byte success/failure code every *Result packet
// carries ahead of its type-specific payload.
type Result uint8

// Result values.
const (
	ResultSuccess Result = 0
	ResultFailure Result = 1
)

// ErrTruncated is returned when a buffer is too short for the packet it
// claims to be.
var ErrTruncated = fmt.Errorf("conformance: truncated packet")

// ErrUnknownMessageType is returned by ParsePacket for a byte with no
// matching MessageType.
var ErrUnknownMessageType = fmt.Errorf("conformance: unknown message type")

// Packet is a parsed UT frame: a one-byte message type followed by a
// type-specific payload.
type Packet struct {
	Type    MessageType
	Payload []byte
}

// ParsePacket parses the one-byte message type header of b.
func ParsePacket(b []byte) (Packet, error) {
	if len(b) < 1 {
		return Packet{}, ErrTruncated
	}
	t := MessageType(b[0])
	if t > UtDenmEventInd {
		return Packet{}, ErrUnknownMessageType
	}
	return Packet{Type: t, Payload: b[1:]}, nil
}

// EmitPacket prepends t's one-byte header to payload.
func EmitPacket(t MessageType, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = byte(t)
	copy(out[1:], payload)
	return out
}

// EmitResult builds a *Result packet with no further payload.
func EmitResult(t MessageType, rc Result) []byte {
	return []byte{byte(t), byte(rc)}
}

// UtInitializeReq carries the HashedId8 of the certificate the UT client
// wants the station to initialize security with. ZeroHashedId8 means
// "no security", the only value Veloce currently accepts (see
// State.handleInitialize).
type UtInitializeReq struct {
	HashedID security.HashedId8
}

// ZeroHashedId8 is the sentinel UtInitialize payload requesting an
// unauthenticated session.
var ZeroHashedId8 security.HashedId8

// ParseUtInitializeReq parses an 8-byte UtInitialize payload.
func ParseUtInitializeReq(b []byte) (UtInitializeReq, error) {
	if len(b) < 8 {
		return UtInitializeReq{}, ErrTruncated
	}
	var req UtInitializeReq
	copy(req.HashedID[:], b[:8])
	return req, nil
}

// UtChangePositionReq shifts the station's position by the given delta,
// in 10^-7 degree units, matching GeoArea's coordinate scale.
type UtChangePositionReq struct {
	DeltaLatitude  int32
	DeltaLongitude int32
}

// ParseUtChangePositionReq parses an 8-byte UtChangePosition payload.
func ParseUtChangePositionReq(b []byte) (UtChangePositionReq, error) {
	if len(b) < 8 {
		return UtChangePositionReq{}, ErrTruncated
	}
	return UtChangePositionReq{
		DeltaLatitude:  int32(binary.BigEndian.Uint32(b[0:4])),
		DeltaLongitude: int32(binary.BigEndian.Uint32(b[4:8])),
	}, nil
}

// readTrailingPayload reads a (uint16 length, bytes) suffix shared by every GN
// and BTP trigger payload, all of which end with an opaque upper-layer
// body.
func readTrailingPayload(b []byte, fixedLen int) ([]byte, error) {
	if len(b) < fixedLen+2 {
		return nil, ErrTruncated
	}
	n := int(binary.BigEndian.Uint16(b[fixedLen : fixedLen+2]))
	if len(b) < fixedLen+2+n {
		return nil, ErrTruncated
	}
	return b[fixedLen+2 : fixedLen+2+n], nil
}

// UtGnTriggerUnicastReq requests a unicast GN packet carrying payload be
// originated toward Destination.
type UtGnTriggerUnicastReq struct {
	Destination  gnet.StationID
	Lifetime     uint16 // seconds
	TrafficClass uint8
	Payload      []byte
}

// ParseUtGnTriggerUnicastReq parses a UtGnTriggerGeoUnicast payload.
func ParseUtGnTriggerUnicastReq(b []byte) (UtGnTriggerUnicastReq, error) {
	const fixed = 4 + 2 + 1
	if len(b) < fixed {
		return UtGnTriggerUnicastReq{}, ErrTruncated
	}
	payload, err := readTrailingPayload(b, fixed)
	if err != nil {
		return UtGnTriggerUnicastReq{}, err
	}
	return UtGnTriggerUnicastReq{
		Destination:  gnet.StationID(binary.BigEndian.Uint32(b[0:4])),
		Lifetime:     binary.BigEndian.Uint16(b[4:6]),
		TrafficClass: b[6],
		Payload:      payload,
	}, nil
}

// UtGnTriggerAreaReq requests a broadcast or anycast GN packet carrying
// payload be originated into Area, shared by UtGnTriggerGeoBroadcast and
// UtGnTriggerGeoAnycast.
type UtGnTriggerAreaReq struct {
	Area         gnet.GeoArea
	Lifetime     uint16
	TrafficClass uint8
	Payload      []byte
}

// ParseUtGnTriggerAreaReq parses a UtGnTriggerGeoBroadcast/Anycast payload.
func ParseUtGnTriggerAreaReq(b []byte) (UtGnTriggerAreaReq, error) {
	const fixed = gnet.GeoAreaLen + 2 + 1
	if len(b) < fixed {
		return UtGnTriggerAreaReq{}, ErrTruncated
	}
	area, err := gnet.ParseGeoArea(b[:gnet.GeoAreaLen])
	if err != nil {
		return UtGnTriggerAreaReq{}, err
	}
	payload, err := readTrailingPayload(b, fixed)
	if err != nil {
		return UtGnTriggerAreaReq{}, err
	}
	return UtGnTriggerAreaReq{
		Area:         area,
		Lifetime:     binary.BigEndian.Uint16(b[gnet.GeoAreaLen : gnet.GeoAreaLen+2]),
		TrafficClass: b[gnet.GeoAreaLen+2],
		Payload:      payload,
	}, nil
}

// UtGnTriggerShbReq requests a single-hop-broadcast GN packet.
type UtGnTriggerShbReq struct {
	TrafficClass uint8
	Payload      []byte
}

// ParseUtGnTriggerShbReq parses a UtGnTriggerShb payload.
func ParseUtGnTriggerShbReq(b []byte) (UtGnTriggerShbReq, error) {
	const fixed = 1
	if len(b) < fixed {
		return UtGnTriggerShbReq{}, ErrTruncated
	}
	payload, err := readTrailingPayload(b, fixed)
	if err != nil {
		return UtGnTriggerShbReq{}, err
	}
	return UtGnTriggerShbReq{TrafficClass: b[0], Payload: payload}, nil
}

// UtGnTriggerTsbReq requests a topologically-scoped-broadcast GN packet.
type UtGnTriggerTsbReq struct {
	HopLimit     uint8
	Lifetime     uint16
	TrafficClass uint8
	Payload      []byte
}

// ParseUtGnTriggerTsbReq parses a UtGnTriggerTsb payload.
func ParseUtGnTriggerTsbReq(b []byte) (UtGnTriggerTsbReq, error) {
	const fixed = 1 + 2 + 1
	if len(b) < fixed {
		return UtGnTriggerTsbReq{}, ErrTruncated
	}
	payload, err := readTrailingPayload(b, fixed)
	if err != nil {
		return UtGnTriggerTsbReq{}, err
	}
	return UtGnTriggerTsbReq{
		HopLimit:     b[0],
		Lifetime:     binary.BigEndian.Uint16(b[1:3]),
		TrafficClass: b[3],
		Payload:      payload,
	}, nil
}

// UtBtpTriggerAReq requests a bare BTP-A header be sent over GN single-hop
// broadcast, exercising the transport layer directly.
type UtBtpTriggerAReq struct {
	DestPort uint16
	SrcPort  uint16
}

// ParseUtBtpTriggerAReq parses a UtBtpTriggerA payload.
func ParseUtBtpTriggerAReq(b []byte) (UtBtpTriggerAReq, error) {
	if len(b) < 4 {
		return UtBtpTriggerAReq{}, ErrTruncated
	}
	return UtBtpTriggerAReq{
		DestPort: binary.BigEndian.Uint16(b[0:2]),
		SrcPort:  binary.BigEndian.Uint16(b[2:4]),
	}, nil
}

// UtBtpTriggerBReq is the BTP-B analogue of UtBtpTriggerAReq.
type UtBtpTriggerBReq struct {
	DestPort     uint16
	DestPortInfo uint16
}

// ParseUtBtpTriggerBReq parses a UtBtpTriggerB payload.
func ParseUtBtpTriggerBReq(b []byte) (UtBtpTriggerBReq, error) {
	if len(b) < 4 {
		return UtBtpTriggerBReq{}, ErrTruncated
	}
	return UtBtpTriggerBReq{
		DestPort:     binary.BigEndian.Uint16(b[0:2]),
		DestPortInfo: binary.BigEndian.Uint16(b[2:4]),
	}, nil
}

// denmOptionalFlags bitmask positions shared by UtDenmTrigger and
// UtDenmUpdate, marking which optional management-container fields the
// request actually sets.
const (
	flagValidityDuration uint8 = 1 << iota
	flagRepetition
	flagKeepAlive
	flagCause
)

// UtDenmTriggerReq is the fully-parsed UtDenmTrigger payload. Fields not
// flagged present take Engine/State defaults.
type UtDenmTriggerReq struct {
	DetectionTimeUnixMicros uint64
	Flags                   uint8
	ValidityDurationSec     uint32
	RepetitionDurationSec   uint32
	RepetitionIntervalSec   uint32
	KeepAliveSec            uint32
	CauseCode               uint8
	SubCauseCode            uint8
	RadiusMeters            uint16
}

// HasValidityDuration reports whether the request set a validity duration.
func (r UtDenmTriggerReq) HasValidityDuration() bool { return r.Flags&flagValidityDuration != 0 }

// HasRepetition reports whether the request set repetition parameters.
func (r UtDenmTriggerReq) HasRepetition() bool { return r.Flags&flagRepetition != 0 }

// HasKeepAlive reports whether the request set a keep-alive interval.
func (r UtDenmTriggerReq) HasKeepAlive() bool { return r.Flags&flagKeepAlive != 0 }

// HasCause reports whether the request set an explicit cause code.
func (r UtDenmTriggerReq) HasCause() bool { return r.Flags&flagCause != 0 }

const denmTriggerLen = 8 + 1 + 4 + 4 + 4 + 4 + 1 + 1 + 2

// ParseUtDenmTriggerReq parses a UtDenmTrigger payload.
func ParseUtDenmTriggerReq(b []byte) (UtDenmTriggerReq, error) {
	if len(b) < denmTriggerLen {
		return UtDenmTriggerReq{}, ErrTruncated
	}
	return UtDenmTriggerReq{
		DetectionTimeUnixMicros: binary.BigEndian.Uint64(b[0:8]),
		Flags:                   b[8],
		ValidityDurationSec:     binary.BigEndian.Uint32(b[9:13]),
		RepetitionDurationSec:   binary.BigEndian.Uint32(b[13:17]),
		RepetitionIntervalSec:   binary.BigEndian.Uint32(b[17:21]),
		KeepAliveSec:            binary.BigEndian.Uint32(b[21:25]),
		CauseCode:               b[25],
		SubCauseCode:            b[26],
		RadiusMeters:            binary.BigEndian.Uint16(b[27:29]),
	}, nil
}

// UtDenmTriggerResultPayload reports the ActionID assigned to a newly
// triggered event.
type UtDenmTriggerResultPayload struct {
	StationID gnet.StationID
	SeqNum    uint16
}

// Emit writes the 6-byte wire form of r.
func (r UtDenmTriggerResultPayload) Emit() []byte {
	out := make([]byte, 6)
	binary.BigEndian.PutUint32(out[0:4], uint32(r.StationID))
	binary.BigEndian.PutUint16(out[4:6], r.SeqNum)
	return out
}

// UtDenmUpdateReq identifies the event to update by the (stationId,
// seqNum) pair its original UtDenmTrigger reported, plus a detection time
// and two optional fields, validity duration and cause, selected by Flags.
type UtDenmUpdateReq struct {
	StationID               gnet.StationID
	SeqNum                  uint16
	DetectionTimeUnixMicros uint64
	Flags                   uint8
	ValidityDurationSec     uint32
	CauseCode               uint8
	SubCauseCode            uint8
}

// HasValidityDuration reports whether the update set a validity duration.
func (r UtDenmUpdateReq) HasValidityDuration() bool { return r.Flags&flagValidityDuration != 0 }

// HasCause reports whether the update set an explicit cause code.
func (r UtDenmUpdateReq) HasCause() bool { return r.Flags&flagCause != 0 }

const denmUpdateLen = 4 + 2 + 8 + 1 + 4 + 1 + 1

// ParseUtDenmUpdateReq parses a UtDenmUpdate payload.
func ParseUtDenmUpdateReq(b []byte) (UtDenmUpdateReq, error) {
	if len(b) < denmUpdateLen {
		return UtDenmUpdateReq{}, ErrTruncated
	}
	return UtDenmUpdateReq{
		StationID:               gnet.StationID(binary.BigEndian.Uint32(b[0:4])),
		SeqNum:                  binary.BigEndian.Uint16(b[4:6]),
		DetectionTimeUnixMicros: binary.BigEndian.Uint64(b[6:14]),
		Flags:                   b[14],
		ValidityDurationSec:     binary.BigEndian.Uint32(b[15:19]),
		CauseCode:               b[19],
		SubCauseCode:            b[20],
	}, nil
}

// ActionID reconstructs the denm.ActionID the request refers to.
func (r UtDenmUpdateReq) ActionID() denm.ActionID {
	return denm.ActionID{StationID: r.StationID, SeqNum: r.SeqNum}
}

// UtDenmTerminationReq identifies an event to cancel (if locally
// originated) or negate (if it is a peer's event the station has
// observed) by its ActionID.
type UtDenmTerminationReq struct {
	StationID gnet.StationID
	SeqNum    uint16
}

// ParseUtDenmTerminationReq parses a UtDenmTermination payload.
func ParseUtDenmTerminationReq(b []byte) (UtDenmTerminationReq, error) {
	if len(b) < 6 {
		return UtDenmTerminationReq{}, ErrTruncated
	}
	return UtDenmTerminationReq{
		StationID: gnet.StationID(binary.BigEndian.Uint32(b[0:4])),
		SeqNum:    binary.BigEndian.Uint16(b[4:6]),
	}, nil
}

// ActionID reconstructs the denm.ActionID the request refers to.
func (r UtDenmTerminationReq) ActionID() denm.ActionID {
	return denm.ActionID{StationID: r.StationID, SeqNum: r.SeqNum}
}

// EmitUtGnEventInd wraps an inbound GN indication's raw upper-layer
// payload for delivery to the bound UT client.
func EmitUtGnEventInd(payload []byte) []byte {
	out := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(out[0:2], uint16(len(payload)))
	copy(out[2:], payload)
	return EmitPacket(UtGnEventInd, out)
}

// EmitUtDenmEventInd wraps a RecvEvent's kind and encoded message for
// delivery to the bound UT client.
func EmitUtDenmEventInd(kind denm.RecvKind, encoded []byte) []byte {
	out := make([]byte, 1+2+len(encoded))
	out[0] = byte(kind)
	binary.BigEndian.PutUint16(out[1:3], uint16(len(encoded)))
	copy(out[3:], encoded)
	return EmitPacket(UtDenmEventInd, out)
}
