package gnet

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Errors returned by the wire codec. Parse failures are always one of
// these so the forwarder can classify and swallow remote-fault errors per
// the taxonomy in the design.
var (
	ErrVersionMismatch   = fmt.Errorf("gnet: version mismatch")
	ErrUnknownNextHeader = fmt.Errorf("gnet: unknown next header")
	ErrMalformedLength   = fmt.Errorf("gnet: malformed length")
)

// Version is the only GeoNetworking protocol version this stack emits or
// accepts.
const Version uint8 = 1

// NextHeader identifies what follows the basic header.
type NextHeader uint8

// Values of the basic header's NextHeader field.
const (
	NextHeaderAny    NextHeader = 0
	NextHeaderBTPA   NextHeader = 1
	NextHeaderBTPB   NextHeader = 2
	NextHeaderSecured NextHeader = 3
)

// HeaderType identifies the common header's transport family.
type HeaderType uint8

// HeaderType values, per EN 302 636-4-1 Table 9.
const (
	HeaderTypeLocationService HeaderType = 1
	HeaderTypeUnicast         HeaderType = 2
	HeaderTypeBroadcast       HeaderType = 3 // subtype distinguishes SHB/TSB
	HeaderTypeGeoBroadcast    HeaderType = 4 // subtype distinguishes shape
	HeaderTypeGeoAnycast      HeaderType = 5 // subtype distinguishes shape
)

// Subtypes for HeaderTypeLocationService.
const (
	SubtypeLSRequest uint8 = 0
	SubtypeLSReply   uint8 = 1
)

// Subtypes for HeaderTypeBroadcast.
const (
	SubtypeSHB uint8 = 0
	SubtypeTSB uint8 = 1
)

// Subtypes for HeaderTypeGeoBroadcast / HeaderTypeGeoAnycast: mirror Shape.
const (
	SubtypeCircle    uint8 = uint8(ShapeCircle)
	SubtypeRectangle uint8 = uint8(ShapeRectangle)
	SubtypeEllipse   uint8 = uint8(ShapeEllipse)
)

// BasicHeader is the outermost 4-byte GeoNetworking header.
type BasicHeader struct {
	Version           uint8
	NextHeader        NextHeader
	Lifetime          time.Duration
	RemainingHopLimit uint8
}

const basicHeaderLen = 4

// DefaultMaxPacketLifetime is the basic header lifetime a caller should
// use absent a more specific per-message value.
const DefaultMaxPacketLifetime = 600 * time.Second

// lifetimeBases are the four base units the 2-bit Base field selects
// between, paired with the max representable multiplier of 63.
var lifetimeBases = [4]time.Duration{
	50 * time.Millisecond,
	1 * time.Second,
	10 * time.Second,
	100 * time.Second,
}

func encodeLifetime(d time.Duration) byte {
	if d <= 0 {
		return 0
	}
	for base := len(lifetimeBases) - 1; base >= 0; base-- {
		unit := lifetimeBases[base]
		mult := d / unit
		if mult <= 63 {
			if mult == 0 && base != 0 {
				continue
			}
			if mult > 63 {
				mult = 63
			}
			return byte(mult)<<2 | byte(base)
		}
	}
	return 0xff // saturate to max representable lifetime (base=100s, mult=63)
}

func decodeLifetime(b byte) time.Duration {
	base := lifetimeBases[b&0x03]
	mult := time.Duration(b >> 2)
	return mult * base
}

// ParseBasicHeader parses the 4-byte basic header.
func ParseBasicHeader(b []byte) (BasicHeader, error) {
	if len(b) < basicHeaderLen {
		return BasicHeader{}, ErrTruncated
	}
	version := b[0] >> 4
	if version != Version {
		return BasicHeader{}, ErrVersionMismatch
	}
	return BasicHeader{
		Version:           version,
		NextHeader:        NextHeader(b[0] & 0x0f),
		Lifetime:          decodeLifetime(b[2]),
		RemainingHopLimit: b[3],
	}, nil
}

// Emit writes the 4-byte wire form of h into b.
func (h BasicHeader) Emit(b []byte) error {
	if len(b) < basicHeaderLen {
		return ErrTruncated
	}
	b[0] = Version<<4 | byte(h.NextHeader&0x0f)
	b[1] = 0
	b[2] = encodeLifetime(h.Lifetime)
	b[3] = h.RemainingHopLimit
	return nil
}

// CommonHeader is the 8-byte header following the basic header, shared by
// every transport type.
type CommonHeader struct {
	NextHeader    NextHeader
	Type          HeaderType
	Subtype       uint8
	TrafficClass  uint8
	Flags         uint8
	PayloadLength uint16
	MaxHopLimit   uint8
}

const commonHeaderLen = 8

// FlagMobile marks the originating station as mobile (vs. stationary RSU).
const FlagMobile uint8 = 0x01

// ParseCommonHeader parses the 8-byte common header.
func ParseCommonHeader(b []byte) (CommonHeader, error) {
	if len(b) < commonHeaderLen {
		return CommonHeader{}, ErrTruncated
	}
	return CommonHeader{
		NextHeader:    NextHeader(b[0] >> 4),
		Type:          HeaderType(b[1] >> 4),
		Subtype:       b[1] & 0x0f,
		TrafficClass:  b[2],
		Flags:         b[3],
		PayloadLength: binary.BigEndian.Uint16(b[4:6]),
		MaxHopLimit:   b[6],
	}, nil
}

// Emit writes the 8-byte wire form of h into b.
func (h CommonHeader) Emit(b []byte) error {
	if len(b) < commonHeaderLen {
		return ErrTruncated
	}
	b[0] = byte(h.NextHeader&0x0f) << 4
	b[1] = byte(h.Type&0x0f)<<4 | (h.Subtype & 0x0f)
	b[2] = h.TrafficClass
	b[3] = h.Flags
	binary.BigEndian.PutUint16(b[4:6], h.PayloadLength)
	b[6] = h.MaxHopLimit
	b[7] = 0
	return nil
}

// Transport is the closed set of GeoNetworking forwarding disciplines. The
// set is fixed by the standard, so this is a tagged union expressed as a
// struct with a discriminant, not an interface with multiple
// implementations — there is exactly one decision tree over it, in the
// forwarder.
type TransportKind uint8

// TransportKind values.
const (
	TransportUnicast TransportKind = iota
	TransportSingleHopBroadcast
	TransportTopoBroadcast
	TransportBroadcast
	TransportAnycast
	TransportLSRequest
	TransportLSReply
)

// Transport describes the addressing and forwarding discipline for a
// packet, carrying only the fields relevant to its kind.
type Transport struct {
	Kind        TransportKind
	Destination StationID // Unicast, LSRequest (requested id)
	MaxHops     uint8     // TopoBroadcast
	Area        GeoArea   // Broadcast, Anycast
}

const seqNumFieldLen = 4 // 2 bytes seq num + 2 bytes reserved

func parseSeqNumField(b []byte) (SequenceNumber, error) {
	if len(b) < seqNumFieldLen {
		return 0, ErrTruncated
	}
	return SequenceNumber(binary.BigEndian.Uint16(b[0:2])), nil
}

func emitSeqNumField(b []byte, sn SequenceNumber) error {
	if len(b) < seqNumFieldLen {
		return ErrTruncated
	}
	binary.BigEndian.PutUint16(b[0:2], uint16(sn))
	binary.BigEndian.PutUint16(b[2:4], 0)
	return nil
}

// Packet is a fully parsed/assembled GeoNetworking packet: basic and
// common headers, the transport-specific extended header fields, the
// sender's position vector, and the opaque upper-layer payload.
type Packet struct {
	Basic     BasicHeader
	Common    CommonHeader
	Transport Transport
	SeqNum    SequenceNumber
	SenderLPV LongPositionVector
	// DestLPV is populated only for LSReply, carrying the position of the
	// station that originally issued the LSRequest.
	DestLPV LongPositionVector
	Payload []byte
}

// extHeaderLen returns the length in bytes of the transport-specific
// extended header (after common header, before payload) for kind.
func extHeaderLen(kind TransportKind) int {
	switch kind {
	case TransportUnicast:
		return seqNumFieldLen + lpvLen + gnAddressLen
	case TransportSingleHopBroadcast, TransportTopoBroadcast:
		return seqNumFieldLen + lpvLen
	case TransportBroadcast, TransportAnycast:
		return seqNumFieldLen + lpvLen + geoAreaLen
	case TransportLSRequest:
		return seqNumFieldLen + lpvLen + 4
	case TransportLSReply:
		return seqNumFieldLen + lpvLen + lpvLen
	default:
		return -1
	}
}

func kindFromCommon(c CommonHeader) (TransportKind, error) {
	switch c.Type {
	case HeaderTypeUnicast:
		return TransportUnicast, nil
	case HeaderTypeBroadcast:
		if c.Subtype == SubtypeSHB {
			return TransportSingleHopBroadcast, nil
		}
		return TransportTopoBroadcast, nil
	case HeaderTypeGeoBroadcast:
		return TransportBroadcast, nil
	case HeaderTypeGeoAnycast:
		return TransportAnycast, nil
	case HeaderTypeLocationService:
		if c.Subtype == SubtypeLSRequest {
			return TransportLSRequest, nil
		}
		return TransportLSReply, nil
	default:
		return 0, ErrUnknownNextHeader
	}
}

func commonFromKind(kind TransportKind, area GeoArea) (typ HeaderType, subtype uint8) {
	switch kind {
	case TransportUnicast:
		return HeaderTypeUnicast, 0
	case TransportSingleHopBroadcast:
		return HeaderTypeBroadcast, SubtypeSHB
	case TransportTopoBroadcast:
		return HeaderTypeBroadcast, SubtypeTSB
	case TransportBroadcast:
		return HeaderTypeGeoBroadcast, uint8(area.Shape)
	case TransportAnycast:
		return HeaderTypeGeoAnycast, uint8(area.Shape)
	case TransportLSRequest:
		return HeaderTypeLocationService, SubtypeLSRequest
	case TransportLSReply:
		return HeaderTypeLocationService, SubtypeLSReply
	}
	return 0, 0
}

// ParsePacket parses a full GeoNetworking packet: basic header, common
// header, the transport-specific extended header and the remaining
// payload bytes.
func ParsePacket(b []byte) (Packet, error) {
	var p Packet
	basic, err := ParseBasicHeader(b)
	if err != nil {
		return p, err
	}
	if len(b) < basicHeaderLen+commonHeaderLen {
		return p, ErrTruncated
	}
	common, err := ParseCommonHeader(b[basicHeaderLen:])
	if err != nil {
		return p, err
	}
	kind, err := kindFromCommon(common)
	if err != nil {
		return p, err
	}
	hLen := extHeaderLen(kind)
	extOff := basicHeaderLen + commonHeaderLen
	if len(b) < extOff+hLen {
		return p, ErrTruncated
	}
	ext := b[extOff : extOff+hLen]
	seq, err := parseSeqNumField(ext)
	if err != nil {
		return p, err
	}
	lpv, err := ParseLongPositionVector(ext[seqNumFieldLen:])
	if err != nil {
		return p, err
	}
	p.Basic = basic
	p.Common = common
	p.SeqNum = seq
	p.SenderLPV = lpv
	tail := ext[seqNumFieldLen+lpvLen:]
	switch kind {
	case TransportUnicast:
		addr, err := ParseGnAddress(tail)
		if err != nil {
			return p, err
		}
		p.Transport = Transport{Kind: TransportUnicast, Destination: addr.StationID()}
	case TransportSingleHopBroadcast:
		p.Transport = Transport{Kind: TransportSingleHopBroadcast}
	case TransportTopoBroadcast:
		p.Transport = Transport{Kind: TransportTopoBroadcast, MaxHops: common.MaxHopLimit}
	case TransportBroadcast, TransportAnycast:
		area, err := ParseGeoArea(tail)
		if err != nil {
			return p, err
		}
		p.Transport = Transport{Kind: kind, Area: area}
	case TransportLSRequest:
		p.Transport = Transport{Kind: TransportLSRequest, Destination: StationID(binary.BigEndian.Uint32(tail[0:4]))}
	case TransportLSReply:
		destLPV, err := ParseLongPositionVector(tail)
		if err != nil {
			return p, err
		}
		p.DestLPV = destLPV
		p.Transport = Transport{Kind: TransportLSReply}
	}

	payloadOff := extOff + hLen
	if int(common.PayloadLength) > len(b)-payloadOff {
		return p, ErrMalformedLength
	}
	p.Payload = b[payloadOff : payloadOff+int(common.PayloadLength)]
	return p, nil
}

// Len returns the total wire length of p once emitted.
func (p Packet) Len() int {
	return basicHeaderLen + commonHeaderLen + extHeaderLen(p.Transport.Kind) + len(p.Payload)
}

// Emit serializes p into b, which must be at least p.Len() bytes, and
// returns the number of bytes written.
func (p Packet) Emit(b []byte) (int, error) {
	n := p.Len()
	if len(b) < n {
		return 0, ErrTruncated
	}
	p.Common.NextHeader = p.Basic.NextHeader
	p.Common.Type, p.Common.Subtype = commonFromKind(p.Transport.Kind, p.Transport.Area)
	p.Common.PayloadLength = uint16(len(p.Payload))
	if p.Transport.Kind == TransportTopoBroadcast {
		p.Common.MaxHopLimit = p.Transport.MaxHops
	}

	if err := p.Basic.Emit(b[0:basicHeaderLen]); err != nil {
		return 0, err
	}
	if err := p.Common.Emit(b[basicHeaderLen : basicHeaderLen+commonHeaderLen]); err != nil {
		return 0, err
	}
	extOff := basicHeaderLen + commonHeaderLen
	ext := b[extOff:n]
	if err := emitSeqNumField(ext, p.SeqNum); err != nil {
		return 0, err
	}
	if err := p.SenderLPV.Emit(ext[seqNumFieldLen:]); err != nil {
		return 0, err
	}
	tail := ext[seqNumFieldLen+lpvLen:]
	switch p.Transport.Kind {
	case TransportUnicast:
		addr := GnAddress{}
		binary.BigEndian.PutUint32(addr.LLAddr[2:6], uint32(p.Transport.Destination))
		if err := addr.Emit(tail); err != nil {
			return 0, err
		}
	case TransportSingleHopBroadcast:
		// no tail
	case TransportTopoBroadcast:
		// no tail, hop count lives in common header
	case TransportBroadcast, TransportAnycast:
		if err := p.Transport.Area.Emit(tail); err != nil {
			return 0, err
		}
	case TransportLSRequest:
		binary.BigEndian.PutUint32(tail[0:4], uint32(p.Transport.Destination))
	case TransportLSReply:
		if err := p.DestLPV.Emit(tail); err != nil {
			return 0, err
		}
	}
	payloadOff := extOff + extHeaderLen(p.Transport.Kind)
	copy(b[payloadOff:n], p.Payload)
	return n, nil
}

// Bytes allocates a buffer and emits p into it.
func (p Packet) Bytes() ([]byte, error) {
	buf := make([]byte, p.Len())
	n, err := p.Emit(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}
