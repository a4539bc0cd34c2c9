// Package gnet implements the ETSI EN 302 636-4-1 GeoNetworking layer: wire
// encoding, the neighbor location table, packet buffering, duplicate
// detection, contention-based forwarding and the forwarder state machine
// that ties them together.
package gnet

import (
	"encoding/binary"
	"fmt"
	"time"
)

// StationID is the 32-bit opaque identifier a station uses while a given
// pseudonym is active. It changes at pseudonym-change events.
type StationID uint32

// Epoch2004 is the ETSI ITS reference epoch: 2004-01-01T00:00:00Z TAI.
// Exported so other packages (security envelope generation_time) can
// share the same reference instant.
var Epoch2004 = time.Date(2004, time.January, 1, 0, 0, 0, 0, time.UTC)

// epoch2004 is an unexported alias kept for brevity within this package.
var epoch2004 = Epoch2004

// Timestamp is milliseconds since epoch2004, truncated to 32 bits (wraps
// roughly every 49.7 days, per EN 302 636-4-1).
type Timestamp uint32

// TimestampFromTime converts a wall-clock time to a GeoNetworking Timestamp.
func TimestampFromTime(t time.Time) Timestamp {
	ms := t.Sub(epoch2004).Milliseconds()
	return Timestamp(uint32(ms))
}

// Delta returns t-other accounting for the 32-bit wraparound, as a
// time.Duration. A positive result means t is later than other.
func (t Timestamp) Delta(other Timestamp) time.Duration {
	diff := int32(t - other)
	return time.Duration(diff) * time.Millisecond
}

// GnAddress is the 8-byte GeoNetworking address: a manually-configured
// flag, station type, country code and a MAC-like link-layer identifier.
type GnAddress struct {
	ManualFlag  bool
	StationType uint8 // 5 bits
	CountryCode uint16 // 10 bits
	LLAddr      [6]byte
}

const gnAddressLen = 8

// ErrTruncated is returned whenever a buffer is too short for the field
// layout being parsed.
var ErrTruncated = fmt.Errorf("gnet: truncated buffer")

// ParseGnAddress parses the 8-byte wire form of a GnAddress.
func ParseGnAddress(b []byte) (GnAddress, error) {
	if len(b) < gnAddressLen {
		return GnAddress{}, ErrTruncated
	}
	v := binary.BigEndian.Uint16(b[0:2])
	var a GnAddress
	a.ManualFlag = v&0x8000 != 0
	a.StationType = uint8((v >> 10) & 0x1f)
	a.CountryCode = v & 0x03ff
	copy(a.LLAddr[:], b[2:8])
	return a, nil
}

// Emit writes the 8-byte wire form of a into b, which must be at least
// gnAddressLen bytes.
func (a GnAddress) Emit(b []byte) error {
	if len(b) < gnAddressLen {
		return ErrTruncated
	}
	var v uint16
	if a.ManualFlag {
		v |= 0x8000
	}
	v |= uint16(a.StationType&0x1f) << 10
	v |= a.CountryCode & 0x03ff
	binary.BigEndian.PutUint16(b[0:2], v)
	copy(b[2:8], a.LLAddr[:])
	return nil
}

// StationID extracts the low 32 bits of the link-layer identifier as a
// StationID, the convention this stack uses to avoid carrying two separate
// identifiers for the same peer.
func (a GnAddress) StationID() StationID {
	return StationID(binary.BigEndian.Uint32(a.LLAddr[2:6]))
}

// LongPositionVector is the sender's position proof carried in every
// originated packet: station address, timestamp, coordinates, accuracy and
// kinematics.
type LongPositionVector struct {
	Address          GnAddress
	Timestamp        Timestamp
	Latitude         int32 // 1/10 microdegree (10^-7 degree)
	Longitude        int32
	PositionAccurate bool
	Speed            uint16 // 0.01 m/s, unsigned magnitude
	Heading          uint16 // 0.1 degree, 0..3599
}

const lpvLen = 24

// ParseLongPositionVector parses a 24-byte LPV.
func ParseLongPositionVector(b []byte) (LongPositionVector, error) {
	if len(b) < lpvLen {
		return LongPositionVector{}, ErrTruncated
	}
	addr, err := ParseGnAddress(b[0:8])
	if err != nil {
		return LongPositionVector{}, err
	}
	speedField := binary.BigEndian.Uint16(b[20:22])
	return LongPositionVector{
		Address:          addr,
		Timestamp:        Timestamp(binary.BigEndian.Uint32(b[8:12])),
		Latitude:         int32(binary.BigEndian.Uint32(b[12:16])),
		Longitude:        int32(binary.BigEndian.Uint32(b[16:20])),
		PositionAccurate: speedField&0x8000 != 0,
		Speed:            speedField & 0x7fff,
		Heading:          binary.BigEndian.Uint16(b[22:24]),
	}, nil
}

// Emit writes the 24-byte wire form of v into b.
func (v LongPositionVector) Emit(b []byte) error {
	if len(b) < lpvLen {
		return ErrTruncated
	}
	if err := v.Address.Emit(b[0:8]); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(b[8:12], uint32(v.Timestamp))
	binary.BigEndian.PutUint32(b[12:16], uint32(v.Latitude))
	binary.BigEndian.PutUint32(b[16:20], uint32(v.Longitude))
	speedField := v.Speed & 0x7fff
	if v.PositionAccurate {
		speedField |= 0x8000
	}
	binary.BigEndian.PutUint16(b[20:22], speedField)
	binary.BigEndian.PutUint16(b[22:24], v.Heading)
	return nil
}

// Short returns the ShortPositionVector form of v (kinematic fields
// dropped), as carried in forwarded GBC/TSB headers.
func (v LongPositionVector) Short() ShortPositionVector {
	return ShortPositionVector{
		Address:   v.Address,
		Timestamp: v.Timestamp,
		Latitude:  v.Latitude,
		Longitude: v.Longitude,
	}
}

// StationID is a convenience accessor for v.Address.StationID().
func (v LongPositionVector) StationID() StationID {
	return v.Address.StationID()
}

// ShortPositionVector is an LPV without speed/heading, used in forwarded
// transport headers where kinematics are not needed.
type ShortPositionVector struct {
	Address   GnAddress
	Timestamp Timestamp
	Latitude  int32
	Longitude int32
}

const spvLen = 20

// ParseShortPositionVector parses a 20-byte SPV.
func ParseShortPositionVector(b []byte) (ShortPositionVector, error) {
	if len(b) < spvLen {
		return ShortPositionVector{}, ErrTruncated
	}
	addr, err := ParseGnAddress(b[0:8])
	if err != nil {
		return ShortPositionVector{}, err
	}
	return ShortPositionVector{
		Address:   addr,
		Timestamp: Timestamp(binary.BigEndian.Uint32(b[8:12])),
		Latitude:  int32(binary.BigEndian.Uint32(b[12:16])),
		Longitude: int32(binary.BigEndian.Uint32(b[16:20])),
	}, nil
}

// Emit writes the 20-byte wire form of v into b.
func (v ShortPositionVector) Emit(b []byte) error {
	if len(b) < spvLen {
		return ErrTruncated
	}
	if err := v.Address.Emit(b[0:8]); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(b[8:12], uint32(v.Timestamp))
	binary.BigEndian.PutUint32(b[12:16], uint32(v.Latitude))
	binary.BigEndian.PutUint32(b[16:20], uint32(v.Longitude))
	return nil
}

// StationID is a convenience accessor for v.Address.StationID().
func (v ShortPositionVector) StationID() StationID {
	return v.Address.StationID()
}
