package denm

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/veloce/veloce/gnet"
)

// ErrTruncated is returned when a buffer is too short to hold a DENM
// message.
var ErrTruncated = fmt.Errorf("denm: truncated message")

// Message is a decoded DENM: the management container fields every DENM
// carries, plus the three optional containers carried opaque (situation,
// location, alacarte) since Veloce does not implement the full ASN.1
// COER binding for their contents — callers that need to interpret them
// decode the relevant ETSI TS 102 894-2 container themselves.
type Message struct {
	ActionID         ActionID
	DetectionTime    time.Time
	ReferenceTime    time.Time
	Termination      Termination
	Area             gnet.GeoArea
	ValidityDuration time.Duration
	Cause            Cause

	SituationContainer []byte
	LocationContainer  []byte
	AlacarteContainer  []byte
}

// Unknown extension bytes in the alacarte container are preserved
// verbatim and surfaced to the application rather than rejected, per the
// forward-compatibility policy for non_exhaustive ASN.1 fields.

const fixedLen = 4 + 2 + 8 + 8 + 1 + gnet.GeoAreaLen + 8 + 1 + 1

func epochMicros(t time.Time) uint64 {
	return uint64(t.Sub(gnet.Epoch2004).Microseconds())
}

func timeFromEpochMicros(u uint64) time.Time {
	return gnet.Epoch2004.Add(time.Duration(u) * time.Microsecond)
}

// Encode produces the wire form of m: a fixed management-container header
// followed by three length-prefixed opaque container blobs.
func Encode(m Message) []byte {
	out := make([]byte, fixedLen)
	binary.BigEndian.PutUint32(out[0:4], uint32(m.ActionID.StationID))
	binary.BigEndian.PutUint16(out[4:6], m.ActionID.SeqNum)
	binary.BigEndian.PutUint64(out[6:14], epochMicros(m.DetectionTime))
	binary.BigEndian.PutUint64(out[14:22], epochMicros(m.ReferenceTime))
	out[22] = byte(m.Termination)
	m.Area.Emit(out[23 : 23+gnet.GeoAreaLen])
	binary.BigEndian.PutUint64(out[23+gnet.GeoAreaLen:31+gnet.GeoAreaLen], uint64(m.ValidityDuration.Milliseconds()))
	out[31+gnet.GeoAreaLen] = m.Cause.Code
	out[32+gnet.GeoAreaLen] = m.Cause.SubCode

	out = appendContainer(out, m.SituationContainer)
	out = appendContainer(out, m.LocationContainer)
	out = appendContainer(out, m.AlacarteContainer)
	return out
}

func appendContainer(buf, container []byte) []byte {
	var lenBytes [2]byte
	binary.BigEndian.PutUint16(lenBytes[:], uint16(len(container)))
	buf = append(buf, lenBytes[:]...)
	return append(buf, container...)
}

// Decode parses the wire form produced by Encode.
func Decode(raw []byte) (Message, error) {
	if len(raw) < fixedLen {
		return Message{}, ErrTruncated
	}
	var m Message
	m.ActionID.StationID = gnet.StationID(binary.BigEndian.Uint32(raw[0:4]))
	m.ActionID.SeqNum = binary.BigEndian.Uint16(raw[4:6])
	m.DetectionTime = timeFromEpochMicros(binary.BigEndian.Uint64(raw[6:14]))
	m.ReferenceTime = timeFromEpochMicros(binary.BigEndian.Uint64(raw[14:22]))
	m.Termination = Termination(raw[22])
	area, err := gnet.ParseGeoArea(raw[23 : 23+gnet.GeoAreaLen])
	if err != nil {
		return Message{}, err
	}
	m.Area = area
	m.ValidityDuration = time.Duration(binary.BigEndian.Uint64(raw[23+gnet.GeoAreaLen:31+gnet.GeoAreaLen])) * time.Millisecond
	m.Cause.Code = raw[31+gnet.GeoAreaLen]
	m.Cause.SubCode = raw[32+gnet.GeoAreaLen]

	off := fixedLen
	m.SituationContainer, off, err = readContainer(raw, off)
	if err != nil {
		return Message{}, err
	}
	m.LocationContainer, off, err = readContainer(raw, off)
	if err != nil {
		return Message{}, err
	}
	m.AlacarteContainer, _, err = readContainer(raw, off)
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

func readContainer(raw []byte, off int) ([]byte, int, error) {
	if off+2 > len(raw) {
		return nil, 0, ErrTruncated
	}
	n := int(binary.BigEndian.Uint16(raw[off : off+2]))
	off += 2
	if off+n > len(raw) {
		return nil, 0, ErrTruncated
	}
	container := append([]byte{}, raw[off:off+n]...)
	return container, off + n, nil
}
