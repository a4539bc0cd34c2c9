// Package btp implements the Basic Transport Protocol: a 4-byte port
// header atop GeoNetworking, with no flow control or reliability.
package btp

import (
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/veloce/veloce/gnet"
)

// ErrTruncated is returned when a buffer is too short to hold a BTP
// header.
var ErrTruncated = fmt.Errorf("btp: truncated buffer")

const headerLen = 4

// HeaderA is the BTP-A header: source and destination ports, used for
// connection-oriented-flavored exchanges such as request/response.
type HeaderA struct {
	DestPort uint16
	SrcPort  uint16
}

// ParseHeaderA parses a 4-byte BTP-A header.
func ParseHeaderA(b []byte) (HeaderA, error) {
	if len(b) < headerLen {
		return HeaderA{}, ErrTruncated
	}
	return HeaderA{
		DestPort: binary.BigEndian.Uint16(b[0:2]),
		SrcPort:  binary.BigEndian.Uint16(b[2:4]),
	}, nil
}

// Emit writes the 4-byte wire form of h into b.
func (h HeaderA) Emit(b []byte) error {
	if len(b) < headerLen {
		return ErrTruncated
	}
	binary.BigEndian.PutUint16(b[0:2], h.DestPort)
	binary.BigEndian.PutUint16(b[2:4], h.SrcPort)
	return nil
}

// HeaderB is the BTP-B header: destination port and destination port
// info, used for connectionless broadcast-style exchanges (e.g. DENM).
type HeaderB struct {
	DestPort     uint16
	DestPortInfo uint16
}

// ParseHeaderB parses a 4-byte BTP-B header.
func ParseHeaderB(b []byte) (HeaderB, error) {
	if len(b) < headerLen {
		return HeaderB{}, ErrTruncated
	}
	return HeaderB{
		DestPort:     binary.BigEndian.Uint16(b[0:2]),
		DestPortInfo: binary.BigEndian.Uint16(b[2:4]),
	}, nil
}

// Emit writes the 4-byte wire form of h into b.
func (h HeaderB) Emit(b []byte) error {
	if len(b) < headerLen {
		return ErrTruncated
	}
	binary.BigEndian.PutUint16(b[0:2], h.DestPort)
	binary.BigEndian.PutUint16(b[2:4], h.DestPortInfo)
	return nil
}

// Receiver handles a payload delivered to a registered port.
type Receiver interface {
	ReceiveBTP(payload []byte, sender gnet.StationID, senderLPV gnet.LongPositionVector)
}

// ReceiverFunc adapts a plain function to the Receiver interface.
type ReceiverFunc func(payload []byte, sender gnet.StationID, senderLPV gnet.LongPositionVector)

// ReceiveBTP implements Receiver.
func (f ReceiverFunc) ReceiveBTP(payload []byte, sender gnet.StationID, senderLPV gnet.LongPositionVector) {
	f(payload, sender, senderLPV)
}

// Demux dispatches BTP-A/BTP-B packets delivered by the GeoNetworking
// forwarder to registered per-port receivers. It implements
// gnet.UpperLayer so a Router can deliver directly into it. Not safe for
// concurrent use; register/unregister and delivery all happen from the
// single core goroutine.
type Demux struct {
	receivers map[uint16]Receiver
}

// NewDemux constructs an empty port demultiplexer.
func NewDemux() *Demux {
	return &Demux{receivers: make(map[uint16]Receiver)}
}

// Register binds a receiver to a destination port. Registering on an
// already-bound port replaces the previous receiver.
func (d *Demux) Register(port uint16, r Receiver) {
	d.receivers[port] = r
}

// Unregister removes any receiver bound to port.
func (d *Demux) Unregister(port uint16) {
	delete(d.receivers, port)
}

// Deliver implements gnet.UpperLayer: it strips the 4-byte BTP header
// (A or B, both share dest port at the same offset) and dispatches to the
// registered receiver for that port, dropping silently if none is
// registered.
func (d *Demux) Deliver(ind gnet.Indication) {
	if len(ind.Payload) < headerLen {
		log.Debugf("btp: dropping truncated packet")
		return
	}
	destPort := binary.BigEndian.Uint16(ind.Payload[0:2])
	body := ind.Payload[headerLen:]

	r, ok := d.receivers[destPort]
	if !ok {
		log.Debugf("btp: no receiver registered on port %d, dropping", destPort)
		return
	}
	r.ReceiveBTP(body, ind.Sender, ind.SenderLPV)
}

// EncodeA prepends a BTP-A header to payload.
func EncodeA(h HeaderA, payload []byte) ([]byte, error) {
	out := make([]byte, headerLen+len(payload))
	if err := h.Emit(out[:headerLen]); err != nil {
		return nil, err
	}
	copy(out[headerLen:], payload)
	return out, nil
}

// EncodeB prepends a BTP-B header to payload.
func EncodeB(h HeaderB, payload []byte) ([]byte, error) {
	out := make([]byte, headerLen+len(payload))
	if err := h.Emit(out[:headerLen]); err != nil {
		return nil, err
	}
	copy(out[headerLen:], payload)
	return out, nil
}
