package conformance

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veloce/veloce/denm"
	"github.com/veloce/veloce/gnet"
)

func TestParsePacketRoundTrip(t *testing.T) {
	raw := EmitPacket(UtChangePosition, []byte{1, 2, 3, 4})
	pkt, err := ParsePacket(raw)
	require.NoError(t, err)
	assert.Equal(t, UtChangePosition, pkt.Type)
	assert.Equal(t, []byte{1, 2, 3, 4}, pkt.Payload)
}

func TestParsePacketRejectsTruncated(t *testing.T) {
	_, err := ParsePacket(nil)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestParsePacketRejectsUnknownType(t *testing.T) {
	_, err := ParsePacket([]byte{0xff})
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestEmitResult(t *testing.T) {
	raw := EmitResult(UtInitializeResult, ResultSuccess)
	assert.Equal(t, []byte{byte(UtInitializeResult), byte(ResultSuccess)}, raw)
}

func TestParseUtInitializeReq(t *testing.T) {
	req, err := ParseUtInitializeReq(make([]byte, 8))
	require.NoError(t, err)
	assert.Equal(t, ZeroHashedId8, req.HashedID)

	_, err = ParseUtInitializeReq(make([]byte, 4))
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestParseUtChangePositionReq(t *testing.T) {
	payload := make([]byte, 8)
	payload[3] = 10  // deltaLat = 10
	payload[7] = 255 // deltaLon = 255
	req, err := ParseUtChangePositionReq(payload)
	require.NoError(t, err)
	assert.Equal(t, int32(10), req.DeltaLatitude)
	assert.Equal(t, int32(255), req.DeltaLongitude)
}

func TestParseUtGnTriggerUnicastReq(t *testing.T) {
	body := []byte("hello")
	payload := make([]byte, 4+2+1)
	payload[3] = 7 // destination StationID = 7
	payload[4] = 0
	payload[5] = 30 // lifetime = 30s
	payload[6] = 1  // traffic class
	payload = append(payload, 0, byte(len(body)))
	payload = append(payload, body...)

	req, err := ParseUtGnTriggerUnicastReq(payload)
	require.NoError(t, err)
	assert.Equal(t, gnet.StationID(7), req.Destination)
	assert.Equal(t, uint16(30), req.Lifetime)
	assert.Equal(t, uint8(1), req.TrafficClass)
	assert.Equal(t, body, req.Payload)
}

func TestParseUtGnTriggerAreaReq(t *testing.T) {
	area := gnet.GeoArea{Shape: gnet.ShapeCircle, Latitude: 1, Longitude: 2, DistanceA: 300}
	areaBytes := make([]byte, gnet.GeoAreaLen)
	require.NoError(t, area.Emit(areaBytes))

	body := []byte("area-body")
	payload := append([]byte{}, areaBytes...)
	payload = append(payload, 0, 10, 2)
	payload = append(payload, 0, byte(len(body)))
	payload = append(payload, body...)

	req, err := ParseUtGnTriggerAreaReq(payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(10), req.Lifetime)
	assert.Equal(t, uint8(2), req.TrafficClass)
	assert.Equal(t, body, req.Payload)
	assert.Equal(t, area.Latitude, req.Area.Latitude)
}

func TestParseUtGnTriggerShbReq(t *testing.T) {
	body := []byte("shb")
	payload := append([]byte{3}, 0, byte(len(body)))
	payload = append(payload, body...)
	req, err := ParseUtGnTriggerShbReq(payload)
	require.NoError(t, err)
	assert.Equal(t, uint8(3), req.TrafficClass)
	assert.Equal(t, body, req.Payload)
}

func TestParseUtGnTriggerTsbReq(t *testing.T) {
	body := []byte("tsb")
	payload := []byte{5, 0, 20, 9}
	payload = append(payload, 0, byte(len(body)))
	payload = append(payload, body...)
	req, err := ParseUtGnTriggerTsbReq(payload)
	require.NoError(t, err)
	assert.Equal(t, uint8(5), req.HopLimit)
	assert.Equal(t, uint16(20), req.Lifetime)
	assert.Equal(t, uint8(9), req.TrafficClass)
	assert.Equal(t, body, req.Payload)
}

func TestParseUtBtpTriggerAReq(t *testing.T) {
	req, err := ParseUtBtpTriggerAReq([]byte{0, 10, 0, 20})
	require.NoError(t, err)
	assert.Equal(t, uint16(10), req.DestPort)
	assert.Equal(t, uint16(20), req.SrcPort)
}

func TestParseUtBtpTriggerBReq(t *testing.T) {
	req, err := ParseUtBtpTriggerBReq([]byte{0, 10, 0, 20})
	require.NoError(t, err)
	assert.Equal(t, uint16(10), req.DestPort)
	assert.Equal(t, uint16(20), req.DestPortInfo)
}

func TestUtDenmTriggerReqFlags(t *testing.T) {
	payload := make([]byte, denmTriggerLen)
	payload[8] = flagValidityDuration | flagCause
	req, err := ParseUtDenmTriggerReq(payload)
	require.NoError(t, err)
	assert.True(t, req.HasValidityDuration())
	assert.True(t, req.HasCause())
	assert.False(t, req.HasRepetition())
	assert.False(t, req.HasKeepAlive())
}

func TestUtDenmTriggerResultPayloadEmit(t *testing.T) {
	r := UtDenmTriggerResultPayload{StationID: 42, SeqNum: 7}
	b := r.Emit()
	require.Len(t, b, 6)
	assert.Equal(t, binary.BigEndian.Uint32(b[0:4]), uint32(42))
	assert.Equal(t, binary.BigEndian.Uint16(b[4:6]), uint16(7))
}

func TestUtDenmUpdateReqActionID(t *testing.T) {
	req := UtDenmUpdateReq{StationID: 1, SeqNum: 2}
	assert.Equal(t, denm.ActionID{StationID: 1, SeqNum: 2}, req.ActionID())
}

func TestUtDenmTerminationReqRoundTrip(t *testing.T) {
	payload := []byte{0, 0, 0, 9, 0, 3}
	req, err := ParseUtDenmTerminationReq(payload)
	require.NoError(t, err)
	assert.Equal(t, denm.ActionID{StationID: 9, SeqNum: 3}, req.ActionID())
}

func TestEmitUtGnEventInd(t *testing.T) {
	raw := EmitUtGnEventInd([]byte("payload"))
	pkt, err := ParsePacket(raw)
	require.NoError(t, err)
	assert.Equal(t, UtGnEventInd, pkt.Type)
}

func TestEmitUtDenmEventInd(t *testing.T) {
	raw := EmitUtDenmEventInd(denm.RecvNew, []byte("encoded"))
	pkt, err := ParsePacket(raw)
	require.NoError(t, err)
	assert.Equal(t, UtDenmEventInd, pkt.Type)
	assert.Equal(t, byte(denm.RecvNew), pkt.Payload[0])
}
