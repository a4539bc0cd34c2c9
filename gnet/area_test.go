package gnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeoAreaRoundTrip(t *testing.T) {
	a := GeoArea{
		Shape:     ShapeEllipse,
		Latitude:  488571000,
		Longitude: 23071000,
		DistanceA: 500,
		DistanceB: 200,
		Angle:     900,
	}
	buf := make([]byte, GeoAreaLen)
	require.NoError(t, a.Emit(buf))

	got, err := ParseGeoArea(buf)
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

func TestGeoAreaTruncated(t *testing.T) {
	_, err := ParseGeoArea(make([]byte, 4))
	assert.ErrorIs(t, err, ErrTruncated)

	a := GeoArea{}
	assert.ErrorIs(t, a.Emit(make([]byte, 4)), ErrTruncated)
}

func TestHaversineDistanceSamePointIsZero(t *testing.T) {
	d := HaversineDistance(488571000, 23071000, 488571000, 23071000)
	assert.InDelta(t, 0, d, 0.001)
}

func TestHaversineDistanceKnownOffset(t *testing.T) {
	// Roughly 1 degree of latitude is ~111km.
	d := HaversineDistance(0, 0, 10000000, 0)
	assert.InDelta(t, 111195, d, 1000)
}

func TestGeoAreaInsideCircle(t *testing.T) {
	a := GeoArea{Shape: ShapeCircle, Latitude: 0, Longitude: 0, DistanceA: 20000}
	assert.True(t, a.Inside(0, 0))
	assert.False(t, a.Inside(100000000, 0)) // ~1000km away
}

func TestGeoAreaInsideRectangle(t *testing.T) {
	a := GeoArea{Shape: ShapeRectangle, Latitude: 0, Longitude: 0, DistanceA: 1000, DistanceB: 500}
	assert.True(t, a.Inside(0, 0))
	// ~111km north, well outside the rectangle's half-length.
	assert.False(t, a.Inside(10000000, 0))
}

func TestGeoAreaInsideEllipse(t *testing.T) {
	a := GeoArea{Shape: ShapeEllipse, Latitude: 0, Longitude: 0, DistanceA: 1000, DistanceB: 500}
	assert.True(t, a.Inside(0, 0))
	assert.False(t, a.Inside(10000000, 0))
}

func TestGeoAreaInsideUnknownShape(t *testing.T) {
	a := GeoArea{Shape: Shape(99)}
	assert.False(t, a.Inside(0, 0))
}
