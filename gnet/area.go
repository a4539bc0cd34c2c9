package gnet

import (
	"encoding/binary"
	"math"
)

// Shape identifies the geometry of a GeoArea.
type Shape uint8

// Shapes supported by EN 302 636-4-1 GBC/GAC headers.
const (
	ShapeCircle    Shape = 0
	ShapeRectangle Shape = 1
	ShapeEllipse   Shape = 2
)

// GeoArea is a dissemination or target area: a shape centered at (lat,
// lon) with shape-specific extents a/b (meters) and an azimuth (0.1 degree,
// clockwise from north) used by rectangle/ellipse.
type GeoArea struct {
	Shape     Shape
	Latitude  int32 // 10^-7 degree
	Longitude int32
	DistanceA uint16 // meters: circle radius, rectangle half-length, ellipse semi-major
	DistanceB uint16 // meters: rectangle half-width, ellipse semi-minor (unused for circle)
	Angle     uint16 // 0.1 degree, 0..3599, azimuth of the A axis
}

// GeoAreaLen is the fixed wire size of an encoded GeoArea, in bytes.
const GeoAreaLen = 16

const geoAreaLen = GeoAreaLen

// ParseGeoArea parses the 16-byte wire form of a GeoArea.
func ParseGeoArea(b []byte) (GeoArea, error) {
	if len(b) < geoAreaLen {
		return GeoArea{}, ErrTruncated
	}
	return GeoArea{
		Shape:     Shape(b[0]),
		Latitude:  int32(binary.BigEndian.Uint32(b[2:6])),
		Longitude: int32(binary.BigEndian.Uint32(b[6:10])),
		DistanceA: binary.BigEndian.Uint16(b[10:12]),
		DistanceB: binary.BigEndian.Uint16(b[12:14]),
		Angle:     binary.BigEndian.Uint16(b[14:16]),
	}, nil
}

// Emit writes the 16-byte wire form of a into b.
func (a GeoArea) Emit(b []byte) error {
	if len(b) < geoAreaLen {
		return ErrTruncated
	}
	b[0] = byte(a.Shape)
	b[1] = 0
	binary.BigEndian.PutUint32(b[2:6], uint32(a.Latitude))
	binary.BigEndian.PutUint32(b[6:10], uint32(a.Longitude))
	binary.BigEndian.PutUint16(b[10:12], a.DistanceA)
	binary.BigEndian.PutUint16(b[12:14], a.DistanceB)
	binary.BigEndian.PutUint16(b[14:16], a.Angle)
	return nil
}

const (
	degreeScale   = 1e7 // coordinates are stored as 10^-7 degree
	earthRadiusM  = 6371000.0
	degToRad      = math.Pi / 180.0
)

func toRad(v int32) float64 {
	return (float64(v) / degreeScale) * degToRad
}

// HaversineDistance returns the great-circle distance in meters between two
// points given as (latitude, longitude) in 10^-7 degree units.
func HaversineDistance(lat1, lon1, lat2, lon2 int32) float64 {
	phi1, phi2 := toRad(lat1), toRad(lat2)
	dPhi := toRad(lat2 - lat1)
	dLambda := toRad(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// Inside reports whether the point (lat, lon) lies within the area.
func (a GeoArea) Inside(lat, lon int32) bool {
	switch a.Shape {
	case ShapeCircle:
		d := HaversineDistance(a.Latitude, a.Longitude, lat, lon)
		return d <= float64(a.DistanceA)
	case ShapeRectangle:
		return a.insideEllipseOrRect(lat, lon, true)
	case ShapeEllipse:
		return a.insideEllipseOrRect(lat, lon, false)
	default:
		return false
	}
}

// insideEllipseOrRect projects the point onto axes rotated by Angle around
// the area center and tests against the half-extents (rectangle) or the
// ellipse equation.
func (a GeoArea) insideEllipseOrRect(lat, lon int32, rectangle bool) bool {
	// local planar approximation: meters north/east of the center.
	north := HaversineDistance(a.Latitude, a.Longitude, lat, a.Longitude)
	if lat < a.Latitude {
		north = -north
	}
	east := HaversineDistance(a.Latitude, a.Longitude, a.Latitude, lon)
	if lon < a.Longitude {
		east = -east
	}

	theta := (float64(a.Angle) / 10.0) * degToRad
	// rotate into the area's own (A, B) axis frame.
	x := east*math.Sin(theta) + north*math.Cos(theta)
	y := east*math.Cos(theta) - north*math.Sin(theta)

	aDist, bDist := float64(a.DistanceA), float64(a.DistanceB)
	if rectangle {
		return math.Abs(x) <= aDist && math.Abs(y) <= bDist
	}
	if aDist == 0 || bDist == 0 {
		return x == 0 && y == 0
	}
	return (x*x)/(aDist*aDist)+(y*y)/(bDist*bDist) <= 1.0
}
