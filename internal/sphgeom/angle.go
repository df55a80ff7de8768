// Package sphgeom provides the spherical geometry needed to compute detector
// footprints: angles, unit sphere points, an approximate tangent-plane WCS,
// hierarchical triangular mesh (HTM) pixelization, and a rings sky map.
package sphgeom

import "math"

// Angle is an angular separation or coordinate stored in radians.
type Angle float64

// Degrees constructs an Angle from a value in degrees.
func Degrees(deg float64) Angle {
	return Angle(deg * math.Pi / 180)
}

// ArcSeconds constructs an Angle from a value in arcseconds.
func ArcSeconds(as float64) Angle {
	return Degrees(as / 3600)
}

// Deg returns the angle in degrees.
func (a Angle) Deg() float64 {
	return float64(a) * 180 / math.Pi
}

// Rad returns the angle in radians.
func (a Angle) Rad() float64 {
	return float64(a)
}
