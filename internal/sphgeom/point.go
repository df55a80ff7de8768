package sphgeom

import "math"

// SpherePoint is a point on the unit sphere, stored as a unit vector so that
// separations and tangent-plane projections avoid pole singularities.
type SpherePoint struct {
	x, y, z float64
}

// NewSpherePoint constructs a point from ICRS right ascension and declination.
func NewSpherePoint(ra, dec Angle) SpherePoint {
	cosDec := math.Cos(dec.Rad())

	return SpherePoint{
		x: cosDec * math.Cos(ra.Rad()),
		y: cosDec * math.Sin(ra.Rad()),
		z: math.Sin(dec.Rad()),
	}
}

// RA returns the right ascension, normalized to [0, 360) degrees.
func (p SpherePoint) RA() Angle {
	ra := math.Atan2(p.y, p.x)
	if ra < 0 {
		ra += 2 * math.Pi
	}

	return Angle(ra)
}

// Dec returns the declination in [-90, 90] degrees.
func (p SpherePoint) Dec() Angle {
	return Angle(math.Asin(clamp(p.z, -1, 1)))
}

// Separation returns the angular separation between two points.
func (p SpherePoint) Separation(q SpherePoint) Angle {
	// atan2 of cross and dot magnitudes is stable for both small and
	// near-antipodal separations, unlike acos of the dot product.
	cx := p.y*q.z - p.z*q.y
	cy := p.z*q.x - p.x*q.z
	cz := p.x*q.y - p.y*q.x
	cross := math.Sqrt(cx*cx + cy*cy + cz*cz)
	dot := p.x*q.x + p.y*q.y + p.z*q.z

	return Angle(math.Atan2(cross, dot))
}

func (p SpherePoint) dot(q SpherePoint) float64 {
	return p.x*q.x + p.y*q.y + p.z*q.z
}

func (p SpherePoint) cross(q SpherePoint) SpherePoint {
	return SpherePoint{
		x: p.y*q.z - p.z*q.y,
		y: p.z*q.x - p.x*q.z,
		z: p.x*q.y - p.y*q.x,
	}
}

func (p SpherePoint) scale(s float64) SpherePoint {
	return SpherePoint{x: p.x * s, y: p.y * s, z: p.z * s}
}

func (p SpherePoint) add(q SpherePoint) SpherePoint {
	return SpherePoint{x: p.x + q.x, y: p.y + q.y, z: p.z + q.z}
}

func (p SpherePoint) norm() float64 {
	return math.Sqrt(p.x*p.x + p.y*p.y + p.z*p.z)
}

func (p SpherePoint) normalize() SpherePoint {
	n := p.norm()
	if n == 0 {
		return SpherePoint{z: 1}
	}

	return p.scale(1 / n)
}

// localFrame returns unit vectors pointing east and north in the tangent
// plane at p. At the poles the east axis degenerates; an arbitrary but
// deterministic frame is returned there.
func (p SpherePoint) localFrame() (east, north SpherePoint) {
	zAxis := SpherePoint{z: 1}

	east = zAxis.cross(p)
	if east.norm() < 1e-12 {
		east = SpherePoint{y: 1}
	} else {
		east = east.normalize()
	}

	north = p.cross(east)

	return east, north
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	return v
}
