package sphgeom

import "math"

// Hierarchical triangular mesh pixelization. The sphere is divided into eight
// root spherical triangles (trixels) which are recursively subdivided; a
// trixel at depth d has the id 4*parent + child, with root ids 8..15. Shard
// ids at a fixed depth are used to prune reference catalog queries to the
// region around a detector footprint.

type trixel struct {
	v0, v1, v2 SpherePoint
	id         uint64
}

var htmRoots = func() []trixel {
	zp := SpherePoint{z: 1}
	zm := SpherePoint{z: -1}
	xp := SpherePoint{x: 1}
	xm := SpherePoint{x: -1}
	yp := SpherePoint{y: 1}
	ym := SpherePoint{y: -1}

	return []trixel{
		{v0: xp, v1: zm, v2: yp, id: 8},  // S0
		{v0: yp, v1: zm, v2: xm, id: 9},  // S1
		{v0: xm, v1: zm, v2: ym, id: 10}, // S2
		{v0: ym, v1: zm, v2: xp, id: 11}, // S3
		{v0: xp, v1: zp, v2: ym, id: 12}, // N0
		{v0: ym, v1: zp, v2: xm, id: 13}, // N1
		{v0: xm, v1: zp, v2: yp, id: 14}, // N2
		{v0: yp, v1: zp, v2: xp, id: 15}, // N3
	}
}()

// HTMShardIDs returns the ids of every depth-level trixel that may overlap
// the circle (center, radius). The result is a superset of the exact overlap
// set near trixel edges, which is safe for query pruning.
func HTMShardIDs(center SpherePoint, radius Angle, depth int) []uint64 {
	var ids []uint64

	for _, root := range htmRoots {
		ids = collectShards(root, center, radius, depth, ids)
	}

	return ids
}

func collectShards(t trixel, center SpherePoint, radius Angle, depth int, ids []uint64) []uint64 {
	if !trixelOverlapsCircle(t, center, radius) {
		return ids
	}

	if depth == 0 {
		return append(ids, t.id)
	}

	w0 := t.v1.add(t.v2).normalize()
	w1 := t.v0.add(t.v2).normalize()
	w2 := t.v0.add(t.v1).normalize()

	children := []trixel{
		{v0: t.v0, v1: w2, v2: w1, id: t.id * 4},
		{v0: t.v1, v1: w0, v2: w2, id: t.id*4 + 1},
		{v0: t.v2, v1: w1, v2: w0, id: t.id*4 + 2},
		{v0: w0, v1: w1, v2: w2, id: t.id*4 + 3},
	}

	for _, c := range children {
		ids = collectShards(c, center, radius, depth-1, ids)
	}

	return ids
}

func trixelOverlapsCircle(t trixel, center SpherePoint, radius Angle) bool {
	// Any vertex inside the circle.
	for _, v := range []SpherePoint{t.v0, t.v1, t.v2} {
		if center.Separation(v) <= radius {
			return true
		}
	}

	// Circle center inside the trixel.
	if trixelContains(t, center) {
		return true
	}

	// Circle crosses one of the edges.
	edges := [][2]SpherePoint{{t.v0, t.v1}, {t.v1, t.v2}, {t.v2, t.v0}}
	for _, e := range edges {
		if arcDistance(center, e[0], e[1]) <= radius {
			return true
		}
	}

	return false
}

// trixelContains reports whether p is inside the spherical triangle. The root
// and child constructions above keep vertices in counterclockwise order seen
// from outside the sphere, so p is inside when it is on the positive side of
// all three edge planes.
func trixelContains(t trixel, p SpherePoint) bool {
	const eps = -1e-12

	return t.v0.cross(t.v1).dot(p) >= eps &&
		t.v1.cross(t.v2).dot(p) >= eps &&
		t.v2.cross(t.v0).dot(p) >= eps
}

// arcDistance returns the angular distance from p to the great-circle arc
// between a and b.
func arcDistance(p, a, b SpherePoint) Angle {
	n := a.cross(b)
	nn := n.norm()

	if nn < 1e-15 {
		return p.Separation(a)
	}

	n = n.scale(1 / nn)

	// Foot of the perpendicular from p onto the great circle of (a, b).
	foot := p.add(n.scale(-p.dot(n)))
	if foot.norm() < 1e-12 {
		// p is a pole of the great circle; all circle points are equidistant.
		return Angle(math.Pi / 2)
	}

	foot = foot.normalize()

	// The foot counts only if it lies within the arc segment.
	arc := a.Separation(b)
	if foot.Separation(a) <= arc && foot.Separation(b) <= arc {
		return p.Separation(foot)
	}

	da := p.Separation(a)
	db := p.Separation(b)

	if da < db {
		return da
	}

	return db
}
