package sphgeom

import (
	"math"
)

// SkyMap is a rings-style tessellation of the sky into square tracts, each
// subdivided into a fixed grid of patches. Tract and patch identifiers match
// the dimension values used by coadd-like datasets in the registry, so a
// footprint can be translated into a (tract, patch set) query clause.
type SkyMap struct {
	Name      string
	tracts    []Tract
	patchGrid int
}

// Tract is one coarse sky tile.
type Tract struct {
	ID     int
	Center SpherePoint

	// side is the full angular extent of the tract square, including the
	// overlap margin with its neighbors.
	side      Angle
	patchGrid int
}

// NewRingsSkyMap builds a deterministic rings sky map: numRings declination
// bands, each band holding as many tracts as fit its circumference, every
// tract divided into patchGrid x patchGrid patches.
func NewRingsSkyMap(name string, numRings, patchGrid int) *SkyMap {
	const overlap = 1.05 // fractional tract overlap so neighbors share borders

	sm := &SkyMap{Name: name, patchGrid: patchGrid}
	ringHeight := 180.0 / float64(numRings)

	id := 0

	for ring := 0; ring < numRings; ring++ {
		dec := -90 + (float64(ring)+0.5)*ringHeight
		circumference := 360 * math.Cos(Degrees(dec).Rad())

		numTracts := int(math.Max(1, math.Round(circumference/ringHeight)))
		for i := 0; i < numTracts; i++ {
			ra := (float64(i) + 0.5) * 360 / float64(numTracts)
			sm.tracts = append(sm.tracts, Tract{
				ID:        id,
				Center:    NewSpherePoint(Degrees(ra), Degrees(dec)),
				side:      Degrees(ringHeight * overlap),
				patchGrid: patchGrid,
			})
			id++
		}
	}

	return sm
}

// FindTract returns the tract whose center is closest to p. The footprint of
// a single detector is far smaller than a tract, so the nearest tract always
// contains it.
func (sm *SkyMap) FindTract(p SpherePoint) Tract {
	best := sm.tracts[0]
	bestSep := p.Separation(best.Center)

	for _, t := range sm.tracts[1:] {
		if sep := p.Separation(t.Center); sep < bestSep {
			best = t
			bestSep = sep
		}
	}

	return best
}

// NumPatches returns the number of patches along one side of each tract.
func (sm *SkyMap) NumPatches() int {
	return sm.patchGrid
}

// FindPatches returns the sequential indices of every patch containing at
// least one of the given points. Points outside the tract are clamped to its
// border patch, mirroring how the overlap region is assigned.
func (t Tract) FindPatches(points []SpherePoint) []int {
	seen := make(map[int]struct{})

	var patches []int

	for _, p := range points {
		idx := t.patchIndex(p)
		if _, ok := seen[idx]; ok {
			continue
		}

		seen[idx] = struct{}{}
		patches = append(patches, idx)
	}

	return patches
}

func (t Tract) patchIndex(p SpherePoint) int {
	// Project onto the tract's own tangent plane (no camera rotation).
	east, north := t.Center.localFrame()

	d := p.dot(t.Center)
	if d < 1e-9 {
		d = 1e-9
	}

	xi := p.dot(east) / d
	eta := p.dot(north) / d

	half := math.Tan(t.side.Rad() / 2)
	cell := 2 * half / float64(t.patchGrid)

	ix := clampInt(int(math.Floor((xi+half)/cell)), 0, t.patchGrid-1)
	iy := clampInt(int(math.Floor((eta+half)/cell)), 0, t.patchGrid-1)

	return iy*t.patchGrid + ix
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	return v
}
