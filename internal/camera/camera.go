// Package camera holds the static geometry of supported instruments needed
// to predict a visit footprint on the sky.
package camera

import "github.com/promptkit-io/activator/internal/sphgeom"

// Camera describes one instrument's focal plane.
type Camera struct {
	// Name is the official instrument name.
	Name string

	// Detectors is the number of detectors in the focal plane.
	Detectors int

	// FOVWidth and FOVHeight are the full angular extent of the focal plane.
	// Footprint prediction uses the whole field of view rather than a single
	// detector: it over-covers, which is safe, and works for every detector
	// without per-slot placement tables.
	FOVWidth  sphgeom.Angle
	FOVHeight sphgeom.Angle

	// FlipX is set for cameras whose focal-plane +X axis points west when
	// the rotation angle is zero.
	FlipX bool
}

var cameras = map[string]Camera{
	"LATISS":     {Name: "LATISS", Detectors: 1, FOVWidth: sphgeom.Degrees(0.12), FOVHeight: sphgeom.Degrees(0.12)},
	"LSSTComCam": {Name: "LSSTComCam", Detectors: 9, FOVWidth: sphgeom.Degrees(0.7), FOVHeight: sphgeom.Degrees(0.7), FlipX: true},
	"LSST-TS8":   {Name: "LSST-TS8", Detectors: 9, FOVWidth: sphgeom.Degrees(0.7), FOVHeight: sphgeom.Degrees(0.7)},
	"LSSTCam":    {Name: "LSSTCam", Detectors: 205, FOVWidth: sphgeom.Degrees(3.5), FOVHeight: sphgeom.Degrees(3.5), FlipX: true},
	"HSC":        {Name: "HSC", Detectors: 112, FOVWidth: sphgeom.Degrees(1.5), FOVHeight: sphgeom.Degrees(1.5)},
	"DECam":      {Name: "DECam", Detectors: 62, FOVWidth: sphgeom.Degrees(2.2), FOVHeight: sphgeom.Degrees(2.2)},
}

// Lookup returns the camera description for an instrument.
func Lookup(instrument string) (Camera, bool) {
	cam, ok := cameras[instrument]

	return cam, ok
}
