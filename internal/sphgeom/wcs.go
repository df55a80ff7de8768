package sphgeom

import "math"

// WCS is an approximate gnomonic (tangent-plane) world coordinate system for
// a predicted pointing. It maps focal-plane offsets in degrees to sky
// positions given a boresight and a camera rotation angle.
//
// The rotation angle is the position angle of focal-plane +Y, measured east
// of north. This is only a prediction from the scheduled pointing, good
// enough for footprint estimation; the as-built WCS comes from the pipeline.
type WCS struct {
	boresight SpherePoint
	cosRot    float64
	sinRot    float64
	flipX     bool
}

// PredictWCS builds the expected WCS for a pointing.
func PredictWCS(boresight SpherePoint, rotation Angle, flipX bool) WCS {
	return WCS{
		boresight: boresight,
		cosRot:    math.Cos(rotation.Rad()),
		sinRot:    math.Sin(rotation.Rad()),
		flipX:     flipX,
	}
}

// SkyFromFocal projects a focal-plane position (in angular units from the
// boresight) onto the sky.
func (w WCS) SkyFromFocal(x, y Angle) SpherePoint {
	fx := x.Rad()
	if w.flipX {
		fx = -fx
	}

	fy := y.Rad()

	// Rotate focal axes onto the (east, north) tangent frame: +Y maps to the
	// position angle, +X trails it by 90 degrees.
	xi := fx*w.cosRot + fy*w.sinRot
	eta := -fx*w.sinRot + fy*w.cosRot

	east, north := w.boresight.localFrame()
	v := w.boresight.add(east.scale(math.Tan(xi))).add(north.scale(math.Tan(eta)))

	return v.normalize()
}

// BoundingCircle computes a small sky circle containing a rectangle of the
// focal plane: the circle center is the sky position of the rectangle center
// and the radius is the largest center-to-corner separation.
func (w WCS) BoundingCircle(centerX, centerY, width, height Angle) (SpherePoint, Angle) {
	center := w.SkyFromFocal(centerX, centerY)

	halfW := Angle(width.Rad() / 2)
	halfH := Angle(height.Rad() / 2)

	radius := Angle(0)
	for _, c := range w.corners(centerX, centerY, halfW, halfH) {
		if sep := center.Separation(c); sep > radius {
			radius = sep
		}
	}

	return center, radius
}

// Corners returns the sky positions of the four corners of a focal-plane
// rectangle centered at (centerX, centerY).
func (w WCS) Corners(centerX, centerY, width, height Angle) []SpherePoint {
	return w.corners(centerX, centerY, Angle(width.Rad()/2), Angle(height.Rad()/2))
}

func (w WCS) corners(cx, cy, halfW, halfH Angle) []SpherePoint {
	return []SpherePoint{
		w.SkyFromFocal(cx-halfW, cy-halfH),
		w.SkyFromFocal(cx-halfW, cy+halfH),
		w.SkyFromFocal(cx+halfW, cy-halfH),
		w.SkyFromFocal(cx+halfW, cy+halfH),
	}
}
