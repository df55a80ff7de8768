// Package visit defines the immutable description of one detector's
// observation attempt, as delivered by the next-visit fan-out service.
package visit

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/promptkit-io/activator/internal/apperrors"
	"github.com/promptkit-io/activator/internal/sphgeom"
)

// CoordSys identifies the coordinate system of a visit position. Values
// mirror the observatory scheduler's next-visit schema.
type CoordSys int

// Coordinate systems.
const (
	CoordSysNone CoordSys = iota + 1
	CoordSysICRS
	CoordSysObserved
	CoordSysMount
)

// RotSys identifies the rotation system of a visit camera angle.
type RotSys int

// Rotation systems.
const (
	RotSysNone RotSys = iota + 1
	RotSysSky
	RotSysHorizon
	RotSysMount
)

// Dome identifies the expected dome state during a visit.
type Dome int

// Dome states.
const (
	DomeClosed Dome = iota + 1
	DomeOpen
	DomeEither
)

// Visit is one detector's observation attempt. It is constructed once from
// an inbound notification and never mutated. The position is informational
// only and excluded from Key.
type Visit struct {
	SalIndex         int       `json:"salIndex"`
	ScriptSalIndex   int       `json:"scriptSalIndex"`
	GroupID          string    `json:"groupId"`
	CoordinateSystem CoordSys  `json:"coordinateSystem"`
	Position         []float64 `json:"position"` // (ra, dec) or (az, alt), degrees
	StartTime        float64   `json:"startTime"` // expected start; TAI unix seconds
	RotationSystem   RotSys    `json:"rotationSystem"`
	CameraAngle      float64   `json:"cameraAngle"` // degrees
	Filters          string    `json:"filters"`
	Dome             Dome      `json:"dome"`
	Duration         float64   `json:"duration"` // script execution, not exposure
	Snaps            int       `json:"nimages"`  // expected snap count, 0 if unknown
	Instrument       string    `json:"instrument"`
	Survey           string    `json:"survey"`
	TotalCheckpoints int       `json:"totalCheckpoints"`
	Detector         int       `json:"detector"`
	SendTimestamp    float64   `json:"private_sndStamp"` // publication time; TAI unix seconds
}

// String returns a short form that disambiguates the visit without dumping
// metadata fields.
func (v Visit) String() string {
	return fmt.Sprintf("(groupId=%s, survey=%s, detector=%d)", v.GroupID, v.Survey, v.Detector)
}

// Key returns a value suitable for equality comparison and map keys. The
// position is deliberately excluded: two notifications for the same
// group-detector pair are the same visit even if their predicted pointings
// differ slightly.
func (v Visit) Key() string {
	return fmt.Sprintf("%s|%s|%d|%d|%s|%s|%d|%.6f|%d|%.6f",
		v.Instrument, v.GroupID, v.Detector, v.Snaps, v.Filters, v.Survey,
		v.CoordinateSystem, v.CameraAngle, v.RotationSystem, v.StartTime)
}

// ObservationTime returns the expected start of the observation.
func (v Visit) ObservationTime() time.Time {
	sec, frac := math.Modf(v.StartTime)

	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// BoresightICRS normalizes the visit position to ICRS coordinates. The
// second return is false when the visit carries no position at all; an error
// is returned for coordinate systems that cannot be converted.
func (v Visit) BoresightICRS() (sphgeom.SpherePoint, bool, error) {
	switch v.CoordinateSystem {
	case CoordSysNone:
		return sphgeom.SpherePoint{}, false, nil
	case CoordSysICRS:
		if len(v.Position) < 2 {
			return sphgeom.SpherePoint{}, false, fmt.Errorf("visit %s has no usable position", v)
		}

		return sphgeom.NewSpherePoint(sphgeom.Degrees(v.Position[0]), sphgeom.Degrees(v.Position[1])), true, nil
	case CoordSysObserved:
		return sphgeom.SpherePoint{}, false, fmt.Errorf("alt-az coordinates are not supported for %s", v)
	case CoordSysMount:
		return sphgeom.SpherePoint{}, false, fmt.Errorf("mount coordinates are not supported for %s", v)
	default:
		return sphgeom.SpherePoint{}, false, fmt.Errorf("unknown coordinate system %d for %s", v.CoordinateSystem, v)
	}
}

// RotationSky normalizes the camera rotation to a sky angle (the orientation
// of focal-plane +Y, measured east of north). The second return is false
// when the visit has no orientation.
func (v Visit) RotationSky() (sphgeom.Angle, bool, error) {
	switch v.RotationSystem {
	case RotSysNone:
		return 0, false, nil
	case RotSysSky:
		return sphgeom.Degrees(v.CameraAngle), true, nil
	case RotSysHorizon:
		return 0, false, fmt.Errorf("alt-az rotation is not supported for %s", v)
	case RotSysMount:
		return 0, false, fmt.Errorf("mount rotation is not supported for %s", v)
	default:
		return 0, false, fmt.Errorf("unknown rotation system %d for %s", v.RotationSystem, v)
	}
}

// Decode parses an inbound next-visit payload and validates it against the
// locally configured instrument. Failures wrap apperrors.ErrBadRequest.
func Decode(payload []byte, activeInstrument string) (Visit, error) {
	var v Visit

	if err := json.Unmarshal(payload, &v); err != nil {
		return Visit{}, fmt.Errorf("%w: undecodable visit payload: %v", apperrors.ErrBadRequest, err)
	}

	if err := v.validate(activeInstrument); err != nil {
		return Visit{}, err
	}

	return v, nil
}

func (v Visit) validate(activeInstrument string) error {
	switch {
	case v.Instrument == "":
		return fmt.Errorf("%w: visit has no instrument", apperrors.ErrBadRequest)
	case v.Instrument != activeInstrument:
		return fmt.Errorf("%w: expected instrument %s, received %s",
			apperrors.ErrBadRequest, activeInstrument, v.Instrument)
	case v.GroupID == "":
		return fmt.Errorf("%w: visit has no group id", apperrors.ErrBadRequest)
	case v.Detector < 0:
		return fmt.Errorf("%w: invalid detector %d", apperrors.ErrBadRequest, v.Detector)
	case v.Snaps < 0:
		return fmt.Errorf("%w: invalid snap count %d", apperrors.ErrBadRequest, v.Snaps)
	}

	return nil
}
