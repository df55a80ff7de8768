package visit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptkit-io/activator/internal/apperrors"
)

func validVisit() Visit {
	return Visit{
		GroupID:          "2026-08-23T06:15:00.123",
		Instrument:       "LSSTComCam",
		Detector:         4,
		Snaps:            2,
		Filters:          "r_03",
		Survey:           "SURVEY",
		CoordinateSystem: CoordSysICRS,
		Position:         []float64{134.5589, -5.0016},
		RotationSystem:   RotSysSky,
		CameraAngle:      30,
		StartTime:        1787724900.5,
	}
}

func TestDecode(t *testing.T) {
	payload, err := json.Marshal(validVisit())
	require.NoError(t, err)

	v, err := Decode(payload, "LSSTComCam")

	require.NoError(t, err)
	assert.Equal(t, validVisit(), v)
}

func TestDecode_FieldNames(t *testing.T) {
	// The wire schema uses nimages and private_sndStamp, not the Go names.
	payload := []byte(`{
		"groupId": "group-1",
		"instrument": "LSSTComCam",
		"detector": 4,
		"nimages": 2,
		"private_sndStamp": 1787724900.25
	}`)

	v, err := Decode(payload, "LSSTComCam")

	require.NoError(t, err)
	assert.Equal(t, 2, v.Snaps)
	assert.Equal(t, 1787724900.25, v.SendTimestamp)
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Visit)
	}{
		{name: "no instrument", mutate: func(v *Visit) { v.Instrument = "" }},
		{name: "wrong instrument", mutate: func(v *Visit) { v.Instrument = "LATISS" }},
		{name: "no group id", mutate: func(v *Visit) { v.GroupID = "" }},
		{name: "negative detector", mutate: func(v *Visit) { v.Detector = -1 }},
		{name: "negative snaps", mutate: func(v *Visit) { v.Snaps = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := validVisit()
			tt.mutate(&v)

			payload, err := json.Marshal(v)
			require.NoError(t, err)

			_, err = Decode(payload, "LSSTComCam")
			assert.ErrorIs(t, err, apperrors.ErrBadRequest)
		})
	}
}

func TestDecode_MalformedJSON(t *testing.T) {
	_, err := Decode([]byte("{not json"), "LSSTComCam")

	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
}

func TestVisit_Key(t *testing.T) {
	a := validVisit()
	b := validVisit()

	assert.Equal(t, a.Key(), b.Key())

	// The predicted pointing is informational; it does not change identity.
	b.Position = []float64{134.56, -5.0}
	assert.Equal(t, a.Key(), b.Key())

	b = validVisit()
	b.Detector = 5
	assert.NotEqual(t, a.Key(), b.Key())

	b = validVisit()
	b.GroupID = "other-group"
	assert.NotEqual(t, a.Key(), b.Key())
}

func TestVisit_ObservationTime(t *testing.T) {
	v := Visit{StartTime: 1787724900.5}

	got := v.ObservationTime()

	assert.Equal(t, time.Unix(1787724900, 0).UTC().Add(500*time.Millisecond), got)
}

func TestVisit_BoresightICRS(t *testing.T) {
	v := validVisit()

	pos, ok, err := v.BoresightICRS()
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 134.5589, pos.RA().Deg(), 1e-9)
	assert.InDelta(t, -5.0016, pos.Dec().Deg(), 1e-9)
}

func TestVisit_BoresightICRS_NoPosition(t *testing.T) {
	v := validVisit()
	v.CoordinateSystem = CoordSysNone

	_, ok, err := v.BoresightICRS()

	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVisit_BoresightICRS_Unconvertible(t *testing.T) {
	v := validVisit()

	v.CoordinateSystem = CoordSysObserved
	_, _, err := v.BoresightICRS()
	assert.Error(t, err)

	v.CoordinateSystem = CoordSysICRS
	v.Position = nil
	_, _, err = v.BoresightICRS()
	assert.Error(t, err)
}

func TestVisit_RotationSky(t *testing.T) {
	v := validVisit()

	rot, ok, err := v.RotationSky()
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 30.0, rot.Deg(), 1e-9)

	v.RotationSystem = RotSysNone
	_, ok, err = v.RotationSky()
	require.NoError(t, err)
	assert.False(t, ok)

	v.RotationSystem = RotSysHorizon
	_, _, err = v.RotationSky()
	assert.Error(t, err)
}
