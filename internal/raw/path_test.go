package raw

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptkit-io/activator/internal/visit"
)

func TestDecodeGeneric(t *testing.T) {
	f, err := DecodeGeneric("HSC/50/2026-08-23T06:15:00.123/0/2026082300123/r/HSC-image.fits.fz")

	require.NoError(t, err)
	assert.Equal(t, Fields{
		Instrument: "HSC",
		Detector:   50,
		Group:      "2026-08-23T06:15:00.123",
		Snap:       0,
		ExposureID: 2026082300123,
		Filter:     "r",
	}, f)
}

func TestDecodeGeneric_Invalid(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{name: "empty", path: ""},
		{name: "too few segments", path: "HSC/50/group/0/file.fits"},
		{name: "non-numeric detector", path: "HSC/x/group/0/123/r/file.fits"},
		{name: "non-numeric exposure", path: "HSC/50/group/0/abc/r/file.fits"},
		{name: "wrong extension", path: "HSC/50/group/0/123/r/file.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeGeneric(tt.path)

			assert.ErrorIs(t, err, ErrUnparsablePath)
		})
	}
}

func TestEncodePath_GenericRoundTrip(t *testing.T) {
	path, err := EncodePath("HSC", 50, "group-1", 0, 2026082300123, "r")
	require.NoError(t, err)

	f, err := DecodeGeneric(path)
	require.NoError(t, err)

	assert.Equal(t, "HSC", f.Instrument)
	assert.Equal(t, 50, f.Detector)
	assert.Equal(t, "group-1", f.Group)
	assert.Equal(t, 0, f.Snap)
	assert.Equal(t, int64(2026082300123), f.ExposureID)
	assert.Equal(t, "r", f.Filter)
}

func TestEncodePath_LSST(t *testing.T) {
	path, err := EncodePath("LSSTComCam", 4, "", 0, 2026082300123, "")

	require.NoError(t, err)
	assert.Equal(t, "LSSTComCam/20260823/CC_O_20260823_000123/CC_O_20260823_000123_R22_S11.fits", path)
}

func TestExposureIDFromPath(t *testing.T) {
	tests := []struct {
		name string
		path string
		want int64
	}{
		{
			name: "generic scheme",
			path: "HSC/50/group-1/0/2026082300123/r/image.fits.fz",
			want: 2026082300123,
		},
		{
			name: "lsst scheme",
			path: "LSSTComCam/20260823/CC_O_20260823_000123/CC_O_20260823_000123_R22_S11.fits",
			want: 2026082300123,
		},
		{
			name: "lsst prefix translation",
			path: "ComCam/20260823/CC_O_20260823_000123/CC_O_20260823_000123_R22_S11.fits",
			want: 2026082300123,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExposureIDFromPath(tt.path)

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExposureIDFromPath_Invalid(t *testing.T) {
	_, err := ExposureIDFromPath("LSSTComCam/20260823/bad-obsid/bad-obsid_R22_S11.fits")

	assert.ErrorIs(t, err, ErrUnparsablePath)
}

func TestIsPathConsistent_Generic(t *testing.T) {
	v := visit.Visit{
		Instrument: "HSC",
		Detector:   50,
		GroupID:    "group-1",
		Snaps:      2,
	}

	path := "HSC/50/group-1/1/2026082300123/r/image.fits.fz"
	assert.True(t, IsPathConsistent(path, v))

	assert.False(t, IsPathConsistent("HSC/51/group-1/1/2026082300123/r/image.fits.fz", v))
	assert.False(t, IsPathConsistent("HSC/50/group-2/1/2026082300123/r/image.fits.fz", v))

	// Snap index at or beyond the visit's snap count.
	assert.False(t, IsPathConsistent("HSC/50/group-1/2/2026082300123/r/image.fits.fz", v))

	// Snaps == 0 accepts any snap index.
	v.Snaps = 0
	assert.True(t, IsPathConsistent("HSC/50/group-1/7/2026082300123/r/image.fits.fz", v))
}

func TestIsPathConsistent_LSST(t *testing.T) {
	v := visit.Visit{Instrument: "LSSTComCam", Detector: 4}

	path := "LSSTComCam/20260823/CC_O_20260823_000123/CC_O_20260823_000123_R22_S11.fits"
	assert.True(t, IsPathConsistent(path, v))

	// R22_S11 is detector 4; a different sensor is a different detector.
	other := "LSSTComCam/20260823/CC_O_20260823_000123/CC_O_20260823_000123_R22_S00.fits"
	assert.False(t, IsPathConsistent(other, v))
}

func TestPrefixFromSnap(t *testing.T) {
	prefix, ok := PrefixFromSnap("HSC", "group-1", 50, 0)

	require.True(t, ok)
	assert.Equal(t, "HSC/50/group-1/0/", prefix)

	// LSST uploads are keyed by observation id, not group, so no prefix can
	// be predicted.
	_, ok = PrefixFromSnap("LSSTCam", "group-1", 0, 0)
	assert.False(t, ok)
}

func TestRaftSensorDetectorRoundTrip(t *testing.T) {
	tests := []struct {
		instrument string
		detector   int
		raftSensor string
	}{
		{instrument: "LATISS", detector: 0, raftSensor: "R00_S00"},
		{instrument: "LSSTComCam", detector: 0, raftSensor: "R22_S00"},
		{instrument: "LSSTComCam", detector: 8, raftSensor: "R22_S22"},
		{instrument: "LSSTCam", detector: 0, raftSensor: "R01_S00"},
		{instrument: "LSSTCam", detector: 94, raftSensor: "R22_S11"},
		{instrument: "LSSTCam", detector: 189, raftSensor: "R00_SG0"},
		{instrument: "LSSTCam", detector: 192, raftSensor: "R00_SW1"},
	}

	for _, tt := range tests {
		t.Run(tt.raftSensor, func(t *testing.T) {
			raftSensor, err := RaftSensorFromDetector(tt.instrument, tt.detector)
			require.NoError(t, err)
			assert.Equal(t, tt.raftSensor, raftSensor)

			detector, err := DetectorFromRaftSensor(tt.instrument, tt.raftSensor)
			require.NoError(t, err)
			assert.Equal(t, tt.detector, detector)
		})
	}
}

func TestRaftSensorFromDetector_Unknown(t *testing.T) {
	_, err := RaftSensorFromDetector("LSSTComCam", 9)
	assert.Error(t, err)

	_, err = RaftSensorFromDetector("HSC", 0)
	assert.Error(t, err)
}

func TestIsLSSTInstrument(t *testing.T) {
	assert.True(t, IsLSSTInstrument("LATISS"))
	assert.True(t, IsLSSTInstrument("ComCam"))
	assert.False(t, IsLSSTInstrument("HSC"))
}
