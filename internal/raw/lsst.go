package raw

import "fmt"

// LSST camera naming tables. The detector name to detector number mapping is
// officially part of the camera description; coding it here avoids loading a
// full camera model for what is only path arithmetic.

// lsstCameras lists the path prefixes that identify LSST camera uploads.
var lsstCameras = map[string]struct{}{
	"LATISS":     {},
	"ComCam":     {},
	"LSSTComCam": {},
	"LSSTCam":    {},
	"TS8":        {},
	"LSST-TS8":   {},
}

// instrumentTranslations maps path prefixes to official instrument names.
var instrumentTranslations = map[string]string{
	"ComCam": "LSSTComCam",
	"TS8":    "LSST-TS8",
}

// cameraAbbrev holds the per-camera abbreviation used in observation ids.
var cameraAbbrev = map[string]string{
	"LATISS":     "AT",
	"LSSTComCam": "CC",
	"LSSTCam":    "MC",
	"LSST-TS8":   "TS",
}

// lsstCamRafts maps each LSSTCam science raft to its starting detector slot
// (multiplied by 9 CCDs per raft).
var lsstCamRafts = map[string]int{
	"R01": 0, "R02": 1, "R03": 2,
	"R10": 3, "R11": 4, "R12": 5, "R13": 6, "R14": 7,
	"R20": 8, "R21": 9, "R22": 10, "R23": 11, "R24": 12,
	"R30": 13, "R31": 14, "R32": 15, "R33": 16, "R34": 17,
	"R41": 18, "R42": 19, "R43": 20,
}

// lsstCamCornerRafts maps each corner raft to the detector id of its first
// sensor. Corner rafts hold two guiders (SG0, SG1) and two wavefront halves
// (SW0, SW1) instead of the 3x3 science grid.
var lsstCamCornerRafts = map[string]int{
	"R00": 189, "R04": 193, "R40": 197, "R44": 201,
}

// detectorFromRaftSensor maps raft_sensor names to detector numbers, per
// instrument. Sensor numbers increase in the y (second digit) direction
// before the x (first digit) direction.
var detectorFromRaftSensor = buildDetectorTables()

// raftSensorFromDetector is the inverse mapping.
var raftSensorFromDetector = invertDetectorTables(detectorFromRaftSensor)

func buildDetectorTables() map[string]map[string]int {
	oneRaft := make(map[string]int)
	for x := 0; x < 3; x++ {
		for y := 0; y < 3; y++ {
			oneRaft[fmt.Sprintf("R22_S%d%d", x, y)] = x*3 + y
		}
	}

	lsstCam := make(map[string]int)

	for raft, start := range lsstCamRafts {
		for x := 0; x < 3; x++ {
			for y := 0; y < 3; y++ {
				lsstCam[fmt.Sprintf("%s_S%d%d", raft, x, y)] = start*9 + x*3 + y
			}
		}
	}

	for raft, base := range lsstCamCornerRafts {
		for i, kind := range []string{"G", "W"} {
			for y := 0; y < 2; y++ {
				lsstCam[fmt.Sprintf("%s_S%s%d", raft, kind, y)] = base + 2*i + y
			}
		}
	}

	return map[string]map[string]int{
		"LATISS":     {"R00_S00": 0},
		"LSSTComCam": oneRaft,
		"LSST-TS8":   oneRaft,
		"LSSTCam":    lsstCam,
	}
}

func invertDetectorTables(tables map[string]map[string]int) map[string]map[int]string {
	inverse := make(map[string]map[int]string, len(tables))

	for instrument, camera := range tables {
		byID := make(map[int]string, len(camera))
		for raftSensor, detector := range camera {
			byID[detector] = raftSensor
		}

		inverse[instrument] = byID
	}

	return inverse
}

func isLSSTCamera(prefix string) bool {
	_, ok := lsstCameras[prefix]

	return ok
}

func translateInstrument(prefix string) string {
	if official, ok := instrumentTranslations[prefix]; ok {
		return official
	}

	return prefix
}

// RaftSensorFromDetector returns the raft_sensor name for a detector number
// of an LSST-family instrument.
func RaftSensorFromDetector(instrument string, detector int) (string, error) {
	camera, ok := raftSensorFromDetector[translateInstrument(instrument)]
	if !ok {
		return "", fmt.Errorf("no detector table for instrument %s", instrument)
	}

	raftSensor, ok := camera[detector]
	if !ok {
		return "", fmt.Errorf("instrument %s has no detector %d", instrument, detector)
	}

	return raftSensor, nil
}

// DetectorFromRaftSensor returns the detector number for a raft_sensor name
// of an LSST-family instrument.
func DetectorFromRaftSensor(instrument, raftSensor string) (int, error) {
	camera, ok := detectorFromRaftSensor[translateInstrument(instrument)]
	if !ok {
		return 0, fmt.Errorf("no detector table for instrument %s", instrument)
	}

	detector, ok := camera[raftSensor]
	if !ok {
		return 0, fmt.Errorf("instrument %s has no sensor %s", instrument, raftSensor)
	}

	return detector, nil
}

// IsLSSTInstrument reports whether the instrument uses the fixed-width LSST
// path scheme.
func IsLSSTInstrument(instrument string) bool {
	return isLSSTCamera(instrument)
}
