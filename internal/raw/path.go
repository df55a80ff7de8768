// Package raw converts between raw image object paths and exposure metadata.
//
// Two naming schemes are in use. Most instruments upload under a generic
// slash-delimited scheme:
//
//	instrument/detector/group/snap/expid/filter/*.(fits, fz, fits.gz)
//
// The LSST camera family uses a fixed-width scheme keyed by observation id
// and raft/sensor name:
//
//	instrument/dayobs/obsid/obsid_Rraft_Ssensor.(fits, fz, fits.gz)
package raw

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/promptkit-io/activator/internal/visit"
)

// ErrUnparsablePath is returned when a path matches no known naming scheme.
var ErrUnparsablePath = errors.New("path does not match any raw naming scheme")

// Fields holds the metadata encoded in a generic-scheme path.
type Fields struct {
	Instrument string
	Detector   int
	Group      string
	Snap       int
	ExposureID int64
	Filter     string
}

var genericRegexp = regexp.MustCompile(
	`^(?P<instrument>[^/]+)/(?P<detector>\d+)/(?P<group>[^/]+)/(?P<snap>\d+)/(?P<expid>[^/]+)/(?P<filter>[^/]*)/[^/]+\.f[^/]*$`,
)

// lsstFileRegexp matches the filename remainder after the obsid prefix has
// been stripped: _Rxy_Szw followed by a fits-ish extension.
var lsstFileRegexp = regexp.MustCompile(`^_(R\d\d_S[0-9GW]\d)(\.f.*)$`)

// DecodeGeneric parses a generic-scheme path into its fields.
func DecodeGeneric(path string) (Fields, error) {
	m := genericRegexp.FindStringSubmatch(path)
	if m == nil {
		return Fields{}, fmt.Errorf("%w: %s", ErrUnparsablePath, path)
	}

	detector, err := strconv.Atoi(m[2])
	if err != nil {
		return Fields{}, fmt.Errorf("%w: %s", ErrUnparsablePath, path)
	}

	snap, err := strconv.Atoi(m[4])
	if err != nil {
		return Fields{}, fmt.Errorf("%w: %s", ErrUnparsablePath, path)
	}

	expID, err := strconv.ParseInt(m[5], 10, 64)
	if err != nil {
		return Fields{}, fmt.Errorf("%w: %s", ErrUnparsablePath, path)
	}

	return Fields{
		Instrument: m[1],
		Detector:   detector,
		Group:      m[3],
		Snap:       snap,
		ExposureID: expID,
		Filter:     m[6],
	}, nil
}

// lsstFields holds the metadata extractable from an LSST-scheme path. The
// group id is not encoded in the path; see GroupIDFromPath.
type lsstFields struct {
	instrument string // official name, after prefix translation
	dayObs     int64
	obsID      string
	raftSensor string
	extension  string
}

func decodeLSST(path string) (lsstFields, error) {
	parts := strings.SplitN(path, "/", 4)
	if len(parts) != 4 || strings.Contains(parts[3], "/") {
		return lsstFields{}, fmt.Errorf("%w: %s", ErrUnparsablePath, path)
	}

	instrument := translateInstrument(parts[0])
	if _, ok := detectorFromRaftSensor[instrument]; !ok {
		return lsstFields{}, fmt.Errorf("%w: unrecognized instrument in %s", ErrUnparsablePath, path)
	}

	dayObs, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return lsstFields{}, fmt.Errorf("%w: %s", ErrUnparsablePath, path)
	}

	obsID := parts[2]

	// The filename repeats the obsid: obsid_Rxy_Szw.ext.
	file := parts[3]
	if !strings.HasPrefix(file, obsID) {
		return lsstFields{}, fmt.Errorf("%w: %s", ErrUnparsablePath, path)
	}

	m := lsstFileRegexp.FindStringSubmatch(file[len(obsID):])
	if m == nil {
		return lsstFields{}, fmt.Errorf("%w: %s", ErrUnparsablePath, path)
	}

	return lsstFields{
		instrument: instrument,
		dayObs:     dayObs,
		obsID:      obsID,
		raftSensor: m[1],
		extension:  m[2],
	}, nil
}

// IsPathConsistent tests whether a snap path could have come from a
// particular visit, as far as the path alone can determine.
func IsPathConsistent(path string, v visit.Visit) bool {
	prefix, _, found := strings.Cut(path, "/")
	if !found {
		return false
	}

	if !isLSSTCamera(prefix) {
		f, err := DecodeGeneric(path)
		if err != nil {
			return false
		}

		// Snaps == 0 means any number of snaps is acceptable.
		return f.Instrument == v.Instrument &&
			f.Detector == v.Detector &&
			f.Group == v.GroupID &&
			(f.Snap < v.Snaps || v.Snaps == 0)
	}

	f, err := decodeLSST(path)
	if err != nil {
		return false
	}

	detector, ok := detectorFromRaftSensor[f.instrument][f.raftSensor]
	if !ok {
		return false
	}

	return f.instrument == v.Instrument && detector == v.Detector
}

// PrefixFromSnap computes the path prefix for a raw image object from a data
// id. The second return is false when no prefix can be computed for the
// instrument; the LSST camera family encodes observation ids rather than
// groups, so its prefixes cannot be predicted from a visit.
func PrefixFromSnap(instrument, group string, detector, snap int) (string, bool) {
	if isLSSTCamera(instrument) {
		return "", false
	}

	return fmt.Sprintf("%s/%d/%s/%d/", instrument, detector, group, snap), true
}

// ExposureIDFromPath calculates an exposure id from an image object path.
func ExposureIDFromPath(path string) (int64, error) {
	prefix, _, found := strings.Cut(path, "/")
	if !found {
		return 0, fmt.Errorf("%w: %s", ErrUnparsablePath, path)
	}

	if !isLSSTCamera(prefix) {
		f, err := DecodeGeneric(path)
		if err != nil {
			return 0, err
		}

		return f.ExposureID, nil
	}

	f, err := decodeLSST(path)
	if err != nil {
		return 0, err
	}

	// Obs ids look like CC_O_20230131_000123; the abbreviation and
	// controller are ignored.
	parts := strings.Split(f.obsID, "_")
	if len(parts) != 4 {
		return 0, fmt.Errorf("%w: %s", ErrUnparsablePath, path)
	}

	dayObs, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrUnparsablePath, path)
	}

	seqNum, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrUnparsablePath, path)
	}

	return dayObs*expIDDayFactor + seqNum, nil
}

// expIDDayFactor packs (dayObs, seqNum) into a single exposure id.
const expIDDayFactor = 100000

// EncodePath returns the path under which a raw with the given data id is
// stored in the image bucket.
func EncodePath(instrument string, detector int, group string, snap int, exposureID int64, filter string) (string, error) {
	if !isLSSTCamera(instrument) {
		return fmt.Sprintf("%s/%d/%s/%d/%d/%s/%s-%s-%d-%d-%s-%d.fz",
			instrument, detector, group, snap, exposureID, filter,
			instrument, group, snap, exposureID, filter, detector), nil
	}

	instrument = translateInstrument(instrument)

	raftSensor, err := RaftSensorFromDetector(instrument, detector)
	if err != nil {
		return "", err
	}

	abbrev, ok := cameraAbbrev[instrument]
	if !ok {
		return "", fmt.Errorf("no abbreviation known for instrument %s", instrument)
	}

	dayObs := exposureID / expIDDayFactor
	seqNum := exposureID % expIDDayFactor
	obsID := fmt.Sprintf("%s_O_%d_%06d", abbrev, dayObs, seqNum)

	return fmt.Sprintf("%s/%d/%s/%s_%s.fits", instrument, dayObs, obsID, obsID, raftSensor), nil
}
