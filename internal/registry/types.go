// Package registry provides the dataset registry model the activator works
// against: typed datasets with dimension key-value identifiers, named
// collections with chained search order, and calibration validity ranges.
//
// The registry is an external engine; this package defines the query and
// mutation surface the activator needs, an in-memory implementation used for
// per-visit local workspaces, and a PostgreSQL implementation for the shared
// central store.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrUnknownDimensionValue is returned when a query references a
	// governor dimension value the registry has never seen. Fresh local
	// workspaces produce this routinely; set-difference callers treat it as
	// "nothing known".
	ErrUnknownDimensionValue = errors.New("query references unknown dimension values")

	// ErrCollectionNotFound is returned when an operation names a collection
	// that does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrCollectionTypeConflict is returned when a collection is
	// re-registered with a different type.
	ErrCollectionTypeConflict = errors.New("collection already registered with a different type")

	// ErrNotChained is returned when a chain operation targets a collection
	// that is not CHAINED.
	ErrNotChained = errors.New("collection is not chained")
)

// CollectionType classifies a named collection.
type CollectionType int

// Collection types.
const (
	// CollectionRun is a write-once bucket of datasets.
	CollectionRun CollectionType = iota + 1

	// CollectionChained is an ordered list of other collections defining a
	// search order; the first member wins on ambiguous queries.
	CollectionChained

	// CollectionCalibration holds datasets with validity time ranges.
	CollectionCalibration
)

func (t CollectionType) String() string {
	switch t {
	case CollectionRun:
		return "RUN"
	case CollectionChained:
		return "CHAINED"
	case CollectionCalibration:
		return "CALIBRATION"
	default:
		return fmt.Sprintf("CollectionType(%d)", int(t))
	}
}

// DataID is a dimension key-value tuple identifying a dataset or dimension
// record. Values are stored in canonical string form.
type DataID map[string]string

// Key returns a canonical order-independent string form, usable as a map key.
func (d DataID) Key() string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	var b strings.Builder

	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}

		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(d[k])
	}

	return b.String()
}

// Clone returns an independent copy.
func (d DataID) Clone() DataID {
	c := make(DataID, len(d))
	for k, v := range d {
		c[k] = v
	}

	return c
}

// Without returns a copy with the named keys removed.
func (d DataID) Without(keys ...string) DataID {
	c := d.Clone()
	for _, k := range keys {
		delete(c, k)
	}

	return c
}

// ValidityRange is the calibration applicability window [Begin, End). A nil
// bound is unbounded on that side; a nil range means the calibration is
// valid at all times.
type ValidityRange struct {
	Begin *time.Time `yaml:"begin,omitempty"`
	End   *time.Time `yaml:"end,omitempty"`
}

// Contains reports whether t falls inside the window. The end bound is
// exclusive.
func (r *ValidityRange) Contains(t time.Time) bool {
	if r == nil {
		return true
	}

	if r.Begin != nil && t.Before(*r.Begin) {
		return false
	}

	if r.End != nil && !t.Before(*r.End) {
		return false
	}

	return true
}

// DatasetRef identifies one dataset: an opaque blob plus typed metadata. A
// dataset is unique by (type, data id, run); calibration collections may
// additionally hold the same (type, data id) under several validity windows.
type DatasetRef struct {
	ID          string         `yaml:"id"`
	DatasetType string         `yaml:"datasetType"`
	DataID      DataID         `yaml:"dataId"`
	Run         string         `yaml:"run"`
	Validity    *ValidityRange `yaml:"validity,omitempty"`
}

// Key returns the uniqueness key of the reference.
func (r DatasetRef) Key() string {
	begin := ""
	if r.Validity != nil && r.Validity.Begin != nil {
		begin = r.Validity.Begin.UTC().Format(time.RFC3339Nano)
	}

	return r.DatasetType + "|" + r.DataID.Key() + "|" + r.Run + "|" + begin
}

// ContentKey identifies the dataset independent of which collection holds
// it, for set-difference and find-first deduplication.
func (r DatasetRef) ContentKey() string {
	return r.DatasetType + "|" + r.DataID.Key()
}

func (r DatasetRef) String() string {
	return fmt.Sprintf("%s@{%s}/%s", r.DatasetType, r.DataID.Key(), r.Run)
}

// DatasetType describes a dataset type: its name and the dimensions that
// identify its datasets.
type DatasetType struct {
	Name       string   `yaml:"name"`
	Dimensions []string `yaml:"dimensions"`
}

// HasDimension reports whether the type's dimension signature includes name.
func (t DatasetType) HasDimension(name string) bool {
	for _, d := range t.Dimensions {
		if d == name {
			return true
		}
	}

	return false
}

// DimensionRecord is one row of dimension metadata: an element name (e.g.
// "exposure", "visit", "instrument"), its identifying data id, and any
// additional fields.
type DimensionRecord struct {
	Element string            `yaml:"element"`
	DataID  DataID            `yaml:"dataId"`
	Fields  map[string]string `yaml:"fields,omitempty"`
}

// Key returns the uniqueness key of the record.
func (r DimensionRecord) Key() string {
	return r.Element + "|" + r.DataID.Key()
}

// GovernorDimensions are the dimensions whose values partition the data
// model. Queries constraining a governor dimension to a value the registry
// has never seen fail with ErrUnknownDimensionValue instead of returning an
// empty result.
var GovernorDimensions = []string{"instrument", "skymap"}

// SharedDimensionElements are the dimension elements whose records are
// defined once per instrument or skymap rather than per visit. Exports to a
// shared registry exclude them to avoid duplicate-definition races between
// concurrent workspaces.
var SharedDimensionElements = []string{"instrument", "detector", "physical_filter", "skymap", "tract", "patch"}
