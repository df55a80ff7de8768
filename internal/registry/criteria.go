package registry

import (
	"path"
	"time"
)

// QueryCriteria describes one dataset query. The zero value matches nothing
// useful; callers build criteria per query site and pass them by value.
type QueryCriteria struct {
	// DatasetType is the dataset type name to match. Glob patterns are
	// accepted ("*" matches any run of characters except none are excluded).
	DatasetType string

	// Collections are the collections to search, in order. Chained
	// collections are flattened depth-first, preserving their child order.
	Collections []string

	// Where constrains dimension values by equality.
	Where DataID

	// WhereIn constrains dimension values to membership in a set. An empty
	// set for a key matches nothing.
	WhereIn map[string][]string

	// ValidAt, when set, restricts calibration datasets to those whose
	// validity window contains the instant. Datasets without a validity
	// window always pass.
	ValidAt *time.Time

	// FindFirst keeps only the first match per (type, data id) in collection
	// search order, resolving ambiguity the way chained lookups do.
	FindFirst bool
}

// TypeMatches reports whether a dataset type name satisfies the criteria's
// type pattern.
func (q QueryCriteria) TypeMatches(name string) bool {
	if q.DatasetType == "" {
		return true
	}

	ok, err := path.Match(q.DatasetType, name)

	return err == nil && ok
}

// DataIDMatches reports whether a data id satisfies the Where and WhereIn
// constraints. Constraints on dimensions the data id does not carry are
// ignored; a dataset without a "detector" dimension is not excluded by a
// detector constraint.
func (q QueryCriteria) DataIDMatches(id DataID) bool {
	for k, want := range q.Where {
		got, ok := id[k]
		if !ok {
			continue
		}

		if got != want {
			return false
		}
	}

	for k, allowed := range q.WhereIn {
		got, ok := id[k]
		if !ok {
			continue
		}

		found := false

		for _, v := range allowed {
			if got == v {
				found = true

				break
			}
		}

		if !found {
			return false
		}
	}

	return true
}

// Matches applies the full criteria to one reference, except for collection
// membership and find-first ordering, which require registry context.
func (q QueryCriteria) Matches(ref DatasetRef) bool {
	if !q.TypeMatches(ref.DatasetType) {
		return false
	}

	if !q.DataIDMatches(ref.DataID) {
		return false
	}

	if q.ValidAt != nil && !ref.Validity.Contains(*q.ValidAt) {
		return false
	}

	return true
}

// GovernorConstraints returns the governor dimension values the criteria
// constrains by equality, for unknown-value validation.
func (q QueryCriteria) GovernorConstraints() DataID {
	out := DataID{}

	for _, dim := range GovernorDimensions {
		if v, ok := q.Where[dim]; ok {
			out[dim] = v
		}
	}

	return out
}
