package registry

import "context"

// Registry is the mutation and query surface the activator needs from a
// dataset registry. Implementations must be safe for concurrent use.
type Registry interface {
	// RegisterCollection creates a collection, idempotently: re-registering
	// with the same type succeeds, a different type is a conflict.
	RegisterCollection(ctx context.Context, name string, ctype CollectionType) error

	// RemoveCollection deletes a collection, its chain membership in any
	// parent, and, for runs and calibration collections, the datasets it
	// holds. Removing a missing collection is ErrCollectionNotFound.
	RemoveCollection(ctx context.Context, name string) error

	// CollectionType reports the type of a collection and whether it exists.
	CollectionType(ctx context.Context, name string) (CollectionType, bool, error)

	// QueryCollections lists collections of one type, sorted by name.
	QueryCollections(ctx context.Context, ctype CollectionType) ([]string, error)

	// GetCollectionChain returns the direct children of a chained
	// collection, in search order.
	GetCollectionChain(ctx context.Context, chain string) ([]string, error)

	// SetCollectionChain replaces the children of a chained collection.
	// Every child must already exist.
	SetCollectionChain(ctx context.Context, chain string, children []string) error

	// ParentChains lists the chained collections that directly include name.
	ParentChains(ctx context.Context, name string) ([]string, error)

	// RegisterDatasetType records a dataset type, idempotently.
	RegisterDatasetType(ctx context.Context, dt DatasetType) error

	// GetDatasetType looks up a dataset type by name.
	GetDatasetType(ctx context.Context, name string) (DatasetType, bool, error)

	// QueryDatasetTypes lists dataset types whose name matches a glob
	// pattern, sorted by name.
	QueryDatasetTypes(ctx context.Context, pattern string) ([]DatasetType, error)

	// InsertDatasets records dataset references. References already present
	// (same type, data id, run, validity begin) are silently satisfied. Each
	// reference's run collection must already exist.
	InsertDatasets(ctx context.Context, refs []DatasetRef) error

	// QueryDatasets returns the references matching the criteria, in
	// collection search order. Criteria constraining a governor dimension to
	// a value this registry has no dimension record for fail with
	// ErrUnknownDimensionValue.
	QueryDatasets(ctx context.Context, q QueryCriteria) ([]DatasetRef, error)

	// RemoveDatasets deletes the given references from their collections.
	// References not present are ignored.
	RemoveDatasets(ctx context.Context, refs []DatasetRef) error

	// InsertDimensionRecords records dimension metadata rows, idempotently.
	InsertDimensionRecords(ctx context.Context, recs []DimensionRecord) error

	// QueryDimensionRecords returns the records of one element matching the
	// equality constraints in where.
	QueryDimensionRecords(ctx context.Context, element string, where DataID) ([]DimensionRecord, error)
}
