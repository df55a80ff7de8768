package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryRegistry is an in-memory Registry used for per-visit local
// workspaces. All operations are guarded by a single RWMutex; per-visit
// workspaces see little contention.
type MemoryRegistry struct {
	mu sync.RWMutex

	collections  map[string]CollectionType
	chains       map[string][]string
	datasetTypes map[string]DatasetType

	// datasets indexes refs by holding collection, then by uniqueness key.
	datasets map[string]map[string]DatasetRef

	// dimensions indexes records by element, then by data id key.
	dimensions map[string]map[string]DimensionRecord
}

// NewMemoryRegistry returns an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		collections:  make(map[string]CollectionType),
		chains:       make(map[string][]string),
		datasetTypes: make(map[string]DatasetType),
		datasets:     make(map[string]map[string]DatasetRef),
		dimensions:   make(map[string]map[string]DimensionRecord),
	}
}

// RegisterCollection creates a collection, idempotently.
func (m *MemoryRegistry) RegisterCollection(_ context.Context, name string, ctype CollectionType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.collections[name]; ok {
		if existing != ctype {
			return fmt.Errorf("%w: %s is %s, requested %s", ErrCollectionTypeConflict, name, existing, ctype)
		}

		return nil
	}

	m.collections[name] = ctype

	if ctype == CollectionChained {
		m.chains[name] = nil
	}

	return nil
}

// RemoveCollection deletes a collection, its datasets, and its membership in
// any parent chain.
func (m *MemoryRegistry) RemoveCollection(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.collections[name]; !ok {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}

	delete(m.collections, name)
	delete(m.chains, name)
	delete(m.datasets, name)

	for parent, children := range m.chains {
		kept := children[:0]

		for _, child := range children {
			if child != name {
				kept = append(kept, child)
			}
		}

		m.chains[parent] = kept
	}

	return nil
}

// CollectionType reports the type of a collection and whether it exists.
func (m *MemoryRegistry) CollectionType(_ context.Context, name string) (CollectionType, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ctype, ok := m.collections[name]

	return ctype, ok, nil
}

// QueryCollections lists collections of one type, sorted by name.
func (m *MemoryRegistry) QueryCollections(_ context.Context, ctype CollectionType) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string

	for name, t := range m.collections {
		if t == ctype {
			names = append(names, name)
		}
	}

	sort.Strings(names)

	return names, nil
}

// GetCollectionChain returns the direct children of a chained collection.
func (m *MemoryRegistry) GetCollectionChain(_ context.Context, chain string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.chainChildren(chain)
}

func (m *MemoryRegistry) chainChildren(chain string) ([]string, error) {
	ctype, ok := m.collections[chain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, chain)
	}

	if ctype != CollectionChained {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotChained, chain, ctype)
	}

	children := m.chains[chain]
	out := make([]string, len(children))
	copy(out, children)

	return out, nil
}

// SetCollectionChain replaces the children of a chained collection.
func (m *MemoryRegistry) SetCollectionChain(_ context.Context, chain string, children []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctype, ok := m.collections[chain]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, chain)
	}

	if ctype != CollectionChained {
		return fmt.Errorf("%w: %s is %s", ErrNotChained, chain, ctype)
	}

	for _, child := range children {
		if _, ok := m.collections[child]; !ok {
			return fmt.Errorf("%w: chain child %s", ErrCollectionNotFound, child)
		}
	}

	m.chains[chain] = append([]string(nil), children...)

	return nil
}

// ParentChains lists the chained collections that directly include name.
func (m *MemoryRegistry) ParentChains(_ context.Context, name string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var parents []string

	for parent, children := range m.chains {
		for _, child := range children {
			if child == name {
				parents = append(parents, parent)

				break
			}
		}
	}

	sort.Strings(parents)

	return parents, nil
}

// RegisterDatasetType records a dataset type, idempotently.
func (m *MemoryRegistry) RegisterDatasetType(_ context.Context, dt DatasetType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.datasetTypes[dt.Name] = dt

	return nil
}

// GetDatasetType looks up a dataset type by name.
func (m *MemoryRegistry) GetDatasetType(_ context.Context, name string) (DatasetType, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dt, ok := m.datasetTypes[name]

	return dt, ok, nil
}

// QueryDatasetTypes lists dataset types matching a glob pattern.
func (m *MemoryRegistry) QueryDatasetTypes(_ context.Context, pattern string) ([]DatasetType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q := QueryCriteria{DatasetType: pattern}

	var out []DatasetType

	for name, dt := range m.datasetTypes {
		if q.TypeMatches(name) {
			out = append(out, dt)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out, nil
}

// InsertDatasets records dataset references, idempotently.
func (m *MemoryRegistry) InsertDatasets(_ context.Context, refs []DatasetRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ref := range refs {
		ctype, ok := m.collections[ref.Run]
		if !ok {
			return fmt.Errorf("%w: %s", ErrCollectionNotFound, ref.Run)
		}

		if ctype == CollectionChained {
			return fmt.Errorf("cannot insert dataset %s into chained collection %s", ref, ref.Run)
		}

		held := m.datasets[ref.Run]
		if held == nil {
			held = make(map[string]DatasetRef)
			m.datasets[ref.Run] = held
		}

		if _, exists := held[ref.Key()]; exists {
			continue
		}

		held[ref.Key()] = ref
	}

	return nil
}

// QueryDatasets returns the references matching the criteria, in collection
// search order.
func (m *MemoryRegistry) QueryDatasets(_ context.Context, q QueryCriteria) ([]DatasetRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkGovernors(q); err != nil {
		return nil, err
	}

	flattened, err := m.flatten(q.Collections)
	if err != nil {
		return nil, err
	}

	ordered := make([][]DatasetRef, 0, len(flattened))

	for _, coll := range flattened {
		keys := make([]string, 0, len(m.datasets[coll]))
		for k := range m.datasets[coll] {
			keys = append(keys, k)
		}

		sort.Strings(keys)

		candidates := make([]DatasetRef, 0, len(keys))
		for _, k := range keys {
			candidates = append(candidates, m.datasets[coll][k])
		}

		ordered = append(ordered, candidates)
	}

	return mergeQueryResults(q, ordered), nil
}

// flatten expands chained collections depth-first, preserving search order
// and skipping repeats.
func (m *MemoryRegistry) flatten(collections []string) ([]string, error) {
	var out []string

	visited := make(map[string]struct{})

	var walk func(name string) error

	walk = func(name string) error {
		if _, ok := visited[name]; ok {
			return nil
		}

		visited[name] = struct{}{}

		ctype, ok := m.collections[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
		}

		if ctype != CollectionChained {
			out = append(out, name)

			return nil
		}

		for _, child := range m.chains[name] {
			if err := walk(child); err != nil {
				return err
			}
		}

		return nil
	}

	for _, name := range collections {
		if err := walk(name); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func (m *MemoryRegistry) checkGovernors(q QueryCriteria) error {
	for dim, value := range q.GovernorConstraints() {
		if !m.knowsDimensionValue(dim, value) {
			return fmt.Errorf("%w: %s=%s", ErrUnknownDimensionValue, dim, value)
		}
	}

	return nil
}

func (m *MemoryRegistry) knowsDimensionValue(element, value string) bool {
	for _, rec := range m.dimensions[element] {
		if rec.DataID[element] == value {
			return true
		}
	}

	return false
}

// RemoveDatasets deletes the given references from their collections.
func (m *MemoryRegistry) RemoveDatasets(_ context.Context, refs []DatasetRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ref := range refs {
		delete(m.datasets[ref.Run], ref.Key())
	}

	return nil
}

// InsertDimensionRecords records dimension metadata rows, idempotently.
func (m *MemoryRegistry) InsertDimensionRecords(_ context.Context, recs []DimensionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range recs {
		byKey := m.dimensions[rec.Element]
		if byKey == nil {
			byKey = make(map[string]DimensionRecord)
			m.dimensions[rec.Element] = byKey
		}

		if _, exists := byKey[rec.DataID.Key()]; exists {
			continue
		}

		byKey[rec.DataID.Key()] = rec
	}

	return nil
}

// QueryDimensionRecords returns the records of one element matching the
// equality constraints in where.
func (m *MemoryRegistry) QueryDimensionRecords(_ context.Context, element string, where DataID) ([]DimensionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.dimensions[element]))
	for k := range m.dimensions[element] {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	var out []DimensionRecord

	for _, k := range keys {
		rec := m.dimensions[element][k]
		if matchesWhere(rec.DataID, where) {
			out = append(out, rec)
		}
	}

	return out, nil
}

func matchesWhere(id, where DataID) bool {
	for k, want := range where {
		if id[k] != want {
			return false
		}
	}

	return true
}
