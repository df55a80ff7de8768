package registry

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// CollectionRecord is a collection as serialized in a snapshot: its name,
// type, and, for chained collections, its children in search order.
type CollectionRecord struct {
	Name     string         `yaml:"name"`
	Type     CollectionType `yaml:"type"`
	Children []string       `yaml:"children,omitempty"`
}

// Snapshot is a serialized slice of registry content, used to move datasets
// and their supporting metadata between registries. Transfers always go
// through a snapshot: export from the source, import into the destination.
type Snapshot struct {
	ID               string             `yaml:"id"`
	CreatedAt        time.Time          `yaml:"createdAt"`
	DatasetTypes     []DatasetType      `yaml:"datasetTypes,omitempty"`
	Collections      []CollectionRecord `yaml:"collections,omitempty"`
	DimensionRecords []DimensionRecord  `yaml:"dimensionRecords,omitempty"`
	Datasets         []DatasetRef       `yaml:"datasets,omitempty"`

	typeNames     map[string]struct{}
	collectionSet map[string]struct{}
	dimensionKeys map[string]struct{}
	datasetKeys   map[string]struct{}
}

func (s *Snapshot) ensureIndexes() {
	if s.typeNames == nil {
		s.typeNames = make(map[string]struct{})
		s.collectionSet = make(map[string]struct{})
		s.dimensionKeys = make(map[string]struct{})
		s.datasetKeys = make(map[string]struct{})

		for _, dt := range s.DatasetTypes {
			s.typeNames[dt.Name] = struct{}{}
		}

		for _, rec := range s.Collections {
			s.collectionSet[rec.Name] = struct{}{}
		}

		for _, rec := range s.DimensionRecords {
			s.dimensionKeys[rec.Key()] = struct{}{}
		}

		for _, ref := range s.Datasets {
			s.datasetKeys[ref.Key()] = struct{}{}
		}
	}
}

// NewSnapshot returns an empty snapshot with a fresh id.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		ID:            uuid.NewString(),
		CreatedAt:     time.Now().UTC(),
		typeNames:     make(map[string]struct{}),
		collectionSet: make(map[string]struct{}),
		dimensionKeys: make(map[string]struct{}),
		datasetKeys:   make(map[string]struct{}),
	}
}

// AddDatasetType records a dataset type, skipping repeats.
func (s *Snapshot) AddDatasetType(dt DatasetType) {
	s.ensureIndexes()

	if _, ok := s.typeNames[dt.Name]; ok {
		return
	}

	s.typeNames[dt.Name] = struct{}{}
	s.DatasetTypes = append(s.DatasetTypes, dt)
}

// AddCollection records a collection, skipping repeats.
func (s *Snapshot) AddCollection(rec CollectionRecord) {
	s.ensureIndexes()

	if _, ok := s.collectionSet[rec.Name]; ok {
		return
	}

	s.collectionSet[rec.Name] = struct{}{}
	s.Collections = append(s.Collections, rec)
}

// AddDimensionRecord records a dimension row, skipping repeats.
func (s *Snapshot) AddDimensionRecord(rec DimensionRecord) {
	s.ensureIndexes()

	if _, ok := s.dimensionKeys[rec.Key()]; ok {
		return
	}

	s.dimensionKeys[rec.Key()] = struct{}{}
	s.DimensionRecords = append(s.DimensionRecords, rec)
}

// AddDataset records a dataset reference, skipping repeats. The reference's
// run collection is added implicitly if the snapshot does not carry it yet.
func (s *Snapshot) AddDataset(ref DatasetRef, runType CollectionType) {
	s.ensureIndexes()

	if _, ok := s.datasetKeys[ref.Key()]; ok {
		return
	}

	s.datasetKeys[ref.Key()] = struct{}{}
	s.Datasets = append(s.Datasets, ref)

	s.AddCollection(CollectionRecord{Name: ref.Run, Type: runType})
}

// WriteFile serializes the snapshot to a YAML file. The file is written with
// a temp-and-rename so readers never observe a partial snapshot.
func (s *Snapshot) WriteFile(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to serialize snapshot %s: %w", s.ID, err)
	}

	tmp, err := os.CreateTemp("", "registry-snapshot-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to stage snapshot %s: %w", s.ID, err)
	}

	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()

		return fmt.Errorf("failed to write snapshot %s: %w", s.ID, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write snapshot %s: %w", s.ID, err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to place snapshot %s: %w", s.ID, err)
	}

	return nil
}

// ReadSnapshotFile deserializes a snapshot from a YAML file.
func ReadSnapshotFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot file %q: %w", path, err)
	}

	var s Snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot file %q: %w", path, err)
	}

	return &s, nil
}

// Import applies a snapshot to a registry with copy semantics: content
// already present in the destination is left alone. It returns the names of
// collections the import newly created, so callers can splice them into
// chains.
func Import(ctx context.Context, reg Registry, s *Snapshot) ([]string, error) {
	for _, dt := range s.DatasetTypes {
		if err := reg.RegisterDatasetType(ctx, dt); err != nil {
			return nil, fmt.Errorf("snapshot %s: failed to register dataset type %s: %w", s.ID, dt.Name, err)
		}
	}

	if err := reg.InsertDimensionRecords(ctx, s.DimensionRecords); err != nil {
		return nil, fmt.Errorf("snapshot %s: failed to insert dimension records: %w", s.ID, err)
	}

	var created []string

	for _, rec := range s.Collections {
		_, exists, err := reg.CollectionType(ctx, rec.Name)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: failed to inspect collection %s: %w", s.ID, rec.Name, err)
		}

		if err := reg.RegisterCollection(ctx, rec.Name, rec.Type); err != nil {
			return nil, fmt.Errorf("snapshot %s: failed to register collection %s: %w", s.ID, rec.Name, err)
		}

		if !exists {
			created = append(created, rec.Name)
		}
	}

	// Chains are linked only after every collection exists, so forward
	// references within the snapshot resolve.
	for _, rec := range s.Collections {
		if rec.Type != CollectionChained || len(rec.Children) == 0 {
			continue
		}

		if err := reg.SetCollectionChain(ctx, rec.Name, rec.Children); err != nil {
			return nil, fmt.Errorf("snapshot %s: failed to link chain %s: %w", s.ID, rec.Name, err)
		}
	}

	if err := reg.InsertDatasets(ctx, s.Datasets); err != nil {
		return nil, fmt.Errorf("snapshot %s: failed to insert datasets: %w", s.ID, err)
	}

	return created, nil
}
