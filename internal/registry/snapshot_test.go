package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_AddDedupe(t *testing.T) {
	s := NewSnapshot()

	dt := DatasetType{Name: "bias", Dimensions: []string{"instrument", "detector"}}
	s.AddDatasetType(dt)
	s.AddDatasetType(dt)

	rec := DimensionRecord{Element: "exposure", DataID: DataID{"exposure": "100"}}
	s.AddDimensionRecord(rec)
	s.AddDimensionRecord(rec)

	coll := CollectionRecord{Name: "run-a", Type: CollectionRun}
	s.AddCollection(coll)
	s.AddCollection(coll)

	assert.Len(t, s.DatasetTypes, 1)
	assert.Len(t, s.DimensionRecords, 1)
	assert.Len(t, s.Collections, 1)
}

func TestSnapshot_AddDatasetImpliesRunCollection(t *testing.T) {
	s := NewSnapshot()

	ref := DatasetRef{
		ID:          "d-1",
		DatasetType: "bias",
		DataID:      DataID{"instrument": "LSSTComCam", "detector": "4"},
		Run:         "LSSTComCam/calib/run-1",
	}

	s.AddDataset(ref, CollectionCalibration)
	s.AddDataset(ref, CollectionCalibration)

	require.Len(t, s.Datasets, 1)
	require.Len(t, s.Collections, 1)
	assert.Equal(t, "LSSTComCam/calib/run-1", s.Collections[0].Name)
	assert.Equal(t, CollectionCalibration, s.Collections[0].Type)
}

func TestSnapshot_WriteReadRoundTrip(t *testing.T) {
	begin := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	s := NewSnapshot()
	s.AddDatasetType(DatasetType{Name: "bias", Dimensions: []string{"instrument", "detector"}})
	s.AddDimensionRecord(DimensionRecord{
		Element: "instrument",
		DataID:  DataID{"instrument": "LSSTComCam"},
		Fields:  map[string]string{"detectors": "9"},
	})
	s.AddDataset(DatasetRef{
		ID:          "d-1",
		DatasetType: "bias",
		DataID:      DataID{"instrument": "LSSTComCam", "detector": "4"},
		Run:         "run-a",
		Validity:    &ValidityRange{Begin: &begin},
	}, CollectionRun)

	path := filepath.Join(t.TempDir(), "snapshot.yaml")
	require.NoError(t, s.WriteFile(path))

	loaded, err := ReadSnapshotFile(path)
	require.NoError(t, err)

	assert.Equal(t, s.ID, loaded.ID)
	assert.Equal(t, s.DatasetTypes, loaded.DatasetTypes)
	assert.Equal(t, s.Collections, loaded.Collections)
	assert.Equal(t, s.DimensionRecords, loaded.DimensionRecords)

	require.Len(t, loaded.Datasets, 1)
	assert.Equal(t, "d-1", loaded.Datasets[0].ID)
	require.NotNil(t, loaded.Datasets[0].Validity)
	assert.True(t, begin.Equal(*loaded.Datasets[0].Validity.Begin))
}

func TestReadSnapshotFile_Missing(t *testing.T) {
	_, err := ReadSnapshotFile(filepath.Join(t.TempDir(), "nope.yaml"))

	assert.Error(t, err)
}

func TestImport(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	// The destination already holds one of the snapshot's collections.
	require.NoError(t, reg.RegisterCollection(ctx, "existing-run", CollectionRun))

	s := NewSnapshot()
	s.AddDatasetType(DatasetType{Name: "bias", Dimensions: []string{"instrument", "detector"}})
	s.AddDimensionRecord(DimensionRecord{Element: "instrument", DataID: DataID{"instrument": "LSSTComCam"}})

	// The chain references a collection declared later in the snapshot.
	s.AddCollection(CollectionRecord{
		Name:     "chain",
		Type:     CollectionChained,
		Children: []string{"existing-run", "new-run"},
	})
	s.AddDataset(DatasetRef{
		ID:          "d-1",
		DatasetType: "bias",
		DataID:      DataID{"instrument": "LSSTComCam", "detector": "0"},
		Run:         "new-run",
	}, CollectionRun)

	created, err := Import(ctx, reg, s)

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"chain", "new-run"}, created)

	children, err := reg.GetCollectionChain(ctx, "chain")
	require.NoError(t, err)
	assert.Equal(t, []string{"existing-run", "new-run"}, children)

	refs, err := reg.QueryDatasets(ctx, QueryCriteria{
		Collections: []string{"chain"},
		Where:       DataID{"instrument": "LSSTComCam"},
	})
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "d-1", refs[0].ID)
}

func TestImport_IsIdempotent(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	s := NewSnapshot()
	s.AddDimensionRecord(DimensionRecord{Element: "instrument", DataID: DataID{"instrument": "LSSTComCam"}})
	s.AddDataset(DatasetRef{
		ID:          "d-1",
		DatasetType: "bias",
		DataID:      DataID{"instrument": "LSSTComCam", "detector": "0"},
		Run:         "run-a",
	}, CollectionRun)

	first, err := Import(ctx, reg, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-a"}, first)

	// A second import finds everything in place and creates nothing.
	second, err := Import(ctx, reg, s)
	require.NoError(t, err)
	assert.Empty(t, second)

	refs, err := reg.QueryDatasets(ctx, QueryCriteria{
		Collections: []string{"run-a"},
		Where:       DataID{"instrument": "LSSTComCam"},
	})
	require.NoError(t, err)
	assert.Len(t, refs, 1)
}
