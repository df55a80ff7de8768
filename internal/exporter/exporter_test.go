package exporter

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptkit-io/activator/internal/bucket"
	"github.com/promptkit-io/activator/internal/registry"
	"github.com/promptkit-io/activator/internal/visit"
	"github.com/promptkit-io/activator/internal/workspace"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func exportVisit() visit.Visit {
	return visit.Visit{
		GroupID:    "2026-08-23T06:15:00.123",
		Instrument: "LSSTComCam",
		Detector:   4,
		Snaps:      2,
		Filters:    "r_03",
	}
}

const outputRun = "LSSTComCam/prompt/output-2026-08-22/ApPipe/deploy-1"

// preparedWorkspace builds a workspace holding two ingested raws, a visit
// definition, and one output run with a per-detector product and an
// instrument-wide one.
func preparedWorkspace(t *testing.T) (*workspace.Workspace, []int64) {
	t.Helper()

	ctx := context.Background()

	ws, err := workspace.New(ctx, workspace.Config{
		Instrument: "LSSTComCam",
		Detectors:  9,
		Backend:    workspace.RemoteStaging{},
		Logger:     discardLogger(),
	})
	require.NoError(t, err)

	reg := ws.Registry()

	exposureIDs := []int64{2026082300123, 2026082300124}

	var raws []registry.DatasetRef

	for i, id := range exposureIDs {
		raws = append(raws, registry.DatasetRef{
			ID:          "raw-" + strconv.Itoa(i),
			DatasetType: workspace.RawDatasetType.Name,
			DataID: registry.DataID{
				"instrument": "LSSTComCam",
				"detector":   "4",
				"exposure":   strconv.FormatInt(id, 10),
			},
			Run: ws.RawRun(),
		})

		require.NoError(t, reg.InsertDimensionRecords(ctx, []registry.DimensionRecord{{
			Element: "exposure",
			DataID:  registry.DataID{"instrument": "LSSTComCam", "exposure": strconv.FormatInt(id, 10)},
			Fields:  map[string]string{"group": exportVisit().GroupID},
		}}))
	}

	require.NoError(t, reg.InsertDatasets(ctx, raws))

	require.NoError(t, reg.RegisterDatasetType(ctx, registry.DatasetType{
		Name:       "apdb_marker",
		Dimensions: []string{"instrument", "visit", "detector"},
	}))
	require.NoError(t, reg.RegisterDatasetType(ctx, registry.DatasetType{
		Name:       "packageVersions",
		Dimensions: []string{"instrument"},
	}))

	require.NoError(t, reg.InsertDimensionRecords(ctx, []registry.DimensionRecord{{
		Element: "visit",
		DataID:  registry.DataID{"instrument": "LSSTComCam", "visit": "2026082300123"},
		Fields:  map[string]string{"group": exportVisit().GroupID},
	}}))

	require.NoError(t, reg.RegisterCollection(ctx, outputRun, registry.CollectionRun))
	require.NoError(t, ws.PrependChain(ctx, ws.OutputChain(), []string{outputRun}))

	require.NoError(t, reg.InsertDatasets(ctx, []registry.DatasetRef{
		{
			ID:          "output-detector",
			DatasetType: "apdb_marker",
			DataID: registry.DataID{
				"instrument": "LSSTComCam",
				"visit":      "2026082300123",
				"detector":   "4",
			},
			Run: outputRun,
		},
		{
			ID:          "output-instrument-wide",
			DatasetType: "packageVersions",
			DataID:      registry.DataID{"instrument": "LSSTComCam"},
			Run:         outputRun,
		},
	}))

	return ws, exposureIDs
}

func centralRegistry(t *testing.T) *registry.MemoryRegistry {
	t.Helper()

	central := registry.NewMemoryRegistry()

	require.NoError(t, central.InsertDimensionRecords(context.Background(), []registry.DimensionRecord{{
		Element: "instrument",
		DataID:  registry.DataID{"instrument": "LSSTComCam"},
	}}))

	return central
}

func TestExportOutputs(t *testing.T) {
	ws, exposureIDs := preparedWorkspace(t)
	central := centralRegistry(t)
	ctx := context.Background()

	e := New(central, discardLogger())

	require.NoError(t, e.ExportOutputs(ctx, ws, exportVisit(), exposureIDs, []string{outputRun}))

	raws, err := central.QueryDatasets(ctx, registry.QueryCriteria{
		DatasetType: "raw",
		Collections: []string{ws.RawRun()},
	})
	require.NoError(t, err)
	assert.Len(t, raws, 2)

	outputs, err := central.QueryDatasets(ctx, registry.QueryCriteria{
		Collections: []string{outputRun},
	})
	require.NoError(t, err)
	require.Len(t, outputs, 1)

	// Instrument-wide products stay local; only per-detector ones export.
	assert.Equal(t, "output-detector", outputs[0].ID)

	// The output run is chained centrally.
	chain, err := central.GetCollectionChain(ctx, ws.OutputChain())
	require.NoError(t, err)
	assert.Equal(t, []string{outputRun}, chain)

	// Per-visit dimension records travel; shared ones do not.
	visits, err := central.QueryDimensionRecords(ctx, "visit", nil)
	require.NoError(t, err)
	assert.Len(t, visits, 1)

	detectors, err := central.QueryDimensionRecords(ctx, "detector", nil)
	require.NoError(t, err)
	assert.Empty(t, detectors)
}

func TestExportOutputs_Idempotent(t *testing.T) {
	ws, exposureIDs := preparedWorkspace(t)
	central := centralRegistry(t)
	ctx := context.Background()

	e := New(central, discardLogger())

	require.NoError(t, e.ExportOutputs(ctx, ws, exportVisit(), exposureIDs, []string{outputRun}))
	require.NoError(t, e.ExportOutputs(ctx, ws, exportVisit(), exposureIDs, []string{outputRun}))

	raws, err := central.QueryDatasets(ctx, registry.QueryCriteria{
		Collections: []string{ws.RawRun()},
	})
	require.NoError(t, err)
	assert.Len(t, raws, 2)

	chain, err := central.GetCollectionChain(ctx, ws.OutputChain())
	require.NoError(t, err)
	assert.Equal(t, []string{outputRun}, chain)
}

func TestExportOutputs_NoRaws(t *testing.T) {
	ws, _ := preparedWorkspace(t)
	e := New(centralRegistry(t), discardLogger())

	// Exposures the workspace never ingested.
	err := e.ExportOutputs(context.Background(), ws, exportVisit(), []int64{999}, []string{outputRun})

	assert.ErrorContains(t, err, "no raws")
}

func TestExportOutputs_NoDetectorOutputs(t *testing.T) {
	ws, exposureIDs := preparedWorkspace(t)
	ctx := context.Background()

	// A run holding nothing per-detector must not be exported silently.
	empty := "LSSTComCam/prompt/output-2026-08-22/ISR/deploy-1"
	require.NoError(t, ws.Registry().RegisterCollection(ctx, empty, registry.CollectionRun))

	e := New(centralRegistry(t), discardLogger())

	err := e.ExportOutputs(ctx, ws, exportVisit(), exposureIDs, []string{empty})

	assert.ErrorContains(t, err, "no detector outputs")
}

func TestCleanLocalRepo(t *testing.T) {
	ws, exposureIDs := preparedWorkspace(t)
	ctx := context.Background()

	e := New(centralRegistry(t), discardLogger())

	require.NoError(t, e.CleanLocalRepo(ctx, ws, exposureIDs, []string{outputRun}))

	raws, err := ws.Registry().QueryDatasets(ctx, registry.QueryCriteria{
		Collections: []string{ws.RawRun()},
	})
	require.NoError(t, err)
	assert.Empty(t, raws)

	// The output run is gone, from the chain and from the registry.
	chain, err := ws.Registry().GetCollectionChain(ctx, ws.OutputChain())
	require.NoError(t, err)
	assert.NotContains(t, chain, outputRun)

	_, ok, err := ws.Registry().CollectionType(ctx, outputRun)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCleanLocalRepo_KeepsPreloadedInputs(t *testing.T) {
	ws, exposureIDs := preparedWorkspace(t)
	ctx := context.Background()

	// A cached calibration that must survive cleanup.
	require.NoError(t, ws.Registry().RegisterCollection(ctx, "calib/run-1", registry.CollectionCalibration))
	require.NoError(t, ws.Registry().InsertDatasets(ctx, []registry.DatasetRef{{
		ID:          "cached-bias",
		DatasetType: "bias",
		DataID:      registry.DataID{"instrument": "LSSTComCam", "detector": "4"},
		Run:         "calib/run-1",
	}}))
	require.NoError(t, ws.PrependChain(ctx, ws.CalibChain(), []string{"calib/run-1"}))

	e := New(centralRegistry(t), discardLogger())

	require.NoError(t, e.CleanLocalRepo(ctx, ws, exposureIDs, []string{outputRun}))

	calibs, err := ws.Registry().QueryDatasets(ctx, registry.QueryCriteria{
		Collections: []string{ws.CalibChain()},
	})
	require.NoError(t, err)
	assert.Len(t, calibs, 1)
}

func TestCleanLocalRepo_RemovesStagedFiles(t *testing.T) {
	ctx := context.Background()

	rawPath := "LSSTComCam/20260823/CC_O_20260823_000123/CC_O_20260823_000123_R22_S11.fits"

	images := bucket.NewMemoryStore()
	images.Put(rawPath, []byte("fits bytes"))

	root := t.TempDir()

	ws, err := workspace.New(ctx, workspace.Config{
		Instrument: "LSSTComCam",
		Detectors:  9,
		Backend:    workspace.LocalPath{Root: root},
		Images:     images,
		Logger:     discardLogger(),
	})
	require.NoError(t, err)

	exposureID, err := ws.IngestRaw(ctx, rawPath, exportVisit())
	require.NoError(t, err)

	staged := filepath.Join(root, filepath.FromSlash(rawPath))
	_, err = os.Stat(staged)
	require.NoError(t, err)

	e := New(centralRegistry(t), discardLogger())

	require.NoError(t, e.CleanLocalRepo(ctx, ws, []int64{exposureID}, nil))

	_, err = os.Stat(staged)
	assert.True(t, os.IsNotExist(err))
}

func TestCleanLocalRepo_NothingToClean(t *testing.T) {
	ws, _ := preparedWorkspace(t)

	e := New(centralRegistry(t), discardLogger())

	assert.NoError(t, e.CleanLocalRepo(context.Background(), ws, nil, nil))
}
