package workspace

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptkit-io/activator/internal/bucket"
	"github.com/promptkit-io/activator/internal/registry"
	"github.com/promptkit-io/activator/internal/visit"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testWorkspace(t *testing.T, backend Backend, images bucket.Store) *Workspace {
	t.Helper()

	ws, err := New(context.Background(), Config{
		Instrument: "LSSTComCam",
		Detectors:  9,
		Backend:    backend,
		Images:     images,
		Logger:     discardLogger(),
	})
	require.NoError(t, err)

	return ws
}

func TestNew_RequiresInstrument(t *testing.T) {
	_, err := New(context.Background(), Config{})

	assert.Error(t, err)
}

func TestNew_CollectionStructure(t *testing.T) {
	ws := testWorkspace(t, nil, nil)
	ctx := context.Background()

	umbrella, err := ws.Registry().GetCollectionChain(ctx, ws.UmbrellaChain())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"LSSTComCam/calib",
		"LSSTComCam/templates",
		"skymaps",
		"refcats",
		"LSSTComCam/raw/all",
	}, umbrella)

	ctype, ok, err := ws.Registry().CollectionType(ctx, ws.RawRun())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, registry.CollectionRun, ctype)

	ctype, ok, err = ws.Registry().CollectionType(ctx, ws.OutputChain())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, registry.CollectionChained, ctype)
}

func TestNew_SeedsInstrumentDimensions(t *testing.T) {
	ws := testWorkspace(t, nil, nil)
	ctx := context.Background()

	instruments, err := ws.Registry().QueryDimensionRecords(ctx, "instrument", nil)
	require.NoError(t, err)
	require.Len(t, instruments, 1)
	assert.Equal(t, "LSSTComCam", instruments[0].DataID["instrument"])

	detectors, err := ws.Registry().QueryDimensionRecords(ctx, "detector",
		registry.DataID{"instrument": "LSSTComCam"})
	require.NoError(t, err)
	assert.Len(t, detectors, 9)

	_, ok, err := ws.Registry().GetDatasetType(ctx, RawDatasetType.Name)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNew_DefaultsToRemoteStaging(t *testing.T) {
	ws := testWorkspace(t, nil, nil)

	_, ok := ws.Backend().(RemoteStaging)
	assert.True(t, ok)
}

func TestPrependChain(t *testing.T) {
	ws := testWorkspace(t, nil, nil)
	ctx := context.Background()

	reg := ws.Registry()
	require.NoError(t, reg.RegisterCollection(ctx, "calib/run-1", registry.CollectionCalibration))
	require.NoError(t, reg.RegisterCollection(ctx, "calib/run-2", registry.CollectionCalibration))

	require.NoError(t, ws.PrependChain(ctx, ws.CalibChain(), []string{"calib/run-1"}))
	require.NoError(t, ws.PrependChain(ctx, ws.CalibChain(), []string{"calib/run-2", "calib/run-1"}))

	children, err := reg.GetCollectionChain(ctx, ws.CalibChain())
	require.NoError(t, err)

	// run-1 was already present; only run-2 moves to the front.
	assert.Equal(t, []string{"calib/run-2", "calib/run-1"}, children)
}

func TestPrependChain_UnknownChain(t *testing.T) {
	ws := testWorkspace(t, nil, nil)

	err := ws.PrependChain(context.Background(), "nope", []string{"x"})

	assert.ErrorIs(t, err, registry.ErrCollectionNotFound)
}

func ingestVisit() visit.Visit {
	return visit.Visit{
		Instrument: "LSSTComCam",
		Detector:   4,
		GroupID:    "2026-08-23T06:15:00.123",
		Snaps:      1,
		Filters:    "r_03",
	}
}

const ingestPath = "LSSTComCam/20260823/CC_O_20260823_000123/CC_O_20260823_000123_R22_S11.fits"

func TestIngestRaw_RemoteStaging(t *testing.T) {
	images := bucket.NewMemoryStore()
	ws := testWorkspace(t, RemoteStaging{BaseURI: "s3://rubin-raw"}, images)
	ctx := context.Background()

	exposureID, err := ws.IngestRaw(ctx, ingestPath, ingestVisit())

	require.NoError(t, err)
	assert.Equal(t, int64(2026082300123), exposureID)

	refs, err := ws.Registry().QueryDatasets(ctx, registry.QueryCriteria{
		DatasetType: "raw",
		Collections: []string{ws.RawRun()},
		Where:       registry.DataID{"instrument": "LSSTComCam"},
	})
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "4", refs[0].DataID["detector"])
	assert.Equal(t, "2026082300123", refs[0].DataID["exposure"])

	exposures, err := ws.Registry().QueryDimensionRecords(ctx, "exposure", nil)
	require.NoError(t, err)
	require.Len(t, exposures, 1)
	assert.Equal(t, "2026-08-23T06:15:00.123", exposures[0].Fields["group"])
	assert.Equal(t, "r_03", exposures[0].Fields["physical_filter"])
}

func TestIngestRaw_Idempotent(t *testing.T) {
	ws := testWorkspace(t, RemoteStaging{}, bucket.NewMemoryStore())
	ctx := context.Background()

	_, err := ws.IngestRaw(ctx, ingestPath, ingestVisit())
	require.NoError(t, err)

	_, err = ws.IngestRaw(ctx, ingestPath, ingestVisit())
	require.NoError(t, err)

	refs, err := ws.Registry().QueryDatasets(ctx, registry.QueryCriteria{
		Collections: []string{ws.RawRun()},
	})
	require.NoError(t, err)
	assert.Len(t, refs, 1)
}

func TestIngestRaw_InconsistentVisit(t *testing.T) {
	ws := testWorkspace(t, RemoteStaging{}, bucket.NewMemoryStore())

	v := ingestVisit()
	v.Detector = 5

	_, err := ws.IngestRaw(context.Background(), ingestPath, v)

	assert.Error(t, err)
}

func TestIngestRaw_LocalPathDownloads(t *testing.T) {
	images := bucket.NewMemoryStore()
	images.Put(ingestPath, []byte("fits bytes"))

	root := t.TempDir()
	ws := testWorkspace(t, LocalPath{Root: root}, images)

	_, err := ws.IngestRaw(context.Background(), ingestPath, ingestVisit())
	require.NoError(t, err)

	staged, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(ingestPath)))
	require.NoError(t, err)
	assert.Equal(t, []byte("fits bytes"), staged)
}

func TestRemoveStaged_DeletesLocalFiles(t *testing.T) {
	images := bucket.NewMemoryStore()
	images.Put(ingestPath, []byte("fits bytes"))

	root := t.TempDir()
	ws := testWorkspace(t, LocalPath{Root: root}, images)

	exposureID, err := ws.IngestRaw(context.Background(), ingestPath, ingestVisit())
	require.NoError(t, err)

	staged := filepath.Join(root, filepath.FromSlash(ingestPath))
	_, err = os.Stat(staged)
	require.NoError(t, err)

	require.NoError(t, ws.RemoveStaged([]int64{exposureID}))

	_, err = os.Stat(staged)
	assert.True(t, os.IsNotExist(err))

	// Removing again, or removing exposures that staged nothing, is a no-op.
	assert.NoError(t, ws.RemoveStaged([]int64{exposureID, 12345}))
}

func TestRemoveStaged_RemoteStagingIsNoOp(t *testing.T) {
	ws := testWorkspace(t, RemoteStaging{}, bucket.NewMemoryStore())

	exposureID, err := ws.IngestRaw(context.Background(), ingestPath, ingestVisit())
	require.NoError(t, err)

	assert.NoError(t, ws.RemoveStaged([]int64{exposureID}))
}

func TestIngestRaw_LocalPathMissingObject(t *testing.T) {
	ws := testWorkspace(t, LocalPath{Root: t.TempDir()}, bucket.NewMemoryStore())

	_, err := ws.IngestRaw(context.Background(), ingestPath, ingestVisit())

	assert.ErrorIs(t, err, bucket.ErrObjectNotFound)
}
