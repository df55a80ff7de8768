// Package workspace manages the per-instrument local repository an activator
// instance processes visits in: an in-memory registry plus a backend that
// says where raw image bytes live while pipelines run.
package workspace

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/promptkit-io/activator/internal/bucket"
	"github.com/promptkit-io/activator/internal/raw"
	"github.com/promptkit-io/activator/internal/registry"
	"github.com/promptkit-io/activator/internal/visit"
)

// Backend says where the workspace keeps raw image bytes.
type Backend interface {
	backend()
}

// LocalPath keeps raws as files under a root directory; ingest downloads
// each image from the bucket before pipelines run.
type LocalPath struct {
	Root string
}

func (LocalPath) backend() {}

// RemoteStaging leaves raws in the bucket; pipelines read them by URI.
type RemoteStaging struct {
	BaseURI string
}

func (RemoteStaging) backend() {}

// RawDatasetType is the dataset type of unprocessed camera images.
var RawDatasetType = registry.DatasetType{
	Name:       "raw",
	Dimensions: []string{"instrument", "detector", "exposure"},
}

// Workspace is the local repository for one instrument on one activator
// instance. A workspace persists across visits; per-visit content is added
// by replication and ingest and removed by cleanup.
type Workspace struct {
	instrument string
	registry   *registry.MemoryRegistry
	backend    Backend
	images     bucket.Store
	logger     *slog.Logger

	mu     sync.Mutex
	staged map[int64][]string
}

// Config holds what a workspace needs at construction.
type Config struct {
	// Instrument is the official instrument name this workspace serves.
	Instrument string

	// Detectors is the number of detectors the instrument has.
	Detectors int

	// Backend says where raw bytes live. Defaults to RemoteStaging.
	Backend Backend

	// Images is the bucket raw images arrive in.
	Images bucket.Store

	Logger *slog.Logger
}

// New builds a workspace: an empty registry pre-loaded with the instrument's
// shared dimension records and the standard collection structure.
func New(ctx context.Context, cfg Config) (*Workspace, error) {
	if cfg.Instrument == "" {
		return nil, fmt.Errorf("workspace requires an instrument")
	}

	backend := cfg.Backend
	if backend == nil {
		backend = RemoteStaging{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w := &Workspace{
		instrument: cfg.Instrument,
		registry:   registry.NewMemoryRegistry(),
		backend:    backend,
		images:     cfg.Images,
		logger:     logger,
		staged:     make(map[int64][]string),
	}

	if err := w.initDimensions(ctx, cfg.Detectors); err != nil {
		return nil, err
	}

	if err := w.initCollections(ctx); err != nil {
		return nil, err
	}

	return w, nil
}

func (w *Workspace) initDimensions(ctx context.Context, detectors int) error {
	recs := []registry.DimensionRecord{{
		Element: "instrument",
		DataID:  registry.DataID{"instrument": w.instrument},
	}}

	for d := 0; d < detectors; d++ {
		recs = append(recs, registry.DimensionRecord{
			Element: "detector",
			DataID: registry.DataID{
				"instrument": w.instrument,
				"detector":   strconv.Itoa(d),
			},
		})
	}

	if err := w.registry.InsertDimensionRecords(ctx, recs); err != nil {
		return fmt.Errorf("failed to define instrument %s: %w", w.instrument, err)
	}

	if err := w.registry.RegisterDatasetType(ctx, RawDatasetType); err != nil {
		return fmt.Errorf("failed to define instrument %s: %w", w.instrument, err)
	}

	return nil
}

// initCollections creates the standard collection structure. The umbrella
// chain is the search path pipelines run against; its child order decides
// lookup priority.
func (w *Workspace) initCollections(ctx context.Context) error {
	chains := []string{
		w.CalibChain(),
		w.TemplateChain(),
		w.SkymapChain(),
		w.RefcatChain(),
		w.OutputChain(),
	}

	for _, chain := range chains {
		if err := w.registry.RegisterCollection(ctx, chain, registry.CollectionChained); err != nil {
			return fmt.Errorf("failed to initialize workspace collections: %w", err)
		}
	}

	if err := w.registry.RegisterCollection(ctx, w.RawRun(), registry.CollectionRun); err != nil {
		return fmt.Errorf("failed to initialize workspace collections: %w", err)
	}

	if err := w.registry.RegisterCollection(ctx, w.UmbrellaChain(), registry.CollectionChained); err != nil {
		return fmt.Errorf("failed to initialize workspace collections: %w", err)
	}

	umbrella := []string{
		w.CalibChain(),
		w.TemplateChain(),
		w.SkymapChain(),
		w.RefcatChain(),
		w.RawRun(),
	}

	if err := w.registry.SetCollectionChain(ctx, w.UmbrellaChain(), umbrella); err != nil {
		return fmt.Errorf("failed to initialize workspace collections: %w", err)
	}

	return nil
}

// Instrument returns the official instrument name.
func (w *Workspace) Instrument() string { return w.instrument }

// Registry returns the workspace's local registry.
func (w *Workspace) Registry() *registry.MemoryRegistry { return w.registry }

// Backend returns where raw bytes live for this workspace.
func (w *Workspace) Backend() Backend { return w.backend }

// UmbrellaChain is the search path pipelines run against.
func (w *Workspace) UmbrellaChain() string { return w.instrument + "/defaults" }

// RawRun holds ingested raw images.
func (w *Workspace) RawRun() string { return w.instrument + "/raw/all" }

// OutputChain collects pipeline output runs, newest first.
func (w *Workspace) OutputChain() string { return w.instrument + "/prompt" }

// CalibChain collects calibration collections.
func (w *Workspace) CalibChain() string { return w.instrument + "/calib" }

// TemplateChain collects template coadd collections.
func (w *Workspace) TemplateChain() string { return w.instrument + "/templates" }

// RefcatChain collects refcat shard collections.
func (w *Workspace) RefcatChain() string { return "refcats" }

// SkymapChain collects skymap definition collections.
func (w *Workspace) SkymapChain() string { return "skymaps" }

// PrependChain splices newcomers onto the front of a chain, preserving the
// existing children behind them. Children already present keep their place.
func (w *Workspace) PrependChain(ctx context.Context, chain string, newcomers []string) error {
	existing, err := w.registry.GetCollectionChain(ctx, chain)
	if err != nil {
		return err
	}

	present := make(map[string]struct{}, len(existing))
	for _, c := range existing {
		present[c] = struct{}{}
	}

	var merged []string

	for _, c := range newcomers {
		if _, ok := present[c]; !ok {
			merged = append(merged, c)
		}
	}

	merged = append(merged, existing...)

	return w.registry.SetCollectionChain(ctx, chain, merged)
}

// IngestRaw registers one raw image in the workspace and, for LocalPath
// backends, downloads its bytes. It returns the image's exposure id.
func (w *Workspace) IngestRaw(ctx context.Context, path string, v visit.Visit) (int64, error) {
	exposureID, err := raw.ExposureIDFromPath(path)
	if err != nil {
		return 0, err
	}

	if !raw.IsPathConsistent(path, v) {
		return 0, fmt.Errorf("image %q does not match visit %s", path, v.GroupID)
	}

	dest, err := w.stage(ctx, path)
	if err != nil {
		return 0, err
	}

	if dest != "" {
		w.mu.Lock()
		w.staged[exposureID] = append(w.staged[exposureID], dest)
		w.mu.Unlock()
	}

	expKey := strconv.FormatInt(exposureID, 10)

	record := registry.DimensionRecord{
		Element: "exposure",
		DataID: registry.DataID{
			"instrument": w.instrument,
			"exposure":   expKey,
		},
		Fields: map[string]string{
			"group":           v.GroupID,
			"physical_filter": v.Filters,
		},
	}

	if err := w.registry.InsertDimensionRecords(ctx, []registry.DimensionRecord{record}); err != nil {
		return 0, fmt.Errorf("failed to record exposure %d: %w", exposureID, err)
	}

	ref := registry.DatasetRef{
		ID:          uuid.NewString(),
		DatasetType: RawDatasetType.Name,
		DataID: registry.DataID{
			"instrument": w.instrument,
			"detector":   strconv.Itoa(v.Detector),
			"exposure":   expKey,
		},
		Run: w.RawRun(),
	}

	if err := w.registry.InsertDatasets(ctx, []registry.DatasetRef{ref}); err != nil {
		return 0, fmt.Errorf("failed to ingest raw %q: %w", path, err)
	}

	w.logger.DebugContext(ctx, "ingested raw image",
		slog.String("path", path),
		slog.Int64("exposure", exposureID),
		slog.Int("detector", v.Detector),
	)

	return exposureID, nil
}

// stage makes the image bytes reachable by pipelines and returns where they
// landed. RemoteStaging needs no work: the bucket object is the dataset.
func (w *Workspace) stage(ctx context.Context, path string) (string, error) {
	local, ok := w.backend.(LocalPath)
	if !ok {
		return "", nil
	}

	reader, err := w.images.Get(ctx, path)
	if err != nil {
		return "", fmt.Errorf("failed to fetch raw %q: %w", path, err)
	}
	defer func() { _ = reader.Close() }()

	dest := filepath.Join(local.Root, filepath.FromSlash(path))

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("failed to stage raw %q: %w", path, err)
	}

	file, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("failed to stage raw %q: %w", path, err)
	}

	if _, err := io.Copy(file, reader); err != nil {
		_ = file.Close()

		return "", fmt.Errorf("failed to stage raw %q: %w", path, err)
	}

	if err := file.Close(); err != nil {
		return "", fmt.Errorf("failed to stage raw %q: %w", path, err)
	}

	return dest, nil
}

// RemoveStaged deletes the staged image files of the given exposures.
// Exposures with nothing staged, and files already gone, are not errors.
func (w *Workspace) RemoveStaged(exposureIDs []int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, id := range exposureIDs {
		for _, file := range w.staged[id] {
			if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove staged raw %q: %w", file, err)
			}
		}

		delete(w.staged, id)
	}

	return nil
}
