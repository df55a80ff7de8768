// Package exporter moves a processed visit's products from the local
// workspace to the central registry, and cleans the per-visit content out of
// the workspace afterwards.
package exporter

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/promptkit-io/activator/internal/registry"
	"github.com/promptkit-io/activator/internal/visit"
	"github.com/promptkit-io/activator/internal/workspace"
)

// Exporter copies visit products into the central registry.
type Exporter struct {
	central registry.Registry
	logger  *slog.Logger
}

// New builds an exporter against the central registry.
func New(central registry.Registry, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}

	return &Exporter{central: central, logger: logger}
}

// ExportOutputs copies the visit's raws and its per-detector pipeline
// outputs to the central registry. Export is idempotent: a retry after a
// partial export re-sends everything and the central registry keeps one
// copy.
//
// An empty raw or output subset is an error: by the time export runs, both
// must exist, so emptiness means the query or the pipeline went wrong.
func (e *Exporter) ExportOutputs(ctx context.Context, ws *workspace.Workspace, v visit.Visit,
	exposureIDs []int64, outputRuns []string,
) error {
	snap := registry.NewSnapshot()

	raws, err := e.collectRaws(ctx, ws, v, exposureIDs)
	if err != nil {
		return err
	}

	if err := e.addRefs(ctx, ws, snap, raws); err != nil {
		return err
	}

	var exported int

	for _, run := range outputRuns {
		outputs, err := e.collectOutputs(ctx, ws, v, run)
		if err != nil {
			return err
		}

		if err := e.addRefs(ctx, ws, snap, outputs); err != nil {
			return err
		}

		exported += len(outputs)
	}

	created, err := e.transfer(ctx, snap)
	if err != nil {
		return err
	}

	if err := e.chainOutputs(ctx, ws, created, outputRuns); err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "exported visit products",
		slog.String("group", v.GroupID),
		slog.Int("raws", len(raws)),
		slog.Int("outputs", exported),
	)

	return nil
}

func (e *Exporter) collectRaws(ctx context.Context, ws *workspace.Workspace, v visit.Visit, exposureIDs []int64) ([]registry.DatasetRef, error) {
	exposures := make([]string, 0, len(exposureIDs))
	for _, id := range exposureIDs {
		exposures = append(exposures, strconv.FormatInt(id, 10))
	}

	q := registry.QueryCriteria{
		DatasetType: workspace.RawDatasetType.Name,
		Collections: []string{ws.RawRun()},
		Where: registry.DataID{
			"instrument": v.Instrument,
			"detector":   strconv.Itoa(v.Detector),
		},
		WhereIn: map[string][]string{"exposure": exposures},
	}

	raws, err := ws.Registry().QueryDatasets(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to collect raws for export: %w", err)
	}

	if len(raws) == 0 {
		return nil, fmt.Errorf("nothing to export: no raws for group %s in %s", v.GroupID, ws.RawRun())
	}

	return raws, nil
}

// collectOutputs gathers the per-detector datasets of one output run. Types
// without a detector dimension are deliberately excluded: every detector's
// worker would export its own copy of an instrument-wide dataset, and the
// copies would collide in the central registry.
func (e *Exporter) collectOutputs(ctx context.Context, ws *workspace.Workspace, v visit.Visit, run string) ([]registry.DatasetRef, error) {
	q := registry.QueryCriteria{
		DatasetType: "*",
		Collections: []string{run},
		Where: registry.DataID{
			"instrument": v.Instrument,
			"detector":   strconv.Itoa(v.Detector),
		},
	}

	all, err := ws.Registry().QueryDatasets(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to collect outputs of %s: %w", run, err)
	}

	var outputs []registry.DatasetRef

	for _, ref := range all {
		dt, ok, err := ws.Registry().GetDatasetType(ctx, ref.DatasetType)
		if err != nil {
			return nil, fmt.Errorf("failed to collect outputs of %s: %w", run, err)
		}

		if ok && dt.HasDimension("detector") {
			outputs = append(outputs, ref)
		}
	}

	if len(outputs) == 0 {
		return nil, fmt.Errorf("nothing to export: run %s holds no detector outputs for group %s", run, v.GroupID)
	}

	return outputs, nil
}

// addRefs adds refs and their supporting metadata to the snapshot. Shared
// dimension elements stay out: concurrent workers would race to redefine
// them centrally.
func (e *Exporter) addRefs(ctx context.Context, ws *workspace.Workspace, snap *registry.Snapshot, refs []registry.DatasetRef) error {
	for _, ref := range refs {
		if dt, ok, err := ws.Registry().GetDatasetType(ctx, ref.DatasetType); err != nil {
			return err
		} else if ok {
			snap.AddDatasetType(dt)
		}

		runType, ok, err := ws.Registry().CollectionType(ctx, ref.Run)
		if err != nil {
			return err
		}

		if !ok {
			runType = registry.CollectionRun
		}

		snap.AddDataset(ref, runType)

		for dim, value := range ref.DataID {
			if isSharedElement(dim) {
				continue
			}

			recs, err := ws.Registry().QueryDimensionRecords(ctx, dim, registry.DataID{dim: value})
			if err != nil {
				return err
			}

			for _, rec := range recs {
				snap.AddDimensionRecord(rec)
			}
		}
	}

	return nil
}

func (e *Exporter) transfer(ctx context.Context, snap *registry.Snapshot) ([]string, error) {
	file := filepath.Join(os.TempDir(), "snapshot-"+snap.ID+".yaml")

	if err := snap.WriteFile(file); err != nil {
		return nil, err
	}

	defer func() { _ = os.Remove(file) }()

	loaded, err := registry.ReadSnapshotFile(file)
	if err != nil {
		return nil, err
	}

	created, err := registry.Import(ctx, e.central, loaded)
	if err != nil {
		return nil, fmt.Errorf("failed to import snapshot centrally: %w", err)
	}

	return created, nil
}

// chainOutputs splices freshly created central output runs onto the front of
// the central output chain. The read-modify-write is not atomic; concurrent
// workers can interleave, which at worst reorders the chain.
func (e *Exporter) chainOutputs(ctx context.Context, ws *workspace.Workspace, created, outputRuns []string) error {
	isOutput := make(map[string]struct{}, len(outputRuns))
	for _, run := range outputRuns {
		isOutput[run] = struct{}{}
	}

	var newcomers []string

	for _, name := range created {
		if _, ok := isOutput[name]; ok {
			newcomers = append(newcomers, name)
		}
	}

	if len(newcomers) == 0 {
		return nil
	}

	chain := ws.OutputChain()

	if err := e.central.RegisterCollection(ctx, chain, registry.CollectionChained); err != nil {
		return fmt.Errorf("failed to chain outputs centrally: %w", err)
	}

	existing, err := e.central.GetCollectionChain(ctx, chain)
	if err != nil {
		return fmt.Errorf("failed to chain outputs centrally: %w", err)
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

	if err := e.central.SetCollectionChain(ctx, chain, merged); err != nil {
		return fmt.Errorf("failed to chain outputs centrally: %w", err)
	}

	return nil
}

// CleanLocalRepo removes the visit's content from the workspace: its raws,
// its output runs, and their chain memberships. Preloaded calibrations,
// templates, and refcats stay cached for the next visit.
func (e *Exporter) CleanLocalRepo(ctx context.Context, ws *workspace.Workspace, exposureIDs []int64, outputRuns []string) error {
	exposures := make([]string, 0, len(exposureIDs))
	for _, id := range exposureIDs {
		exposures = append(exposures, strconv.FormatInt(id, 10))
	}

	if len(exposures) > 0 {
		q := registry.QueryCriteria{
			DatasetType: workspace.RawDatasetType.Name,
			Collections: []string{ws.RawRun()},
			WhereIn:     map[string][]string{"exposure": exposures},
		}

		raws, err := ws.Registry().QueryDatasets(ctx, q)
		if err != nil {
			return fmt.Errorf("failed to clean raws: %w", err)
		}

		if err := ws.Registry().RemoveDatasets(ctx, raws); err != nil {
			return fmt.Errorf("failed to clean raws: %w", err)
		}

		// Image bytes staged for a LocalPath backend go with their datasets.
		if err := ws.RemoveStaged(exposureIDs); err != nil {
			return fmt.Errorf("failed to clean raws: %w", err)
		}
	}

	for _, run := range outputRuns {
		parents, err := ws.Registry().ParentChains(ctx, run)
		if err != nil {
			return fmt.Errorf("failed to clean run %s: %w", run, err)
		}

		for _, parent := range parents {
			children, err := ws.Registry().GetCollectionChain(ctx, parent)
			if err != nil {
				return fmt.Errorf("failed to clean run %s: %w", run, err)
			}

			kept := children[:0]

			for _, child := range children {
				if child != run {
					kept = append(kept, child)
				}
			}

			if err := ws.Registry().SetCollectionChain(ctx, parent, kept); err != nil {
				return fmt.Errorf("failed to clean run %s: %w", run, err)
			}
		}

		if err := ws.Registry().RemoveCollection(ctx, run); err != nil {
			return fmt.Errorf("failed to clean run %s: %w", run, err)
		}
	}

	e.logger.DebugContext(ctx, "workspace cleaned",
		slog.Int("exposures", len(exposureIDs)),
		slog.Int("runs", len(outputRuns)),
	)

	return nil
}

func isSharedElement(dim string) bool {
	for _, e := range registry.SharedDimensionElements {
		if dim == e {
			return true
		}
	}

	return false
}
