// Package replicator preloads a local workspace with the inputs a visit's
// pipelines will need: reference catalog shards, template coadds, and
// calibrations, copied from the central registry before the raw images land.
//
// Every preload follows the same shape: compute what the visit could touch,
// query the central registry, subtract what the workspace already holds, and
// transfer only the difference through a serialized snapshot.
package replicator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/promptkit-io/activator/internal/apperrors"
	"github.com/promptkit-io/activator/internal/camera"
	"github.com/promptkit-io/activator/internal/metrics"
	"github.com/promptkit-io/activator/internal/registry"
	"github.com/promptkit-io/activator/internal/sphgeom"
	"github.com/promptkit-io/activator/internal/visit"
	"github.com/promptkit-io/activator/internal/workspace"
)

const (
	defaultHTMDepth = 7

	// defaultRegionPadding absorbs the difference between the predicted and
	// as-built pointing.
	defaultRegionPadding = 30 // arcseconds
)

// Config tunes footprint prediction.
type Config struct {
	// RegionPadding widens the predicted footprint circle. Defaults to 30
	// arcseconds when zero.
	RegionPadding sphgeom.Angle

	// HTMDepth is the trixel subdivision depth refcats are sharded at.
	// Defaults to 7 when zero.
	HTMDepth int
}

// Replicator copies visit inputs from the central registry into local
// workspaces.
type Replicator struct {
	central  registry.Registry
	cam      camera.Camera
	skymap   *sphgeom.SkyMap
	padding  sphgeom.Angle
	htmDepth int
	logger   *slog.Logger
}

// New builds a replicator. skymap may be nil when no template preloading is
// wanted.
func New(central registry.Registry, cam camera.Camera, skymap *sphgeom.SkyMap, cfg Config, logger *slog.Logger) *Replicator {
	padding := cfg.RegionPadding
	if padding == 0 {
		padding = sphgeom.ArcSeconds(defaultRegionPadding)
	}

	depth := cfg.HTMDepth
	if depth == 0 {
		depth = defaultHTMDepth
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Replicator{
		central:  central,
		cam:      cam,
		skymap:   skymap,
		padding:  padding,
		htmDepth: depth,
		logger:   logger,
	}
}

// PrepareWorkspace preloads everything the visit's pipelines may read.
// Calibrations are always preloaded; refcats and templates need a usable
// predicted pointing and are skipped, with a log line, when the visit
// carries none. Missing templates or refcats in the central registry are
// not errors either: pipelines that need them will fall back or fail on
// their own terms.
func (r *Replicator) PrepareWorkspace(ctx context.Context, ws *workspace.Workspace, v visit.Visit) error {
	pos, hasPos, err := v.BoresightICRS()
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrBadRequest, err)
	}

	rot, hasRot, err := v.RotationSky()
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrBadRequest, err)
	}

	if err := r.prepareCollections(ctx, ws); err != nil {
		return err
	}

	if hasPos && hasRot {
		wcs := sphgeom.PredictWCS(pos, rot, r.cam.FlipX)

		center, radius := wcs.BoundingCircle(0, 0, r.cam.FOVWidth, r.cam.FOVHeight)
		radius += r.padding

		corners := wcs.Corners(0, 0, r.cam.FOVWidth, r.cam.FOVHeight)

		if err := r.prepareRefcats(ctx, ws, center, radius); err != nil {
			return err
		}

		if err := r.prepareTemplates(ctx, ws, v, center, radius, corners); err != nil {
			return err
		}
	} else {
		r.logger.InfoContext(ctx, "visit has no usable pointing, skipping spatial preloads",
			slog.String("group", v.GroupID))
	}

	return r.prepareCalibs(ctx, ws, v)
}

// prepareCollections mirrors the membership graph of the central input
// chains into the workspace, so collections that exist centrally but hold no
// copyable datasets (yet) are still resolvable locally.
func (r *Replicator) prepareCollections(ctx context.Context, ws *workspace.Workspace) error {
	chains := []string{ws.CalibChain(), ws.TemplateChain(), ws.SkymapChain(), ws.RefcatChain()}

	for _, chain := range chains {
		if err := r.copyChainStructure(ctx, ws, chain); err != nil {
			return fmt.Errorf("failed to copy structure of chain %s: %w", chain, err)
		}
	}

	return nil
}

// copyChainStructure registers a central chain's members locally, recursing
// into nested chains, and splices them into the local chain of the same name.
// Chains the central registry does not define are skipped. A snapshot import
// is not usable here: it would overwrite the local chain's member order
// instead of merging into it.
func (r *Replicator) copyChainStructure(ctx context.Context, ws *workspace.Workspace, chain string) error {
	children, err := r.central.GetCollectionChain(ctx, chain)
	if err != nil {
		if errors.Is(err, registry.ErrCollectionNotFound) || errors.Is(err, registry.ErrNotChained) {
			return nil
		}

		return err
	}

	local := ws.Registry()

	registered := make([]string, 0, len(children))

	for _, child := range children {
		ctype, ok, err := r.central.CollectionType(ctx, child)
		if err != nil {
			return err
		}

		if !ok {
			continue
		}

		if err := local.RegisterCollection(ctx, child, ctype); err != nil {
			return err
		}

		registered = append(registered, child)

		if ctype == registry.CollectionChained {
			if err := r.copyChainStructure(ctx, ws, child); err != nil {
				return err
			}
		}
	}

	if len(registered) == 0 {
		return nil
	}

	return ws.PrependChain(ctx, chain, registered)
}

// prepareRefcats copies the reference catalog shards overlapping the
// footprint circle.
func (r *Replicator) prepareRefcats(ctx context.Context, ws *workspace.Workspace, center sphgeom.SpherePoint, radius sphgeom.Angle) error {
	shards := sphgeom.HTMShardIDs(center, radius, r.htmDepth)

	values := make([]string, 0, len(shards))
	for _, id := range shards {
		values = append(values, strconv.FormatUint(id, 10))
	}

	dim := fmt.Sprintf("htm%d", r.htmDepth)

	q := registry.QueryCriteria{
		DatasetType: "*",
		Collections: []string{ws.RefcatChain()},
		WhereIn:     map[string][]string{dim: values},
		FindFirst:   true,
	}

	missing, err := r.missing(ctx, ws, q)
	if err != nil {
		return fmt.Errorf("failed to find refcat shards: %w", err)
	}

	if len(missing) == 0 {
		r.logger.DebugContext(ctx, "no new refcat shards to copy")

		return nil
	}

	created, err := r.transfer(ctx, ws, missing)
	if err != nil {
		return fmt.Errorf("failed to copy refcat shards: %w", err)
	}

	metrics.DatasetsReplicated("refcat", len(missing))

	r.logger.InfoContext(ctx, "copied refcat shards",
		slog.Int("datasets", len(missing)),
		slog.Int("shards", len(shards)),
	)

	return ws.PrependChain(ctx, ws.RefcatChain(), created)
}

// prepareTemplates copies the template coadds for the tract patches the
// footprint touches.
func (r *Replicator) prepareTemplates(ctx context.Context, ws *workspace.Workspace, v visit.Visit, center sphgeom.SpherePoint, radius sphgeom.Angle, corners []sphgeom.SpherePoint) error {
	if r.skymap == nil {
		r.logger.DebugContext(ctx, "no sky map configured, skipping templates")

		return nil
	}

	if err := r.prepareSkymapDataset(ctx, ws); err != nil {
		return err
	}

	tract := r.skymap.FindTract(center)
	patches := tract.FindPatches(append(corners, center))

	patchValues := make([]string, 0, len(patches))
	for _, p := range patches {
		patchValues = append(patchValues, strconv.Itoa(p))
	}

	q := registry.QueryCriteria{
		DatasetType: "*Coadd",
		Collections: []string{ws.TemplateChain()},
		Where: registry.DataID{
			"skymap":          r.skymap.Name,
			"tract":           strconv.Itoa(tract.ID),
			"physical_filter": v.Filters,
		},
		WhereIn:   map[string][]string{"patch": patchValues},
		FindFirst: true,
	}

	missing, err := r.missing(ctx, ws, q)
	if err != nil {
		return fmt.Errorf("failed to find templates: %w", err)
	}

	if len(missing) == 0 {
		// Template absence is survivable: template-less pipelines still run.
		r.logger.InfoContext(ctx, "no new templates for footprint",
			slog.Int("tract", tract.ID),
			slog.String("radius", fmt.Sprintf("%.4f deg", radius.Deg())),
		)

		return nil
	}

	// The skymap definition travels with its first templates so later local
	// queries can constrain on it.
	skymapRecord := registry.DimensionRecord{
		Element: "skymap",
		DataID:  registry.DataID{"skymap": r.skymap.Name},
	}

	if err := ws.Registry().InsertDimensionRecords(ctx, []registry.DimensionRecord{skymapRecord}); err != nil {
		return fmt.Errorf("failed to copy templates: %w", err)
	}

	created, err := r.transfer(ctx, ws, missing)
	if err != nil {
		return fmt.Errorf("failed to copy templates: %w", err)
	}

	metrics.DatasetsReplicated("template", len(missing))

	r.logger.InfoContext(ctx, "copied templates",
		slog.Int("datasets", len(missing)),
		slog.Int("tract", tract.ID),
		slog.Int("patches", len(patches)),
	)

	return ws.PrependChain(ctx, ws.TemplateChain(), created)
}

// prepareSkymapDataset copies the skymap definition dataset if the workspace
// does not hold it yet. Templates are resolved against it, so it travels
// ahead of them.
func (r *Replicator) prepareSkymapDataset(ctx context.Context, ws *workspace.Workspace) error {
	q := registry.QueryCriteria{
		DatasetType: "skyMap",
		Collections: []string{ws.SkymapChain()},
		Where:       registry.DataID{"skymap": r.skymap.Name},
		FindFirst:   true,
	}

	missing, err := r.missing(ctx, ws, q)
	if err != nil {
		if errors.Is(err, registry.ErrCollectionNotFound) {
			r.logger.DebugContext(ctx, "central registry has no skymap collection",
				slog.String("skymap", r.skymap.Name))

			return nil
		}

		return fmt.Errorf("failed to find skymap %s: %w", r.skymap.Name, err)
	}

	if len(missing) == 0 {
		return nil
	}

	// The skymap dimension value is a shared element the transfer skips, so
	// its record is inserted by hand.
	skymapRecord := registry.DimensionRecord{
		Element: "skymap",
		DataID:  registry.DataID{"skymap": r.skymap.Name},
	}

	if err := ws.Registry().InsertDimensionRecords(ctx, []registry.DimensionRecord{skymapRecord}); err != nil {
		return fmt.Errorf("failed to copy skymap %s: %w", r.skymap.Name, err)
	}

	created, err := r.transfer(ctx, ws, missing)
	if err != nil {
		return fmt.Errorf("failed to copy skymap %s: %w", r.skymap.Name, err)
	}

	metrics.DatasetsReplicated("skymap", len(missing))

	r.logger.InfoContext(ctx, "copied skymap definition", slog.String("skymap", r.skymap.Name))

	return ws.PrependChain(ctx, ws.SkymapChain(), created)
}

// prepareCalibs copies the calibrations valid at the visit's observation
// time. An instrument with no calibrations at all cannot be processed.
func (r *Replicator) prepareCalibs(ctx context.Context, ws *workspace.Workspace, v visit.Visit) error {
	base := registry.QueryCriteria{
		DatasetType: "*",
		Collections: []string{ws.CalibChain()},
		Where: registry.DataID{
			"instrument":      v.Instrument,
			"detector":        strconv.Itoa(v.Detector),
			"physical_filter": v.Filters,
		},
	}

	all, err := r.central.QueryDatasets(ctx, base)
	if err != nil {
		return fmt.Errorf("failed to find calibrations: %w", err)
	}

	if len(all) == 0 {
		return fmt.Errorf("%w: no calibrations for instrument %s",
			apperrors.ErrMissingRequiredInput, v.Instrument)
	}

	valid := base
	obsTime := v.ObservationTime()
	valid.ValidAt = &obsTime
	valid.FindFirst = true

	missing, err := r.missing(ctx, ws, valid)
	if err != nil {
		return fmt.Errorf("failed to find calibrations: %w", err)
	}

	if len(missing) == 0 {
		r.logger.DebugContext(ctx, "no new calibrations to copy")

		return nil
	}

	created, err := r.transfer(ctx, ws, missing)
	if err != nil {
		return fmt.Errorf("failed to copy calibrations: %w", err)
	}

	metrics.DatasetsReplicated("calibration", len(missing))

	r.logger.InfoContext(ctx, "copied calibrations",
		slog.Int("datasets", len(missing)),
		slog.Time("validAt", obsTime),
	)

	return ws.PrependChain(ctx, ws.CalibChain(), created)
}

// missing returns the central refs the workspace does not hold yet. A local
// registry that has never seen one of the query's dimension values, or lacks
// one of its collections, simply holds nothing.
func (r *Replicator) missing(ctx context.Context, ws *workspace.Workspace, q registry.QueryCriteria) ([]registry.DatasetRef, error) {
	src, err := r.central.QueryDatasets(ctx, q)
	if err != nil {
		return nil, err
	}

	if len(src) == 0 {
		return nil, nil
	}

	dst, err := ws.Registry().QueryDatasets(ctx, q)
	if err != nil {
		if !errors.Is(err, registry.ErrUnknownDimensionValue) && !errors.Is(err, registry.ErrCollectionNotFound) {
			return nil, err
		}

		dst = nil
	}

	have := make(map[string]struct{}, len(dst))
	for _, ref := range dst {
		have[ref.ContentKey()] = struct{}{}
	}

	var missing []registry.DatasetRef

	for _, ref := range src {
		if _, ok := have[ref.ContentKey()]; !ok {
			missing = append(missing, ref)
		}
	}

	return missing, nil
}

// transfer moves refs into the workspace through a serialized snapshot and
// returns the names of collections the import created. The snapshot file is
// removed on every path.
func (r *Replicator) transfer(ctx context.Context, ws *workspace.Workspace, refs []registry.DatasetRef) ([]string, error) {
	snap := registry.NewSnapshot()

	for _, ref := range refs {
		if dt, ok, err := r.central.GetDatasetType(ctx, ref.DatasetType); err != nil {
			return nil, err
		} else if ok {
			snap.AddDatasetType(dt)
		}

		runType, ok, err := r.central.CollectionType(ctx, ref.Run)
		if err != nil {
			return nil, err
		}

		if !ok {
			runType = registry.CollectionRun
		}

		snap.AddDataset(ref, runType)

		if err := r.addDimensionRecords(ctx, snap, ref); err != nil {
			return nil, err
		}
	}

	file := filepath.Join(os.TempDir(), "snapshot-"+snap.ID+".yaml")

	if err := snap.WriteFile(file); err != nil {
		return nil, err
	}

	defer func() { _ = os.Remove(file) }()

	loaded, err := registry.ReadSnapshotFile(file)
	if err != nil {
		return nil, err
	}

	return registry.Import(ctx, ws.Registry(), loaded)
}

// addDimensionRecords includes the records backing a ref's data id, except
// the shared elements every registry defines up front.
func (r *Replicator) addDimensionRecords(ctx context.Context, snap *registry.Snapshot, ref registry.DatasetRef) error {
	for dim, value := range ref.DataID {
		if isSharedElement(dim) {
			continue
		}

		recs, err := r.central.QueryDimensionRecords(ctx, dim, registry.DataID{dim: value})
		if err != nil {
			return err
		}

		for _, rec := range recs {
			snap.AddDimensionRecord(rec)
		}
	}

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
