// Package runner selects and executes pipelines over an ingested visit.
//
// A visit resolves to a prioritized list of pipeline files. Candidates are
// tried in order: the first one that plans a non-empty task graph over the
// workspace wins and is executed; later candidates are never considered.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/promptkit-io/activator/internal/apperrors"
	"github.com/promptkit-io/activator/internal/pipelines"
	"github.com/promptkit-io/activator/internal/registry"
	"github.com/promptkit-io/activator/internal/visit"
	"github.com/promptkit-io/activator/internal/workspace"
)

// Graph is a planned pipeline execution over specific workspace contents.
type Graph interface {
	// Empty reports whether the plan contains no work at all, which means
	// the pipeline's inputs are not satisfiable from the workspace.
	Empty() bool
}

// Executor plans and runs pipelines. The real implementation shells out to
// the pipeline middleware; tests substitute fakes.
type Executor interface {
	// BuildGraph plans pipelineFile over the workspace contents reachable
	// from inputChain and selected by the constraints.
	BuildGraph(ctx context.Context, ws *workspace.Workspace, pipelineFile, inputChain string,
		where registry.DataID, whereIn map[string][]string) (Graph, error)

	// Run executes a planned graph, writing its outputs into outputRun.
	Run(ctx context.Context, ws *workspace.Workspace, g Graph, outputRun string) error
}

// Runner drives pipeline selection and execution for one instrument.
type Runner struct {
	main          *pipelines.Config
	preprocessing *pipelines.Config
	exec          Executor
	deployment    string
	logger        *slog.Logger

	// now is replaceable by tests.
	now func() time.Time
}

// New builds a runner. preprocessing may be nil when no pre-arrival
// pipelines are configured. deployment distinguishes output runs produced by
// different service versions against the same data.
func New(main, preprocessing *pipelines.Config, exec Executor, deployment string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		main:          main,
		preprocessing: preprocessing,
		exec:          exec,
		deployment:    deployment,
		logger:        logger,
		now:           time.Now,
	}
}

// DefineVisit groups the ingested exposures into a visit the pipelines can
// address as one unit. The visit id is the lowest exposure id, matching how
// the instrument numbers its visits.
func (r *Runner) DefineVisit(ctx context.Context, ws *workspace.Workspace, v visit.Visit, exposureIDs []int64) (int64, error) {
	if len(exposureIDs) == 0 {
		return 0, fmt.Errorf("%w: nothing to define a visit from for group %s",
			apperrors.ErrNoDataToProcess, v.GroupID)
	}

	visitID := exposureIDs[0]
	for _, id := range exposureIDs[1:] {
		if id < visitID {
			visitID = id
		}
	}

	visitKey := strconv.FormatInt(visitID, 10)

	recs := []registry.DimensionRecord{{
		Element: "visit",
		DataID: registry.DataID{
			"instrument": v.Instrument,
			"visit":      visitKey,
		},
		Fields: map[string]string{
			"group":           v.GroupID,
			"physical_filter": v.Filters,
		},
	}}

	for _, id := range exposureIDs {
		recs = append(recs, registry.DimensionRecord{
			Element: "visit_definition",
			DataID: registry.DataID{
				"instrument": v.Instrument,
				"visit":      visitKey,
				"exposure":   strconv.FormatInt(id, 10),
			},
		})
	}

	if err := ws.Registry().InsertDimensionRecords(ctx, recs); err != nil {
		return 0, fmt.Errorf("failed to define visit for group %s: %w", v.GroupID, err)
	}

	r.logger.InfoContext(ctx, "visit defined",
		slog.String("group", v.GroupID),
		slog.Int64("visit", visitID),
		slog.Int("exposures", len(exposureIDs)),
	)

	return visitID, nil
}

// RunPreprocessing executes the first viable preprocessing pipeline, if any
// is configured for the visit. Preprocessing runs before the raws arrive, so
// a visit with no viable preprocessing candidate is not an error.
func (r *Runner) RunPreprocessing(ctx context.Context, ws *workspace.Workspace, v visit.Visit) (string, error) {
	if r.preprocessing == nil {
		return "", nil
	}

	files, err := r.preprocessing.Resolve(v)
	if errors.Is(err, pipelines.ErrNoMatchingRule) {
		return "", nil
	}

	if err != nil {
		return "", err
	}

	where := registry.DataID{
		"instrument": v.Instrument,
		"detector":   strconv.Itoa(v.Detector),
	}

	outputRun, err := r.runFirstViable(ctx, ws, v, files, where, nil)
	if errors.Is(err, apperrors.ErrNoDataToProcess) {
		r.logger.InfoContext(ctx, "no viable preprocessing pipeline",
			slog.String("group", v.GroupID))

		return "", nil
	}

	return outputRun, err
}

// RunPipeline executes the first viable main pipeline over the visit's
// ingested exposures and returns its output run. An empty configured
// pipeline list means the visit is deliberately skipped; every candidate
// planning empty is apperrors.ErrNoDataToProcess.
func (r *Runner) RunPipeline(ctx context.Context, ws *workspace.Workspace, v visit.Visit, exposureIDs []int64) (string, error) {
	files, err := r.main.Resolve(v)
	if err != nil {
		return "", err
	}

	if len(files) == 0 {
		r.logger.InfoContext(ctx, "survey configured to run nothing",
			slog.String("survey", v.Survey),
			slog.String("group", v.GroupID),
		)

		return "", nil
	}

	exposures := make([]string, 0, len(exposureIDs))
	for _, id := range exposureIDs {
		exposures = append(exposures, strconv.FormatInt(id, 10))
	}

	where := registry.DataID{
		"instrument": v.Instrument,
		"detector":   strconv.Itoa(v.Detector),
	}

	return r.runFirstViable(ctx, ws, v, files, where, map[string][]string{"exposure": exposures})
}

// runFirstViable plans candidates in priority order and executes the first
// non-empty plan. Planning failures fall through to the next candidate: a
// pipeline whose inputs are missing must not block a cruder fallback.
func (r *Runner) runFirstViable(ctx context.Context, ws *workspace.Workspace, v visit.Visit,
	files []string, where registry.DataID, whereIn map[string][]string,
) (string, error) {
	if len(files) == 0 {
		return "", fmt.Errorf("%w: no pipeline candidates for group %s",
			apperrors.ErrNoDataToProcess, v.GroupID)
	}

	var lastPlanErr error

	for _, file := range files {
		graph, err := r.exec.BuildGraph(ctx, ws, file, ws.UmbrellaChain(), where, whereIn)
		if err != nil {
			r.logger.WarnContext(ctx, "pipeline planning failed, trying next candidate",
				slog.String("pipeline", file),
				slog.String("error", err.Error()),
			)

			lastPlanErr = err

			continue
		}

		if graph.Empty() {
			r.logger.InfoContext(ctx, "pipeline plans no work, trying next candidate",
				slog.String("pipeline", file))

			continue
		}

		outputRun := r.outputRunName(v.Instrument, pipelines.BaseName(file))

		// The run is registered and chained only once a non-empty graph
		// exists, so failed visits leave no empty runs behind.
		if err := ws.Registry().RegisterCollection(ctx, outputRun, registry.CollectionRun); err != nil {
			return "", fmt.Errorf("failed to create output run %s: %w", outputRun, err)
		}

		if err := ws.PrependChain(ctx, ws.OutputChain(), []string{outputRun}); err != nil {
			return "", fmt.Errorf("failed to chain output run %s: %w", outputRun, err)
		}

		r.logger.InfoContext(ctx, "executing pipeline",
			slog.String("pipeline", file),
			slog.String("outputRun", outputRun),
			slog.String("group", v.GroupID),
		)

		if err := r.exec.Run(ctx, ws, graph, outputRun); err != nil {
			return "", fmt.Errorf("pipeline %s failed: %w", file, err)
		}

		return outputRun, nil
	}

	if lastPlanErr != nil {
		return "", fmt.Errorf("%w: no pipeline could plan work for group %s (last planning error: %v)",
			apperrors.ErrNoDataToProcess, v.GroupID, lastPlanErr)
	}

	return "", fmt.Errorf("%w: no pipeline could plan work for group %s",
		apperrors.ErrNoDataToProcess, v.GroupID)
}

// outputRunName builds the deterministic run collection name. Retries of the
// same (day, pipeline, deployment) reuse the run; a redeployed service gets
// a fresh one.
func (r *Runner) outputRunName(instrument, pipelineBase string) string {
	return fmt.Sprintf("%s/prompt/output-%s/%s/%s",
		instrument, r.dayObs(), pipelineBase, r.deployment)
}

// dayObs is the observing day: calendar date in a fixed UTC-12 offset, so a
// night's processing lands in one run even across UTC midnight.
func (r *Runner) dayObs() string {
	return r.now().UTC().Add(-12 * time.Hour).Format("2006-01-02")
}
