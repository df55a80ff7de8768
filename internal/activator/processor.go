// Package activator orchestrates the processing of one visit end to end:
// workspace preparation, preprocessing, raw arrival, pipeline execution,
// export, and cleanup.
package activator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/promptkit-io/activator/internal/apperrors"
	"github.com/promptkit-io/activator/internal/exporter"
	"github.com/promptkit-io/activator/internal/metrics"
	"github.com/promptkit-io/activator/internal/replicator"
	"github.com/promptkit-io/activator/internal/runner"
	"github.com/promptkit-io/activator/internal/visit"
	"github.com/promptkit-io/activator/internal/watcher"
	"github.com/promptkit-io/activator/internal/workspace"
)

// Processor runs the full per-visit flow. One processor serves one
// instrument; concurrent visits are handled by separate Process calls, each
// scoped to its own group and detector.
type Processor struct {
	ws         *workspace.Workspace
	replicator *replicator.Replicator
	watcher    *watcher.Watcher
	runner     *runner.Runner
	exporter   *exporter.Exporter
	logger     *slog.Logger
}

// NewProcessor wires the per-visit flow together.
func NewProcessor(ws *workspace.Workspace, rep *replicator.Replicator, w *watcher.Watcher,
	run *runner.Runner, exp *exporter.Exporter, logger *slog.Logger,
) *Processor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Processor{
		ws:         ws,
		replicator: rep,
		watcher:    w,
		runner:     run,
		exporter:   exp,
		logger:     logger,
	}
}

// Process handles one visit from notification to cleanup. The error, if any,
// is classified by the apperrors sentinels so callers can map it to a
// response.
func (p *Processor) Process(ctx context.Context, v visit.Visit) (err error) {
	metrics.VisitReceived(v.Instrument, v.Survey)

	logger := p.logger.With(
		slog.String("group", v.GroupID),
		slog.Int("detector", v.Detector),
		slog.String("survey", v.Survey),
	)

	logger.InfoContext(ctx, "processing visit")

	defer func() {
		metrics.VisitProcessed(v.Instrument, outcomeOf(err))
	}()

	if err := p.stage("prepare", func() error {
		return p.replicator.PrepareWorkspace(ctx, p.ws, v)
	}); err != nil {
		return err
	}

	var preRun string

	if err := p.stage("preprocess", func() error {
		var err error
		preRun, err = p.runner.RunPreprocessing(ctx, p.ws, v)

		return err
	}); err != nil {
		return err
	}

	var arrival watcher.Result

	if err := p.stage("watch", func() error {
		var err error
		arrival, err = p.watcher.WaitForRaws(ctx, p.ws, v)

		return err
	}); err != nil {
		return err
	}

	if arrival.State == watcher.TimedOut {
		logger.WarnContext(ctx, "raw arrival timed out, processing partial visit",
			slog.Int("exposures", len(arrival.ExposureIDs)))
	}

	for range arrival.ExposureIDs {
		metrics.ImageIngested()
	}

	// The workspace is a per-visit cache: whatever happens from here on, its
	// visit-scoped content is removed so the next visit starts clean.
	var runs []string

	if preRun != "" {
		runs = append(runs, preRun)
	}

	defer func() {
		if cleanErr := p.exporter.CleanLocalRepo(ctx, p.ws, arrival.ExposureIDs, runs); cleanErr != nil {
			logger.ErrorContext(ctx, "failed to clean workspace", slog.String("error", cleanErr.Error()))
		}
	}()

	if _, err := p.runner.DefineVisit(ctx, p.ws, v, arrival.ExposureIDs); err != nil {
		return err
	}

	var outputRun string

	if err := p.stage("run", func() error {
		var err error
		outputRun, err = p.runner.RunPipeline(ctx, p.ws, v, arrival.ExposureIDs)

		return err
	}); err != nil {
		return err
	}

	if outputRun == "" {
		logger.InfoContext(ctx, "visit skipped by pipeline configuration")

		return ErrSkipped
	}

	runs = append(runs, outputRun)

	if err := p.stage("export", func() error {
		return p.exporter.ExportOutputs(ctx, p.ws, v, arrival.ExposureIDs, runs)
	}); err != nil {
		return err
	}

	if arrival.State == watcher.TimedOut {
		return ErrPartial
	}

	logger.InfoContext(ctx, "visit processed", slog.String("outputRun", outputRun))

	return nil
}

// ErrSkipped and ErrPartial classify non-failure outcomes; both map to a
// success response at the API layer.
var (
	ErrSkipped = errors.New("visit skipped by configuration")
	ErrPartial = errors.New("visit processed with partial data")
)

// Skipped reports whether a Process error means the visit was deliberately
// not processed.
func Skipped(err error) bool {
	return errors.Is(err, ErrSkipped)
}

// Partial reports whether a Process error means processing succeeded on
// incomplete data.
func Partial(err error) bool {
	return errors.Is(err, ErrPartial)
}

func (p *Processor) stage(name string, fn func() error) error {
	start := time.Now()
	err := fn()

	metrics.ObserveStage(name, time.Since(start))

	if err != nil {
		return fmt.Errorf("stage %s: %w", name, err)
	}

	return nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case Skipped(err):
		return metrics.OutcomeSkipped
	case Partial(err):
		return metrics.OutcomeTimedOut
	case errors.Is(err, apperrors.ErrNoDataToProcess), errors.Is(err, apperrors.ErrTimeoutNoData):
		return metrics.OutcomeNoData
	default:
		return metrics.OutcomeError
	}
}
