package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/promptkit-io/activator/internal/apperrors"
	"github.com/promptkit-io/activator/internal/bucket"
	"github.com/promptkit-io/activator/internal/raw"
	"github.com/promptkit-io/activator/internal/visit"
	"github.com/promptkit-io/activator/internal/workspace"
)

const defaultPollWait = 5 * time.Second

// State says how a watch ended.
type State int

// Watch outcomes.
const (
	// Complete means every expected image arrived.
	Complete State = iota + 1

	// TimedOut means the deadline passed with some images still missing.
	// Processing proceeds on what arrived.
	TimedOut
)

func (s State) String() string {
	switch s {
	case Complete:
		return "complete"
	case TimedOut:
		return "timed out"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Result reports what a watch ingested.
type Result struct {
	State       State
	ExposureIDs []int64
}

// ConsumerFactory opens a fresh notification consumer for one watch.
type ConsumerFactory func() (Consumer, error)

// Watcher waits for a visit's raw images.
type Watcher struct {
	images      bucket.Store
	newConsumer ConsumerFactory
	timeout     time.Duration
	pollWait    time.Duration
	logger      *slog.Logger
}

// New builds a watcher. timeout bounds the whole watch; each notification
// pull waits at most pollWait (defaulted when zero).
func New(images bucket.Store, factory ConsumerFactory, timeout, pollWait time.Duration, logger *slog.Logger) *Watcher {
	if pollWait <= 0 {
		pollWait = defaultPollWait
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		images:      images,
		newConsumer: factory,
		timeout:     timeout,
		pollWait:    pollWait,
		logger:      logger,
	}
}

// WaitForRaws blocks until every expected image for the visit has been
// ingested into the workspace, or until the timeout passes. Images that were
// already in the bucket before the watch started are picked up by a prefix
// scan, so a late subscriber cannot miss them.
//
// A timeout with zero images is apperrors.ErrTimeoutNoData. A timeout with
// some images is not an error: the result reports TimedOut and processing
// continues on the partial visit.
func (w *Watcher) WaitForRaws(ctx context.Context, ws *workspace.Workspace, v visit.Visit) (Result, error) {
	consumer, err := w.newConsumer()
	if err != nil {
		return Result{}, fmt.Errorf("failed to open notification consumer: %w", err)
	}

	defer func() {
		if err := consumer.Close(); err != nil {
			w.logger.WarnContext(ctx, "failed to close notification consumer", slog.String("error", err.Error()))
		}
	}()

	expected := v.Snaps
	seen := make(map[string]struct{})
	exposures := make(map[int64]struct{})

	if err := w.scanExisting(ctx, ws, v, seen, exposures); err != nil {
		return Result{}, err
	}

	if expected > 0 && len(exposures) >= expected {
		return Result{State: Complete, ExposureIDs: sortedIDs(exposures)}, nil
	}

	deadline := time.Now().Add(w.timeout)

	for {
		wait := w.pollWait
		if remaining := time.Until(deadline); remaining > 0 && remaining < wait {
			wait = remaining
		}

		notifications, err := consumer.Next(ctx, wait)
		if err != nil {
			return Result{}, err
		}

		for _, n := range notifications {
			w.ingestIfMatching(ctx, ws, v, n.Key, seen, exposures)
		}

		// Every notification is acked, relevant or not: unacked irrelevant
		// messages would be redelivered to the next visit's watch.
		if err := consumer.Ack(ctx); err != nil {
			w.logger.WarnContext(ctx, "failed to ack notifications", slog.String("error", err.Error()))
		}

		if expected > 0 && len(exposures) >= expected {
			return Result{State: Complete, ExposureIDs: sortedIDs(exposures)}, nil
		}

		// The deadline only ends the wait once the stream goes quiet: as long
		// as polls keep delivering notifications, the visit may still complete.
		if len(notifications) == 0 && !time.Now().Before(deadline) {
			break
		}
	}

	if len(exposures) == 0 {
		return Result{}, fmt.Errorf("%w: no images for group %s after %s",
			apperrors.ErrTimeoutNoData, v.GroupID, w.timeout)
	}

	w.logger.WarnContext(ctx, "proceeding with partial visit",
		slog.String("group", v.GroupID),
		slog.Int("received", len(exposures)),
		slog.Int("expected", expected),
	)

	return Result{State: TimedOut, ExposureIDs: sortedIDs(exposures)}, nil
}

// scanExisting ingests images that landed before the watch subscribed. Only
// the generic naming scheme has predictable prefixes; LSST-scheme uploads
// are discovered purely by notification.
func (w *Watcher) scanExisting(ctx context.Context, ws *workspace.Workspace, v visit.Visit, seen map[string]struct{}, exposures map[int64]struct{}) error {
	snaps := v.Snaps
	if snaps == 0 {
		snaps = 1
	}

	for snap := 0; snap < snaps; snap++ {
		prefix, ok := raw.PrefixFromSnap(v.Instrument, v.GroupID, v.Detector, snap)
		if !ok {
			return nil
		}

		objects, err := w.images.List(ctx, prefix)
		if err != nil {
			return fmt.Errorf("failed to scan bucket prefix %q: %w", prefix, err)
		}

		for _, obj := range objects {
			w.ingestIfMatching(ctx, ws, v, obj.Key, seen, exposures)
		}
	}

	return nil
}

// ingestIfMatching ingests one object if it belongs to the visit. Mismatches
// and ingest failures are logged and skipped: a bad image must not sink the
// whole watch.
func (w *Watcher) ingestIfMatching(ctx context.Context, ws *workspace.Workspace, v visit.Visit, key string, seen map[string]struct{}, exposures map[int64]struct{}) {
	if _, ok := seen[key]; ok {
		return
	}

	seen[key] = struct{}{}

	if !raw.IsPathConsistent(key, v) {
		w.logger.DebugContext(ctx, "ignoring image for another visit", slog.String("path", key))

		return
	}

	// Paths of the LSST scheme do not encode the group; it has to be read
	// from the image's sidecar file.
	if raw.IsLSSTInstrument(v.Instrument) {
		group, err := raw.GroupIDFromPath(ctx, w.images, key)
		if err != nil {
			w.logger.WarnContext(ctx, "failed to resolve image group",
				slog.String("path", key), slog.String("error", err.Error()))

			return
		}

		if group != v.GroupID {
			w.logger.DebugContext(ctx, "ignoring image for another group",
				slog.String("path", key), slog.String("group", group))

			return
		}
	}

	exposureID, err := ws.IngestRaw(ctx, key, v)
	if err != nil {
		w.logger.WarnContext(ctx, "failed to ingest image",
			slog.String("path", key), slog.String("error", err.Error()))

		return
	}

	exposures[exposureID] = struct{}{}

	w.logger.InfoContext(ctx, "image arrived",
		slog.String("group", v.GroupID),
		slog.String("path", key),
		slog.Int64("exposure", exposureID),
	)
}

func sortedIDs(set map[int64]struct{}) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}
