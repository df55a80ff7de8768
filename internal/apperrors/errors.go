// Package apperrors defines the error taxonomy shared by the visit-processing
// components.
//
// Expected "nothing found" conditions are not represented here: callers that
// can tolerate absence receive an explicit empty result and branch on it.
// Only conditions that terminate processing of a visit are errors.
package apperrors

import "errors"

var (
	// ErrBadRequest indicates a malformed or mismatched inbound visit
	// envelope. Reported to the client, never retried.
	ErrBadRequest = errors.New("bad request")

	// ErrMissingRequiredInput indicates that the central store holds no
	// datasets of a kind the pipeline cannot run without, e.g. zero
	// calibrations for a detector/filter combination. Fatal to the visit.
	ErrMissingRequiredInput = errors.New("missing required input")

	// ErrNoDataToProcess indicates that the visit dimension could not be
	// defined from the ingested exposures, or that every configured pipeline
	// produced an empty task graph. Fatal to this invocation; the caller
	// decides whether to retry once more data exists.
	ErrNoDataToProcess = errors.New("no data to process")

	// ErrTimeoutNoData indicates that the arrival watcher timed out without
	// observing a single exposure. Fatal to the visit.
	ErrTimeoutNoData = errors.New("timed out waiting for images")
)
