package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/promptkit-io/activator/internal/activator"
	"github.com/promptkit-io/activator/internal/api/middleware"
	"github.com/promptkit-io/activator/internal/apperrors"
	"github.com/promptkit-io/activator/internal/visit"
)

// Visit processing outcome statuses reported to the fan-out service.
const (
	statusSuccess = "success"
	statusSkipped = "skipped"
	statusPartial = "partial"
)

// NextVisitResponse is the body returned for an accepted next-visit
// notification. The fan-out service uses Status to decide whether to retry.
type NextVisitResponse struct {
	Status        string `json:"status"`
	Detail        string `json:"detail"`
	GroupID       string `json:"groupId"`
	Detector      int    `json:"detector"`
	CorrelationID string `json:"correlationId"`
	Timestamp     string `json:"timestamp"`
}

// handleNextVisit accepts one next-visit notification and processes the
// visit synchronously: the response is not written until processing finishes,
// so the fan-out service's timeout bounds the whole attempt.
//
// Status mapping:
//   - 200: processed, skipped by configuration, or processed on partial data
//   - 400: malformed payload or a visit this worker cannot serve
//   - 500: processing failed; the fan-out service may retry
func (s *Server) handleNextVisit(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, UnsupportedMediaType("Content-Type must be application/json"))

		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize))
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("Failed to read request body: "+err.Error()))

		return
	}

	v, err := visit.Decode(body, s.config.Instrument)
	if err != nil {
		s.logger.Warn("rejected next-visit payload",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	err = s.processor.Process(r.Context(), v)

	switch {
	case err == nil:
		s.writeVisitResponse(w, r, v, statusSuccess, "pipeline executed")
	case activator.Skipped(err):
		s.writeVisitResponse(w, r, v, statusSkipped, "visit skipped by pipeline configuration")
	case activator.Partial(err):
		s.writeVisitResponse(w, r, v, statusPartial, "pipeline executed on incomplete data")
	case errors.Is(err, apperrors.ErrBadRequest):
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))
	default:
		// Covers ErrTimeoutNoData, ErrNoDataToProcess, ErrMissingRequiredInput,
		// and unexpected failures: all of them mean the visit was not
		// processed, and a retry from the fan-out service might still succeed.
		s.logger.Error("visit processing failed",
			slog.String("group", v.GroupID),
			slog.Int("detector", v.Detector),
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))
	}
}

func (s *Server) writeVisitResponse(w http.ResponseWriter, r *http.Request, v visit.Visit, status, detail string) {
	correlationID := middleware.GetCorrelationID(r.Context())

	resp := NextVisitResponse{
		Status:        status,
		Detail:        detail,
		GroupID:       v.GroupID,
		Detector:      v.Detector,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to write next-visit response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}
