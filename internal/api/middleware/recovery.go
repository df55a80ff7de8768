package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// ProblemTypeURI is the RFC 7807 problem type for an HTTP status code. Both
// the handlers and the recovery middleware emit problems of this family.
func ProblemTypeURI(status int) string {
	return fmt.Sprintf("https://promptkit.io/problems/%d", status)
}

// panicProblem is the minimal RFC 7807 body the recovery middleware can emit
// without depending on the api package, which sits above this one.
type panicProblem struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail"`
	Instance      string `json:"instance"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Recovery recovers from panics in downstream handlers, logs the stack, and
// answers with an RFC 7807 500 response.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}

				correlationID := GetCorrelationID(r.Context())

				logger.Error("panic while serving request",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("correlation_id", correlationID),
					slog.Any("panic", rec),
					slog.String("stack", string(debug.Stack())),
				)

				problem := panicProblem{
					Type:          ProblemTypeURI(http.StatusInternalServerError),
					Title:         "Internal Server Error",
					Status:        http.StatusInternalServerError,
					Detail:        "An unexpected error occurred while processing the request",
					Instance:      r.URL.Path,
					CorrelationID: correlationID,
				}

				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(problem.Status)

				if err := json.NewEncoder(w).Encode(problem); err != nil {
					logger.Error("failed to encode panic response",
						slog.String("correlation_id", correlationID),
						slog.Any("error", err),
					)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
