package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"time"
)

// correlationIDSize is the number of random bytes; hex-encoded to 16 chars.
const correlationIDSize = 8

// correlationIDKey is the context key for the correlation ID.
type correlationIDKey struct{}

// CorrelationID creates a middleware that tags each request with a
// correlation ID. An incoming X-Correlation-ID header is honored so the ID
// follows a visit across services; otherwise a new one is generated. The ID
// is echoed in the response headers either way.
func CorrelationID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := r.Header.Get("X-Correlation-ID")
			if correlationID == "" {
				correlationID = generateCorrelationID()
			}

			w.Header().Set("X-Correlation-ID", correlationID)

			ctx := context.WithValue(r.Context(), correlationIDKey{}, correlationID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCorrelationID extracts the correlation ID from the request context,
// returning "unknown" when no correlation middleware ran.
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return correlationID
	}

	return "unknown"
}

// generateCorrelationID produces a random hex ID, falling back to
// timestamp+pid entropy if crypto/rand is unavailable.
func generateCorrelationID() string {
	bytes := make([]byte, correlationIDSize)
	if _, err := rand.Read(bytes); err != nil {
		combined := fmt.Sprintf("%x%x", time.Now().UnixNano(), os.Getpid())
		if len(combined) > 2*correlationIDSize {
			return combined[:2*correlationIDSize]
		}

		return combined
	}

	return hex.EncodeToString(bytes)
}
