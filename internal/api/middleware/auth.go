package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/promptkit-io/activator/internal/tokens"
	"golang.org/x/crypto/bcrypt"
)

// publicEndpoints lists paths that bypass authentication. Only health and
// monitoring endpoints belong here; never business endpoints.
var publicEndpoints = map[string]bool{} //nolint: gochecknoglobals

// RegisterPublicEndpoint marks a path as bypassing authentication. Call only
// during route setup, for health probes and monitoring endpoints.
func RegisterPublicEndpoint(endpoint string) {
	publicEndpoints[endpoint] = true
}

// AuthError wraps an authentication failure with its classification.
type AuthError struct {
	Type    error
	Message string
}

// Authentication error types for granular status mapping.
var (
	// ErrMissingToken is returned when no service token is presented.
	ErrMissingToken = errors.New("missing service token")

	// ErrInvalidToken covers malformed and unknown tokens. One generic error
	// prevents token enumeration.
	ErrInvalidToken = errors.New("invalid service token")

	// ErrTokenExpired is returned when the presented token has expired.
	ErrTokenExpired = errors.New("service token expired")
)

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("authentication failed: %s: %s", e.Type.Error(), e.Message)
	}

	return "authentication failed: " + e.Type.Error()
}

// Unwrap returns the classification error for errors.Is.
func (e *AuthError) Unwrap() error {
	return e.Type
}

// extractToken pulls the service token from the request headers: X-Service-Token
// first, then Authorization: Bearer. Tokens containing newlines are rejected
// to block header injection.
func extractToken(r *http.Request) (string, bool) {
	if token := r.Header.Get("X-Service-Token"); token != "" {
		return cleanToken(token)
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return cleanToken(strings.TrimPrefix(authHeader, "Bearer "))
	}

	return "", false
}

func cleanToken(token string) (string, bool) {
	if strings.ContainsAny(token, "\r\n") {
		return "", false
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}

	return token, true
}

// performDummyBcryptComparison keeps rejection timing flat regardless of
// whether the token failed format checks or lookup.
func performDummyBcryptComparison() {
	_ = bcrypt.CompareHashAndPassword([]byte("dummy"), []byte("dummy"))
}

// authenticateRequest resolves a presented token against the store. The
// generic ErrInvalidToken covers both malformed and unknown tokens.
func authenticateRequest(ctx context.Context, store tokens.Store, token string, logger *slog.Logger) (*tokens.ServiceToken, error) {
	parsed, err := tokens.Parse(token)
	if err != nil {
		performDummyBcryptComparison()

		logger.ErrorContext(ctx, "authentication failed: malformed token",
			slog.String("error", err.Error()),
			slog.String("correlation_id", GetCorrelationID(ctx)),
		)

		return nil, &AuthError{Type: ErrInvalidToken, Message: "Invalid or missing service token"}
	}

	found, exists := store.FindByToken(ctx, parsed)
	if !exists {
		performDummyBcryptComparison()

		logger.ErrorContext(ctx, "authentication failed: token not found",
			slog.String("correlation_id", GetCorrelationID(ctx)),
		)

		return nil, &AuthError{Type: ErrInvalidToken, Message: "Invalid or missing service token"}
	}

	if !found.Usable() {
		logger.ErrorContext(ctx, "authentication failed: token expired",
			slog.String("token_id", found.ID),
			slog.String("client_id", found.ClientID),
			slog.String("correlation_id", GetCorrelationID(ctx)),
		)

		return nil, &AuthError{Type: ErrTokenExpired, Message: "Service token has expired"}
	}

	return found, nil
}

// Authenticate creates a middleware that validates service tokens and
// enriches the request context with the caller's ClientContext. Registered
// public endpoints pass through untouched.
func Authenticate(store tokens.Store, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicEndpoints[r.URL.Path] {
				next.ServeHTTP(w, r)

				return
			}

			authStart := time.Now()

			token, found := extractToken(r)
			if !found {
				writeAuthError(w, r, logger, &AuthError{
					Type:    ErrMissingToken,
					Message: "Missing service token",
				})

				return
			}

			authenticated, err := authenticateRequest(r.Context(), store, token, logger)
			if err != nil {
				writeAuthError(w, r, logger, err)

				return
			}

			clientCtx := ClientContext{
				ClientID: authenticated.ClientID,
				Name:     authenticated.Name,
				TokenID:  authenticated.ID,
				AuthTime: time.Now(),
			}
			ctx := SetClientContext(r.Context(), clientCtx)

			logger.InfoContext(ctx, "service token authenticated",
				slog.String("client_id", clientCtx.ClientID),
				slog.String("token_id", clientCtx.TokenID),
				slog.Duration("auth_latency", time.Since(authStart)),
				slog.String("correlation_id", GetCorrelationID(r.Context())),
				slog.String("endpoint", r.URL.Path),
			)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// writeAuthError maps authentication failures to status codes and writes an
// RFC 7807 response.
func writeAuthError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	correlationID := GetCorrelationID(r.Context())

	statusCode := http.StatusUnauthorized

	var authErr *AuthError
	if errors.As(err, &authErr) && errors.Is(authErr.Type, ErrTokenExpired) {
		statusCode = http.StatusForbidden
	}

	logger.Warn("authentication failed",
		slog.String("reason", err.Error()),
		slog.String("correlation_id", correlationID),
		slog.String("endpoint", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("user_agent", r.UserAgent()),
	)

	detail := err.Error()
	if err := writeRFC7807Error(w, r, statusCode, detail, correlationID); err != nil {
		logger.Error("failed to write RFC 7807 error response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)

		http.Error(w, detail, statusCode)
	}
}

// writeRFC7807Error writes a problem response without importing the api
// package, which would create an import cycle.
func writeRFC7807Error(w http.ResponseWriter, r *http.Request, statusCode int, detail, correlationID string) error {
	var title string

	switch statusCode {
	case http.StatusUnauthorized:
		title = "Unauthorized"
	case http.StatusForbidden:
		title = "Forbidden"
	case http.StatusTooManyRequests:
		title = "Too Many Requests"
	default:
		title = "Authentication Failed"
	}

	problem := map[string]interface{}{
		"type":           fmt.Sprintf("https://promptkit.io/problems/%d", statusCode),
		"title":          title,
		"status":         statusCode,
		"detail":         detail,
		"instance":       r.URL.Path,
		"correlation_id": correlationID,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(statusCode)

	return json.NewEncoder(w).Encode(problem)
}
