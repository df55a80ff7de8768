package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApply_ExecutesInListedOrder(t *testing.T) {
	var order []string

	tag := func(name string) Option {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	handler := Apply(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		order = append(order, "handler")
	}), tag("first"), tag("second"), tag("third"))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"first", "second", "third", "handler"}, order)
}

func TestWithTokenAuth_NilStoreIsNoOp(t *testing.T) {
	handler := Apply(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), WithTokenAuth(nil, discardLogger()))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/next-visit", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWithRateLimit_NilLimiterIsNoOp(t *testing.T) {
	handler := Apply(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), WithRateLimit(nil, discardLogger()))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/next-visit", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRecovery_ConvertsPanicTo500(t *testing.T) {
	handler := Apply(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), WithRecovery(discardLogger()))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/next-visit", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var problem panicProblem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))

	assert.Equal(t, ProblemTypeURI(http.StatusInternalServerError), problem.Type)
	assert.Equal(t, http.StatusInternalServerError, problem.Status)
	assert.Equal(t, "/next-visit", problem.Instance)
}

func TestResponseWriter_CapturesStatusAndSize(t *testing.T) {
	handler := Apply(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("accepted"))
	}), WithRequestLogger(discardLogger()))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/next-visit", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "accepted", rec.Body.String())
}
