// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers header and query-parameter tokens, rejection, and optional auth

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func subjectEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("subject=" + SubjectFrom(r.Context())))
	})
}

func TestMiddleware(t *testing.T) {
	verifier := mustVerifier(t, testSecret)
	valid, err := verifier.Generate("dashboard", time.Hour)
	require.NoError(t, err)
	expired, err := verifier.Generate("dashboard", -time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name       string
		header     string
		query      string
		wantStatus int
		wantBody   string
	}{
		{"bearer header", "Bearer " + valid, "", http.StatusOK, "subject=dashboard"},
		{"query parameter", "", "?token=" + valid, http.StatusOK, "subject=dashboard"},
		{"missing", "", "", http.StatusUnauthorized, "missing authorization header"},
		{"wrong scheme", "Basic abc", "", http.StatusUnauthorized, "invalid authorization header format"},
		{"empty bearer", "Bearer ", "", http.StatusUnauthorized, "empty token"},
		{"expired", "Bearer " + expired, "", http.StatusUnauthorized, "invalid token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/tasks"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			Middleware(verifier, nil)(subjectEcho()).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
			if tt.wantStatus == http.StatusUnauthorized {
				assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
				assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestOptionalMiddleware(t *testing.T) {
	verifier := mustVerifier(t, testSecret)
	valid, err := verifier.Generate("dashboard", time.Hour)
	require.NoError(t, err)
	handler := OptionalMiddleware(verifier)(subjectEcho())

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "subject=", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "subject=", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Authorization", "Bearer "+valid)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "subject=dashboard", rec.Body.String())
}

func TestFromContext_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Nil(t, FromContext(req.Context()))
	assert.Empty(t, SubjectFrom(req.Context()))
}
