package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"

	"github.com/kenneth/skytransfer/internal/crypto"
	"github.com/kenneth/skytransfer/internal/manifest"
	"github.com/kenneth/skytransfer/internal/session"
)

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{"read only", fmt.Errorf("upload: %w", session.ErrReadOnly), "ReadOnlySession", http.StatusForbidden},
		{"missing file", manifest.ErrFileNotFound, "NoSuchFile", http.StatusNotFound},
		{"unsupported scheme", fmt.Errorf("%w: ROT13", crypto.ErrUnsupportedEncryptionType), "UnsupportedEncryptionType", http.StatusBadRequest},
		{"corrupt chunk", &crypto.CorruptChunkError{Index: 2, Err: errors.New("tag mismatch")}, "CorruptFile", http.StatusBadGateway},
		{"fetch exhausted", &crypto.FetchError{Index: 4, Err: errors.New("503")}, "FetchFailed", http.StatusBadGateway},
		{"short source", &crypto.SourceReadError{Index: 0, Err: errors.New("EOF")}, "IncompleteBody", http.StatusBadRequest},
		{"too large", &http.MaxBytesError{Limit: 10}, "EntityTooLarge", http.StatusRequestEntityTooLarge},
		{"sync failed", &manifest.SyncError{Trigger: manifest.TriggerManual, Err: errors.New("down")}, "ManifestSyncFailed", http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, "RequestTimeout", http.StatusGatewayTimeout},
		{"backend no such key", &smithy.GenericAPIError{Code: "NoSuchKey"}, "NoSuchFile", http.StatusNotFound},
		{"backend throttled", &smithy.GenericAPIError{Code: "SlowDown", Message: "reduce rate"}, "BackendUnavailable", http.StatusServiceUnavailable},
		{"unknown", errors.New("boom"), "InternalError", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TranslateError(tt.err)
			assert.Equal(t, tt.wantCode, got.Code)
			assert.Equal(t, tt.wantStatus, got.HTTPStatus)
		})
	}

	assert.Nil(t, TranslateError(nil))
}

func TestAPIError_WriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	ErrMissingFile.with("/files", "req-1").WriteJSON(w)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"code":"MissingFile","message":"The request must contain at least one file part.","resource":"/files","requestId":"req-1"}`, w.Body.String())
	assert.Empty(t, ErrMissingFile.Resource, "predefined errors are not mutated")
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded", map[string]string{"X-Forwarded-For": "10.0.0.1, 10.0.0.2"}, "1.2.3.4:80", "10.0.0.1"},
		{"real ip", map[string]string{"X-Real-IP": "10.0.0.3"}, "1.2.3.4:80", "10.0.0.3"},
		{"remote addr", nil, "1.2.3.4:80", "1.2.3.4"},
		{"ipv6", nil, "[::1]:80", "::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, getClientIP(r))
		})
	}
}
