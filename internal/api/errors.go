package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/smithy-go"

	"github.com/kenneth/skytransfer/internal/crypto"
	"github.com/kenneth/skytransfer/internal/manifest"
	"github.com/kenneth/skytransfer/internal/session"
	"github.com/kenneth/skytransfer/internal/storage"
)

// APIError is a JSON error response.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Resource   string `json:"resource,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
	HTTPStatus int    `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("API Error: %s - %s", e.Code, e.Message)
}

// WriteJSON writes the error response.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	_ = json.NewEncoder(w).Encode(e)
}

// with returns a copy of e scoped to a resource and request.
func (e APIError) with(resource, requestID string) *APIError {
	e.Resource = resource
	e.RequestID = requestID
	return &e
}

// TranslateError maps domain and backend errors to API errors.
func TranslateError(err error) *APIError {
	if err == nil {
		return nil
	}

	var (
		fetchErr *crypto.FetchError
		srcErr   *crypto.SourceReadError
		syncErr  *manifest.SyncError
		apiErr   smithy.APIError
		tooLarge *http.MaxBytesError
	)
	switch {
	case errors.Is(err, session.ErrReadOnly):
		return &APIError{Code: "ReadOnlySession", Message: "The session cannot modify files.", HTTPStatus: http.StatusForbidden}
	case errors.Is(err, manifest.ErrFileNotFound), errors.Is(err, storage.ErrObjectNotFound):
		return &APIError{Code: "NoSuchFile", Message: "The specified file does not exist.", HTTPStatus: http.StatusNotFound}
	case errors.Is(err, crypto.ErrUnsupportedEncryptionType):
		return &APIError{Code: "UnsupportedEncryptionType", Message: err.Error(), HTTPStatus: http.StatusBadRequest}
	case errors.As(err, &tooLarge):
		return &APIError{Code: "EntityTooLarge", Message: fmt.Sprintf("Upload exceeds %d bytes.", tooLarge.Limit), HTTPStatus: http.StatusRequestEntityTooLarge}
	case errors.As(err, &srcErr):
		return &APIError{Code: "IncompleteBody", Message: err.Error(), HTTPStatus: http.StatusBadRequest}
	case errors.Is(err, crypto.ErrCorruptChunk):
		return &APIError{Code: "CorruptFile", Message: err.Error(), HTTPStatus: http.StatusBadGateway}
	case errors.As(err, &fetchErr):
		return &APIError{Code: "FetchFailed", Message: err.Error(), HTTPStatus: http.StatusBadGateway}
	case errors.As(err, &syncErr):
		return &APIError{Code: "ManifestSyncFailed", Message: err.Error(), HTTPStatus: http.StatusServiceUnavailable}
	case errors.Is(err, context.DeadlineExceeded):
		return &APIError{Code: "RequestTimeout", Message: "The request timed out.", HTTPStatus: http.StatusGatewayTimeout}
	case errors.Is(err, context.Canceled):
		// nginx's convention for a client that went away.
		return &APIError{Code: "ClientClosedRequest", Message: "The request was canceled.", HTTPStatus: 499}
	case errors.As(err, &apiErr):
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return &APIError{Code: "NoSuchFile", Message: "The file content does not exist in the backend.", HTTPStatus: http.StatusNotFound}
		case "AccessDenied":
			return &APIError{Code: "BackendAccessDenied", Message: "The storage backend denied access.", HTTPStatus: http.StatusBadGateway}
		case "SlowDown", "ServiceUnavailable":
			return &APIError{Code: "BackendUnavailable", Message: apiErr.ErrorMessage(), HTTPStatus: http.StatusServiceUnavailable}
		}
	}

	return &APIError{
		Code:       "InternalError",
		Message:    fmt.Sprintf("We encountered an internal error. Please try again: %v", err),
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Predefined API errors
var (
	ErrInvalidRequest = APIError{
		Code:       "InvalidRequest",
		Message:    "Invalid Request",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrMissingFile = APIError{
		Code:       "MissingFile",
		Message:    "The request must contain at least one file part.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrNoPortals = APIError{
		Code:       "PortalsUnavailable",
		Message:    "The gateway does not use a portal backend.",
		HTTPStatus: http.StatusNotFound,
	}
)
