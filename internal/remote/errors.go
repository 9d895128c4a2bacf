package remote

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

var (
	// ErrConflict is matched by 409 responses (duplicate event key).
	ErrConflict = errors.New("remote: conflict")
	// ErrSchemaMismatch is matched when the backend rejects a row shape it
	// does not have columns for.
	ErrSchemaMismatch = errors.New("remote: schema mismatch")
	// ErrUnauthorized is matched by 401 responses.
	ErrUnauthorized = errors.New("remote: unauthorized")
	// ErrNotFound is matched by 404 responses, including missing endpoints.
	ErrNotFound = errors.New("remote: not found")
	// ErrNoSession is returned before any request when no token is available.
	ErrNoSession = errors.New("remote: no active session")
)

// Error codes the backend puts in the error payload.
const (
	CodeDuplicateEventKey = "duplicate_event_key"
	CodeSchemaMismatch    = "schema_mismatch"
)

// APIError represents a non-2xx response from the backend.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" && e.Message != "" {
		return fmt.Sprintf("backend error: %s (%d): %s", e.Code, e.Status, e.Message)
	}
	if e.Code != "" {
		return fmt.Sprintf("backend error: %s (%d)", e.Code, e.Status)
	}
	if e.Message != "" {
		return fmt.Sprintf("backend error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("backend error (%d)", e.Status)
}

// Is maps the response onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrConflict:
		return e.Status == http.StatusConflict
	case ErrSchemaMismatch:
		return e.Code == CodeSchemaMismatch
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	}
	return false
}

// IsUnavailable reports failures that say nothing about the request itself:
// the network is down, the endpoint does not exist, or the service errored.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusNotFound || apiErr.Status >= 500
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
