package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/tallyhq/tally/internal/auth"
	"github.com/tallyhq/tally/internal/connectors/provider"
)

// ErrorKind classifies a sync failure for the caller deciding what to do next.
type ErrorKind string

const (
	KindConfiguration  ErrorKind = "configuration"
	KindAuthentication ErrorKind = "authentication"
	KindTransient      ErrorKind = "transient"
	KindData           ErrorKind = "data"
	KindCanceled       ErrorKind = "canceled"
)

// SyncError is one problem collected during a sync run.
type SyncError struct {
	Kind      ErrorKind `json:"kind"`
	Retryable bool      `json:"retryable"`
	Message   string    `json:"message"`
	RecordID  string    `json:"recordId,omitempty"`

	Err error `json:"-"`
	// record marks a failure confined to one record; the run went on.
	record bool
}

func (e *SyncError) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("%s error (record %s): %s", e.Kind, e.RecordID, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *SyncError) Unwrap() error { return e.Err }

func newSyncError(kind ErrorKind, err error) SyncError {
	return SyncError{
		Kind:      kind,
		Retryable: kind == KindTransient,
		Message:   err.Error(),
		Err:       err,
	}
}

func recordError(recordID string, err error) SyncError {
	e := newSyncError(KindData, err)
	e.RecordID = recordID
	e.record = true
	return e
}

// storeError classifies a persistence failure. Cancellation surfaces as
// such rather than as a transient store problem.
func storeError(err error) SyncError {
	if errors.Is(err, context.Canceled) {
		return newSyncError(KindCanceled, err)
	}
	return newSyncError(KindTransient, err)
}

// classifyFetchError maps a connector fetch failure onto the taxonomy.
// Unauthorized responses are handled by the caller before this runs.
func classifyFetchError(err error) SyncError {
	switch {
	case errors.Is(err, context.Canceled):
		return newSyncError(KindCanceled, err)
	case errors.Is(err, auth.ErrCredentialsInvalid), errors.Is(err, auth.ErrNotConnected):
		return newSyncError(KindAuthentication, err)
	case provider.IsRetryable(err):
		return newSyncError(KindTransient, err)
	}

	status := provider.StatusCode(err)
	switch {
	case status == http.StatusForbidden:
		return newSyncError(KindAuthentication, err)
	case status >= 400 && status < 500:
		return newSyncError(KindConfiguration, err)
	case status != 0:
		return newSyncError(KindTransient, err)
	}
	return newSyncError(KindData, err)
}

// classifyRefreshError maps a failed token refresh onto the taxonomy.
func classifyRefreshError(err error) SyncError {
	var refreshErr *auth.RefreshError
	switch {
	case errors.Is(err, context.Canceled):
		return newSyncError(KindCanceled, err)
	case errors.As(err, &refreshErr):
		return newSyncError(KindTransient, err)
	case errors.Is(err, auth.ErrUnknownProvider):
		return newSyncError(KindConfiguration, err)
	default:
		return newSyncError(KindAuthentication, err)
	}
}
