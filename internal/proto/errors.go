package proto

import (
	"fmt"

	"github.com/dbbouncer/pgclient/internal/wire"
)

// BackendError wraps a decoded ErrorResponse so callers can inspect
// SQLSTATE without reaching into internal/wire themselves.
type BackendError struct {
	SQLState string
	Message  string
	Detail   string
	Hint     string
	Severity string
}

func (e *BackendError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s (%s): %s: %s", e.Severity, e.SQLState, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s (%s): %s", e.Severity, e.SQLState, e.Message)
}

func errFromBackend(e *wire.ErrorResponse) error {
	return &BackendError{
		SQLState: e.SQLState(),
		Message:  e.Message(),
		Detail:   e.Detail(),
		Hint:     e.Hint(),
		Severity: e.Severity(),
	}
}
