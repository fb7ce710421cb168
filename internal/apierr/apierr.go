package apierr

import (
	"fmt"
	"net/http"

	"github.com/raibid-labs/ci-core/internal/ciserr"
)

type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

// FromKind maps a ciserr.Kind onto the HTTP status the Control API
// contract (spec §7) assigns it.
func FromKind(kind ciserr.Kind, err error) *Error {
	status := http.StatusInternalServerError
	switch kind {
	case ciserr.InvalidRequest:
		status = http.StatusBadRequest
	case ciserr.Conflict:
		status = http.StatusConflict
	case ciserr.NotFound:
		status = http.StatusNotFound
	case ciserr.Transient:
		status = http.StatusServiceUnavailable
	case ciserr.StepFailure, ciserr.StepTimeout, ciserr.JobTimeout, ciserr.TooManyAttempts, ciserr.Cancelled:
		status = http.StatusUnprocessableEntity
	case ciserr.WorkerLost:
		status = http.StatusConflict
	}
	return New(status, string(kind), err)
}
