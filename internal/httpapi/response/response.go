// Package response is the control API's JSON envelope, kept identical
// in shape to internal/http/response/response.go (APIError +
// ErrorEnvelope carrying trace_id/request_id) since the API contract in
// spec §4.6 says nothing about envelope shape and the teacher's is a
// sound default to keep.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/raibid-labs/ci-core/internal/apierr"
	"github.com/raibid-labs/ci-core/internal/ciserr"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error     APIError `json:"error"`
	TraceID   string   `json:"trace_id,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error:     APIError{Message: msg, Code: code},
		TraceID:   c.GetString("trace_id"),
		RequestID: c.GetString("request_id"),
	})
}

// RespondErr classifies err via ciserr.Of/apierr.FromKind and writes
// the corresponding status + envelope, so handlers don't each repeat
// the Kind -> HTTP status mapping.
func RespondErr(c *gin.Context, err error) {
	kind := ciserr.Of(err)
	ae := apierr.FromKind(kind, err)
	RespondError(c, ae.Status, string(kind), ae.Err)
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}
