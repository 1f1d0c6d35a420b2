package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Failure codes reported by the delivery engine.
const (
	CodeProtocolViolation   = "protocol_violation"
	CodeEndpointUnavailable = "endpoint_unavailable"
	CodeConcurrentUse       = "concurrent_use"
	CodeListenerFailure     = "listener_failure"
	CodeEnlistmentFailed    = "resource_enlistment_failed"
	CodeWorkRejected        = "work_rejected"
	CodeWaitTimeout         = "wait_timeout"
	CodeRollbackOnly        = "rollback_only"
	CodeUnknownXid          = "unknown_xid"
	CodeXidInUse            = "xid_in_use"
	CodeInvalidTxState      = "invalid_tx_state"
	CodeEndpointExists      = "endpoint_exists"
)

// Failure captures transport-neutral error details that adapters can map to
// HTTP or other protocols. Two failures match under errors.Is when their
// codes are equal, so the exported sentinels below work as targets.
type Failure struct {
	Code       string
	Detail     string
	HTTPStatus int // optional hint for HTTP adapters
	Err        error
}

func (f Failure) Error() string {
	switch {
	case f.Detail != "" && f.Err != nil:
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Detail, f.Err)
	case f.Detail != "":
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	case f.Err != nil:
		return fmt.Sprintf("%s: %v", f.Code, f.Err)
	}
	return f.Code
}

// Unwrap exposes the underlying cause.
func (f Failure) Unwrap() error {
	return f.Err
}

// Is reports whether target is a Failure carrying the same code.
func (f Failure) Is(target error) bool {
	switch t := target.(type) {
	case Failure:
		return t.Code == f.Code
	case *Failure:
		return t != nil && t.Code == f.Code
	}
	return false
}

// Sentinels usable with errors.Is.
var (
	ErrProtocolViolation   = Failure{Code: CodeProtocolViolation}
	ErrEndpointUnavailable = Failure{Code: CodeEndpointUnavailable}
	ErrConcurrentUse       = Failure{Code: CodeConcurrentUse}
	ErrListenerFailure     = Failure{Code: CodeListenerFailure}
	ErrEnlistmentFailed    = Failure{Code: CodeEnlistmentFailed}
	ErrWorkRejected        = Failure{Code: CodeWorkRejected}
	ErrWaitTimeout         = Failure{Code: CodeWaitTimeout}
	ErrRollbackOnly        = Failure{Code: CodeRollbackOnly}
	ErrUnknownXid          = Failure{Code: CodeUnknownXid}
	ErrXidInUse            = Failure{Code: CodeXidInUse}
	ErrInvalidTxState      = Failure{Code: CodeInvalidTxState}
	ErrEndpointExists      = Failure{Code: CodeEndpointExists}
)

// ProtocolViolation reports an illegal call sequence on an endpoint instance.
func ProtocolViolation(format string, args ...any) error {
	return Failure{
		Code:       CodeProtocolViolation,
		Detail:     fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusConflict,
	}
}

// EndpointUnavailable reports a delivery against a paused or unknown endpoint.
func EndpointUnavailable(name, reason string) error {
	return Failure{
		Code:       CodeEndpointUnavailable,
		Detail:     fmt.Sprintf("endpoint %q %s", name, reason),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// ConcurrentUse reports an attempt to use an instance that is already in use.
func ConcurrentUse(format string, args ...any) error {
	return Failure{
		Code:       CodeConcurrentUse,
		Detail:     fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusConflict,
	}
}

// ListenerFailure wraps an error returned (or a panic raised) by a listener method.
func ListenerFailure(method string, cause error) error {
	return Failure{
		Code:       CodeListenerFailure,
		Detail:     fmt.Sprintf("listener method %s failed", method),
		HTTPStatus: http.StatusUnprocessableEntity,
		Err:        cause,
	}
}

// EnlistmentFailed wraps a resource rejection during enlistment.
func EnlistmentFailed(xid string, cause error) error {
	return Failure{
		Code:       CodeEnlistmentFailed,
		Detail:     fmt.Sprintf("enlist in %s", xid),
		HTTPStatus: http.StatusInternalServerError,
		Err:        cause,
	}
}

// InvalidTxState reports a transaction operation that is not legal in the current state.
func InvalidTxState(format string, args ...any) error {
	return Failure{
		Code:       CodeInvalidTxState,
		Detail:     fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusConflict,
	}
}

// UnknownXid reports a terminator call for a transaction that is not known.
func UnknownXid(xid string) error {
	return Failure{
		Code:       CodeUnknownXid,
		Detail:     xid,
		HTTPStatus: http.StatusNotFound,
	}
}

// RollbackOnly reports that a transaction was rolled back instead of committed.
func RollbackOnly(xid string, cause error) error {
	return Failure{
		Code:       CodeRollbackOnly,
		Detail:     fmt.Sprintf("transaction %s rolled back", xid),
		HTTPStatus: http.StatusConflict,
		Err:        cause,
	}
}

// HTTPStatus maps err to an HTTP status, defaulting to 500.
func HTTPStatus(err error) int {
	var f Failure
	if errors.As(err, &f) && f.HTTPStatus != 0 {
		return f.HTTPStatus
	}
	switch {
	case errors.Is(err, ErrUnknownXid):
		return http.StatusNotFound
	case errors.Is(err, ErrEndpointUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrWaitTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrWorkRejected):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// CodeOf extracts the failure code from err, or "" when err is not a Failure.
func CodeOf(err error) string {
	var f Failure
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}
