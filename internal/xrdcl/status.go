package xrdcl

import "fmt"

// StatusCode identifies the outcome class of a transport operation.
type StatusCode uint16

const (
	// StatusOK indicates the operation completed successfully
	StatusOK StatusCode = iota

	// StatusErrInvalidResponse indicates the server returned a malformed
	// or unexpected response
	StatusErrInvalidResponse

	// StatusErrConnection indicates a connection-level failure
	StatusErrConnection

	// StatusErrNotFound indicates the requested file does not exist
	StatusErrNotFound

	// StatusErrOperationExpired indicates the operation timed out
	StatusErrOperationExpired

	// StatusErrInternal indicates a client-internal failure
	StatusErrInternal
)

// String returns the symbolic name of the code
func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "ok"
	case StatusErrInvalidResponse:
		return "invalid response"
	case StatusErrConnection:
		return "connection error"
	case StatusErrNotFound:
		return "not found"
	case StatusErrOperationExpired:
		return "operation expired"
	case StatusErrInternal:
		return "internal error"
	default:
		return fmt.Sprintf("status(%d)", uint16(c))
	}
}

// Status is the result of a transport operation
type Status struct {
	Code    StatusCode
	ErrNo   int
	Message string
}

// IsOK reports whether the operation succeeded
func (s Status) IsOK() bool {
	return s.Code == StatusOK
}

// String renders the status for diagnostics
func (s Status) String() string {
	if s.IsOK() {
		return "ok"
	}
	if s.Message != "" {
		return fmt.Sprintf("%s (errno=%d, code=%d): %s", s.Code, s.ErrNo, s.Code, s.Message)
	}
	return fmt.Sprintf("%s (errno=%d, code=%d)", s.Code, s.ErrNo, s.Code)
}

// OK returns a successful status
func OK() Status {
	return Status{Code: StatusOK}
}

// Errorf returns a failed status with a formatted message
func Errorf(code StatusCode, format string, args ...interface{}) Status {
	return Status{Code: code, Message: fmt.Sprintf(format, args...)}
}
