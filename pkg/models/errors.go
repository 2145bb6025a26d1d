package models

import (
	"fmt"
)

// ErrorType classifies download failures
type ErrorType int

const (
	ErrUnknown ErrorType = iota
	ErrNetwork
	ErrTimeout
	ErrFileSystem
	ErrCorruption
	ErrHTTPStatus
)

func (t ErrorType) String() string {
	switch t {
	case ErrNetwork:
		return "network"
	case ErrTimeout:
		return "timeout"
	case ErrFileSystem:
		return "filesystem"
	case ErrCorruption:
		return "corruption"
	case ErrHTTPStatus:
		return "http_status"
	default:
		return "unknown"
	}
}

// ResolveError represents a failure to turn user input into content ids,
// or a schema mismatch in a metadata payload
type ResolveError struct {
	Input   string
	Message string
	Err     error
}

func (e *ResolveError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve error: %s (input: %s): %v", e.Message, e.Input, e.Err)
	}
	return fmt.Sprintf("resolve error: %s (input: %s)", e.Message, e.Input)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// TransportError represents network-related errors after the retry budget is spent
type TransportError struct {
	URL      string
	Status   int
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("transport error: http status %d after %d attempt(s)", e.Status, e.Attempts)
	}
	return fmt.Sprintf("transport error after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// APIError represents a non-zero application code inside a 200 response
type APIError struct {
	Endpoint string
	Code     int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error at %s: %s (code: %d)", e.Endpoint, e.Message, e.Code)
}

// DecodeError represents a response body that did not match the expected schema
type DecodeError struct {
	URL string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error for %s: %v", e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// SelectionError is returned when no filter alternative yields a pick
type SelectionError struct {
	Expression string
}

func (e *SelectionError) Error() string {
	if e.Expression == "" {
		return "no suitable streams found"
	}
	return fmt.Sprintf("no suitable streams found for %q", e.Expression)
}

// DownloadError represents a failed transfer
type DownloadError struct {
	Type      ErrorType
	Message   string
	UserGuide string
	Retryable bool
	Err       error
}

// NewDownloadError creates a new download error
func NewDownloadError(errType ErrorType, message, userGuide string, retryable bool, err error) *DownloadError {
	return &DownloadError{
		Type:      errType,
		Message:   message,
		UserGuide: userGuide,
		Retryable: retryable,
		Err:       err,
	}
}

func (e *DownloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("download error (%s): %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("download error (%s): %s", e.Type, e.Message)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// MuxError represents a missing mux tool or a non-zero exit
type MuxError struct {
	Tool   string
	Output string
	Err    error
}

func (e *MuxError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("mux error (%s): %v\n%s", e.Tool, e.Err, e.Output)
	}
	return fmt.Sprintf("mux error (%s): %v", e.Tool, e.Err)
}

func (e *MuxError) Unwrap() error { return e.Err }
