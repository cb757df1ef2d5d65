// Package domain defines core types and errors for the report export pipeline.
package domain

import (
	"errors"
	"fmt"
)

// ErrorKind tags an Error with the failure category that decides how it is
// surfaced (HTTP status before the first byte, abort after it).
type ErrorKind int

// Error kinds.
const (
	KindInternal ErrorKind = iota
	KindConfiguration
	KindConnectivity
	KindAuthorization
	KindValidation
	KindQueryTimeout
	KindQuerySyntax
	KindQueryPermission
	KindTransport
	KindUpstreamUnavailable
	KindUpstreamTimeout
)

var kindNames = map[ErrorKind]string{
	KindInternal:            "internal",
	KindConfiguration:       "configuration",
	KindConnectivity:        "connectivity",
	KindAuthorization:       "authorization",
	KindValidation:          "validation",
	KindQueryTimeout:        "query_timeout",
	KindQuerySyntax:         "query_syntax",
	KindQueryPermission:     "query_permission",
	KindTransport:           "transport",
	KindUpstreamUnavailable: "upstream_unavailable",
	KindUpstreamTimeout:     "upstream_timeout",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the tagged error variant used across the service. Code is a stable
// machine-readable identifier rendered in JSON error bodies.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates an Error with a formatted message.
func NewError(kind ErrorKind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates an Error that wraps cause.
func WrapError(kind ErrorKind, code string, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindInternal when err carries no tag.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the stable code of err, falling back to a code derived from
// the kind.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return defaultCodes[KindOf(err)]
}

var defaultCodes = map[ErrorKind]string{
	KindInternal:            "INTERNAL_ERROR",
	KindConfiguration:       "CONFIGURATION_ERROR",
	KindConnectivity:        "DATABASE_UNAVAILABLE",
	KindAuthorization:       "UNAUTHORIZED",
	KindValidation:          "VALIDATION_ERROR",
	KindQueryTimeout:        "QUERY_TIMEOUT",
	KindQuerySyntax:         "QUERY_ERROR",
	KindQueryPermission:     "QUERY_PERMISSION_DENIED",
	KindTransport:           "CLIENT_DISCONNECTED",
	KindUpstreamUnavailable: "UPSTREAM_UNAVAILABLE",
	KindUpstreamTimeout:     "UPSTREAM_TIMEOUT",
}

// IsKind reports whether err is tagged with kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
