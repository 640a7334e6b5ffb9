package common

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind categorizes renewal failures so callers (and status
// records) can react without string matching.
type ErrorKind string

const (
	KindAlreadyActive      ErrorKind = "ALREADY_ACTIVE"
	KindNotFound           ErrorKind = "NOT_FOUND"
	KindConfigMissing      ErrorKind = "CONFIG_MISSING"
	KindCSRFormatInvalid   ErrorKind = "CSR_FORMAT_INVALID"
	KindDeviceAPI          ErrorKind = "DEVICE_API"
	KindACMEProtocol       ErrorKind = "ACME_PROTOCOL"
	KindDNSProvider        ErrorKind = "DNS_PROVIDER"
	KindZoneNotFound       ErrorKind = "ZONE_NOT_FOUND"
	KindPropagationTimeout ErrorKind = "PROPAGATION_TIMEOUT"
	KindManualDNSTimeout   ErrorKind = "MANUAL_DNS_TIMEOUT"
	KindOrderInvalid       ErrorKind = "ORDER_INVALID"
	KindCertificateParse   ErrorKind = "CERTIFICATE_PARSE"
	KindCancelled          ErrorKind = "CANCELLED"
	KindInterrupted        ErrorKind = "INTERRUPTED"
)

// RenewalError is the structured error used throughout the renewal
// pipeline. It carries the failure kind, the operation that failed and
// the resource involved (domain, record name, URL).
type RenewalError struct {
	Kind       ErrorKind
	Op         string
	Resource   string
	Message    string
	Underlying error
}

// Error implements the error interface.
func (e *RenewalError) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("[%s] %s", e.Kind, e.Op))
	} else {
		parts = append(parts, string(e.Kind))
	}
	if e.Resource != "" {
		parts = append(parts, fmt.Sprintf("resource=%s", e.Resource))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	result := strings.Join(parts, ": ")
	if e.Underlying != nil {
		result += fmt.Sprintf(" (cause: %v)", e.Underlying)
	}
	return result
}

// Unwrap returns the underlying error for error chaining.
func (e *RenewalError) Unwrap() error {
	return e.Underlying
}

// WithResource attaches the resource involved and returns the error.
func (e *RenewalError) WithResource(resource string) *RenewalError {
	e.Resource = resource
	return e
}

// NewError creates a RenewalError without an underlying cause.
func NewError(kind ErrorKind, op, message string) *RenewalError {
	return &RenewalError{Kind: kind, Op: op, Message: message}
}

// WrapError wraps an existing error with renewal context.
func WrapError(underlying error, kind ErrorKind, op, message string) *RenewalError {
	return &RenewalError{Kind: kind, Op: op, Message: message, Underlying: underlying}
}

// KindOf extracts the ErrorKind from an error chain; unclassified
// errors report an empty kind.
func KindOf(err error) ErrorKind {
	var re *RenewalError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// IsKind reports whether the error chain contains a RenewalError of
// the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
