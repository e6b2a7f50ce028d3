package api

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies an upstream failure. Every component above the
// client propagates the classification unchanged; only the filesystem
// layer translates it into an errno.
type ErrorKind int

const (
	// NotFound: the remote entity does not exist (404, 410).
	NotFound ErrorKind = iota
	// NotSupported: the entity cannot perform the requested operation.
	NotSupported
	// Unauthorized: the credential was rejected (401, 403).
	Unauthorized
	// Transient: timeouts, rate limits and server errors; safe to retry.
	Transient
	// Permanent: any other upstream rejection; retrying will not help.
	Permanent
)

func (k ErrorKind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case NotSupported:
		return "not supported"
	case Unauthorized:
		return "unauthorized"
	case Transient:
		return "transient"
	default:
		return "permanent"
	}
}

// UpstreamError is a classified upstream failure.
type UpstreamError struct {
	Kind   ErrorKind
	Status int    // HTTP status, 0 for transport failures
	Detail string // server-provided detail or transport error text
	URL    string
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("upstream %s (%d): %s", e.Kind, e.Status, e.Detail)
	}
	return fmt.Sprintf("upstream %s: %s", e.Kind, e.Detail)
}

// AsUpstream checks if an error carries a classification and returns it.
func AsUpstream(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// IsNotFound reports whether err is a classified NotFound failure.
func IsNotFound(err error) bool {
	ue, ok := AsUpstream(err)
	return ok && ue.Kind == NotFound
}

// IsUnauthorized reports whether err is a classified auth rejection.
func IsUnauthorized(err error) bool {
	ue, ok := AsUpstream(err)
	return ok && ue.Kind == Unauthorized
}

// IsTransient reports whether err is a classified transient failure.
func IsTransient(err error) bool {
	ue, ok := AsUpstream(err)
	return ok && ue.Kind == Transient
}

// IsNotSupported reports whether err is a classified NotSupported failure.
func IsNotSupported(err error) bool {
	ue, ok := AsUpstream(err)
	return ok && ue.Kind == NotSupported
}

// classifyStatus maps an HTTP status to an error kind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Unauthorized
	case status == http.StatusNotFound || status == http.StatusGone:
		return NotFound
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return Transient
	case status >= 500:
		return Transient
	default:
		return Permanent
	}
}
