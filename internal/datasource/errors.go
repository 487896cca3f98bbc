package datasource

import (
	"errors"
	"fmt"
)

// ErrorKind names a fetch failure class
type ErrorKind string

const (
	KindCircuitOpen ErrorKind = "circuit_open"
	KindRateLimited ErrorKind = "rate_limited"
	KindTimeout     ErrorKind = "timeout"
	KindTransport   ErrorKind = "transport"
	KindUpstream4xx ErrorKind = "upstream_4xx"
	KindUpstream5xx ErrorKind = "upstream_5xx"
	KindDecode      ErrorKind = "decode"
)

// FetchError is the typed failure of a data source fetch. Every instance
// carries the source and request id for correlation.
type FetchError struct {
	Kind       ErrorKind
	Source     string
	RequestID  string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s [%s] status %d: %v", e.Source, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s [%s]: %v", e.Source, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// CountsAsBreakerFailure reports whether this failure should trip the
// circuit breaker. Business-level 4xx responses and decode errors do not.
func (e *FetchError) CountsAsBreakerFailure() bool {
	switch e.Kind {
	case KindTimeout, KindRateLimited, KindTransport, KindUpstream5xx:
		return true
	default:
		return false
	}
}

// KindOf extracts the error kind from err, or "" for non-fetch errors
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}
