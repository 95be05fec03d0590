package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies transport failures by how the pipeline reacts to them.
type ErrorKind int

const (
	ErrTransient ErrorKind = iota
	ErrServerSide
	ErrRateLimited
	ErrQuotaExhausted
	ErrAuthRejected
	ErrStreamEnded
	ErrParseFailure
	ErrMisconfigured
)

func (k ErrorKind) String() string {
	switch k {
	case ErrTransient:
		return "transient"
	case ErrServerSide:
		return "server_side"
	case ErrRateLimited:
		return "rate_limited"
	case ErrQuotaExhausted:
		return "quota_exhausted"
	case ErrAuthRejected:
		return "auth_rejected"
	case ErrStreamEnded:
		return "stream_ended"
	case ErrParseFailure:
		return "parse_failure"
	case ErrMisconfigured:
		return "misconfigured"
	}
	return "unknown"
}

// Retryable reports whether a transport should retry internally with backoff.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrTransient, ErrServerSide, ErrRateLimited, ErrParseFailure:
		return true
	}
	return false
}

// AdapterError is the terminal or retryable error a transport reports.
type AdapterError struct {
	Kind   ErrorKind
	Mode   Mode
	Status int
	// Until is set for quota exhaustion: no requests before this instant.
	Until time.Time
	Err   error
}

func (e *AdapterError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Mode, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Mode, e.Kind, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// NewAdapterError wraps err with a classification.
func NewAdapterError(mode Mode, kind ErrorKind, err error) *AdapterError {
	return &AdapterError{Kind: kind, Mode: mode, Err: err}
}

// KindOf extracts the classification of err. Unclassified errors are treated
// as transient.
func KindOf(err error) ErrorKind {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ErrTransient
}
