// Package faults classifies errors so retry and response decisions can branch on
// the kind of failure instead of treating every error alike.
package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the retry classification of an error.
type Kind int

const (
	KindTransient Kind = iota
	KindPermanent
	KindAuthentication
	KindStateConflict
)

func (k Kind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	case KindAuthentication:
		return "authentication"
	case KindStateConflict:
		return "state_conflict"
	default:
		return "transient"
	}
}

type classified interface {
	Kind() Kind
}

// Classify walks the error chain and returns the first explicit kind found.
// Errors carrying no classification are transient.
func Classify(err error) Kind {
	if err == nil {
		return KindTransient
	}
	var c classified
	if errors.As(err, &c) {
		return c.Kind()
	}
	return KindTransient
}

// Retryable reports whether spending another attempt on err can help.
func Retryable(err error) bool {
	return err != nil && Classify(err) == KindTransient
}

// ProviderError is a failed call to an external collaborator.
type ProviderError struct {
	Provider string
	Context  string
	Status   int // 0 when no HTTP response was received
	Body     string
	Err      error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s failed", e.Provider, e.Context)
	if e.Status != 0 {
		msg += fmt.Sprintf(": status %d", e.Status)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Kind maps the HTTP status onto the taxonomy.
func (e *ProviderError) Kind() Kind {
	switch {
	case e.Status == 0,
		e.Status == http.StatusRequestTimeout,
		e.Status == http.StatusTooManyRequests,
		e.Status >= http.StatusInternalServerError:
		return KindTransient
	case e.Status == http.StatusUnauthorized, e.Status == http.StatusForbidden:
		return KindAuthentication
	default:
		return KindPermanent
	}
}

// ValidationError reports malformed input. It never benefits from a retry.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field == "" {
		if e.Reason == "" {
			return "validation failed"
		}
		return e.Reason
	}
	if e.Reason == "" {
		return e.Field + ": invalid"
	}
	return e.Field + ": " + e.Reason
}

func (e *ValidationError) Kind() Kind { return KindPermanent }

// Invalid is shorthand for a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
func (e *permanentError) Kind() Kind    { return KindPermanent }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
