// Package errors classifies deletion-engine failures into the three kinds
// that drive retry behavior: not-found (terminal success), retryable
// (transient), and fatal (structural).
package errors

import (
	"errors"
	"fmt"
)

// Kind identifies which retry behavior an error triggers.
type Kind string

const (
	KindNotFound  Kind = "not_found"
	KindRetryable Kind = "retryable"
	KindFatal     Kind = "fatal"
)

// DriverError is a tagged error returned by a driver operation. Any error
// that is not explicitly NotFound or Retryable is treated as Fatal.
type DriverError struct {
	Kind      Kind
	Operation string
	VMID      string
	Err       error
}

func (e *DriverError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s[%s vmid=%s]: %v", e.Kind, e.Operation, e.VMID, e.Err)
	}
	return fmt.Sprintf("%s[%s vmid=%s]", e.Kind, e.Operation, e.VMID)
}

func (e *DriverError) Unwrap() error {
	return e.Err
}

// NotFound wraps err as a terminal-success classification: the VM is gone.
func NotFound(operation, vmid string, err error) *DriverError {
	return &DriverError{Kind: KindNotFound, Operation: operation, VMID: vmid, Err: err}
}

// Retryable wraps err as a transient failure: the caller should reschedule
// in the same group and bump its retry counter.
func Retryable(operation, vmid string, err error) *DriverError {
	return &DriverError{Kind: KindRetryable, Operation: operation, VMID: vmid, Err: err}
}

// Fatal wraps err as a structural failure: the caller should reschedule with
// a longer backoff and bump both its fatal and total retry counters.
func Fatal(operation, vmid string, err error) *DriverError {
	return &DriverError{Kind: KindFatal, Operation: operation, VMID: vmid, Err: err}
}

// Classify extracts the Kind from err, treating anything that isn't a
// *DriverError, or is a *DriverError without an explicit NotFound/Retryable
// tag, as Fatal.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var de *DriverError
	if errors.As(err, &de) && (de.Kind == KindNotFound || de.Kind == KindRetryable) {
		return de.Kind
	}
	return KindFatal
}

// IsNotFound reports whether err should be treated as terminal success.
func IsNotFound(err error) bool {
	return Classify(err) == KindNotFound
}

// IsRetryable reports whether err should be treated as transient.
func IsRetryable(err error) bool {
	return Classify(err) == KindRetryable
}

// IsFatal reports whether err should be treated as structural. This is the
// default for any unclassified error, matching the "everything else is
// fatal" rule of the retry taxonomy.
func IsFatal(err error) bool {
	return err != nil && Classify(err) == KindFatal
}
