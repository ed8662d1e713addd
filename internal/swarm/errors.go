package swarm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// ErrQueueClosed is returned by queue operations after Close.
var ErrQueueClosed = errors.New("target queue closed")

// ErrorKind classifies failures for retry and reporting.
type ErrorKind string

// Error taxonomy.
const (
	KindValidation       ErrorKind = "validation"
	KindTimeout          ErrorKind = "timeout"
	KindTransientNetwork ErrorKind = "transient-network"
	KindFatalStrategy    ErrorKind = "fatal-strategy"
	KindWorkerCrash      ErrorKind = "worker-crash"
)

// Retryable reports whether the worker may retry an error of this kind.
func (k ErrorKind) Retryable() bool {
	return k == KindTimeout || k == KindTransientNetwork
}

// KindError attaches an explicit ErrorKind to an error.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error {
	return e.Err
}

func withKind(kind ErrorKind, err error) error {
	if err == nil {
		err = errors.New(string(kind))
	}
	return &KindError{Kind: kind, Err: err}
}

// Invalid marks err as a validation failure.
func Invalid(err error) error { return withKind(KindValidation, err) }

// Timeout marks err as a deadline failure.
func Timeout(err error) error { return withKind(KindTimeout, err) }

// Transient marks err as a retryable network failure.
func Transient(err error) error { return withKind(KindTransientNetwork, err) }

// Fatal marks err as a non-retryable strategy failure.
func Fatal(err error) error { return withKind(KindFatalStrategy, err) }

// Classify maps an arbitrary strategy error onto the taxonomy. Unknown errors
// are fatal so programming mistakes surface instead of being retried.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var kindErr *KindError
	if errors.As(err, &kindErr) {
		return kindErr.Kind
	}
	var crash *CrashError
	if errors.As(err, &crash) {
		return KindWorkerCrash
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindTransientNetwork
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return KindTransientNetwork
	}
	return KindFatalStrategy
}

// Describe builds the descriptor attached to failed outcomes.
func Describe(err error) *ErrorDescriptor {
	if err == nil {
		return nil
	}
	return &ErrorDescriptor{Kind: Classify(err), Message: err.Error()}
}

// CrashError reports that a worker's execution loop terminated unexpectedly.
// Target is the in-flight target, if any, which must be requeued.
type CrashError struct {
	WorkerID string
	Target   *Target
	Cause    error
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("worker %s crashed: %v", e.WorkerID, e.Cause)
}

func (e *CrashError) Unwrap() error {
	return e.Cause
}
