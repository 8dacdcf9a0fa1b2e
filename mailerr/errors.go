// Package mailerr defines the failure taxonomy shared by the transport,
// folder, envelope and credential packages. Callers use errors.Is against the
// sentinels below and Retryable to tell "try again later" apart from
// "this will never succeed as given".
package mailerr

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransient marks a transport failure that is expected to clear on its
	// own, such as a folder open racing with the remote store.
	ErrTransient = errors.New("transient transport failure")

	// ErrFatalTransport marks a transport failure that cannot be recovered by
	// reopening a folder, such as a lost connection.
	ErrFatalTransport = errors.New("fatal transport failure")

	// ErrNotFound is returned when a message id resolves to no message.
	ErrNotFound = errors.New("message not found")

	// ErrAmbiguousID is returned when a message id resolves to more than one
	// message. The store is expected to keep ids unique.
	ErrAmbiguousID = errors.New("message id is not unique")

	// ErrCancelled is returned when a blocking operation observed cancellation.
	ErrCancelled = errors.New("operation cancelled")

	// ErrEnvelopeMalformed is returned when a signed envelope cannot be parsed
	// or lacks its signature block. No cryptographic check was attempted.
	ErrEnvelopeMalformed = errors.New("signed envelope malformed")

	// ErrSignatureInvalid is returned when the cryptographic check ran and
	// failed.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrCredentialUnavailable is returned when a private key or trust anchor
	// could not be loaded from the credential source.
	ErrCredentialUnavailable = errors.New("credential unavailable")
)

// TransportError describes a failed store operation.
type TransportError struct {
	Op        string
	Folder    string
	Temporary bool
	Err       error
}

func (e *TransportError) Error() string {
	kind := "fatal"
	if e.Temporary {
		kind = "transient"
	}
	if e.Folder != "" {
		return fmt.Sprintf("%s %s (%s): %v", e.Op, e.Folder, kind, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is matches ErrTransient or ErrFatalTransport depending on Temporary.
func (e *TransportError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Temporary
	case ErrFatalTransport:
		return !e.Temporary
	}
	return false
}

// Transient wraps err as a retryable transport failure.
func Transient(op, folder string, err error) error {
	return &TransportError{Op: op, Folder: folder, Temporary: true, Err: err}
}

// Fatal wraps err as a non-retryable transport failure.
func Fatal(op, folder string, err error) error {
	return &TransportError{Op: op, Folder: folder, Err: err}
}

// Cancelled wraps the context error so that it matches both ErrCancelled and
// the original context sentinel.
func Cancelled(ctx context.Context, what string) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	return fmt.Errorf("%s: %w: %w", what, ErrCancelled, cause)
}

// Retryable reports whether err is worth retrying later without changing the
// request. Identity, envelope, signature and credential failures never are.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCancelled) {
		return false
	}
	return errors.Is(err, ErrTransient)
}
