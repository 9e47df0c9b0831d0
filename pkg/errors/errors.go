// Package errors provides the one typed wrapper the rest of this
// module uses to distinguish a run-aborting failure from one a
// component already absorbed: FatalError. Every other error returned
// by a component is a plain wrapped error (fmt.Errorf with %w) checked
// with the standard errors.Is/errors.As, exactly as the rest of this
// codebase already does; this package does not replace that, it only
// names the one category that must propagate all the way out of a
// Supervisor run.
package errors

import (
	stderrors "errors"
	"fmt"
)

// FatalError marks an error that must abort the current run: lock
// contention, a missing Machine row with no --init, a missing antnode
// binary, a Store that can't be reached, or an attempt to change an
// immutable field post-init. A Supervisor run never needs to recover
// from one of these; it unwinds, releases its lock, and exits non-zero.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal wraps err as a FatalError. Wrapping a nil error returns nil, so
// callers can write `return errors.Fatal(someCall())` unconditionally.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*FatalError); ok {
		return err
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err (or anything it wraps) is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return stderrors.As(err, &fe)
}
