// Package errors provides the categorized error taxonomy shared by the reduction stages.
//
// Every failure surfaced by a stage carries a Category so the orchestrator can decide
// whether it aborts the run (configuration), the file (input, io) or a single frame
// measurement (fit convergence).
package errors

import (
	stderrors "errors"
	"fmt"
)

// Category groups errors by how far their effect propagates.
type Category string

const (
	CategoryConfiguration  Category = "configuration"
	CategoryInput          Category = "input"
	CategoryFitConvergence Category = "fit-convergence"
	CategoryIO             Category = "io"
	CategoryCancelled      Category = "cancelled"
)

// Error wraps an underlying error with a category and the operation that produced it.
type Error struct {
	Category Category
	Op       string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := "<nil>"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s error: %s", e.Category, msg)
	}
	return fmt.Sprintf("%s error: %s: %s", e.Category, e.Op, msg)
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by category, so errors.Is(err, ErrInput) works
// for any input error regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if stderrors.As(target, &t) {
		return t.Err == nil && t.Category == e.Category
	}
	return false
}

// Sentinels usable with Is.
var (
	ErrConfiguration  = &Error{Category: CategoryConfiguration}
	ErrInput          = &Error{Category: CategoryInput}
	ErrFitConvergence = &Error{Category: CategoryFitConvergence}
	ErrIO             = &Error{Category: CategoryIO}
	ErrCancelled      = &Error{Category: CategoryCancelled}
)

// Configf builds a configuration error.
func Configf(format string, args ...any) error {
	return &Error{Category: CategoryConfiguration, Err: fmt.Errorf(format, args...)}
}

// Inputf builds an input error for the named operation.
func Inputf(op, format string, args ...any) error {
	return &Error{Category: CategoryInput, Op: op, Err: fmt.Errorf(format, args...)}
}

// FitConvergence builds a fit convergence error for the named model.
func FitConvergence(model string, err error) error {
	return &Error{Category: CategoryFitConvergence, Op: model, Err: err}
}

// IO wraps a filesystem or container failure. A nil err yields nil.
func IO(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) && e.Category == CategoryIO {
		return err
	}
	return &Error{Category: CategoryIO, Op: op, Err: err}
}

// Cancelled wraps a context error.
func Cancelled(op string, err error) error {
	return &Error{Category: CategoryCancelled, Op: op, Err: err}
}

// CategoryOf returns the category of the first categorized error in the chain,
// or the empty string.
func CategoryOf(err error) Category {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Category
	}
	return ""
}

func IsConfiguration(err error) bool  { return stderrors.Is(err, ErrConfiguration) }
func IsInput(err error) bool          { return stderrors.Is(err, ErrInput) }
func IsFitConvergence(err error) bool { return stderrors.Is(err, ErrFitConvergence) }
func IsIO(err error) bool             { return stderrors.Is(err, ErrIO) }
func IsCancelled(err error) bool      { return stderrors.Is(err, ErrCancelled) }

// Re-exports so callers need a single import.
var (
	Is     = stderrors.Is
	As     = stderrors.As
	New    = stderrors.New
	Unwrap = stderrors.Unwrap
	Join   = stderrors.Join
)
