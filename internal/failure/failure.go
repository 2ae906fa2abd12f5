// Package failure defines the error kinds a run can end with.
//
// Workers decide what to report by looking at the Kind of the error returned
// from execution, never by inspecting messages or concrete types of user errors.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

type Kind int

const (
	KindUnknown Kind = iota
	// KindUserFailure is a step failure already reported by the step layer.
	KindUserFailure
	// KindResolutionFailure means the pipeline definition could not be built.
	KindResolutionFailure
	// KindCancelled is the expected outcome of a terminate request.
	KindCancelled
	// KindCrashed covers framework errors and processes which died unexpectedly.
	KindCrashed
)

func (k Kind) String() string {
	switch k {
	case KindUserFailure:
		return "user_failure"
	case KindResolutionFailure:
		return "resolution_failure"
	case KindCancelled:
		return "cancelled"
	case KindCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Error is an error tagged with a Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags err with kind. Returns nil for nil err.
func Wrap(kind Kind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Err == nil:
		return e.Kind.String()
	case e.Msg == "":
		return e.Err.Error()
	case e.Err == nil:
		return e.Msg
	default:
		return e.Msg + ": " + e.Err.Error()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// SubprocessError aggregates the failures of steps executed in their own
// processes.
type SubprocessError struct {
	Causes []*Error
}

func (e *SubprocessError) Error() string {
	msgs := make([]string, 0, len(e.Causes))
	for _, c := range e.Causes {
		msgs = append(msgs, c.Error())
	}
	return fmt.Sprintf("%d step(s) did not complete: %s", len(e.Causes), strings.Join(msgs, "; "))
}

func (e *SubprocessError) Unwrap() []error {
	ret := make([]error, 0, len(e.Causes))
	for _, c := range e.Causes {
		ret = append(ret, c)
	}
	return ret
}

// AllCancelled reports whether every cause is a cancellation. An empty
// aggregate is not considered cancelled.
func (e *SubprocessError) AllCancelled() bool {
	if len(e.Causes) == 0 {
		return false
	}
	for _, c := range e.Causes {
		if c.Kind != KindCancelled {
			return false
		}
	}
	return true
}

// Kind is KindCancelled if all causes are cancellations, KindCrashed otherwise.
func (e *SubprocessError) Kind() Kind {
	if e.AllCancelled() {
		return KindCancelled
	}
	return KindCrashed
}

// KindOf classifies err. Aggregated errors take precedence over a single
// tagged error, errors without any tag are KindCrashed.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var sub *SubprocessError
	if errors.As(err, &sub) {
		return sub.Kind()
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindCrashed
}
