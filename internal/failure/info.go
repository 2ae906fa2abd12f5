package failure

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

const maxFrames = 32

// Info is the serializable form of an error stored with events.
type Info struct {
	Message string   `json:"message"`
	Kind    string   `json:"kind"`
	Stack   []string `json:"stack"`
	Cause   *Info    `json:"cause,omitempty"`
}

// InfoFromError converts err into Info. Go errors carry no stack, so the
// frames are those of the caller which captured the error.
func InfoFromError(err error) Info {
	if err == nil {
		return Info{}
	}
	info := Info{
		Message: err.Error(),
		Kind:    KindOf(err).String(),
		Stack:   callers(3),
	}
	if cause := errors.Unwrap(err); cause != nil {
		c := Info{
			Message: cause.Error(),
			Kind:    KindOf(cause).String(),
		}
		info.Cause = &c
	}
	return info
}

// String returns message followed by the stack trace.
func (i Info) String() string {
	var sb strings.Builder
	sb.WriteString(i.Message)
	if len(i.Stack) > 0 {
		sb.WriteString("\nStack Trace:\n")
		sb.WriteString(strings.Join(i.Stack, "\n"))
	}
	return sb.String()
}

func callers(skip int) []string {
	pcs := make([]uintptr, maxFrames)
	n := runtime.Callers(skip, pcs)
	if n == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs[:n])
	stack := make([]string, 0, n)
	for {
		frame, more := frames.Next()
		stack = append(stack, fmt.Sprintf("%s\n\t%s:%d", frame.Function, frame.File, frame.Line))
		if !more {
			break
		}
	}
	return stack
}
