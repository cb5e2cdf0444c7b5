package execution

import (
	"fmt"
	"strings"

	"conduit/core/command"
	"conduit/core/stream"
)

// ExitStatusFunc reports whether a non-zero terminal status counts as success.
type ExitStatusFunc func(status int) bool

// AllowStatuses accepts exactly the given statuses.
func AllowStatuses(statuses ...int) ExitStatusFunc {
	set := make(map[int]struct{}, len(statuses))
	for _, s := range statuses {
		set[s] = struct{}{}
	}
	return func(status int) bool {
		_, ok := set[status]
		return ok
	}
}

// AllowRange accepts every status in [lo, hi].
func AllowRange(lo, hi int) ExitStatusFunc {
	return func(status int) bool {
		return status >= lo && status <= hi
	}
}

// AllowAny accepts a status when any of fns accepts it.
func AllowAny(fns ...ExitStatusFunc) ExitStatusFunc {
	return func(status int) bool {
		for _, fn := range fns {
			if fn != nil && fn(status) {
				return true
			}
		}
		return false
	}
}

// ExitError is returned when the terminal stage exits with a status that is
// neither zero nor allowed.
type ExitError struct {
	Commands   command.Pipeline
	ExitStatus int
	// Stdout and Stderr hold the captured output; nil when the stream was
	// discarded or handed to an external writer.
	Stdout []byte
	Stderr []byte
	// Result is the complete outcome of the failed call.
	Result *ExecutionResult

	stderrKind stream.OutputKind
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command %s exited with status %d: %s",
		e.Commands.String(), e.ExitStatus, ErrorExcerpt(e.stderrKind, e.Stderr))
}

// ErrorExcerpt summarises error output for a failure message.
func ErrorExcerpt(kind stream.OutputKind, stderr []byte) string {
	switch kind {
	case stream.OutputWriter:
		return "(error output streamed away)"
	case stream.OutputDiscard:
		return "(error output discarded)"
	}
	if len(stderr) == 0 {
		return "(no error output)"
	}
	first, rest, more := strings.Cut(string(stderr), "\n")
	if more && rest != "" {
		return first + " (...)"
	}
	return first
}

// classify decides success for res and returns the failure, if any.
func classify(res *ExecutionResult, allowed ExitStatusFunc, stderrKind stream.OutputKind) error {
	switch {
	case res.ExitStatus == 0:
		res.Success = true
	case allowed != nil && allowed(res.ExitStatus):
		res.Success = true
		res.AllowedExit = true
	}
	if res.Success {
		return nil
	}
	return &ExitError{
		Commands:   res.Commands,
		ExitStatus: res.ExitStatus,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		Result:     res,
		stderrKind: stderrKind,
	}
}
