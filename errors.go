package mapdl

import (
	"errors"
	"fmt"
)

var (
	// ErrStartupTimeout indicates the solver never reached its ready prompt
	// within the startup timeout.
	ErrStartupTimeout = errors.New("solver startup timed out")

	// ErrTerminated indicates the solver process is no longer alive.
	ErrTerminated = errors.New("solver process terminated")

	// ErrLocked indicates another session appears to own the jobname in the
	// run location.
	ErrLocked = errors.New("jobname is locked")

	// ErrNoResultReader indicates result access was requested without a
	// registered result-file reader.
	ErrNoResultReader = errors.New("no result reader registered")
)

// StartupError reports a failed solver startup together with everything the
// solver printed before the failure.
type StartupError struct {
	Transcript string
	Err        error
}

func (e *StartupError) Error() string {
	if e.Transcript == "" {
		return fmt.Sprintf("solver failed to start: %v", e.Err)
	}
	return fmt.Sprintf("solver failed to start: %v\n%s", e.Err, e.Transcript)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// InvalidCommandError reports a command that is only safe inside a batch
// block and was submitted one-at-a-time.
type InvalidCommandError struct {
	Command string
	Hint    string
}

func (e *InvalidCommandError) Error() string {
	if e.Hint == "" {
		return fmt.Sprintf("%s cannot run interactively", e.Command)
	}
	return fmt.Sprintf("%s cannot run interactively: %s", e.Command, e.Hint)
}

// EngineError reports an error the solver raised while executing a command.
// The session stays usable; only the command failed.
type EngineError struct {
	Response string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("solver error:\n%s", e.Response)
}

// UserInputError reports a prompt that wants data the command-level API
// cannot supply.
type UserInputError struct {
	Response string
}

func (e *UserInputError) Error() string {
	return "solver is waiting for typed input; run the command inside NonInteractive"
}

// IgnoredCommandError reports that the solver discarded or did not
// recognize a command instead of executing it.
type IgnoredCommandError struct {
	Reason   string
	Response string
}

func (e *IgnoredCommandError) Error() string {
	return fmt.Sprintf("%s:\n%s", e.Reason, e.Response)
}

// ParseError reports a malformed line or an out-of-bounds assignment in a
// parameter dump.
type ParseError struct {
	Line   int
	Text   string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("parameter dump line %d: %s", e.Line, e.Reason)
	}
	return fmt.Sprintf("parameter dump line %d: %s (%q)", e.Line, e.Reason, e.Text)
}
