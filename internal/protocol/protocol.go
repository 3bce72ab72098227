package protocol

import (
	"regexp"
	"strings"
)

// Kind classifies what the solver is asking for after printing output.
type Kind int

const (
	// Ready means the solver printed a routine prompt and accepts the next
	// command.
	Ready Kind = iota
	// Continue means the solver paused mid-output and wants an
	// acknowledgement before printing more.
	Continue
	// Warning means the solver asked whether a flagged command should still
	// be executed.
	Warning
	// EngineError means the solver hit an error and asked whether input
	// processing should be suspended.
	EngineError
	// InputPrompt means the solver wants data only the caller can provide.
	InputPrompt
)

func (k Kind) String() string {
	switch k {
	case Ready:
		return "ready"
	case Continue:
		return "continue"
	case Warning:
		return "warning"
	case EngineError:
		return "error"
	case InputPrompt:
		return "input prompt"
	}
	return "unknown"
}

// Prompt patterns in priority order. Classification works on the index of
// the matched pattern: indexes below continueBoundary are routine prompts,
// then the continue, warning and error ranges follow, with caller-input
// prompts at the top. The boundaries are half-open, so inserting a pattern
// inside a range keeps its classification.
var promptExprs = []string{
	`BEGIN:`,
	`PREP7:`,
	`SOLU_LS[0-9]+:`,
	`POST1:`,
	`POST26:`,
	`RUNSTAT:`,
	`AUX2:`,
	`AUX3:`,
	`AUX12:`,
	`AUX15:`,
	`YES,NO OR CONTINUOUS\)=`,
	`executed\?`,
	`SHOULD INPUT PROCESSING BE SUSPENDED\?`,
	`ENTER FORMAT for`,
}

const (
	continueBoundary = 10
	warningBoundary  = 11
	errorBoundary    = 12
	inputBoundary    = 13
)

var promptPatterns = compileAll(promptExprs)

// startupExprs covers the first thing a freshly spawned solver prints:
// either the begin-level prompt, or a paused banner that wants an empty
// line before the prompt appears.
var startupExprs = []string{
	`BEGIN:`,
	`CONTINUE`,
}

var startupPatterns = compileAll(startupExprs)

func compileAll(exprs []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, len(exprs))
	for i, expr := range exprs {
		compiled[i] = regexp.MustCompile(expr)
	}
	return compiled
}

// Prompts returns the prompt patterns in priority order. The slice is
// shared; callers must not modify it.
func Prompts() []*regexp.Regexp {
	return promptPatterns
}

// StartupPrompts returns the patterns to wait for right after spawning the
// solver. Index 0 is the begin prompt, index 1 the paused banner.
func StartupPrompts() []*regexp.Regexp {
	return startupPatterns
}

// KindOf maps a matched prompt index from Prompts to its Kind.
func KindOf(index int) Kind {
	switch {
	case index >= inputBoundary:
		return InputPrompt
	case index >= errorBoundary:
		return EngineError
	case index >= warningBoundary:
		return Warning
	case index >= continueBoundary:
		return Continue
	default:
		return Ready
	}
}

const (
	errorMarker        = "*** ERROR ***"
	unrecognizedMarker = "is not a recognized"
)

var ignoredPattern = regexp.MustCompile(`WARNING[\s\S]+command[\s\S]+ignored`)

// HasError reports whether the response contains an inline solver error
// block.
func HasError(response string) bool {
	return strings.Contains(response, errorMarker)
}

// WasIgnored reports whether the solver discarded the command with an
// ignored-command warning.
func WasIgnored(response string) bool {
	return ignoredPattern.MatchString(response)
}

// IsUnrecognized reports whether the solver rejected the command as
// unknown.
func IsUnrecognized(response string) bool {
	return strings.Contains(response, unrecognizedMarker)
}
