package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func firstMatch(t *testing.T, text string) int {
	t.Helper()
	for i, pattern := range Prompts() {
		if pattern.MatchString(text) {
			return i
		}
	}
	t.Fatalf("no prompt pattern matched %q", text)
	return -1
}

func TestRoutinePromptsClassifyAsReady(t *testing.T) {
	prompts := []string{
		"BEGIN:",
		"PREP7:",
		"SOLU_LS1:",
		"SOLU_LS14:",
		"POST1:",
		"POST26:",
		"RUNSTAT:",
		"AUX2:",
		"AUX3:",
		"AUX12:",
		"AUX15:",
	}

	for _, prompt := range prompts {
		idx := firstMatch(t, prompt)
		assert.Equal(t, Ready, KindOf(idx), "prompt %q", prompt)
	}
}

func TestContinuePrompt(t *testing.T) {
	idx := firstMatch(t, " SHOULD THE RUN BE PAUSED (YES,NO OR CONTINUOUS)=")
	assert.Equal(t, Continue, KindOf(idx))
}

func TestWarningPrompt(t *testing.T) {
	idx := firstMatch(t, " SHOULD IT STILL BE executed?")
	assert.Equal(t, Warning, KindOf(idx))
}

func TestErrorPrompt(t *testing.T) {
	idx := firstMatch(t, " SHOULD INPUT PROCESSING BE SUSPENDED?")
	assert.Equal(t, EngineError, KindOf(idx))
}

func TestInputPrompt(t *testing.T) {
	idx := firstMatch(t, " ENTER FORMAT for data beyond this point")
	assert.Equal(t, InputPrompt, KindOf(idx))
}

func TestKindOfBoundaries(t *testing.T) {
	require.Equal(t, Ready, KindOf(0))
	require.Equal(t, Ready, KindOf(9))
	require.Equal(t, Continue, KindOf(10))
	require.Equal(t, Warning, KindOf(11))
	require.Equal(t, EngineError, KindOf(12))
	require.Equal(t, InputPrompt, KindOf(13))

	// Patterns appended past the end of the list keep the topmost kind.
	assert.Equal(t, InputPrompt, KindOf(14))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "input prompt", InputPrompt.String())
	assert.Equal(t, "unknown", Kind(99).String())
}

func TestStartupPrompts(t *testing.T) {
	patterns := StartupPrompts()
	require.Len(t, patterns, 2)
	assert.True(t, patterns[0].MatchString("  ***** MAPDL SOLUTION ROUTINE *****\n BEGIN:"))
	assert.True(t, patterns[1].MatchString(" PRESS <CR> OR <ENTER> TO CONTINUE"))
}

func TestHasError(t *testing.T) {
	assert.True(t, HasError("\n *** ERROR ***\n Element type 99 is not defined."))
	assert.False(t, HasError("\n *** WARNING ***\n something mild"))
}

func TestWasIgnored(t *testing.T) {
	response := "\n *** WARNING ***\n K is not a recognized BEGIN command, abbreviation, or macro.\n This command will be ignored.\n"
	assert.True(t, WasIgnored(response))
	assert.False(t, WasIgnored("ordinary output with no warnings"))
}

func TestIsUnrecognized(t *testing.T) {
	assert.True(t, IsUnrecognized(" XYZZY is not a recognized POST1 command"))
	assert.False(t, IsUnrecognized("LIST ALL SELECTED KEYPOINTS"))
}
