package mapdl

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunParsedExtractsEntityNumbers(t *testing.T) {
	cases := []struct {
		command  string
		response string
		want     int
	}{
		{"K,,0,0,0", " KEYPOINT      5   X,Y,Z=   0.0000       0.0000       0.0000", 5},
		{"L,1,2", " LINE NO.=      3  KP1=      1  KP2=      2", 3},
		{"LARC,1,2,3,1.5", " LINE NO.=      7", 7},
		{"BSPLIN,1,2,3", " LINE NO.=      9", 9},
		{"A,1,2,3,4", " AREA NO.=      2", 2},
		{"AL,1,2,3,4", " AREA NO.=      4", 4},
		{"V,1,2,3,4,5,6,7,8", " VOLUME NO.=      1", 1},
		{"CYL4,0,0,1,,,,2", " CREATE CYLINDRICAL VOLUME\n OUTPUT VOLUME =      2", 2},
		{"N,,1,0,0", " NODE     12   X,Y,Z=   1.0000       0.0000       0.0000", 12},
		{"E,1,2,3,4", " ELEMENT      6", 6},
		{"ET,1,SOLID186", " ELEMENT TYPE      1 IS SOLID186", 1},
	}
	for _, tc := range cases {
		fake := newFakeStream(readyStep(t, tc.response))
		s := newStreamSession(t, fake)

		parsed, err := s.RunParsed(tc.command)
		require.NoError(t, err, "command %q", tc.command)
		assert.Equal(t, tc.want, parsed, "command %q", tc.command)
	}
}

func TestRunParsedFallsBackToText(t *testing.T) {
	fake := newFakeStream(readyStep(t, " SOME PLAIN RESPONSE\n"))
	s := newStreamSession(t, fake)

	parsed, err := s.RunParsed("/PREP7")
	require.NoError(t, err)
	text, ok := parsed.(string)
	require.True(t, ok)
	assert.Contains(t, text, "SOME PLAIN RESPONSE")
}

func TestRunParsedReportsUnparsableResponse(t *testing.T) {
	fake := newFakeStream(readyStep(t, " NOTHING NUMERIC HERE\n"))
	s := newStreamSession(t, fake)

	_, err := s.RunParsed("K,1,0,0,0")
	require.Error(t, err)
}

func TestRegisterTransformerOverridesDefault(t *testing.T) {
	fake := newFakeStream(readyStep(t, " KEYPOINT      5\n"))
	s := newStreamSession(t, fake)
	s.RegisterTransformer("K", func(response string) (any, error) {
		return strings.TrimSpace(response), nil
	})

	parsed, err := s.RunParsed("K,1,0,0,0")
	require.NoError(t, err)
	assert.Equal(t, "KEYPOINT      5", parsed)
}

func TestLeadingToken(t *testing.T) {
	assert.Equal(t, "CYL4", leadingToken("cyl4,0,0,1"))
	assert.Equal(t, "K", leadingToken("K"))
	assert.Equal(t, "L", leadingToken("  l , 1, 2"))
}
