package mapdl

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultPathUsesInquiredName(t *testing.T) {
	fake := newFakeStream(readyStep(t, " RSTFILE=  bracket\n"))
	s := newStreamSession(t, fake)
	rst := filepath.Join(s.dir, "bracket.rst")
	require.NoError(t, os.WriteFile(rst, []byte("binary"), 0644))

	path, err := s.ResultPath()
	require.NoError(t, err)
	assert.Equal(t, rst, path)
}

func TestResultPathFallsBackToJobname(t *testing.T) {
	// the solver gives no usable answer, the jobname wins
	fake := newFakeStream(readyStep(t, " NO VALUE HERE\n"))
	s := newStreamSession(t, fake)
	rst := filepath.Join(s.dir, "file.rst")
	require.NoError(t, os.WriteFile(rst, []byte("binary"), 0644))

	path, err := s.ResultPath()
	require.NoError(t, err)
	assert.Equal(t, rst, path)
}

func TestResultPathMissingFileFails(t *testing.T) {
	fake := newFakeStream(readyStep(t, " NO VALUE HERE\n"))
	s := newStreamSession(t, fake)

	_, err := s.ResultPath()
	require.Error(t, err)
}

func TestResultWithoutReaderFails(t *testing.T) {
	s := newStreamSession(t, newFakeStream())

	_, err := s.Result()
	assert.ErrorIs(t, err, ErrNoResultReader)
}

func TestResultHandsPathToReader(t *testing.T) {
	fake := newFakeStream(readyStep(t, " RSTFILE=  file\n"))
	s := newStreamSession(t, fake)
	rst := filepath.Join(s.dir, "file.rst")
	require.NoError(t, os.WriteFile(rst, []byte("binary"), 0644))

	var seen string
	s.SetResultReader(func(path string) (any, error) {
		seen = path
		return "decoded", nil
	})

	value, err := s.Result()
	require.NoError(t, err)
	assert.Equal(t, "decoded", value)
	assert.Equal(t, rst, seen)
}

func TestPlotHookFiresOnWrittenImage(t *testing.T) {
	fake := newFakeStream(readyStep(t, " IMAGE SAVED\n WRITTEN TO FILE plot000.png\n"))
	s := newStreamSession(t, fake)
	png := filepath.Join(s.dir, "plot000.png")
	require.NoError(t, os.WriteFile(png, []byte("png"), 0644))

	var seen []string
	s.SetPlotHook(func(path string) { seen = append(seen, path) })

	_, err := s.Run("PLNSOL,U,SUM")
	require.NoError(t, err)
	assert.Equal(t, []string{png}, seen)
}

func TestPlotHookFallsBackToNewestJobnamePlot(t *testing.T) {
	fake := newFakeStream(readyStep(t, " WRITTEN TO FILE gone.png\n"))
	s := newStreamSession(t, fake)
	png := filepath.Join(s.dir, "file000.png")
	require.NoError(t, os.WriteFile(png, []byte("png"), 0644))

	var seen []string
	s.SetPlotHook(func(path string) { seen = append(seen, path) })

	_, err := s.Run("PLNSOL,U,SUM")
	require.NoError(t, err)
	assert.Equal(t, []string{png}, seen)
}

func TestPlotHookIgnoresPlainResponses(t *testing.T) {
	fake := newFakeStream(readyStep(t, " NOTHING PLOTTED\n"))
	s := newStreamSession(t, fake)

	fired := false
	s.SetPlotHook(func(string) { fired = true })

	_, err := s.Run("/PREP7")
	require.NoError(t, err)
	assert.False(t, fired)
}
