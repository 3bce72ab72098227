package mapdl

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gomapdl/mapdl/internal/config"
	"github.com/gomapdl/mapdl/internal/history"
	"github.com/gomapdl/mapdl/internal/protocol"
	"github.com/gomapdl/mapdl/internal/transport"
)

// expectStep is one scripted answer from the fake solver's stream.
type expectStep struct {
	idx     int
	before  string
	matched string
	err     error
}

type fakeStream struct {
	mu     sync.Mutex
	sent   []string
	steps  []expectStep
	onSend func(line string)
	alive  bool
	closed bool
}

func newFakeStream(steps ...expectStep) *fakeStream {
	return &fakeStream{steps: steps, alive: true}
}

func (f *fakeStream) Send(line string) error {
	f.mu.Lock()
	onSend := f.onSend
	if f.closed {
		f.mu.Unlock()
		return transport.ErrClosed
	}
	f.sent = append(f.sent, line)
	f.mu.Unlock()
	if onSend != nil {
		onSend(line)
	}
	return nil
}

func (f *fakeStream) Expect(patterns []*regexp.Regexp, timeout time.Duration) (int, string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.steps) == 0 {
		return -1, "", "", transport.ErrExpectTimeout
	}
	step := f.steps[0]
	f.steps = f.steps[1:]
	return step.idx, step.before, step.matched, step.err
}

func (f *fakeStream) sentLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeStream) IsAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.alive = false
	return nil
}

func (f *fakeStream) Kill() error {
	return f.Close()
}

func newStreamSession(t *testing.T, fake *fakeStream) *Session {
	t.Helper()
	return &Session{
		logger:       zaptest.NewLogger(t),
		jobname:      "file",
		dir:          t.TempDir(),
		autoContinue: true,
		transformers: defaultTransformers(),
		stream:       fake,
		backend:      fake,
	}
}

// promptIndex resolves the classifier index whose pattern matches sample,
// so the fakes stay honest about the real pattern table.
func promptIndex(t *testing.T, sample string) int {
	t.Helper()
	for i, p := range protocol.Prompts() {
		if p.MatchString(sample) {
			return i
		}
	}
	t.Fatalf("no prompt pattern matches %q", sample)
	return -1
}

func readyStep(t *testing.T, before string) expectStep {
	return expectStep{idx: promptIndex(t, "BEGIN:"), before: before, matched: "BEGIN:"}
}

func TestNewFailsOnExistingLockFile(t *testing.T) {
	dir := t.TempDir()
	execPath := filepath.Join(dir, "solver")
	require.NoError(t, os.WriteFile(execPath, []byte("#!/bin/sh\n"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.lock"), nil, 0644))

	spawned := 0
	restore := startStream
	startStream = func(cfg transport.Config) (streamBackend, error) {
		spawned++
		return newFakeStream(), nil
	}
	defer func() { startStream = restore }()

	_, err := New(WithExec(execPath), WithRunLocation(dir))
	require.ErrorIs(t, err, ErrLocked)
	assert.Zero(t, spawned, "lock check must run before anything is spawned")
}

func TestNewWithLockOverrideRemovesLockFile(t *testing.T) {
	dir := t.TempDir()
	execPath := filepath.Join(dir, "solver")
	require.NoError(t, os.WriteFile(execPath, []byte("#!/bin/sh\n"), 0755))
	lockPath := filepath.Join(dir, "file.lock")
	require.NoError(t, os.WriteFile(lockPath, nil, 0644))

	fake := newFakeStream()
	restore := startStream
	startStream = func(cfg transport.Config) (streamBackend, error) {
		assert.Equal(t, execPath, cfg.Exec)
		assert.Equal(t, dir, cfg.Dir)
		return fake, nil
	}
	defer func() { startStream = restore }()

	s, err := New(WithExec(execPath), WithRunLocation(dir), WithLockOverride(),
		WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	defer s.Kill()

	assert.NoFileExists(t, lockPath)
	assert.Equal(t, "file", s.Jobname())
	assert.Equal(t, dir, s.RunLocation())
	assert.True(t, s.IsAlive())
}

func TestServerModeRejectsOldEngineRelease(t *testing.T) {
	dir := t.TempDir()
	execPath := filepath.Join(dir, "solver")
	require.NoError(t, os.WriteFile(execPath, []byte("#!/bin/sh\n"), 0755))
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, config.Save(cfgPath, &config.Config{ExecPath: execPath, Version: "16.2.0"}))

	spawned := 0
	restore := startRemote
	startRemote = func(cfg transport.Config) (remoteBackend, error) {
		spawned++
		return newFakeRemote(), nil
	}
	defer func() { startRemote = restore }()

	_, err := New(WithExec(execPath), WithConfigPath(cfgPath), WithRunLocation(dir), WithServerMode())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server mode")
	assert.Zero(t, spawned)
}

func TestServerModeAcceptsCapableEngineRelease(t *testing.T) {
	dir := t.TempDir()
	execPath := filepath.Join(dir, "solver")
	require.NoError(t, os.WriteFile(execPath, []byte("#!/bin/sh\n"), 0755))
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, config.Save(cfgPath, &config.Config{ExecPath: execPath, Version: "21.2.0"}))

	fake := newFakeRemote()
	restore := startRemote
	startRemote = func(cfg transport.Config) (remoteBackend, error) { return fake, nil }
	defer func() { startRemote = restore }()

	s, err := New(WithExec(execPath), WithConfigPath(cfgPath), WithRunLocation(dir), WithServerMode())
	require.NoError(t, err)
	defer s.Kill()
	assert.True(t, s.IsAlive())
}

func TestExitFinishesSolverAndReleasesLock(t *testing.T) {
	fake := newFakeStream()
	s := newStreamSession(t, fake)
	lockPath := filepath.Join(s.dir, "file.lock")
	require.NoError(t, os.WriteFile(lockPath, nil, 0644))

	require.NoError(t, s.Exit())
	assert.Equal(t, []string{"FINISH", "EXIT"}, fake.sentLines())
	assert.True(t, fake.closed)
	assert.NoFileExists(t, lockPath)

	// a second shutdown is a no-op
	require.NoError(t, s.Exit())
	assert.Len(t, fake.sentLines(), 2)

	_, err := s.Run("K,1")
	assert.ErrorIs(t, err, ErrTerminated)
}

func TestKillSkipsGracefulFinish(t *testing.T) {
	fake := newFakeStream()
	s := newStreamSession(t, fake)

	require.NoError(t, s.Kill())
	assert.Empty(t, fake.sentLines())
	assert.False(t, s.IsAlive())
	require.NoError(t, s.Kill())
}

func TestCommandLogRecordsDispatchedCommands(t *testing.T) {
	fake := newFakeStream(readyStep(t, "ok"), readyStep(t, "ok"))
	s := newStreamSession(t, fake)
	logPath := filepath.Join(s.dir, "commands.log")
	require.NoError(t, s.OpenCommandLog(logPath, true))

	_, err := s.Run("/PREP7")
	require.NoError(t, err)
	_, err = s.Run("K,1,0,0,0")
	require.NoError(t, err)

	raw, err := os.ReadFile(logPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "! command log started by gomapdl "+Version, lines[0])
	assert.Equal(t, "/PREP7", lines[1])
	assert.Equal(t, "K,1,0,0,0", lines[2])
}

func TestHistoryRecordsCommandOutcomes(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	config.ResetPaths()
	t.Cleanup(config.ResetPaths)

	errorPrompt := "SHOULD INPUT PROCESSING BE SUSPENDED?"
	fake := newFakeStream(
		readyStep(t, " KEYPOINT      1\n"),
		expectStep{idx: promptIndex(t, errorPrompt), before: "UNDEFINED\n", matched: errorPrompt},
	)
	s := newStreamSession(t, fake)
	manager, err := history.NewHistoryManager(filepath.Join(s.dir, "history.db"))
	require.NoError(t, err)
	s.history = manager

	_, err = s.Run("K,1,0,0,0")
	require.NoError(t, err)
	_, err = s.Run("L,1,99")
	require.Error(t, err)

	records, err := s.History(10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "K,1,0,0,0", records[0].Command)
	assert.True(t, records[0].Succeeded)
	assert.Equal(t, "L,1,99", records[1].Command)
	assert.False(t, records[1].Succeeded)
}

func TestHistoryWithoutStoreIsEmpty(t *testing.T) {
	s := newStreamSession(t, newFakeStream())
	records, err := s.History(10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestCommandLogAppendKeepsExistingContent(t *testing.T) {
	fake := newFakeStream(readyStep(t, "ok"))
	s := newStreamSession(t, fake)
	logPath := filepath.Join(s.dir, "commands.log")
	require.NoError(t, os.WriteFile(logPath, []byte("FINISH\n"), 0644))

	require.NoError(t, s.OpenCommandLog(logPath, false))
	_, err := s.Run("/PREP7")
	require.NoError(t, err)

	raw, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, "FINISH\n/PREP7\n", string(raw))
}
