// Package mapdl drives a persistent MAPDL-style finite element solver: it
// launches the solver, submits commands, resolves the solver's prompts, and
// watches its side-channel files.
package mapdl

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/gomapdl/mapdl/internal/broadcast"
	"github.com/gomapdl/mapdl/internal/config"
	"github.com/gomapdl/mapdl/internal/enginepath"
	"github.com/gomapdl/mapdl/internal/history"
	"github.com/gomapdl/mapdl/internal/transport"
)

// Version is stamped into freshly truncated command logs.
const Version = "0.3.0"

// streamBackend is the process-attached transport: prompts are resolved
// here, through the pattern-matching receive primitive.
type streamBackend interface {
	transport.Backend
	Expect(patterns []*regexp.Regexp, timeout time.Duration) (int, string, string, error)
}

// remoteBackend is the server-mode transport: prompts are resolved
// server-side and a command is one merged call.
type remoteBackend interface {
	transport.Backend
	Call(command string) (string, error)
}

// Replaceable for tests.
var (
	startStream = func(cfg transport.Config) (streamBackend, error) { return transport.StartStream(cfg) }
	startRemote = func(cfg transport.Config) (remoteBackend, error) { return transport.StartRemote(cfg) }
)

// Responder supplies the answer to a solver confirmation prompt when
// automatic continuation is off. It receives the prompt text and the
// response accumulated so far.
type Responder func(prompt, response string) (string, error)

// Options configure a session; use the With* helpers.
type Options struct {
	execPath     string
	configPath   string
	runLocation  string
	jobname      string
	procs        int
	switches     []string
	remote       bool
	overrideLock bool
	autoContinue bool
	allowIgnore  bool
	startTimeout time.Duration
	logger       *zap.Logger
	logPath      string
	logTruncate  bool
	historyPath  string
	watchFile    bool
	responder    Responder
}

// Option adjusts session construction.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		jobname:      "file",
		procs:        2,
		autoContinue: true,
		startTimeout: 20 * time.Second,
	}
}

// WithExec sets the solver executable, skipping discovery.
func WithExec(path string) Option {
	return func(o *Options) { o.execPath = path }
}

// WithConfigPath sets where the discovered solver path is cached.
func WithConfigPath(path string) Option {
	return func(o *Options) { o.configPath = path }
}

// WithRunLocation sets the working directory the solver runs in. It is
// created when missing. Defaults to the current directory.
func WithRunLocation(dir string) Option {
	return func(o *Options) { o.runLocation = dir }
}

// WithJobname sets the job identifier the solver names its files after.
func WithJobname(name string) Option {
	return func(o *Options) { o.jobname = name }
}

// WithProcs sets the solver's processor count.
func WithProcs(n int) Option {
	return func(o *Options) { o.procs = n }
}

// WithSwitches appends raw launch switches.
func WithSwitches(switches ...string) Option {
	return func(o *Options) { o.switches = append(o.switches, switches...) }
}

// WithServerMode drives the solver through its out-of-process server
// instead of a pty.
func WithServerMode() Option {
	return func(o *Options) { o.remote = true }
}

// WithLockOverride removes a stale lock file instead of failing.
func WithLockOverride() Option {
	return func(o *Options) { o.overrideLock = true }
}

// WithoutAutoContinue stops the session from answering confirmation
// prompts by itself; pair it with WithResponder.
func WithoutAutoContinue() Option {
	return func(o *Options) { o.autoContinue = false }
}

// WithResponder sets the callback that answers confirmation prompts when
// automatic continuation is off.
func WithResponder(fn Responder) Option {
	return func(o *Options) { o.responder = fn }
}

// TolerateIgnored downgrades ignored-command and unrecognized-command
// failures to warnings.
func TolerateIgnored() Option {
	return func(o *Options) { o.allowIgnore = true }
}

// WithStartTimeout bounds how long startup waits for the first prompt.
func WithStartTimeout(d time.Duration) Option {
	return func(o *Options) { o.startTimeout = d }
}

// WithLogger sets the session logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) { o.logger = logger }
}

// WithCommandLog records every dispatched command to path. Truncating
// starts a fresh log with a version banner; otherwise commands append.
func WithCommandLog(path string, truncate bool) Option {
	return func(o *Options) {
		o.logPath = path
		o.logTruncate = truncate
	}
}

// WithHistory records dispatched commands and their outcomes in the
// database at path.
func WithHistory(path string) Option {
	return func(o *Options) { o.historyPath = path }
}

// WithProgressWatcher tails the solver's broadcast file and logs solve
// progress.
func WithProgressWatcher() Option {
	return func(o *Options) { o.watchFile = true }
}

// Session is a live solver session. One command runs at a time; a Session
// is safe to share across goroutines.
type Session struct {
	logger *zap.Logger

	backend transport.Backend
	stream  streamBackend
	remote  remoteBackend

	jobname string
	dir     string

	monitor *broadcast.Monitor
	history *history.HistoryManager

	mu           sync.Mutex
	autoContinue bool
	allowIgnore  bool
	responder    Responder
	cmdLog       *os.File
	outFile      *os.File
	batching     bool
	queued       []string
	lastResponse string
	transformers map[string]ResponseTransformer
	resultReader ResultReader
	plotHook     func(path string)
	exited       bool
}

// New launches a solver session and blocks until it accepts commands.
func New(opts ...Option) (*Session, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dir := o.runLocation
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving run location: %w", err)
		}
		dir = cwd
	} else if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating run location: %w", err)
	}

	// a stale lock means another session owns the jobname; check before
	// anything is spawned
	if o.jobname != "" {
		lockPath := filepath.Join(dir, o.jobname+".lock")
		if _, err := os.Stat(lockPath); err == nil {
			if !o.overrideLock {
				return nil, fmt.Errorf("%w: %s", ErrLocked, lockPath)
			}
			if err := os.Remove(lockPath); err != nil {
				return nil, fmt.Errorf("removing lock file: %w", err)
			}
			logger.Warn("removed stale lock file", zap.String("path", lockPath))
		}
	}

	if o.execPath == "" && o.configPath == "" {
		o.configPath = config.ConfigFile()
	}
	execPath, err := enginepath.Resolve(o.execPath, o.configPath, logger)
	if err != nil {
		return nil, err
	}
	if o.remote {
		// old releases cannot host the command server; an unknown
		// version is allowed through
		if cached, cfgErr := config.Load(o.configPath); cfgErr == nil && cached.Version != "" {
			if v, verr := semver.NewVersion(cached.Version); verr == nil && !enginepath.ServerCapable(v) {
				return nil, fmt.Errorf("engine release %s cannot host server mode", cached.Version)
			}
		}
	}

	cfg := transport.Config{
		Exec:         execPath,
		Jobname:      o.jobname,
		Procs:        o.procs,
		Switches:     o.switches,
		Dir:          dir,
		StartTimeout: o.startTimeout,
		Logger:       logger,
	}

	s := &Session{
		logger:       logger,
		jobname:      o.jobname,
		dir:          dir,
		autoContinue: o.autoContinue,
		allowIgnore:  o.allowIgnore,
		responder:    o.responder,
		transformers: defaultTransformers(),
	}

	if o.remote {
		remote, err := startRemote(cfg)
		if err != nil {
			return nil, startupError(err)
		}
		s.remote = remote
		s.backend = remote
	} else {
		stream, err := startStream(cfg)
		if err != nil {
			return nil, startupError(err)
		}
		s.stream = stream
		s.backend = stream
	}

	if o.logPath != "" {
		if err := s.OpenCommandLog(o.logPath, o.logTruncate); err != nil {
			s.backend.Kill()
			return nil, err
		}
	}
	if o.historyPath != "" {
		manager, err := history.NewHistoryManager(o.historyPath)
		if err != nil {
			logger.Warn("command history disabled", zap.Error(err))
		} else {
			s.history = manager
		}
	}
	if o.watchFile && !o.remote {
		s.monitor = broadcast.NewMonitor(filepath.Join(dir, broadcast.FileName), s.IsAlive, logger)
		s.monitor.Start()
	}

	return s, nil
}

// startupError translates a transport startup failure into the public
// error types.
func startupError(err error) error {
	var se *transport.StartupError
	if errors.As(err, &se) {
		cause := se.Err
		if errors.Is(cause, transport.ErrExpectTimeout) || errors.Is(cause, broadcast.ErrWaitTimeout) {
			cause = ErrStartupTimeout
		}
		return &StartupError{Transcript: se.Transcript, Err: cause}
	}
	return err
}

// HistoryRecord is one command the session ran, as kept in the history
// database.
type HistoryRecord struct {
	Command   string
	At        time.Time
	Succeeded bool
	Duration  time.Duration
}

// History returns this jobname's most recent commands in chronological
// order. Without WithHistory it is always empty.
func (s *Session) History(limit int) ([]HistoryRecord, error) {
	if s.history == nil {
		return nil, nil
	}
	entries, err := s.history.GetRecentEntries(s.jobname, limit)
	if err != nil {
		return nil, err
	}
	return historyRecords(entries), nil
}

// SearchHistory returns recorded commands containing the substring, most
// recent first.
func (s *Session) SearchHistory(query string, limit int) ([]HistoryRecord, error) {
	if s.history == nil {
		return nil, nil
	}
	entries, err := s.history.SearchHistory(query, limit)
	if err != nil {
		return nil, err
	}
	return historyRecords(entries), nil
}

// ClearHistory deletes every recorded command.
func (s *Session) ClearHistory() error {
	if s.history == nil {
		return nil
	}
	return s.history.ResetHistory()
}

func historyRecords(entries []history.HistoryEntry) []HistoryRecord {
	records := make([]HistoryRecord, 0, len(entries))
	for _, entry := range entries {
		record := HistoryRecord{
			Command: entry.Command,
			At:      entry.CreatedAt,
		}
		if entry.Succeeded.Valid {
			record.Succeeded = entry.Succeeded.Bool
		}
		if entry.DurationMS.Valid {
			record.Duration = time.Duration(entry.DurationMS.Int64) * time.Millisecond
		}
		records = append(records, record)
	}
	return records
}

// Jobname returns the job identifier the session was launched with.
func (s *Session) Jobname() string {
	return s.jobname
}

// RunLocation returns the directory the solver runs in.
func (s *Session) RunLocation() string {
	return s.dir
}

// IsAlive reports whether the solver process is still up.
func (s *Session) IsAlive() bool {
	return s.backend.IsAlive()
}

// LastResponse returns the response of the last successful command.
func (s *Session) LastResponse() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResponse
}

// SetAutoContinue switches automatic answering of confirmation prompts.
func (s *Session) SetAutoContinue(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoContinue = on
}

// OpenCommandLog starts recording dispatched commands to path. When
// truncate is set a fresh log starts with a version banner; otherwise
// commands append to whatever is there.
func (s *Session) OpenCommandLog(path string, truncate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmdLog != nil {
		s.cmdLog.Close()
	}
	flags := os.O_CREATE | os.O_WRONLY
	if truncate {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return fmt.Errorf("opening command log: %w", err)
	}
	if truncate {
		fmt.Fprintf(f, "! command log started by gomapdl %s\n", Version)
	}
	s.cmdLog = f
	return nil
}

func (s *Session) writeCommandLog(command string) {
	if s.cmdLog == nil {
		return
	}
	if _, err := s.cmdLog.WriteString(command + "\n"); err != nil {
		s.logger.Warn("command log write failed", zap.Error(err))
	}
}

// Exit shuts the solver down cleanly: any unflushed batch is dropped, the
// solver is asked to finish, and the session's files are released.
func (s *Session) Exit() error {
	s.mu.Lock()
	if s.exited {
		s.mu.Unlock()
		return nil
	}
	s.exited = true
	if s.batching {
		s.logger.Warn("discarding unflushed batch", zap.Int("commands", len(s.queued)))
		s.batching = false
		s.queued = nil
	}
	stream := s.stream
	s.mu.Unlock()

	if s.monitor != nil {
		s.monitor.Stop()
	}
	if stream != nil {
		stream.Send("FINISH")
		stream.Send("EXIT")
	}
	err := s.backend.Close()
	s.release()
	return err
}

// Kill force-terminates the solver. Unlike Exit it does not wait for a
// graceful finish.
func (s *Session) Kill() error {
	s.mu.Lock()
	if s.exited {
		s.mu.Unlock()
		return nil
	}
	s.exited = true
	s.batching = false
	s.queued = nil
	s.mu.Unlock()

	if s.monitor != nil {
		s.monitor.Stop()
	}
	err := s.backend.Kill()
	s.release()
	return err
}

// release closes the session's files and drops the lock file.
func (s *Session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmdLog != nil {
		s.cmdLog.Close()
		s.cmdLog = nil
	}
	if s.outFile != nil {
		s.outFile.Close()
		s.outFile = nil
	}
	if s.jobname != "" {
		os.Remove(filepath.Join(s.dir, s.jobname+".lock"))
	}
}
