package transport

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/gomapdl/mapdl/internal/protocol"
)

const closeGrace = 5 * time.Second

// StreamSession drives the solver as a pty child process and matches its
// output stream against prompt patterns.
type StreamSession struct {
	cmd    *exec.Cmd
	ptmx   *os.File
	logger *zap.Logger

	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool

	dataCh chan struct{}
	doneCh chan struct{}
}

// StartStream launches the solver under a pty and blocks until its first
// prompt. A paused startup banner is answered with an empty line.
func StartStream(cfg Config) (*StreamSession, error) {
	logger := cfg.logger()

	cmd := exec.Command(cfg.Exec, cfg.Args()...)
	cmd.Dir = cfg.Dir
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("spawning solver: %w", err)
	}

	s := &StreamSession{
		cmd:    cmd,
		ptmx:   ptmx,
		logger: logger,
		dataCh: make(chan struct{}, 1),
		doneCh: make(chan struct{}),
	}
	go s.readLoop()

	logger.Debug("solver spawned",
		zap.String("exec", cfg.Exec),
		zap.Strings("args", cfg.Args()),
		zap.Int("pid", cmd.Process.Pid))

	timeout := cfg.startTimeout()
	idx, before, matched, err := s.Expect(protocol.StartupPrompts(), timeout)
	if err != nil {
		s.Kill()
		return nil, &StartupError{Transcript: before, Err: err}
	}
	if idx == 1 {
		// paused banner wants an empty line before the prompt shows up
		transcript := before + matched
		if err := s.Send(""); err != nil {
			s.Kill()
			return nil, &StartupError{Transcript: transcript, Err: err}
		}
		if _, more, _, err := s.Expect(protocol.StartupPrompts()[:1], timeout); err != nil {
			s.Kill()
			return nil, &StartupError{Transcript: transcript + more, Err: err}
		}
	}

	logger.Debug("solver ready", zap.String("jobname", cfg.Jobname))
	return s, nil
}

func (s *StreamSession) readLoop() {
	chunk := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(chunk)
		if n > 0 {
			s.mu.Lock()
			s.buf.Write(chunk[:n])
			s.mu.Unlock()
			select {
			case s.dataCh <- struct{}{}:
			default:
			}
		}
		if err != nil {
			// a pty read fails once the child exits
			break
		}
	}
	if s.cmd != nil {
		s.cmd.Wait()
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	close(s.doneCh)
}

// Send writes one line to the solver.
func (s *StreamSession) Send(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.ptmx.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("writing to solver: %w", err)
	}
	return nil
}

// Expect blocks until any pattern matches the accumulated output. It
// returns the matched pattern index, the text before the match and the
// matched text itself; the match and everything before it are consumed.
// A zero timeout waits indefinitely. When several patterns match, the
// earliest match in the stream wins, with list order breaking ties. On
// timeout or closure the unconsumed output comes back as the before text.
func (s *StreamSession) Expect(patterns []*regexp.Regexp, timeout time.Duration) (int, string, string, error) {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	for {
		s.mu.Lock()
		idx, loc := matchEarliest(s.buf.Bytes(), patterns)
		if idx >= 0 {
			data := s.buf.Bytes()
			before := string(data[:loc[0]])
			matched := string(data[loc[0]:loc[1]])
			s.buf.Next(loc[1])
			s.mu.Unlock()
			return idx, before, matched, nil
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return -1, s.pending(), "", ErrClosed
		}
		select {
		case <-s.dataCh:
		case <-s.doneCh:
			// loop once more for a final scan of what already arrived
		case <-timeoutCh:
			return -1, s.pending(), "", ErrExpectTimeout
		}
	}
}

// matchEarliest finds the pattern whose match starts earliest in data,
// breaking ties by list order.
func matchEarliest(data []byte, patterns []*regexp.Regexp) (int, []int) {
	best := -1
	var bestLoc []int
	for i, p := range patterns {
		loc := p.FindIndex(data)
		if loc == nil {
			continue
		}
		if best < 0 || loc[0] < bestLoc[0] {
			best = i
			bestLoc = loc
		}
	}
	return best, bestLoc
}

func (s *StreamSession) pending() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// IsAlive reports whether the solver process is still running.
func (s *StreamSession) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.cmd == nil || s.cmd.Process == nil {
		return false
	}
	return s.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// Close shuts the solver down, escalating from SIGTERM to SIGKILL when it
// does not exit within the grace period.
func (s *StreamSession) Close() error {
	s.mu.Lock()
	ptmx := s.ptmx
	var proc *os.Process
	if s.cmd != nil {
		proc = s.cmd.Process
	}
	s.mu.Unlock()

	if ptmx != nil {
		ptmx.Close()
	}
	if proc != nil {
		proc.Signal(syscall.SIGTERM)
	}
	select {
	case <-s.doneCh:
		return nil
	case <-time.After(closeGrace):
	}
	if proc != nil {
		proc.Kill()
	}
	<-s.doneCh
	return nil
}

// Kill force-terminates the solver immediately.
func (s *StreamSession) Kill() error {
	s.mu.Lock()
	ptmx := s.ptmx
	var proc *os.Process
	if s.cmd != nil {
		proc = s.cmd.Process
	}
	s.mu.Unlock()

	if ptmx != nil {
		ptmx.Close()
	}
	if proc != nil {
		if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
	}
	<-s.doneCh
	return nil
}
