package broadcast

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	// FileName is the progress side-channel the solver writes next to its
	// job files.
	FileName = "mapdl_broadcasts.txt"

	// ServerReadyToken appears in the broadcast file once the solver's
	// server mode accepts connections.
	ServerReadyToken = "visited:collaborativecosolverunitior"

	delimiter    = ">>"
	linePrefix   = "<<broadcast::"
	tailWindow   = 4
	pollInterval = 250 * time.Millisecond
)

// ErrWaitTimeout indicates the awaited token never appeared.
var ErrWaitTimeout = errors.New("timed out waiting for broadcast token")

var intPattern = regexp.MustCompile(`[0-9]+`)

// WaitForToken blocks until the broadcast file at path contains token,
// reacting to write notifications when available and polling otherwise.
func WaitForToken(path, token string, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		if watcher.Add(filepath.Dir(path)) == nil {
			events = watcher.Events
			watchErrs = watcher.Errors
		}
	}

	for {
		if raw, err := os.ReadFile(path); err == nil && strings.Contains(string(raw), token) {
			return nil
		}
		select {
		case <-events:
		case <-watchErrs:
		case <-ticker.C:
		case <-deadline.C:
			return ErrWaitTimeout
		}
	}
}

// Monitor tails the broadcast file and logs load-step and progress
// announcements. Monitoring is best effort: the loop exits silently when
// the session dies and swallows its own failures.
type Monitor struct {
	path     string
	alive    func() bool
	logger   *zap.Logger
	interval time.Duration

	lastStep     int
	lastProgress int
	lastSize     int64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewMonitor builds a monitor for the broadcast file at path. alive gates
// the loop; the monitor stops on its own once it reports false.
func NewMonitor(path string, alive func() bool, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		path:     path,
		alive:    alive,
		logger:   logger,
		interval: time.Second,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the tail loop.
func (m *Monitor) Start() {
	go m.run()
}

// Stop ends the tail loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

func (m *Monitor) run() {
	defer close(m.doneCh)
	defer func() {
		if r := recover(); r != nil {
			m.logger.Debug("broadcast monitor stopped", zap.Any("cause", r))
		}
	}()

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		if watcher.Add(filepath.Dir(m.path)) == nil {
			events = watcher.Events
			watchErrs = watcher.Errors
		}
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		if !m.alive() {
			return
		}
		if info, err := os.Stat(m.path); err == nil {
			if size := info.Size(); size > m.lastSize {
				m.logger.Debug("broadcast file grew",
					zap.String("size", humanize.IBytes(uint64(size))))
				m.lastSize = size
				m.scanTail()
			} else {
				m.lastSize = size
			}
		}
		select {
		case <-m.stopCh:
			return
		case <-events:
		case <-watchErrs:
		case <-ticker.C:
		}
	}
}

func (m *Monitor) scanTail() {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) > tailWindow {
		lines = lines[len(lines)-tailWindow:]
	}
	m.processLines(lines)
}

// processLines extracts the counters from broadcast lines and logs a value
// only when it strictly exceeds the last one seen. A load-step increase
// resets the progress baseline, so the first progress of a new step always
// logs.
func (m *Monitor) processLines(lines []string) {
	for _, line := range lines {
		msg := line
		if i := strings.Index(msg, delimiter); i >= 0 {
			msg = msg[:i]
		}
		msg = strings.TrimPrefix(strings.TrimSpace(msg), linePrefix)
		switch {
		case strings.Contains(msg, "current-load-step"):
			if v, ok := firstInt(msg); ok && v > m.lastStep {
				m.lastStep = v
				m.lastProgress = 0
				m.logger.Info(msg)
			}
		case strings.Contains(msg, "overall-progress"):
			if v, ok := firstInt(msg); ok && v > m.lastProgress {
				m.lastProgress = v
				m.logger.Info(msg)
			}
		}
	}
}

func firstInt(s string) (int, bool) {
	match := intPattern.FindString(s)
	if match == "" {
		return 0, false
	}
	v, err := strconv.Atoi(match)
	if err != nil {
		return 0, false
	}
	return v, true
}
