package transport

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gomapdl/mapdl/internal/broadcast"
)

const (
	serverSwitch = "-aas"
	keyFileName  = "aaS_MapdlId.txt"
)

// RemoteHandle drives the solver through its server mode: the process runs
// detached and commands travel over a request/response connection. Prompts
// are resolved server-side, so a command is a single round trip plus a
// fixed drain call.
type RemoteHandle struct {
	cmd    *exec.Cmd
	conn   *websocket.Conn
	logger *zap.Logger
	tail   *tailWriter

	mu     sync.Mutex
	nextID uint64
	closed bool

	doneCh chan struct{}
}

type wsRequest struct {
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Command string `json:"command,omitempty"`
}

type wsResponse struct {
	ID    uint64 `json:"id"`
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// StartRemote launches the solver in server mode, waits for its ready
// token in the broadcast file, then connects to the endpoint named by the
// key file. Server sessions are put in batch mode up front.
func StartRemote(cfg Config) (*RemoteHandle, error) {
	logger := cfg.logger()

	args := append(cfg.Args(), serverSwitch)
	cmd := exec.Command(cfg.Exec, args...)
	cmd.Dir = cfg.Dir
	tail := newTailWriter(8192)
	cmd.Stdout = tail
	cmd.Stderr = tail
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning solver: %w", err)
	}

	r := &RemoteHandle{
		cmd:    cmd,
		logger: logger,
		tail:   tail,
		doneCh: make(chan struct{}),
	}
	go func() {
		cmd.Wait()
		close(r.doneCh)
	}()

	logger.Debug("solver server spawned",
		zap.String("exec", cfg.Exec),
		zap.Strings("args", args),
		zap.Int("pid", cmd.Process.Pid))

	broadcastPath := filepath.Join(cfg.Dir, broadcast.FileName)
	if err := broadcast.WaitForToken(broadcastPath, broadcast.ServerReadyToken, cfg.startTimeout()); err != nil {
		r.Kill()
		return nil, &StartupError{Transcript: tail.String(), Err: err}
	}

	endpoint, err := readKeyFile(filepath.Join(cfg.Dir, keyFileName))
	if err != nil {
		r.Kill()
		return nil, &StartupError{Transcript: tail.String(), Err: err}
	}

	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		r.Kill()
		return nil, &StartupError{Transcript: tail.String(), Err: fmt.Errorf("connecting to %s: %w", endpoint, err)}
	}
	r.conn = conn

	if _, err := r.Call("/BATCH"); err != nil {
		r.Kill()
		return nil, &StartupError{Transcript: tail.String(), Err: err}
	}

	logger.Debug("solver server connected", zap.String("endpoint", endpoint))
	return r, nil
}

// readKeyFile reads the endpoint the server wrote for its clients.
func readKeyFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading key file: %w", err)
	}
	endpoint, _, _ := strings.Cut(strings.TrimSpace(string(raw)), "\n")
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", fmt.Errorf("key file %s is empty", path)
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "ws://" + endpoint
	}
	return endpoint, nil
}

// Call executes one command server-side and returns the merged response:
// the primary text concatenated with whatever the drain call recovered,
// unless both are identical.
func (r *RemoteHandle) Call(command string) (string, error) {
	primary, err := r.call("exec", command)
	if err != nil {
		return primary, err
	}
	drained, err := r.call("exec", "/GO")
	if err != nil {
		return primary, err
	}
	if drained == primary {
		return primary, nil
	}
	return primary + drained, nil
}

func (r *RemoteHandle) call(method, command string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.conn == nil {
		return "", ErrClosed
	}
	r.nextID++
	req := wsRequest{ID: r.nextID, Method: method, Command: command}
	if err := r.conn.WriteJSON(req); err != nil {
		return "", fmt.Errorf("sending %s: %w", method, err)
	}
	var resp wsResponse
	for {
		if err := r.conn.ReadJSON(&resp); err != nil {
			return "", fmt.Errorf("reading response: %w", err)
		}
		if resp.ID == req.ID {
			break
		}
		// responses to abandoned calls are dropped
	}
	if resp.Error != "" {
		return resp.Text, fmt.Errorf("server: %s", resp.Error)
	}
	return resp.Text, nil
}

// Send executes a line server-side, discarding the response text.
func (r *RemoteHandle) Send(line string) error {
	_, err := r.call("exec", line)
	return err
}

// IsAlive reports whether the solver server is still reachable.
func (r *RemoteHandle) IsAlive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if r.cmd != nil && r.cmd.Process != nil {
		return r.cmd.Process.Signal(syscall.Signal(0)) == nil
	}
	return r.conn != nil
}

// Close asks the server to terminate, then escalates from SIGTERM to
// SIGKILL when the process does not exit within the grace period.
func (r *RemoteHandle) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conn := r.conn
	var proc *os.Process
	if r.cmd != nil {
		proc = r.cmd.Process
	}
	if conn != nil {
		r.nextID++
		conn.WriteJSON(wsRequest{ID: r.nextID, Method: "terminate"})
	}
	r.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if proc == nil {
		return nil
	}
	proc.Signal(syscall.SIGTERM)
	select {
	case <-r.doneCh:
		return nil
	case <-time.After(closeGrace):
	}
	proc.Kill()
	<-r.doneCh
	return nil
}

// Kill force-terminates the solver server immediately.
func (r *RemoteHandle) Kill() error {
	r.mu.Lock()
	r.closed = true
	conn := r.conn
	var proc *os.Process
	if r.cmd != nil {
		proc = r.cmd.Process
	}
	r.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if proc == nil {
		return nil
	}
	proc.Kill()
	<-r.doneCh
	return nil
}

// tailWriter keeps the last limit bytes written through it, for startup
// transcripts.
type tailWriter struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailWriter(limit int) *tailWriter {
	return &tailWriter{limit: limit}
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	if len(w.buf) > w.limit {
		w.buf = w.buf[len(w.buf)-w.limit:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.buf)
}
