package transport

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSolverServer upgrades each connection and answers every request
// through handler.
func fakeSolverServer(t *testing.T, handler func(req wsRequest) wsResponse) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req wsRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			resp := handler(req)
			resp.ID = req.ID
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialRemote(t *testing.T, srv *httptest.Server) *RemoteHandle {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	r := &RemoteHandle{
		conn:   conn,
		logger: zap.NewNop(),
		doneCh: make(chan struct{}),
	}
	t.Cleanup(func() { conn.Close() })
	return r
}

func TestCallMergesDrainedOutput(t *testing.T) {
	srv := fakeSolverServer(t, func(req wsRequest) wsResponse {
		if req.Command == "/GO" {
			return wsResponse{Text: "\nEXTRA OUTPUT"}
		}
		return wsResponse{Text: "PRIMARY OUTPUT"}
	})
	r := dialRemote(t, srv)

	text, err := r.Call("KLIST")
	require.NoError(t, err)
	assert.Equal(t, "PRIMARY OUTPUT\nEXTRA OUTPUT", text)
}

func TestCallSkipsIdenticalDrain(t *testing.T) {
	srv := fakeSolverServer(t, func(req wsRequest) wsResponse {
		return wsResponse{Text: "SAME TEXT"}
	})
	r := dialRemote(t, srv)

	text, err := r.Call("KLIST")
	require.NoError(t, err)
	assert.Equal(t, "SAME TEXT", text)
}

func TestCallSurfacesServerError(t *testing.T) {
	srv := fakeSolverServer(t, func(req wsRequest) wsResponse {
		return wsResponse{Error: "solver busy"}
	})
	r := dialRemote(t, srv)

	_, err := r.Call("KLIST")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "solver busy")
}

func TestCallAfterCloseFails(t *testing.T) {
	srv := fakeSolverServer(t, func(req wsRequest) wsResponse {
		return wsResponse{Text: "ok"}
	})
	r := dialRemote(t, srv)

	require.NoError(t, r.Close())
	assert.False(t, r.IsAlive())

	_, err := r.Call("KLIST")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReadKeyFile(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, keyFileName)
	require.NoError(t, os.WriteFile(path, []byte("localhost:49152\n"), 0o644))
	endpoint, err := readKeyFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:49152", endpoint)

	require.NoError(t, os.WriteFile(path, []byte("wss://node7:9000/solver\n"), 0o644))
	endpoint, err = readKeyFile(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://node7:9000/solver", endpoint)

	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o644))
	_, err = readKeyFile(path)
	assert.Error(t, err)

	_, err = readKeyFile(filepath.Join(dir, "missing.txt"))
	assert.Error(t, err)
}

func TestConfigArgs(t *testing.T) {
	cfg := Config{Jobname: "bracket", Procs: 4, Switches: []string{"-smp"}}
	assert.Equal(t, []string{"-j", "bracket", "-np", "4", "-smp"}, cfg.Args())

	bare := Config{}
	assert.Empty(t, bare.Args())
}

func TestTailWriterKeepsTail(t *testing.T) {
	w := newTailWriter(8)

	_, err := w.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	assert.Equal(t, "89abcdef", w.String())

	_, err = w.Write([]byte("XY"))
	require.NoError(t, err)
	assert.Equal(t, "abcdefXY", w.String())
}
