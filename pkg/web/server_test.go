package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-jointattention/internal/config"
	"github.com/teslashibe/go-jointattention/pkg/memory"
	"github.com/teslashibe/go-jointattention/pkg/relay"
	"github.com/teslashibe/go-jointattention/pkg/robot"
)

type nopClose struct{ memory.Memory }

func (nopClose) Close() error { return nil }

type fixture struct {
	local  *memory.Bus
	remote *memory.Bus
	mod    *relay.Module
	srv    *Server
	dialed chan config.Remote
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		local:  memory.NewBus("local"),
		remote: memory.NewBus("remote"),
		dialed: make(chan config.Remote, 8),
	}
	confPath := filepath.Join(t.TempDir(), "remote.conf")
	require.NoError(t, os.WriteFile(confPath, []byte("10.0.0.2 9559\n"), 0o644))

	dial := func(_ context.Context, remote config.Remote, _ string) (memory.Memory, error) {
		f.dialed <- remote
		return nopClose{f.remote}, nil
	}
	f.mod = relay.New(relay.Options{
		Name:            "Interface",
		RemoteConfig:    confPath,
		NameSound:       "name.wav",
		PhraseSound:     "phrase.wav",
		CallbackTimeout: time.Second,
	}, f.local, robot.NewMock(), dial)
	require.NoError(t, f.mod.Init(context.Background()))

	f.srv = NewServer("127.0.0.1:0", f.mod, f.local)
	f.srv.MountMemory(memory.NewServer(f.local))

	t.Cleanup(func() {
		_ = f.mod.Close()
		f.local.Wait()
		f.remote.Wait()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.srv.App().Test(req, 2000)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "armed", body["state"])
}

func TestStatus(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Interface", body["name"])
	assert.Equal(t, "armed", body["state"])
	assert.Equal(t, false, body["connected"])
	assert.NotContains(t, body, "last_call_at")
}

func TestEnable(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/api/enable", EnableRequest{IP: "10.0.0.5", Port: 9559})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "armed", body["state"])
	assert.Equal(t, true, body["connected"])
	assert.Equal(t, config.Remote{IP: "10.0.0.5", Port: 9559}, <-f.dialed)
}

func TestEnableRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body any
		code int
	}{
		{"port out of range", EnableRequest{IP: "10.0.0.5", Port: 70000}, http.StatusBadRequest},
		{"missing ip", EnableRequest{Port: 9559}, http.StatusBadRequest},
		{"not an object", "10.0.0.5 9559", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := f.do(t, http.MethodPost, "/api/enable", tt.body)
			assert.Equal(t, tt.code, code)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestTouchStartsSession(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/api/touch", nil)
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, relay.EventTactilTouched, body["raised"])

	assert.Eventually(t, func() bool {
		return f.mod.Status().State == relay.StateAwaitingCall
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, config.Remote{IP: "10.0.0.2", Port: 9559}, <-f.dialed)

	// Enabling is refused while the session runs
	code, _ = f.do(t, http.MethodPost, "/api/enable", EnableRequest{IP: "10.0.0.5", Port: 9559})
	assert.Equal(t, http.StatusConflict, code)

	code, body = f.do(t, http.MethodPost, "/api/task/end", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "armed", body["state"])
}

func TestTask(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(t, http.MethodPost, "/api/task/dance", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodPost, "/api/task/end", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, body := f.do(t, http.MethodPost, "/api/task/start", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "awaiting_call", body["state"])
}

func TestMemoryRoutesMounted(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/api/memory/events", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body["events"])

	code, _ = f.do(t, http.MethodGet, "/ws/status", nil)
	assert.Equal(t, http.StatusUpgradeRequired, code)
}

func TestStatusStream(t *testing.T) {
	f := newFixture(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = f.srv.Serve(ctx, ln) }()

	url := "ws://" + ln.Addr().String() + "/ws/status"
	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		conn, _, err = websocket.DefaultDialer.Dial(url, nil)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	t.Cleanup(func() { _ = conn.Close() })

	next := func() relay.Status {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var st relay.Status
		require.NoError(t, conn.ReadJSON(&st))
		return st
	}

	// Current state first
	assert.Equal(t, relay.StateArmed, next().State)

	require.NoError(t, f.mod.StartTask(context.Background(), "start"))
	st := next()
	assert.Equal(t, relay.StateAwaitingCall, st.State)
	assert.NotEmpty(t, st.SessionID)
}
