package bridge_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/formula-consult/internal/backend"
	"github.com/ashureev/formula-consult/internal/bridge"
	"github.com/ashureev/formula-consult/internal/consult"
	"github.com/ashureev/formula-consult/internal/devserver"
	"github.com/ashureev/formula-consult/internal/store"
	"github.com/ashureev/formula-consult/internal/transport"
)

type message struct {
	Type    string        `json:"type"`
	View    *consult.View `json:"view"`
	Command string        `json:"command"`
	Error   string        `json:"error"`
}

func newBridge(t *testing.T) (*bridge.Server, *httptest.Server) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "consult.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	api := httptest.NewServer(devserver.NewRouter(repo, &devserver.ScriptedResponder{}, devserver.RouterOptions{}))
	t.Cleanup(api.Close)

	client, err := backend.New(backend.Options{BaseURL: api.URL})
	require.NoError(t, err)
	ctrl := consult.New(client, transport.New(client))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	b := bridge.NewServer(ctx, ctrl, bridge.Options{})
	srv := httptest.NewServer(b.Routes())
	t.Cleanup(srv.Close)
	t.Cleanup(b.Close)
	return b, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/consult", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var msg message
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	return msg
}

func write(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, v))
}

// readUntil reads messages until match returns true.
func readUntil(t *testing.T, conn *websocket.Conn, match func(message) bool) message {
	t.Helper()
	for i := 0; i < 200; i++ {
		msg := read(t, conn)
		if match(msg) {
			return msg
		}
	}
	t.Fatal("no matching message")
	return message{}
}

func TestBridgePushesInitialView(t *testing.T) {
	b, srv := newBridge(t)
	conn := dial(t, srv)

	msg := read(t, conn)
	assert.Equal(t, "view", msg.Type)
	require.NotNil(t, msg.View)
	assert.Equal(t, "idle", msg.View.State)
	assert.Empty(t, msg.View.Messages)

	require.Eventually(t, func() bool { return b.Hub().Len() == 1 }, time.Second, 10*time.Millisecond)
}

func TestBridgeSendStreamsViews(t *testing.T) {
	_, srv := newBridge(t)
	conn := dial(t, srv)
	read(t, conn)

	write(t, conn, map[string]string{"type": "send", "content": "how can I sleep better? recommend a formula"})

	done := readUntil(t, conn, func(m message) bool {
		if m.View == nil || m.View.State != "idle" {
			return false
		}
		last, ok := m.View.Last()
		return ok && last.Formula != nil
	})
	assert.NotEmpty(t, done.View.SessionID)
	require.Len(t, done.View.Sessions, 1)
	assert.Equal(t, done.View.SessionID, done.View.Sessions[0].ID)
}

func TestBridgeReportsCommandErrors(t *testing.T) {
	_, srv := newBridge(t)
	conn := dial(t, srv)
	read(t, conn)

	write(t, conn, map[string]string{"type": "select", "sessionId": "nope"})
	msg := readUntil(t, conn, func(m message) bool { return m.Type == "error" })
	assert.Equal(t, "select", msg.Command)
	assert.Contains(t, msg.Error, "unknown session")

	write(t, conn, map[string]string{"type": "dance"})
	msg = readUntil(t, conn, func(m message) bool { return m.Type == "error" })
	assert.Equal(t, "dance", msg.Command)

	write(t, conn, map[string]string{"type": "send", "content": "   "})
	msg = readUntil(t, conn, func(m message) bool { return m.Type == "error" })
	assert.Equal(t, "send", msg.Command)
}

func TestBridgeBroadcastsToEveryClient(t *testing.T) {
	_, srv := newBridge(t)
	a := dial(t, srv)
	b := dial(t, srv)
	read(t, a)
	read(t, b)

	write(t, a, map[string]string{"type": "send", "content": "hello"})

	for _, conn := range []*websocket.Conn{a, b} {
		readUntil(t, conn, func(m message) bool {
			return m.View != nil && m.View.State == "idle" && len(m.View.Messages) == 2
		})
	}
}

func TestBridgeViewEndpoint(t *testing.T) {
	_, srv := newBridge(t)

	resp, err := http.Get(srv.URL + "/api/view")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var v consult.View
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	assert.Equal(t, "idle", v.State)
}

func TestBridgeServesBrowserClient(t *testing.T) {
	_, srv := newBridge(t)

	for _, path := range []string{"/", "/some/client/route"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Contains(t, string(body), "/ws/consult", path)
	}
}
