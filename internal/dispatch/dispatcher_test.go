package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lmarena-bridge/bridge/internal/config"
	"github.com/lmarena-bridge/bridge/internal/session"
	"github.com/lmarena-bridge/bridge/internal/transport"
	"github.com/lmarena-bridge/bridge/internal/translate"
)

var testUpgrader = websocket.Upgrader{}

func newTestDispatcher(t *testing.T, cfg *config.Config) (*Dispatcher, *transport.Transport) {
	t.Helper()
	logger := zap.NewNop()
	registry := NewRegistry(logger)
	pending := NewPendingQueue(16)

	var recovery *RecoveryEngine
	tr := transport.New(logger, func(peer *transport.Peer) {
		recovery.OnPeerConnect(peer)
	})
	recovery = NewRecoveryEngine(logger, registry, pending, tr, 2*time.Second)

	resolver := session.New(cfg)
	d := New(logger, cfg, registry, pending, recovery, tr, resolver)
	return d, tr
}

func newTestWSServer(t *testing.T, tr *transport.Transport) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		tr.Accept("peer", conn)
	}))
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialTestPeer(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn
}

func basicRequest() translate.ChatCompletionRequest {
	content, _ := json.Marshal("hi")
	return translate.ChatCompletionRequest{
		Model:  "m-text",
		Stream: true,
		Messages: []translate.ChatMessage{
			{Role: "user", Content: content},
		},
	}
}

func TestDispatchFailsImmediatelyWithNoPeerAndAutoRetryOff(t *testing.T) {
	cfg := config.Defaults()
	cfg.Session = config.SessionConfig{SessionID: "s", MessageID: "m", Mode: "direct_chat"}
	cfg.Recovery.EnableAutoRetry = false

	d, _ := newTestDispatcher(t, cfg)

	_, err := d.Dispatch(context.Background(), basicRequest())
	require.Error(t, err)
}

func TestDispatchSucceedsWithConnectedPeer(t *testing.T) {
	cfg := config.Defaults()
	cfg.Session = config.SessionConfig{SessionID: "s", MessageID: "m", Mode: "direct_chat"}

	d, tr := newTestDispatcher(t, cfg)

	srv, wsURL := newTestWSServer(t, tr)
	defer srv.Close()

	conn := dialTestPeer(t, wsURL)
	defer conn.Close()
	require.Eventually(t, tr.HasPeer, time.Second, 10*time.Millisecond)

	handle, err := d.Dispatch(context.Background(), basicRequest())
	require.NoError(t, err)
	require.NotEmpty(t, handle.RequestID)

	req, ok := d.Lookup(handle.RequestID)
	require.True(t, ok)
	require.Equal(t, StatusDispatched, req.Status)

	d.Finish(handle.RequestID)
	_, ok = d.Lookup(handle.RequestID)
	require.False(t, ok, "Finish must remove the registry entry")
}

func TestDispatchParksAndDeliversOnReconnect(t *testing.T) {
	cfg := config.Defaults()
	cfg.Session = config.SessionConfig{SessionID: "s", MessageID: "m", Mode: "direct_chat"}
	cfg.Recovery.EnableAutoRetry = true
	cfg.Recovery.RetryTimeoutSeconds = 5

	d, tr := newTestDispatcher(t, cfg)

	done := make(chan struct{})
	var dispatchErr error
	var handle *Handle
	go func() {
		defer close(done)
		handle, dispatchErr = d.Dispatch(context.Background(), basicRequest())
	}()

	time.Sleep(50 * time.Millisecond) // let Dispatch reach the park-and-wait point

	srv, wsURL := newTestWSServer(t, tr)
	defer srv.Close()
	conn := dialTestPeer(t, wsURL)
	defer conn.Close()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("dispatch did not complete after peer connected")
	}

	require.NoError(t, dispatchErr)
	require.NotNil(t, handle)
}
