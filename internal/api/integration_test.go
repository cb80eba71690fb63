package api_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lmarena-bridge/bridge/internal/api"
	"github.com/lmarena-bridge/bridge/internal/config"
	"github.com/lmarena-bridge/bridge/internal/dispatch"
	"github.com/lmarena-bridge/bridge/internal/download"
	"github.com/lmarena-bridge/bridge/internal/session"
	"github.com/lmarena-bridge/bridge/internal/stats"
	"github.com/lmarena-bridge/bridge/internal/transport"
)

// testBridge wires the same collaborators App.New does, minus the config
// watcher and CLI plumbing, so these tests exercise the real HTTP+WS
// round trip spec.md §8's seed scenarios describe.
type testBridge struct {
	httpServer *httptest.Server
	transport  *transport.Transport
	cfg        *config.Config
	cancel     context.CancelFunc
}

// setRecoveryTimeout shortens the park-on-NoPeer deadline; cfg is the
// same pointer the Dispatcher reads on every call, so this takes effect
// on the next Dispatch without any reload plumbing.
func (b *testBridge) setRecoveryTimeout(t *testing.T, d time.Duration) {
	t.Helper()
	b.cfg.Recovery.RetryTimeoutSeconds = int(d.Seconds())
	if b.cfg.Recovery.RetryTimeoutSeconds <= 0 {
		b.cfg.Recovery.RetryTimeoutSeconds = 1
	}
}

func newTestBridge(t *testing.T) *testBridge {
	t.Helper()
	logger := zap.NewNop()
	cfg := config.Defaults()
	cfg.Session.SessionID = "sess-1"
	cfg.Session.MessageID = "msg-1"

	registry := dispatch.NewRegistry(logger)
	pending := dispatch.NewPendingQueue(16)
	resolver := session.New(cfg)
	pool := download.New(cfg, logger)
	snapshot := stats.New(nil)

	var recovery *dispatch.RecoveryEngine
	tr := transport.New(logger, func(peer *transport.Peer) {
		recovery.OnPeerConnect(peer)
	})
	recovery = dispatch.NewRecoveryEngine(logger, registry, pending, tr, 2*time.Second)

	d := dispatch.New(logger, cfg, registry, pending, recovery, tr, resolver)
	router := dispatch.NewInboundRouter(logger, registry, tr)

	ctx, cancel := context.WithCancel(context.Background())
	go router.Run(ctx)

	server := api.New(cfg, d, tr, pool, snapshot, nil, logger)
	httpServer := httptest.NewServer(server.Handler())

	t.Cleanup(func() {
		cancel()
		httpServer.Close()
	})

	return &testBridge{httpServer: httpServer, transport: tr, cfg: cfg, cancel: cancel}
}

// dialFakePeer connects a fake browser agent to /ws/agent, the same way
// the real in-browser agent would.
func (b *testBridge) dialFakePeer(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(b.httpServer.URL, "http") + "/ws/agent"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readTaskFrame reads the next frame off conn and asserts it is a task
// frame, returning its request_id.
func readTaskFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame transport.TaskFrame
	require.NoError(t, json.Unmarshal(msg, &frame))
	require.NotEmpty(t, frame.RequestID)
	return frame.RequestID
}

// sendFragment writes one agent->server data frame for requestID.
func sendFragment(t *testing.T, conn *websocket.Conn, requestID string, data string) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	env := transport.InboundEnvelope{RequestID: requestID, Data: raw}
	frame, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func TestChatCompletionsStreamingRoundTrip(t *testing.T) {
	bridge := newTestBridge(t)
	peer := bridge.dialFakePeer(t)

	// give Accept's read pump a moment to register as the current peer
	// before the client POST races it.
	time.Sleep(50 * time.Millisecond)

	respCh := make(chan *http.Response, 1)
	go func() {
		body := strings.NewReader(`{"model":"gpt-test","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
		req, err := http.NewRequest(http.MethodPost, bridge.httpServer.URL+"/v1/chat/completions", body)
		if err != nil {
			t.Error(err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := bridge.httpServer.Client().Do(req)
		if err != nil {
			t.Error(err)
			return
		}
		respCh <- resp
	}()

	requestID := readTaskFrame(t, peer)
	sendFragment(t, peer, requestID, "a0:\"Hello\"\n")
	sendFragment(t, peer, requestID, "a0:\" world\"\n")
	sendFragment(t, peer, requestID, "[DONE]")

	resp := <-respCh
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	var events []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			events = append(events, strings.TrimPrefix(line, "data: "))
		}
	}

	require.NotEmpty(t, events)
	assert.Equal(t, "[DONE]", events[len(events)-1])

	var full strings.Builder
	for _, e := range events {
		if e == "[DONE]" {
			continue
		}
		var chunk map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(e), &chunk))
		choices := chunk["choices"].([]interface{})
		delta := choices[0].(map[string]interface{})["delta"].(map[string]interface{})
		if c, ok := delta["content"].(string); ok {
			full.WriteString(c)
		}
	}
	assert.Equal(t, "Hello world", full.String())
}

func TestChatCompletionsNonStreamRoundTrip(t *testing.T) {
	bridge := newTestBridge(t)
	peer := bridge.dialFakePeer(t)
	time.Sleep(50 * time.Millisecond)

	respCh := make(chan *http.Response, 1)
	go func() {
		body := strings.NewReader(`{"model":"gpt-test","stream":false,"messages":[{"role":"user","content":"hi"}]}`)
		req, err := http.NewRequest(http.MethodPost, bridge.httpServer.URL+"/v1/chat/completions", body)
		if err != nil {
			t.Error(err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := bridge.httpServer.Client().Do(req)
		if err != nil {
			t.Error(err)
			return
		}
		respCh <- resp
	}()

	requestID := readTaskFrame(t, peer)
	sendFragment(t, peer, requestID, "ag:\"thinking...\"\n")
	sendFragment(t, peer, requestID, "a0:\"done\"\n")
	sendFragment(t, peer, requestID, "[DONE]")

	resp := <-respCh
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var parsed struct {
		Choices []struct {
			Message struct {
				Content          string `json:"content"`
				ReasoningContent string `json:"reasoning_content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	require.Len(t, parsed.Choices, 1)
	assert.Equal(t, "done", parsed.Choices[0].Message.Content)
	assert.Equal(t, "thinking...", parsed.Choices[0].Message.ReasoningContent)
	assert.Equal(t, "stop", parsed.Choices[0].FinishReason)
}

func TestChatCompletionsNoPeerConnectedParksThenFails(t *testing.T) {
	bridge := newTestBridge(t)
	// No fake peer dialed: Dispatch must park on the Pending Queue
	// (Recovery.EnableAutoRetry defaults true) and the client should see
	// a RecoveryTimeout error once the park deadline elapses, rather than
	// the request hanging forever (spec.md §4.7 step 5, §7).
	bridge.setRecoveryTimeout(t, 1*time.Second)

	body := strings.NewReader(`{"model":"gpt-test","stream":false,"messages":[{"role":"user","content":"hi"}]}`)
	req, err := http.NewRequest(http.MethodPost, bridge.httpServer.URL+"/v1/chat/completions", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.NotEqual(t, http.StatusOK, resp.StatusCode)
	var errBody struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody))
	assert.Contains(t, errBody.Error.Message, "reconnect")
}
