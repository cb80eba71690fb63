// Package transport owns the single duplex link to the browser agent
// (spec.md §4.1, the Transport Channel). At most one peer is live at a
// time; a new handshake atomically displaces whatever peer came before
// it. Writers never see a half-closed peer: every send is serialized
// through that peer's own write pump.
package transport

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lmarena-bridge/bridge/pkg/bridgeerr"
	"github.com/lmarena-bridge/bridge/pkg/safego"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	readLimitBytes = 1 << 20
	sendBufferSize = 256
	inboundBuffer  = 1024
)

// InboundEnvelope is one frame the agent sends us: either a bare control
// frame (Type set, RequestID empty) or a data frame carrying a raw
// fragment, a structured advisory, or the "[DONE]" sentinel in Data
// (spec.md §6).
type InboundEnvelope struct {
	Type      string          `json:"type,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// CommandFrame is one of the four server→agent commands (spec.md §6).
type CommandFrame struct {
	Command string `json:"command"`
}

// TaskFrame hands one translated request to the agent for execution.
type TaskFrame struct {
	RequestID string      `json:"request_id"`
	Payload   interface{} `json:"payload"`
}

// Peer is one live agent connection. Its send channel is drained by
// exactly one write pump goroutine, so concurrent callers of Transport.Send
// never race each other on the wire.
type Peer struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	closed sync.Once
}

func (p *Peer) ID() string { return p.id }

func (p *Peer) enqueue(frame []byte) error {
	select {
	case p.send <- frame:
		return nil
	case <-p.done:
		return bridgeerr.New(bridgeerr.KindNoPeer, "peer disconnected before send")
	}
}

func (p *Peer) shutdown() {
	p.closed.Do(func() {
		close(p.done)
	})
}

// Transport is the Transport Channel singleton slot.
type Transport struct {
	mu      sync.Mutex
	peer    *Peer
	logger  *zap.Logger
	inbound chan InboundEnvelope

	// onConnect fires the Recovery Engine (spec.md §4.8) after a new
	// peer is installed, outside the slot's own lock.
	onConnect func(p *Peer)
}

// New builds an empty Transport. onConnect may be nil; it is invoked
// once per accepted peer, after that peer is already the current one.
func New(logger *zap.Logger, onConnect func(p *Peer)) *Transport {
	return &Transport{
		logger:    logger,
		inbound:   make(chan InboundEnvelope, inboundBuffer),
		onConnect: onConnect,
	}
}

// Frames returns the single inbound stream. Exactly one reader should
// drain it — spec.md §9's "single reader task that demultiplexes into
// per-request channels".
func (t *Transport) Frames() <-chan InboundEnvelope {
	return t.inbound
}

// Accept installs conn as the current peer, displacing and closing any
// previous one, then starts its pumps. This is the exclusive transition
// spec.md §4.1 requires: the slot holds at most one live peer at any
// observable instant.
func (t *Transport) Accept(id string, conn *websocket.Conn) *Peer {
	peer := &Peer{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}

	t.mu.Lock()
	previous := t.peer
	t.peer = peer
	t.mu.Unlock()

	if previous != nil {
		t.logger.Warn("transport peer replaced", zap.String("old_peer", previous.id), zap.String("new_peer", id))
		previous.shutdown()
		_ = previous.conn.Close()
	} else {
		t.logger.Info("transport peer connected", zap.String("peer", id))
	}

	safego.Go(t.logger, "peer-write-pump", func() { t.writePump(peer) })
	safego.Go(t.logger, "peer-read-pump", func() { t.readPump(peer) })

	if t.onConnect != nil {
		safego.Go(t.logger, "peer-connect-hook", func() { t.onConnect(peer) })
	}

	return peer
}

// Current returns the live peer, or nil if the slot is empty.
func (t *Transport) Current() *Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peer
}

// clearIfCurrent drops peer from the slot only if it is still the
// occupant — a disconnect of an already-replaced peer must not clobber
// its successor.
func (t *Transport) clearIfCurrent(peer *Peer) {
	t.mu.Lock()
	if t.peer == peer {
		t.peer = nil
	}
	t.mu.Unlock()
}

// Send writes a raw frame to the current peer. Fails with KindNoPeer if
// the slot is empty (spec.md §4.1).
func (t *Transport) Send(frame []byte) error {
	peer := t.Current()
	if peer == nil {
		return bridgeerr.New(bridgeerr.KindNoPeer, "no agent connected")
	}
	return peer.enqueue(frame)
}

// SendCommand issues a server→agent command frame.
func (t *Transport) SendCommand(command string) error {
	data, err := json.Marshal(CommandFrame{Command: command})
	if err != nil {
		return err
	}
	return t.Send(data)
}

// SendTask hands a translated request to the agent.
func (t *Transport) SendTask(requestID string, payload interface{}) error {
	data, err := json.Marshal(TaskFrame{RequestID: requestID, Payload: payload})
	if err != nil {
		return err
	}
	return t.Send(data)
}

// HasPeer reports whether a peer is currently connected.
func (t *Transport) HasPeer() bool {
	return t.Current() != nil
}

func (t *Transport) readPump(peer *Peer) {
	defer func() {
		peer.shutdown()
		t.clearIfCurrent(peer)
		_ = peer.conn.Close()
		t.logger.Info("transport peer disconnected", zap.String("peer", peer.id))
	}()

	peer.conn.SetReadLimit(readLimitBytes)
	_ = peer.conn.SetReadDeadline(time.Now().Add(pongWait))
	peer.conn.SetPongHandler(func(string) error {
		return peer.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := peer.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				t.logger.Warn("transport read error", zap.String("peer", peer.id), zap.Error(err))
			}
			return
		}

		var env InboundEnvelope
		if err := json.Unmarshal(message, &env); err != nil {
			t.logger.Warn("transport malformed frame dropped", zap.String("peer", peer.id), zap.Error(err))
			continue
		}

		select {
		case t.inbound <- env:
		case <-peer.done:
			return
		}
	}
}

func (t *Transport) writePump(peer *Peer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = peer.conn.Close()
	}()

	for {
		select {
		case message, ok := <-peer.send:
			_ = peer.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = peer.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := peer.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := w.Write(message); err != nil {
				_ = w.Close()
				return
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = peer.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := peer.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-peer.done:
			return
		}
	}
}
