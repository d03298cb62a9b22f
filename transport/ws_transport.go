package transport

import (
	"sync"

	"duplexrpc/block"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSTransport frames a *websocket.Conn. Each WebSocket message may carry
// one or more whole or partial frames; WSTransport feeds every inbound
// message through the same reassembler StreamTransport uses, rather than
// treating a message as a frame boundary.
type WSTransport struct {
	conn *websocket.Conn
	r    *reassembler
	log  *zap.SugaredLogger

	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool

	onClose func()
}

// NewWSTransport wraps conn. See NewStreamTransport for the onFrame/onClose
// contract, which is identical here.
func NewWSTransport(conn *websocket.Conn, onFrame func(block.Type, []byte), onClose func(), log *zap.SugaredLogger) *WSTransport {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	t := &WSTransport{
		conn:    conn,
		log:     log,
		onClose: onClose,
	}
	t.r = newReassembler(onFrame, log)
	return t
}

// Start begins the read loop in its own goroutine.
func (t *WSTransport) Start() {
	go t.readLoop()
}

func (t *WSTransport) readLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.log.Debugw("ws transport: read error, closing", "error", err)
			t.signalClose()
			t.conn.Close()
			return
		}
		t.r.feed(data)
	}
}

// Dispatch writes frame bytes as a single binary WebSocket message.
func (t *WSTransport) Dispatch(frame []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return errClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Close transitions to Closed and closes the socket. Idempotent.
func (t *WSTransport) Close() error {
	t.signalClose()
	return t.conn.Close()
}

// Destroy hard-terminates the transport.
func (t *WSTransport) Destroy() {
	_ = t.Close()
}

func (t *WSTransport) signalClose() {
	t.mu.Lock()
	alreadyClosed := t.closed
	t.closed = true
	t.mu.Unlock()

	if alreadyClosed {
		return
	}
	t.r.close()
	if t.onClose != nil {
		t.onClose()
	}
}
