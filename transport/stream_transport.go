package transport

import (
	"io"
	"net"
	"sync"

	"duplexrpc/block"

	"go.uber.org/zap"
)

// Transport is the contract the Protocol layer drives: dispatch writes a
// complete encoded frame downward, close/destroy tear the connection down,
// and onFrame/onClose deliver whole frames and the single closure
// notification upward.
type Transport interface {
	Dispatch(frame []byte) error
	Close() error
	Destroy()
}

// StreamTransport frames an arbitrary byte-stream connection (TCP, a Unix
// socket, anything satisfying net.Conn). The kernel may chunk multiple
// frames arbitrarily; reassembly tolerates any chunking.
type StreamTransport struct {
	conn net.Conn
	r    *reassembler
	log  *zap.SugaredLogger

	mu      sync.Mutex
	closed  bool
	writeMu sync.Mutex

	onClose func()
}

// NewStreamTransport wraps conn. onFrame is invoked synchronously from the
// transport's single read goroutine for every whole frame, in wire order.
// onClose fires exactly once, whether the local side closed the transport
// or the peer did.
func NewStreamTransport(conn net.Conn, onFrame func(block.Type, []byte), onClose func(), log *zap.SugaredLogger) *StreamTransport {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	t := &StreamTransport{
		conn:    conn,
		log:     log,
		onClose: onClose,
	}
	t.r = newReassembler(onFrame, log)
	return t
}

// Start begins the read loop in its own goroutine.
func (t *StreamTransport) Start() {
	go t.readLoop()
}

func (t *StreamTransport) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			t.r.feed(buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				t.log.Debugw("transport: read error, closing", "error", err)
			}
			t.signalClose()
			t.conn.Close()
			return
		}
	}
}

// Dispatch writes frame bytes through to the connection if not closed.
func (t *StreamTransport) Dispatch(frame []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return errClosed
	}
	// Multiple goroutines may call Dispatch concurrently (a command call
	// racing a heartbeat, say); serialize writes so frames never interleave.
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := t.conn.Write(frame)
	return err
}

// Close transitions to Closed and closes the socket. Idempotent.
func (t *StreamTransport) Close() error {
	t.signalClose()
	return t.conn.Close()
}

// Destroy hard-terminates the transport.
func (t *StreamTransport) Destroy() {
	_ = t.Close()
}

func (t *StreamTransport) signalClose() {
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
