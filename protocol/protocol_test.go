package protocol

import (
	"testing"

	"duplexrpc/block"
)

// fakeTransport mimics the real transports: Close synchronously invokes
// onClose exactly once, the same contract StreamTransport/WSTransport
// uphold.
type fakeTransport struct {
	dispatched [][]byte
	closed     bool
	onClose    func()
}

func (f *fakeTransport) Dispatch(frame []byte) error {
	f.dispatched = append(f.dispatched, frame)
	return nil
}
func (f *fakeTransport) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	if f.onClose != nil {
		f.onClose()
	}
	return nil
}
func (f *fakeTransport) Destroy() { f.Close() }

func TestHandshakeLifecycle(t *testing.T) {
	ft := &fakeTransport{}
	var emitted []block.Type
	p := New(ft, func(t block.Type, _ []byte) { emitted = append(emitted, t) }, nil, nil)

	if p.State() != Start {
		t.Fatal("expected initial state Start")
	}

	p.HandleFrame(block.Handshake, []byte("offer"))
	if p.State() != Handshake {
		t.Fatalf("expected Handshake after inbound Handshake, got %v", p.State())
	}

	p.HandleFrame(block.HandshakeAcknowledgement, []byte("ack"))
	if p.State() != Work {
		t.Fatalf("expected Work after inbound ack, got %v", p.State())
	}

	if len(emitted) != 2 {
		t.Fatalf("expected 2 emitted blocks, got %d", len(emitted))
	}
}

func TestStateGateRejectsIllegalPairs(t *testing.T) {
	ft := &fakeTransport{}
	var emitted int
	p := New(ft, func(block.Type, []byte) { emitted++ }, nil, nil)

	// Data is illegal in Start.
	p.HandleFrame(block.Data, []byte("x"))
	if emitted != 0 {
		t.Fatal("expected Data to be rejected in Start state")
	}
	if p.State() != Start {
		t.Fatal("expected state to remain Start after illegal block")
	}
}

func TestOutboundHandshakeTransitionsState(t *testing.T) {
	ft := &fakeTransport{}
	p := New(ft, nil, nil, nil)

	p.SendHandshake([]byte("hi"))
	if p.State() != Handshake {
		t.Fatalf("expected Handshake after outbound handshake, got %v", p.State())
	}
	if len(ft.dispatched) != 1 {
		t.Fatalf("expected 1 dispatched frame, got %d", len(ft.dispatched))
	}
}

func TestDisconnectClosesTransportAndState(t *testing.T) {
	ft := &fakeTransport{}
	var disconnects int
	p := New(ft, nil, func() { disconnects++ }, nil)
	ft.onClose = p.OnTransportClosed
	p.Disconnect()
	if p.State() != Closed {
		t.Fatal("expected Closed after Disconnect")
	}
	if !ft.closed {
		t.Fatal("expected transport to be closed")
	}
	if disconnects != 1 {
		t.Fatalf("expected exactly 1 disconnect notification, got %d", disconnects)
	}
}

func TestTransportClosureReRaisesDisconnect(t *testing.T) {
	ft := &fakeTransport{}
	var disconnects int
	p := New(ft, nil, func() { disconnects++ }, nil)

	p.OnTransportClosed()
	p.OnTransportClosed() // idempotent
	if p.State() != Closed {
		t.Fatal("expected Closed")
	}
	if disconnects != 1 {
		t.Fatalf("expected exactly 1 disconnect notification, got %d", disconnects)
	}
}

func TestClosedStateIgnoresFurtherFrames(t *testing.T) {
	ft := &fakeTransport{}
	var emitted int
	p := New(ft, func(block.Type, []byte) { emitted++ }, nil, nil)
	ft.onClose = p.OnTransportClosed
	p.Disconnect()
	p.HandleFrame(block.Heartbeat, nil)
	if emitted != 0 {
		t.Fatal("expected no emission once Closed")
	}
}
