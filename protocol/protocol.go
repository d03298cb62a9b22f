// Package protocol owns the Start -> Handshake -> Work -> Closed lifecycle.
// It filters which block types are legal per state and emits the legal
// ones upward, and wraps outgoing blocks for Transport to dispatch.
//
// This package's name is deliberately reused from the teacher's original
// byte-framing package: here it means the protocol STATE MACHINE the spec
// describes in §4.6, not the wire codec (that concern now lives in
// package block) or the byte-stream reassembly (package transport).
package protocol

import (
	"duplexrpc/block"

	"go.uber.org/zap"
)

// State is one of the four lifecycle states. There are no transitions out
// of Closed.
type State int

const (
	Start State = iota
	Handshake
	Work
	Closed
)

func (s State) String() string {
	switch s {
	case Start:
		return "Start"
	case Handshake:
		return "Handshake"
	case Work:
		return "Work"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// transport is the subset of transport.Transport the Protocol drives.
type transport interface {
	Dispatch(frame []byte) error
	Close() error
	Destroy()
}

// Protocol is the per-connection state gate between Transport and
// Commander.
type Protocol struct {
	state State
	t     transport
	log   *zap.SugaredLogger

	onEmit       func(block.Type, []byte)
	onDisconnect func()
}

// New constructs a Protocol in state Start, wired to t. onEmit is called
// synchronously for every admitted inbound block; onDisconnect fires
// exactly once when the transport signals closure (whether from a local
// Disconnect or a peer/transport failure).
func New(t transport, onEmit func(block.Type, []byte), onDisconnect func(), log *zap.SugaredLogger) *Protocol {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Protocol{state: Start, t: t, onEmit: onEmit, onDisconnect: onDisconnect, log: log}
}

// State returns the current lifecycle state.
func (p *Protocol) State() State {
	return p.state
}

// HandleFrame is the Transport's onFrame callback: it applies the inbound
// gate table for the current state, logging and discarding anything not
// listed there.
func (p *Protocol) HandleFrame(t block.Type, body []byte) {
	if p.state == Closed {
		return
	}

	admitted, next := p.gate(t)
	if !admitted {
		p.log.Warnw("protocol: block illegal in current state, discarding", "state", p.state, "blockType", t)
		return
	}
	if next != p.state {
		p.state = next
	}
	if p.onEmit != nil {
		p.onEmit(t, body)
	}
}

// gate implements the table from spec §4.6.
func (p *Protocol) gate(t block.Type) (admitted bool, next State) {
	switch p.state {
	case Start:
		switch t {
		case block.Handshake:
			return true, Handshake
		case block.Heartbeat:
			return true, Start
		}
	case Handshake:
		switch t {
		case block.HandshakeAcknowledgement:
			return true, Work
		case block.Heartbeat, block.Kick:
			return true, Handshake
		}
	case Work:
		switch t {
		case block.Heartbeat, block.Kick, block.Data:
			return true, Work
		}
	}
	return false, p.state
}

// OnTransportClosed is wired to the Transport's onClose callback: the
// state unconditionally transitions to Closed and the disconnect event is
// re-raised upward.
func (p *Protocol) OnTransportClosed() {
	if p.state == Closed {
		return
	}
	p.state = Closed
	if p.onDisconnect != nil {
		p.onDisconnect()
	}
}

// Send emits a Data block carrying body.
func (p *Protocol) Send(body []byte) error {
	return p.dispatch(block.Data, body)
}

// SendHeartbeat emits a Heartbeat block (empty body).
func (p *Protocol) SendHeartbeat() error {
	return p.dispatch(block.Heartbeat, nil)
}

// SendHandshake emits a Handshake block and transitions Start -> Handshake.
func (p *Protocol) SendHandshake(body []byte) error {
	if p.state == Start {
		p.state = Handshake
	}
	return p.dispatch(block.Handshake, body)
}

// SendAcknowledgement emits a HandshakeAcknowledgement block.
func (p *Protocol) SendAcknowledgement(body []byte) error {
	return p.dispatch(block.HandshakeAcknowledgement, body)
}

// SendKick emits a Kick block. The reason is encoded by the caller as its
// decimal textual representation (spec §9, resolved open question).
func (p *Protocol) SendKick(reason []byte) error {
	return p.dispatch(block.Kick, reason)
}

// Disconnect closes the transport. The transition to Closed and the
// upward disconnect notification both happen through OnTransportClosed,
// which Close triggers synchronously — the same single path a peer-
// initiated or I/O-error closure takes (spec: "surfaces as a single
// upward disconnect notification").
func (p *Protocol) Disconnect() {
	if p.state == Closed {
		return
	}
	p.t.Close()
}

func (p *Protocol) dispatch(t block.Type, body []byte) error {
	if p.state == Closed {
		return nil
	}
	frame, err := block.Encode(t, body)
	if err != nil {
		return err
	}
	return p.t.Dispatch(frame)
}
