// Package transport reassembles blocks from arbitrary chunking and forwards
// whole blocks upward; it also pushes outgoing blocks downward. Two
// concrete transports share the reassembly state machine in this file: a
// raw stream socket (StreamTransport) and a WebSocket connection
// (WSTransport), because neither can rely on its chunk/message boundaries
// lining up with frame boundaries (spec: "the framer does not rely on
// message boundaries").
package transport

import (
	"fmt"

	"duplexrpc/block"

	"go.uber.org/zap"
)

type readerState int

const (
	stateHead readerState = iota
	stateBody
	stateClosed
)

// reassembler is the half-duplex reader state machine described by the
// spec: two scratch regions (a 4-octet head buffer and a body buffer sized
// once the head is parsed), fed arbitrary chunks and emitting whole frames.
type reassembler struct {
	state   readerState
	head    [block.HeaderSize]byte
	headN   int
	body    []byte
	bodyN   int
	curType block.Type

	onFrame func(block.Type, []byte)
	log     *zap.SugaredLogger
}

func newReassembler(onFrame func(block.Type, []byte), log *zap.SugaredLogger) *reassembler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &reassembler{onFrame: onFrame, log: log}
}

// feed advances through chunk, writing into the current region. A chunk may
// contain multiple frames, or a partial one; feed iterates until consumed.
func (r *reassembler) feed(chunk []byte) {
	for len(chunk) > 0 {
		if r.state == stateClosed {
			return
		}
		switch r.state {
		case stateHead:
			n := copy(r.head[r.headN:], chunk)
			r.headN += n
			chunk = chunk[n:]
			if r.headN == block.HeaderSize {
				typ, bodyLen, err := block.ParseHeader(r.head)
				if err != nil {
					r.log.Warnw("transport: invalid block type, discarding chunk remainder", "error", err)
					r.headN = 0
					return
				}
				if bodyLen > block.MaxBodyLen {
					r.log.Warnw("transport: framing corruption, body length out of range", "bodyLen", bodyLen)
					r.headN = 0
					continue
				}
				r.curType = typ
				r.body = make([]byte, bodyLen)
				r.bodyN = 0
				r.headN = 0
				r.state = stateBody
				if bodyLen == 0 {
					r.emit()
				}
			}
		case stateBody:
			n := copy(r.body[r.bodyN:], chunk)
			r.bodyN += n
			chunk = chunk[n:]
			if r.bodyN == len(r.body) {
				r.emit()
			}
		}
	}
}

func (r *reassembler) emit() {
	body := r.body
	typ := r.curType
	r.state = stateHead
	r.body = nil
	r.bodyN = 0
	if r.onFrame != nil {
		r.onFrame(typ, body)
	}
}

func (r *reassembler) close() {
	r.state = stateClosed
}

var errClosed = fmt.Errorf("transport: closed")
