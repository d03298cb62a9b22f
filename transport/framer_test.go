package transport

import (
	"bytes"
	"testing"

	"duplexrpc/block"
)

// collector records every frame emitted by the reassembler in order.
type collector struct {
	types  []block.Type
	bodies [][]byte
}

func (c *collector) onFrame(t block.Type, body []byte) {
	c.types = append(c.types, t)
	c.bodies = append(c.bodies, body)
}

func TestReassemblyWholeFrames(t *testing.T) {
	c := &collector{}
	r := newReassembler(c.onFrame, nil)

	f1, _ := block.Encode(block.Data, []byte("abc"))
	f2, _ := block.Encode(block.Heartbeat, nil)
	f3, _ := block.Encode(block.Kick, []byte("3"))

	all := append(append(append([]byte{}, f1...), f2...), f3...)

	// Feed in arbitrary 1-byte chunks to prove reassembly independence from
	// chunk boundaries.
	for i := 0; i < len(all); i++ {
		r.feed(all[i : i+1])
	}

	if len(c.types) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(c.types))
	}
	if c.types[0] != block.Data || !bytes.Equal(c.bodies[0], []byte("abc")) {
		t.Errorf("frame 0 mismatch: %v %q", c.types[0], c.bodies[0])
	}
	if c.types[1] != block.Heartbeat || len(c.bodies[1]) != 0 {
		t.Errorf("frame 1 mismatch: %v %q", c.types[1], c.bodies[1])
	}
	if c.types[2] != block.Kick || !bytes.Equal(c.bodies[2], []byte("3")) {
		t.Errorf("frame 2 mismatch: %v %q", c.types[2], c.bodies[2])
	}
}

func TestReassemblyArbitraryChunking(t *testing.T) {
	c := &collector{}
	r := newReassembler(c.onFrame, nil)

	f1, _ := block.Encode(block.Data, bytes.Repeat([]byte("x"), 100))
	f2, _ := block.Encode(block.Data, []byte("y"))
	all := append(append([]byte{}, f1...), f2...)

	// The first chunk ends inside frame 1's body; the second carries the
	// rest of frame 1 and all of frame 2.
	r.feed(all[:50])
	r.feed(all[50:])

	if len(c.types) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(c.types))
	}
}

func TestReassemblyDiscardsInvalidType(t *testing.T) {
	c := &collector{}
	r := newReassembler(c.onFrame, nil)

	bad := []byte{0xFF, 0, 0, 0}
	good, _ := block.Encode(block.Heartbeat, nil)

	r.feed(bad)
	r.feed(good)

	if len(c.types) != 1 || c.types[0] != block.Heartbeat {
		t.Fatalf("expected recovery to the next valid frame, got %+v", c.types)
	}
}
