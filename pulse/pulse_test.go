package pulse

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestServiceRoleFiresAfterLimitSilentTicks(t *testing.T) {
	var fired int32
	p := New(5*time.Millisecond, 3, Service, func() {
		atomic.AddInt32(&fired, 1)
	})
	p.Start()
	defer p.Clear()

	// The action fires on every (limit+1)th silent tick; 45ms spans about
	// nine 5ms ticks, so at least one fire is expected.
	time.Sleep(45 * time.Millisecond)
	if atomic.LoadInt32(&fired) < 1 {
		t.Fatal("expected pulse to fire at least once under silence")
	}
}

func TestResetPreventsFiring(t *testing.T) {
	var fired int32
	p := New(5*time.Millisecond, 3, Service, func() {
		atomic.AddInt32(&fired, 1)
	})
	p.Start()
	defer p.Clear()

	stop := time.After(30 * time.Millisecond)
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-time.After(2 * time.Millisecond):
			p.Reset()
		}
	}
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatalf("expected no fire while repeatedly reset, got %d", fired)
	}
}

func TestBotRoleFiresEveryTick(t *testing.T) {
	var fired int32
	const interval = 5 * time.Millisecond
	p := New(interval, 100, Bot, func() {
		atomic.AddInt32(&fired, 1)
	})
	p.Start()
	defer p.Clear()

	// Spec §8 property 6: in Bot role, each silent tick produces exactly
	// one outbound Heartbeat — not every other tick. Over 7 ticks we expect
	// a fire on essentially all of them; allow a one-tick margin for the
	// first/last tick straddling the sleep window.
	const ticks = 7
	time.Sleep(interval*ticks + interval/2)
	if got := atomic.LoadInt32(&fired); got < ticks-1 {
		t.Fatalf("expected a fire on nearly every one of %d ticks, got %d", ticks, got)
	}
}

func TestClearIsIdempotent(t *testing.T) {
	p := New(time.Millisecond, 1, Service, func() {})
	p.Start()
	p.Clear()
	p.Clear()
}
