package commander

import (
	"sync"
	"testing"
	"time"

	"duplexrpc/block"
	"duplexrpc/payload"
	"duplexrpc/validator"
)

// directTransport wires one Commander's outbound frames directly into its
// peer's inbound HandleFrame, synchronously — sufficient to exercise the
// Commander without a real socket or Protocol-owned Transport.
type directTransport struct {
	mu     sync.Mutex
	closed bool
	peer   *Commander
}

func (d *directTransport) Dispatch(frame []byte) error {
	typ, body, err := block.Decode(frame)
	if err != nil {
		return err
	}
	d.peer.proto.HandleFrame(typ, body)
	return nil
}

func (d *directTransport) Close() error {
	d.mu.Lock()
	already := d.closed
	d.closed = true
	d.mu.Unlock()
	if !already {
		// Nothing else to tear down for the in-memory pair; the real
		// transports additionally fire onClose, exercised in transport/
		// and protocol/ tests instead.
	}
	return nil
}

func (d *directTransport) Destroy() { d.Close() }

func newPair(t *testing.T, requestTimeout time.Duration, handlerTable map[string]Task, serviceSubject any) (*Commander, *Commander) {
	t.Helper()

	svcT := &directTransport{}
	botT := &directTransport{}

	svc := New(svcT, Config{
		Role:           Service,
		RequestTimeout: requestTimeout,
		PulseInterval:  20 * time.Millisecond,
		PulseLimit:     3,
		HandlerTable:   handlerTable,
		Service:        serviceSubject,
		Validator:      validator.DefaultValidator{},
	})
	bot := New(botT, Config{
		Role:           Bot,
		RequestTimeout: requestTimeout,
		PulseInterval:  20 * time.Millisecond,
		PulseLimit:     3,
		Validator:      validator.DefaultValidator{},
	})

	svcT.peer = bot
	botT.peer = svc

	return svc, bot
}

func TestHandshakeHappyPath(t *testing.T) {
	svc, bot := newPair(t, time.Second, map[string]Task{
		"echo": func(c *Commander, env payload.Envelope, service any) ([]byte, error) {
			return env.Data, nil
		},
	}, nil)

	svc.Start(nil)
	bot.Start(nil)

	time.Sleep(20 * time.Millisecond)

	if svc.proto.State().String() != "Work" {
		t.Fatalf("expected service in Work state, got %v", svc.proto.State())
	}
	if bot.proto.State().String() != "Work" {
		t.Fatalf("expected bot in Work state, got %v", bot.proto.State())
	}
}

func TestRequestResponseRoundTrip(t *testing.T) {
	svc, bot := newPair(t, time.Second, map[string]Task{
		"echo": func(c *Commander, env payload.Envelope, service any) ([]byte, error) {
			return env.Data, nil
		},
	}, nil)
	svc.Start(nil)
	bot.Start(nil)
	time.Sleep(20 * time.Millisecond)

	done := make(chan payload.Envelope, 1)
	_, err := bot.Request("echo", func(env payload.Envelope) { done <- env }, []byte("hi"))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	select {
	case env := <-done:
		if env.Error != "" || string(env.Data) != "hi" {
			t.Fatalf("unexpected envelope: %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestRequestTimeoutSynthesizesFailure(t *testing.T) {
	svc, bot := newPair(t, 50*time.Millisecond, map[string]Task{}, nil)
	svc.Start(nil)
	bot.Start(nil)
	time.Sleep(20 * time.Millisecond)

	done := make(chan payload.Envelope, 1)
	_, err := bot.Request("slow", func(env payload.Envelope) { done <- env }, nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	select {
	case env := <-done:
		if env.Error != "timeout" || env.Name != "slow" {
			t.Fatalf("expected timeout envelope, got %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for synthesized timeout")
	}
}

func TestCommandFanOut(t *testing.T) {
	svc, bot := newPair(t, time.Second, map[string]Task{}, nil)
	svc.Start(nil)
	bot.Start(nil)
	time.Sleep(20 * time.Millisecond)

	var mu sync.Mutex
	var got1, got2 string
	done := make(chan struct{}, 2)
	bot.On("tick", func(env payload.Envelope) {
		mu.Lock()
		got1 = string(env.Data)
		mu.Unlock()
		done <- struct{}{}
	})
	bot.On("tick", func(env payload.Envelope) {
		mu.Lock()
		got2 = string(env.Data)
		mu.Unlock()
		done <- struct{}{}
	})

	if err := svc.Command("tick", []byte("T")); err != nil {
		t.Fatalf("Command failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if got1 != "T" || got2 != "T" {
		t.Fatalf("expected both subscribers to see T, got %q %q", got1, got2)
	}
}

func TestOffRemovesOnlyTargetedSubscription(t *testing.T) {
	svc, bot := newPair(t, time.Second, map[string]Task{}, nil)
	svc.Start(nil)
	bot.Start(nil)
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{}, 1)
	keepID := bot.On("tick", func(payload.Envelope) { done <- struct{}{} })
	dropID := bot.On("tick", func(payload.Envelope) { t.Fatal("removed subscription should not fire") })
	bot.Off("tick", dropID)
	_ = keepID

	if err := svc.Command("tick", nil); err != nil {
		t.Fatalf("Command failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for remaining subscriber")
	}
}

func TestRequestIDsAreUnique(t *testing.T) {
	svc, bot := newPair(t, time.Second, map[string]Task{}, nil)
	svc.Start(nil)
	bot.Start(nil)
	time.Sleep(20 * time.Millisecond)

	ids := map[uint64]bool{}
	for i := 0; i < 5; i++ {
		id, err := bot.Request("noop", func(payload.Envelope) {}, nil)
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		if ids[id] {
			t.Fatalf("duplicate request id %d", id)
		}
		ids[id] = true
	}
}

func TestKickReasonRoundTrips(t *testing.T) {
	body := encodeReason(Timeout)
	if string(body) != "1" {
		t.Fatalf("expected decimal reason 1, got %q", body)
	}
	if decodeReason(body) != Timeout {
		t.Fatalf("expected decode to recover Timeout")
	}
	if decodeReason([]byte("garbage")) != Unknown {
		t.Fatal("expected garbage reason to decode to Unknown")
	}
}

func TestServiceRejectsUnknownRequestName(t *testing.T) {
	svc, bot := newPair(t, time.Second, map[string]Task{}, nil)
	svc.Start(nil)
	bot.Start(nil)
	time.Sleep(20 * time.Millisecond)

	done := make(chan payload.Envelope, 1)
	_, err := bot.Request("does-not-exist", func(env payload.Envelope) { done <- env }, nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	select {
	case <-done:
		t.Fatal("expected no response for an unregistered handler, peer should time out instead")
	case <-time.After(100 * time.Millisecond):
		// Expected: Service silently drops unknown request names, per spec,
		// relying on the caller's own timeout.
	}
}
