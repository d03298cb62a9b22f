package middleware

import (
	"errors"
	"testing"
	"time"

	"duplexrpc/commander"
	"duplexrpc/payload"
)

func echoHandler(c *commander.Commander, env payload.Envelope, service any) ([]byte, error) {
	return []byte("ok"), nil
}

func slowHandler(c *commander.Commander, env payload.Envelope, service any) ([]byte, error) {
	time.Sleep(200 * time.Millisecond)
	return []byte("ok"), nil
}

func failingHandler(c *commander.Commander, env payload.Envelope, service any) ([]byte, error) {
	return nil, errors.New("boom")
}

func envelope(name string) payload.Envelope {
	return payload.Create(payload.Request, name, 1, nil, "")
}

func TestLogging(t *testing.T) {
	handler := LoggingMiddleware(nil)(echoHandler)
	data, err := handler(nil, envelope("Arith.Add"), nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if string(data) != "ok" {
		t.Fatalf("expected payload 'ok', got %q", data)
	}
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeoutMiddleware(500 * time.Millisecond)(echoHandler)
	if _, err := handler(nil, envelope("Arith.Add"), nil); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeoutMiddleware(50 * time.Millisecond)(slowHandler)
	_, err := handler(nil, envelope("Arith.Add"), nil)
	if err == nil || err.Error() != "handler timed out" {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestRateLimit(t *testing.T) {
	handler := RateLimitMiddleware(1, 2)(echoHandler)
	req := envelope("Arith.Add")

	for i := 0; i < 2; i++ {
		if _, err := handler(nil, req, nil); err != nil {
			t.Fatalf("request %d should pass, got error: %v", i, err)
		}
	}

	if _, err := handler(nil, req, nil); err == nil || err.Error() != "rate limit exceeded" {
		t.Fatalf("request 3 should be rate limited, got: %v", err)
	}
}

func TestRetryRecoversFromTransientError(t *testing.T) {
	attempts := 0
	flaky := func(c *commander.Commander, env payload.Envelope, service any) ([]byte, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("timeout dialing peer")
		}
		return []byte("ok"), nil
	}
	handler := RetryMiddleware(5, time.Millisecond, nil)(flaky)
	data, err := handler(nil, envelope("Arith.Add"), nil)
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if string(data) != "ok" || attempts != 3 {
		t.Fatalf("expected 3 attempts ending in ok, got %d attempts, data %q", attempts, data)
	}
}

func TestRetryGivesUpOnNonTransientError(t *testing.T) {
	attempts := 0
	counting := func(c *commander.Commander, env payload.Envelope, service any) ([]byte, error) {
		attempts++
		return failingHandler(c, env, service)
	}
	handler := RetryMiddleware(5, time.Millisecond, nil)(counting)
	if _, err := handler(nil, envelope("Arith.Add"), nil); err == nil {
		t.Fatal("expected the non-transient error to surface")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retryable error, got %d", attempts)
	}
}

func TestChain(t *testing.T) {
	chained := Chain(LoggingMiddleware(nil), TimeoutMiddleware(500*time.Millisecond))
	handler := chained(echoHandler)
	data, err := handler(nil, envelope("Arith.Add"), nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if string(data) != "ok" {
		t.Fatalf("expected payload 'ok', got %q", data)
	}
}
