package middleware

import (
	"errors"
	"time"

	"duplexrpc/commander"
	"duplexrpc/payload"
)

type timeoutResult struct {
	data []byte
	err  error
}

// TimeoutMiddleware bounds how long a Task is allowed to run. If it doesn't
// complete within timeout, an error is returned immediately to the caller;
// the handler goroutine itself is not cancelled and keeps running in the
// background, so a Task that ultimately responds (Response/Error) after the
// timeout still sends that reply — the caller here only stops waiting.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(c *commander.Commander, env payload.Envelope, service any) ([]byte, error) {
			done := make(chan timeoutResult, 1)
			go func() {
				data, err := next(c, env, service)
				done <- timeoutResult{data, err}
			}()

			select {
			case r := <-done:
				return r.data, r.err
			case <-time.After(timeout):
				return nil, errors.New("handler timed out")
			}
		}
	}
}
