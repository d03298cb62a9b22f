package middleware

import (
	"strings"
	"time"

	"duplexrpc/commander"
	"duplexrpc/payload"

	"go.uber.org/zap"
)

// RetryMiddleware retries a Task up to maxRetries times, with exponential
// backoff starting at baseDelay, when the error looks transient (timeout or
// connection refused). Any other error returns immediately.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, log *zap.SugaredLogger) Middleware {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(c *commander.Commander, env payload.Envelope, service any) ([]byte, error) {
			data, err := next(c, env, service)
			for i := 0; i < maxRetries; i++ {
				if err == nil {
					return data, nil
				}
				if !isTransient(err) {
					return data, err
				}
				log.Warnw("retrying handler", "name", env.Name, "attempt", i+1, "error", err)
				time.Sleep(baseDelay * (1 << i))
				data, err = next(c, env, service)
			}
			return data, err
		}
	}
}

func isTransient(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "connection refused")
}
