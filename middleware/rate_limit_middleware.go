package middleware

import (
	"errors"

	"duplexrpc/commander"
	"duplexrpc/payload"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware guards a Task with a token-bucket limiter: r tokens
// refill per second, up to burst. The limiter is built once, outside the
// returned handler, so it is shared across every invocation rather than
// reset per call.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(c *commander.Commander, env payload.Envelope, service any) ([]byte, error) {
			if !limiter.Allow() {
				return nil, errors.New("rate limit exceeded")
			}
			return next(c, env, service)
		}
	}
}
