package middleware

import (
	"time"

	"duplexrpc/commander"
	"duplexrpc/payload"

	"go.uber.org/zap"
)

// LoggingMiddleware records the envelope name, duration, and any error for
// each Task invocation.
func LoggingMiddleware(log *zap.SugaredLogger) Middleware {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(c *commander.Commander, env payload.Envelope, service any) ([]byte, error) {
			start := time.Now()
			data, err := next(c, env, service)
			log.Infow("rpc handled", "name", env.Name, "id", env.ID, "duration", time.Since(start), "error", err)
			return data, err
		}
	}
}
