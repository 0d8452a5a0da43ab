package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"regledger/pkg/requestcontext"
)

// RateLimit enforces a fixed-window per-IP request cap backed by Redis.
// A nil client or non-positive limit disables limiting. Redis outages fail
// open: dropping requests because the limiter is down hurts more than
// briefly not limiting.
func RateLimit(client *redis.Client, perMinute int, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if client == nil || perMinute <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ip := requestcontext.ClientIP(ctx)
			if ip == "" {
				ip = r.RemoteAddr
			}

			window := time.Now().Unix() / 60
			key := "ratelimit:" + ip + ":" + strconv.FormatInt(window, 10)

			pipe := client.TxPipeline()
			count := pipe.Incr(ctx, key)
			pipe.Expire(ctx, key, 2*time.Minute)
			if _, err := pipe.Exec(ctx); err != nil {
				logger.WarnContext(ctx, "rate limiter unavailable, failing open",
					"error", err,
					"request_id", requestcontext.RequestID(ctx),
				)
				next.ServeHTTP(w, r)
				return
			}

			if count.Val() > int64(perMinute) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "60")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate_limited","error_description":"too many requests"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
