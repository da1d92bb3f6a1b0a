package handler

import (
	"net/http"
	"strconv"

	"wace-auth/internal/apperr"
	"wace-auth/internal/ratelimit"
	"wace-auth/internal/util"

	"go.uber.org/zap"
)

// RateLimitMiddleware charges every request against rule, keyed by client IP
func RateLimitMiddleware(limiter *ratelimit.Limiter, rule ratelimit.RuleType, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			ip := util.ClientIP(r)
			res := limiter.Check(rule, ip, ratelimit.OutcomeUnknown)

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if !res.Allowed {
				h.Set("Retry-After", strconv.Itoa(res.RetryAfter))
				logger.Warn("Request rate limited",
					util.String("rule", string(rule)),
					util.String("ip", ip),
					util.String("path", r.URL.Path),
				)
				writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
					Error:      "Too many requests",
					Code:       apperr.KindRateLimited.String(),
					RetryAfter: res.RetryAfter,
				}, logger)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
