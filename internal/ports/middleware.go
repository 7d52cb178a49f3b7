package ports

import (
	"log/slog"
	"net/http"

	"github.com/Amund211/asyncrefresh/internal/logging"
	"github.com/Amund211/asyncrefresh/internal/ratelimiting"
	"github.com/Amund211/asyncrefresh/internal/reporting"
)

func NewRateLimitMiddleware(rateLimiter ratelimiting.RequestRateLimiter, onLimitExceeded http.HandlerFunc) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if !rateLimiter.Consume(r) {
				onLimitExceeded(w, r)
				return
			}

			next(w, r)
		}
	}
}

func ComposeMiddlewares(middlewares ...func(http.HandlerFunc) http.HandlerFunc) func(http.HandlerFunc) http.HandlerFunc {
	if len(middlewares) == 1 {
		return middlewares[0]
	}
	first := middlewares[0]
	rest := ComposeMiddlewares(middlewares[1:]...)
	return func(h http.HandlerFunc) http.HandlerFunc {
		return first(rest(h))
	}
}

func makeOnLimitExceeded(rateLimiter ratelimiting.RequestRateLimiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logging.FromContext(ctx).InfoContext(ctx, "Rate limit exceeded", "statusCode", http.StatusTooManyRequests, "key", rateLimiter.KeyFor(r))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"success":false,"cause":"rate limit exceeded"}`))
	}
}

// buildAdminMiddleware is the middleware stack shared by the admin endpoints.
// The returned function stops the rate limiters' background expiry.
func buildAdminMiddleware(
	operation string,
	refillPerSecond ratelimiting.RefillPerSecond,
	burstSize ratelimiting.BurstSize,
	allowedOrigins *DomainSuffixes,
	rootLogger *slog.Logger,
	sentryMiddleware func(http.HandlerFunc) http.HandlerFunc,
) (func(http.HandlerFunc) http.HandlerFunc, func()) {
	ipLimiter, stopIPLimiter := ratelimiting.NewTokenBucketRateLimiter(refillPerSecond, burstSize)
	ipRateLimiter := ratelimiting.NewRequestBasedRateLimiter(ipLimiter, ratelimiting.IPKeyFunc)

	userIDLimiter, stopUserIDLimiter := ratelimiting.NewTokenBucketRateLimiter(refillPerSecond/2, burstSize/2)
	userIDRateLimiter := ratelimiting.NewRequestBasedRateLimiter(
		// NOTE: Rate limiting based on user controlled value
		userIDLimiter,
		ratelimiting.UserIDKeyFunc,
	)

	middleware := ComposeMiddlewares(
		buildMetricsMiddleware(operation),
		logging.NewRequestLoggerMiddleware(rootLogger),
		sentryMiddleware,
		reporting.NewAddMetaMiddleware(operation),
		BuildCORSMiddleware(allowedOrigins),
		NewRateLimitMiddleware(ipRateLimiter, makeOnLimitExceeded(ipRateLimiter)),
		NewRateLimitMiddleware(userIDRateLimiter, makeOnLimitExceeded(userIDRateLimiter)),
	)

	return middleware, func() {
		stopIPLimiter()
		stopUserIDLimiter()
	}
}
