package ports

import (
	"log/slog"
	"net/http"

	"github.com/Amund211/asyncrefresh/internal/app"
	"github.com/Amund211/asyncrefresh/internal/logging"
	"github.com/Amund211/asyncrefresh/internal/ratelimiting"
	"github.com/Amund211/asyncrefresh/internal/reporting"
)

func MakeGetCacheEntryHandler(
	getCacheEntry app.GetCacheEntry,
	allowedOrigins *DomainSuffixes,
	rootLogger *slog.Logger,
	sentryMiddleware func(http.HandlerFunc) http.HandlerFunc,
) http.HandlerFunc {
	middleware, _ := buildAdminMiddleware(
		"getcacheentry",
		ratelimiting.RefillPerSecond(8),
		ratelimiting.BurstSize(240),
		allowedOrigins,
		rootLogger,
		sentryMiddleware,
	)

	handler := func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		cacheID := r.PathValue("cacheID")
		key := r.PathValue("key")

		ctx = logging.AddMetaToContext(ctx, slog.String("key", key))
		ctx = reporting.AddExtrasToContext(ctx, map[string]string{
			"cacheID": cacheID,
			"key":     key,
		})

		entry, err := getCacheEntry(ctx, cacheID, key)
		if err != nil {
			writeAppError(ctx, w, err)
			return
		}

		writeJSON(ctx, w, http.StatusOK, cacheEntryResponse{
			Success:  true,
			CacheID:  cacheID,
			Key:      key,
			UpToDate: entry.UpToDate,
			Value:    entry.Value,
		})
	}

	return middleware(handler)
}

func MakeRefreshCacheEntryHandler(
	refreshCacheEntry app.RefreshCacheEntry,
	allowedOrigins *DomainSuffixes,
	rootLogger *slog.Logger,
	sentryMiddleware func(http.HandlerFunc) http.HandlerFunc,
) http.HandlerFunc {
	middleware, _ := buildAdminMiddleware(
		"refreshcacheentry",
		ratelimiting.RefillPerSecond(2),
		ratelimiting.BurstSize(60),
		allowedOrigins,
		rootLogger,
		sentryMiddleware,
	)

	handler := func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		cacheID := r.PathValue("cacheID")
		key := r.PathValue("key")

		ctx = logging.AddMetaToContext(ctx, slog.String("key", key))
		ctx = reporting.AddExtrasToContext(ctx, map[string]string{
			"cacheID": cacheID,
			"key":     key,
		})

		if err := refreshCacheEntry(ctx, cacheID, key); err != nil {
			writeAppError(ctx, w, err)
			return
		}

		logging.FromContext(ctx).InfoContext(ctx, "Queued cache refresh")

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"success":true}`))
	}

	return middleware(handler)
}

func MakeListCachesHandler(
	listCaches app.ListCaches,
	allowedOrigins *DomainSuffixes,
	rootLogger *slog.Logger,
	sentryMiddleware func(http.HandlerFunc) http.HandlerFunc,
) http.HandlerFunc {
	middleware, _ := buildAdminMiddleware(
		"listcaches",
		ratelimiting.RefillPerSecond(2),
		ratelimiting.BurstSize(60),
		allowedOrigins,
		rootLogger,
		sentryMiddleware,
	)

	handler := func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		writeJSON(ctx, w, http.StatusOK, cacheSummariesToResponse(listCaches(ctx)))
	}

	return middleware(handler)
}
