package ports

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Amund211/asyncrefresh/internal/adapters/clusterbus"
	"github.com/Amund211/asyncrefresh/internal/app"
	"github.com/Amund211/asyncrefresh/internal/domain"
	"github.com/Amund211/asyncrefresh/internal/ratelimiting"
)

const defaultEventLimit = 50

func MakeListRecentEventsHandler(
	listRecentEvents app.ListRecentEvents,
	allowedOrigins *DomainSuffixes,
	rootLogger *slog.Logger,
	sentryMiddleware func(http.HandlerFunc) http.HandlerFunc,
) http.HandlerFunc {
	middleware, _ := buildAdminMiddleware(
		"listrecentevents",
		ratelimiting.RefillPerSecond(1),
		ratelimiting.BurstSize(30),
		allowedOrigins,
		rootLogger,
		sentryMiddleware,
	)

	handler := func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		limit := defaultEventLimit
		if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
			parsed, err := strconv.Atoi(rawLimit)
			if err != nil {
				writeAppError(ctx, w, domain.ErrIllegalArgument)
				return
			}
			limit = parsed
		}

		events, err := listRecentEvents(ctx, limit)
		if err != nil {
			writeAppError(ctx, w, err)
			return
		}
		if events == nil {
			events = []clusterbus.RecordedEvent{}
		}

		writeJSON(ctx, w, http.StatusOK, eventsResponse{Success: true, Events: events})
	}

	return middleware(handler)
}
