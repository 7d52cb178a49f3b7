package ports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Amund211/asyncrefresh/internal/adapters/clusterbus"
	"github.com/Amund211/asyncrefresh/internal/app"
	"github.com/Amund211/asyncrefresh/internal/domain"
	"github.com/Amund211/asyncrefresh/internal/logging"
	"github.com/Amund211/asyncrefresh/internal/reporting"
)

type errorResponse struct {
	Success bool   `json:"success"`
	Cause   string `json:"cause"`
}

type cacheEntryResponse struct {
	Success  bool   `json:"success"`
	CacheID  string `json:"cacheID"`
	Key      string `json:"key"`
	UpToDate bool   `json:"upToDate"`
	Value    any    `json:"value"`
}

type cacheSummaryResponse struct {
	ID          string   `json:"id"`
	Keys        []string `json:"keys"`
	QueueLength int      `json:"queueLength"`
}

type cachesResponse struct {
	Success bool                   `json:"success"`
	Caches  []cacheSummaryResponse `json:"caches"`
}

type lockResponse struct {
	NodeRef        string `json:"nodeRef"`
	Type           string `json:"type"`
	Owner          string `json:"owner"`
	Lifetime       string `json:"lifetime"`
	Expires        string `json:"expires,omitempty"`
	AdditionalInfo string `json:"additionalInfo,omitempty"`
}

type lockStatusResponse struct {
	Success bool         `json:"success"`
	Status  string       `json:"status"`
	Lock    lockResponse `json:"lock"`
}

type locksResponse struct {
	Success bool           `json:"success"`
	Locks   []lockResponse `json:"locks"`
}

type eventsResponse struct {
	Success bool                       `json:"success"`
	Events  []clusterbus.RecordedEvent `json:"events"`
}

func cacheSummariesToResponse(summaries []app.CacheSummary) cachesResponse {
	caches := make([]cacheSummaryResponse, 0, len(summaries))
	for _, summary := range summaries {
		keys := summary.Keys
		if keys == nil {
			keys = []string{}
		}
		caches = append(caches, cacheSummaryResponse{
			ID:          summary.ID,
			Keys:        keys,
			QueueLength: summary.QueueLen,
		})
	}
	return cachesResponse{Success: true, Caches: caches}
}

func lockStateToResponse(state domain.LockState) lockResponse {
	var expires string
	if !state.Expires().IsZero() {
		expires = state.Expires().UTC().Format(time.RFC3339)
	}
	return lockResponse{
		NodeRef:        state.NodeRef().String(),
		Type:           string(state.Type()),
		Owner:          state.Owner(),
		Lifetime:       string(state.Lifetime()),
		Expires:        expires,
		AdditionalInfo: state.AdditionalInfo(),
	}
}

func lockStatesToResponse(states []domain.LockState) locksResponse {
	locks := make([]lockResponse, 0, len(states))
	for _, state := range states {
		locks = append(locks, lockStateToResponse(state))
	}
	return locksResponse{Success: true, Locks: locks}
}

func writeJSON(ctx context.Context, w http.ResponseWriter, statusCode int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		reporting.Report(ctx, fmt.Errorf("failed to marshal response: %w", err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"success":false,"cause":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(data)
}

func writeError(ctx context.Context, w http.ResponseWriter, cause string, statusCode int) {
	logging.FromContext(ctx).InfoContext(ctx, "Returning error response", "cause", cause, "statusCode", statusCode)
	writeJSON(ctx, w, statusCode, errorResponse{Success: false, Cause: cause})
}

// writeAppError maps errors from the app layer to responses.
// App functions report unexpected errors themselves.
func writeAppError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrIllegalArgument), errors.Is(err, domain.ErrUnsupportedLifetime):
		writeError(ctx, w, "invalid request", http.StatusBadRequest)
	case errors.Is(err, domain.ErrUnableToAcquireLock):
		writeError(ctx, w, "locked by another user", http.StatusConflict)
	case errors.Is(err, domain.ErrConcurrencyFailure):
		writeError(ctx, w, "concurrent modification", http.StatusConflict)
	case errors.Is(err, domain.ErrCacheNotFound):
		writeError(ctx, w, "cache not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrTemporarilyUnavailable):
		writeError(ctx, w, "temporarily unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(ctx, w, "request cancelled", http.StatusServiceUnavailable)
	default:
		writeError(ctx, w, "internal server error", http.StatusInternalServerError)
	}
}
