package ports

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Amund211/asyncrefresh/internal/app"
	"github.com/Amund211/asyncrefresh/internal/domain"
	"github.com/Amund211/asyncrefresh/internal/lockservice"
	"github.com/Amund211/asyncrefresh/internal/logging"
	"github.com/Amund211/asyncrefresh/internal/ratelimiting"
	"github.com/Amund211/asyncrefresh/internal/reporting"
)

const maxLockRequestSize = 4 * 1024

type lockRequestBody struct {
	Type                string `json:"type"`
	TimeToExpireSeconds int64  `json:"timeToExpireSeconds"`
	Lifetime            string `json:"lifetime"`
	AdditionalInfo      string `json:"additionalInfo"`
}

// nodeRefFromPath reads /{protocol}/{storeID}/{id} path values
func nodeRefFromPath(r *http.Request) (domain.NodeRef, error) {
	nodeRef := domain.NodeRef{
		StoreProtocol: r.PathValue("protocol"),
		StoreID:       r.PathValue("storeID"),
		ID:            r.PathValue("id"),
	}
	if nodeRef.StoreProtocol == "" || nodeRef.StoreID == "" || nodeRef.ID == "" {
		return domain.NodeRef{}, fmt.Errorf("%w: incomplete node ref %s", domain.ErrIllegalArgument, nodeRef)
	}
	return nodeRef, nil
}

// lockRequestContext parses the node ref and user shared by the lock endpoints
func lockRequestContext(w http.ResponseWriter, r *http.Request) (domain.NodeRef, string, bool) {
	ctx := r.Context()

	nodeRef, err := nodeRefFromPath(r)
	if err != nil {
		writeAppError(ctx, w, err)
		return domain.NodeRef{}, "", false
	}

	user := r.Header.Get("X-User-Id")
	if user == "" {
		writeError(ctx, w, "missing user id", http.StatusBadRequest)
		return domain.NodeRef{}, "", false
	}

	return nodeRef, user, true
}

func MakeListLocksHandler(
	listLocks app.ListLocks,
	allowedOrigins *DomainSuffixes,
	rootLogger *slog.Logger,
	sentryMiddleware func(http.HandlerFunc) http.HandlerFunc,
) http.HandlerFunc {
	middleware, _ := buildAdminMiddleware(
		"listlocks",
		ratelimiting.RefillPerSecond(2),
		ratelimiting.BurstSize(60),
		allowedOrigins,
		rootLogger,
		sentryMiddleware,
	)

	handler := func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		writeJSON(ctx, w, http.StatusOK, lockStatesToResponse(listLocks(ctx)))
	}

	return middleware(handler)
}

func MakeGetLockStatusHandler(
	getLockStatus app.GetLockStatus,
	allowedOrigins *DomainSuffixes,
	rootLogger *slog.Logger,
	sentryMiddleware func(http.HandlerFunc) http.HandlerFunc,
) http.HandlerFunc {
	middleware, _ := buildAdminMiddleware(
		"getlockstatus",
		ratelimiting.RefillPerSecond(4),
		ratelimiting.BurstSize(120),
		allowedOrigins,
		rootLogger,
		sentryMiddleware,
	)

	handler := func(w http.ResponseWriter, r *http.Request) {
		nodeRef, user, ok := lockRequestContext(w, r)
		if !ok {
			return
		}
		ctx := logging.AddMetaToContext(r.Context(), slog.String("nodeRef", nodeRef.String()))

		state, status := getLockStatus(ctx, nodeRef, user)

		writeJSON(ctx, w, http.StatusOK, lockStatusResponse{
			Success: true,
			Status:  string(status),
			Lock:    lockStateToResponse(state),
		})
	}

	return middleware(handler)
}

func MakeLockNodeHandler(
	lockNode app.LockNode,
	allowedOrigins *DomainSuffixes,
	rootLogger *slog.Logger,
	sentryMiddleware func(http.HandlerFunc) http.HandlerFunc,
) http.HandlerFunc {
	middleware, _ := buildAdminMiddleware(
		"locknode",
		ratelimiting.RefillPerSecond(2),
		ratelimiting.BurstSize(60),
		allowedOrigins,
		rootLogger,
		sentryMiddleware,
	)

	handler := func(w http.ResponseWriter, r *http.Request) {
		nodeRef, user, ok := lockRequestContext(w, r)
		if !ok {
			return
		}
		ctx := logging.AddMetaToContext(r.Context(), slog.String("nodeRef", nodeRef.String()))
		ctx = reporting.AddExtrasToContext(ctx, map[string]string{"nodeRef": nodeRef.String()})

		data, err := io.ReadAll(io.LimitReader(r.Body, maxLockRequestSize+1))
		if err != nil {
			writeError(ctx, w, "could not read request body", http.StatusBadRequest)
			return
		}
		if len(data) > maxLockRequestSize {
			writeError(ctx, w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}

		var body lockRequestBody
		if len(data) > 0 {
			if err := json.Unmarshal(data, &body); err != nil {
				writeError(ctx, w, "invalid request body", http.StatusBadRequest)
				return
			}
		}

		err = lockNode(ctx, nodeRef, lockservice.LockRequest{
			User:           user,
			Type:           domain.LockType(body.Type),
			TimeToExpire:   time.Duration(body.TimeToExpireSeconds) * time.Second,
			Lifetime:       domain.Lifetime(body.Lifetime),
			AdditionalInfo: body.AdditionalInfo,
		})
		if err != nil {
			writeAppError(ctx, w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"success":true}`))
	}

	return middleware(handler)
}

func MakeUnlockNodeHandler(
	unlockNode app.UnlockNode,
	allowedOrigins *DomainSuffixes,
	rootLogger *slog.Logger,
	sentryMiddleware func(http.HandlerFunc) http.HandlerFunc,
) http.HandlerFunc {
	middleware, _ := buildAdminMiddleware(
		"unlocknode",
		ratelimiting.RefillPerSecond(2),
		ratelimiting.BurstSize(60),
		allowedOrigins,
		rootLogger,
		sentryMiddleware,
	)

	handler := func(w http.ResponseWriter, r *http.Request) {
		nodeRef, user, ok := lockRequestContext(w, r)
		if !ok {
			return
		}
		ctx := logging.AddMetaToContext(r.Context(), slog.String("nodeRef", nodeRef.String()))
		ctx = reporting.AddExtrasToContext(ctx, map[string]string{"nodeRef": nodeRef.String()})

		if err := unlockNode(ctx, nodeRef, user); err != nil {
			writeAppError(ctx, w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"success":true}`))
	}

	return middleware(handler)
}
