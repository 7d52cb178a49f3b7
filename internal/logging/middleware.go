package logging

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

func NewRequestLoggerMiddleware(logger *slog.Logger) func(next http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			orMissing := func(value string) string {
				if value == "" {
					return "<missing>"
				}
				return value
			}

			requestLogger := logger.With(
				slog.String("correlationID", uuid.New().String()),
				slog.String("methodPath", fmt.Sprintf("%s %s", r.Method, r.URL.Path)),
				slog.String("cacheID", orMissing(r.PathValue("cacheID"))),
				slog.String("userId", orMissing(r.Header.Get("X-User-Id"))),
				slog.String("userAgent", orMissing(r.UserAgent())),
			)

			next(w, r.WithContext(AddToContext(r.Context(), requestLogger)))
		}
	}
}
