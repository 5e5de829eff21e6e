package middleware

import (
	"log/slog"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/phrazzld/discover-tasks/internal/api/shared"
	"github.com/phrazzld/discover-tasks/internal/platform/logger"
)

// NewTraceMiddleware gives every request a trace id and a logger carrying
// it. The id of chi's RequestID middleware is reused when present.
func NewTraceMiddleware(base *slog.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := shared.SetTraceID(r.Context(), "")
			if reqID := chimiddleware.GetReqID(r.Context()); reqID != "" {
				ctx = shared.SetTraceID(r.Context(), reqID)
			}
			traceID := shared.GetTraceID(ctx)
			w.Header().Set("X-Trace-ID", traceID)

			log := base.With(slog.String("trace_id", traceID))
			log.Debug("request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr))

			next.ServeHTTP(w, r.WithContext(logger.WithLogger(ctx, log)))
		})
	}
}
