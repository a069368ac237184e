package middleware

import (
	"net/http"
	"time"

	"github.com/vyrodovalexey/avalb/internal/observability"
	"github.com/vyrodovalexey/avalb/internal/util"
)

// Logging returns a middleware that logs one structured line per request.
// Server errors are logged at error level, client errors at warn.
func Logging(logger observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			r = r.WithContext(util.ContextWithStartTime(r.Context(), start))

			rw := util.NewStatusCapturingResponseWriter(w)
			next.ServeHTTP(rw, r)

			fields := []observability.Field{
				observability.String("method", r.Method),
				observability.String("path", r.URL.Path),
				observability.String("query", r.URL.RawQuery),
				observability.Int("status", rw.StatusCode),
				observability.Int("size", rw.BytesWritten),
				observability.Duration("duration", time.Since(start)),
				observability.String("client_ip", ClientIPOf(r)),
				observability.String("user_agent", r.UserAgent()),
				observability.String("backend", rw.Header().Get("X-Backend-Service")),
			}

			l := logger.WithContext(r.Context())
			switch {
			case rw.StatusCode >= http.StatusInternalServerError:
				l.Error("http request", fields...)
			case rw.StatusCode >= http.StatusBadRequest:
				l.Warn("http request", fields...)
			default:
				l.Info("http request", fields...)
			}
		})
	}
}
