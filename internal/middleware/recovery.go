package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/vyrodovalexey/avalb/internal/observability"
	"github.com/vyrodovalexey/avalb/internal/util"
)

// Recovery returns a middleware that turns panics into a JSON 500 response.
// http.ErrAbortHandler is re-raised so the server aborts the connection.
func Recovery(logger observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				err := recover()
				if err == nil {
					return
				}
				if err == http.ErrAbortHandler { //nolint:errorlint // sentinel panic value
					panic(err)
				}

				logger.Error("panic recovered",
					observability.String("path", r.URL.Path),
					observability.String("method", r.Method),
					observability.String("request_id", observability.RequestIDFromContext(r.Context())),
					observability.Any("error", err),
					observability.String("stack", string(debug.Stack())),
				)

				util.WriteError(w, http.StatusInternalServerError,
					util.NewErrorResponse(util.CategoryInternalError, "Internal server error"))
			}()

			next.ServeHTTP(w, r)
		})
	}
}
