package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/kiranshivaraju/rasterops/internal/api/response"
)

// Recovery turns a handler panic into a logged stack and an INTERNAL_ERROR
// envelope. http.ErrAbortHandler is re-raised so net/http can drop the
// connection.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}
			client, _ := GetClientAddr(r)
			slog.ErrorContext(r.Context(), "panic in handler",
				"panic", rec,
				"method", r.Method,
				"path", r.URL.Path,
				"client", client,
				"stack", string(debug.Stack()),
			)
			response.Internal(w)
		}()
		next.ServeHTTP(w, r)
	})
}
