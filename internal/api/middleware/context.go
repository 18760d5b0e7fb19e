package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type contextKey string

const clientAddrKey contextKey = "client_addr"

// ClientAddr records the caller's address for rate limiting and logging.
// The first X-Forwarded-For hop is trusted when present.
func ClientAddr(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(setClientAddr(r.Context(), clientAddr(r))))
	})
}

func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func setClientAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, clientAddrKey, addr)
}

// GetClientAddr returns the address stored by ClientAddr.
func GetClientAddr(r *http.Request) (string, bool) {
	addr, ok := r.Context().Value(clientAddrKey).(string)
	return addr, ok && addr != ""
}
