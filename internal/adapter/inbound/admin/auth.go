package admin

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/alexedwards/argon2id"
)

// apiKeyHeader carries the admin API key.
const apiKeyHeader = "X-Api-Key"

// requireAPIKey guards management routes with an argon2id-hashed API key.
// Requests from loopback addresses bypass the check: the gateway is a local
// process and its own dashboard talks to it over localhost. An empty hash
// disables remote access entirely.
func requireAPIKey(hash string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isLoopback(r.RemoteAddr) {
				next.ServeHTTP(w, r)
				return
			}
			if hash == "" {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			key := r.Header.Get(apiKeyHeader)
			if key == "" {
				http.Error(w, "missing api key", http.StatusUnauthorized)
				return
			}
			match, err := argon2id.ComparePasswordAndHash(key, hash)
			if err != nil || !match {
				logger.Warn("rejected admin request", "remote", r.RemoteAddr)
				http.Error(w, "invalid api key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// isLoopback reports whether the remote address is a loopback interface.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
