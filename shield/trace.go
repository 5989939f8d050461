package shield

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/telemd/kit"
)

// TraceID tags every request with a random trace id, exposed in the
// X-Trace-ID response header and carried in the context together with the
// resolved client IP and a per-request structured logger (under LoggerKey).
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 4)
		rand.Read(buf)
		traceID := hex.EncodeToString(buf)
		ip := ExtractIP(r)

		ctx := kit.WithTraceID(r.Context(), traceID)
		ctx = kit.WithRemoteAddr(ctx, ip)
		ctx = kit.WithTransport(ctx, "http")
		w.Header().Set("X-Trace-ID", traceID)

		logger := slog.Default().With(
			"trace_id", traceID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_ip", ip,
		)
		ctx = context.WithValue(ctx, LoggerKey, logger)
		logger.Info("request")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetLogger returns the per-request logger, or slog.Default() outside a
// request.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
