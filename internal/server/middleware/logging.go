package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const accessLogKey contextKey = "access_log"

// accessLog collects attributes that inner handlers attach to the request's
// access log line.
type accessLog struct {
	mu    sync.Mutex
	attrs []any
}

// Annotate adds key/value pairs to the access log line of the request
// carried by ctx. It is a no-op outside Logger.
func Annotate(ctx context.Context, args ...any) {
	al, ok := ctx.Value(accessLogKey).(*accessLog)
	if !ok {
		return
	}
	al.mu.Lock()
	al.attrs = append(al.attrs, args...)
	al.mu.Unlock()
}

// Logger returns an HTTP middleware that writes one structured line per
// request. Level follows the status class: 5xx error, 4xx warn.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			al := &accessLog{}

			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), accessLogKey, al)))

			level := slog.LevelInfo
			switch {
			case ww.status >= 500:
				level = slog.LevelError
			case ww.status >= 400:
				level = slog.LevelWarn
			}

			args := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.status,
				"duration_ms", float64(time.Since(start).Microseconds()) / 1000.0,
				"bytes", ww.bytes,
				"request_id", GetRequestID(r.Context()),
				"remote_addr", r.RemoteAddr,
			}
			al.mu.Lock()
			args = append(args, al.attrs...)
			al.mu.Unlock()

			logger.Log(r.Context(), level, "request", args...)
		})
	}
}

// responseWriter records the status and body size the handler produced.
// The gate reuses it to learn the status to put in the usage ledger.
type responseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
