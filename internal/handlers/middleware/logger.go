package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Header carrying the request id, taken from the caller when present
const RequestIDHeader = "X-Request-Id"

// Longest caller-supplied request id accepted as is
const maxRequestIDLen = 64

type logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type responseRecorder struct {
	http.ResponseWriter
	status      int
	size        int
	wroteHeader bool
}

func (w *responseRecorder) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	size, err := w.ResponseWriter.Write(p)
	w.size += size
	return size, err
}

func (w *responseRecorder) WriteHeader(statusCode int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func requestID(r *http.Request) string {
	id := r.Header.Get(RequestIDHeader)
	if id == "" || len(id) > maxRequestIDLen {
		return uuid.NewString()
	}
	return id
}

// LoggerMiddleware tags every request with an id and logs it once served
// Server errors are logged at warn level
// Only the path is logged: callback query strings may carry one-time codes
func LoggerMiddleware(l logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := requestID(r)
			w.Header().Set(RequestIDHeader, id)

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			log := l.Info
			if rec.status >= http.StatusInternalServerError {
				log = l.Warn
			}
			log(
				"got HTTP request",
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
				"duration", time.Since(start),
				"status", rec.status,
				"size", rec.size,
			)
		})
	}
}
