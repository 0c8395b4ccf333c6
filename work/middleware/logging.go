package middleware

import (
	"net/http"
	"time"

	"satradio-proxy/work/logger"
)

// statusRecorder captures the status and size of a response for logging
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// RequestLogger logs every request with its status, size and duration. Server errors
// are logged at WARN, everything else at DEBUG so segment polling stays quiet.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r)

		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		elapsed := time.Since(start).Round(time.Millisecond)
		if rec.status >= http.StatusInternalServerError {
			logger.Warn("{middleware/logging - RequestLogger} %s %s %d %dB %v (%s)", r.Method, r.URL.Path, rec.status, rec.bytes, elapsed, r.RemoteAddr)
			return
		}
		logger.Debug("{middleware/logging - RequestLogger} %s %s %d %dB %v (%s)", r.Method, r.URL.Path, rec.status, rec.bytes, elapsed, r.RemoteAddr)
	})
}
