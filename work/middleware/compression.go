package middleware

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"satradio-proxy/work/logger"
)

// gzipWriterPool maintains a reusable pool of gzip writers to avoid repeated allocation
// overhead on every compressed response. Writers are initialized at BestSpeed compression
// level, prioritizing latency over ratio since manifests are requested every few seconds.
var gzipWriterPool = sync.Pool{
	New: func() interface{} {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	},
}

// compressibleTypes are the response content types worth compressing. Segments are
// already-compressed audio and pass through untouched.
var compressibleTypes = []string{
	"application/x-mpegurl",
	"application/vnd.apple.mpegurl",
	"application/json",
	"image/svg+xml",
	"text/",
}

func compressible(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, prefix := range compressibleTypes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

// gzipResponseWriter decides on the first WriteHeader or Write whether the response is
// compressed, based on the Content-Type the handler has set by then.
type gzipResponseWriter struct {
	http.ResponseWriter
	gz          *gzip.Writer
	wroteHeader bool
}

// WriteHeader enables compression for compressible bodies, then records the status
func (w *gzipResponseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true

	h := w.ResponseWriter.Header()
	if status != http.StatusNoContent && status != http.StatusNotModified &&
		h.Get("Content-Encoding") == "" && compressible(h.Get("Content-Type")) {
		h.Set("Content-Encoding", "gzip")
		h.Add("Vary", "Accept-Encoding")
		h.Del("Content-Length")

		w.gz = gzipWriterPool.Get().(*gzip.Writer)
		w.gz.Reset(w.ResponseWriter)
	}

	w.ResponseWriter.WriteHeader(status)
}

// Write sniffs a missing Content-Type, then writes through the gzip writer when
// compression was chosen
func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", http.DetectContentType(b))
		}
		w.WriteHeader(http.StatusOK)
	}
	if w.gz != nil {
		return w.gz.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

// Flush pushes buffered compressed data and then the underlying writer to the client
func (w *gzipResponseWriter) Flush() {
	if w.gz != nil {
		w.gz.Flush()
	}
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// close finishes the gzip stream and returns the writer to the pool
func (w *gzipResponseWriter) close(r *http.Request) {
	if w.gz == nil {
		return
	}
	if err := w.gz.Close(); err != nil {
		logger.Error("{middleware/compression - GzipMiddleware} failed to close gzip writer for: %s %s - %v", r.Method, r.URL.Path, err)
	}
	gzipWriterPool.Put(w.gz)
	w.gz = nil
}

// GzipMiddleware wraps an http.HandlerFunc with transparent gzip compression of
// manifest, JSON and text responses. Clients that do not advertise gzip support, and
// responses of other content types, are passed through unmodified.
func GzipMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") || r.Method == http.MethodHead {
			next(w, r)
			return
		}

		gzw := &gzipResponseWriter{ResponseWriter: w}
		defer gzw.close(r)

		next(gzw, r)
	}
}

// Gzip adapts GzipMiddleware for router-level use
func Gzip(next http.Handler) http.Handler {
	return GzipMiddleware(next.ServeHTTP)
}
