package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"satradio-proxy/work/logger"
	"satradio-proxy/work/metrics"
	"satradio-proxy/work/parser"
	"satradio-proxy/work/proxy"
)

// Gateway is the part of the proxy gateway the HTTP layer needs.
type Gateway interface {
	Playlist(ctx context.Context, externalID string) ([]byte, error)
	Chunklist(ctx context.Context, streamRef string) ([]byte, error)
	Segment(ctx context.Context, streamRef string, seq uint64) ([]byte, error)
}

// HandleProxy serves /proxy/{id}/{resource}: the top-level playlist of a channel, the
// chunklist of a stream, or one of its segments.
func HandleProxy(g Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		id := vars["id"]

		resource, seq, err := parser.ParseResource(vars["resource"])
		if err != nil {
			writeError(w, r, "unknown", err)
			return
		}

		var (
			body        []byte
			contentType = proxy.ContentTypeManifest
		)

		switch resource {
		case parser.ResourcePlaylist:
			body, err = g.Playlist(r.Context(), id)
		case parser.ResourceChunklist:
			body, err = g.Chunklist(r.Context(), id)
		case parser.ResourceSegment:
			body, err = g.Segment(r.Context(), id, seq)
			contentType = proxy.ContentTypeSegment
		}

		if err != nil {
			writeError(w, r, resource.String(), err)
			return
		}

		w.Header().Set("Content-Type", contentType)
		if resource == parser.ResourceSegment {
			w.Header().Set("Cache-Control", "public, max-age=300")
		} else {
			w.Header().Set("Cache-Control", "no-cache")
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)

		if r.Method == http.MethodHead {
			return
		}
		if _, err := w.Write(body); err != nil {
			logger.Debug("{handlers/handlers - HandleProxy} client went away during %s %s: %v", r.Method, r.URL.Path, err)
			return
		}
		metrics.BytesTransferred.WithLabelValues(resource.String()).Add(float64(len(body)))
	}
}

// writeError maps err to a status and writes a plain-text error response
func writeError(w http.ResponseWriter, r *http.Request, resource string, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		logger.Debug("{handlers/handlers - writeError} client cancelled %s %s", r.Method, r.URL.Path)
		return
	}

	status := proxy.StatusFor(err)
	metrics.ProxyErrors.WithLabelValues(resource, strconv.Itoa(status)).Inc()

	if status >= http.StatusInternalServerError {
		logger.Error("{handlers/handlers - writeError} %s %s failed: %v", r.Method, r.URL.Path, err)
	} else {
		logger.Debug("{handlers/handlers - writeError} %s %s rejected: %v", r.Method, r.URL.Path, err)
	}

	http.Error(w, http.StatusText(status), status)
}
