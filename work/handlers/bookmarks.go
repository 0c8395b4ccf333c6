package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/gorilla/mux"

	"satradio-proxy/work/logger"
	"satradio-proxy/work/parser"
	"satradio-proxy/work/types"
)

// maxBookmarks bounds a single bookmark update
const maxBookmarks = 500

// BookmarkStore persists the bookmarked stream references.
type BookmarkStore interface {
	Bookmarks(ctx context.Context) ([]string, error)
	SetBookmarks(ctx context.Context, streamRefs []string) error
}

// HandleGetBookmarks lists the bookmarked stream references in the order they were saved
func HandleGetBookmarks(b BookmarkStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		refs, err := b.Bookmarks(r.Context())
		if err != nil {
			logger.Error("{handlers/bookmarks - HandleGetBookmarks} failed to load bookmarks: %v", err)
			http.Error(w, "failed to load bookmarks", http.StatusInternalServerError)
			return
		}
		WriteJSON(w, http.StatusOK, refs)
	}
}

// HandleSetBookmarks replaces the bookmarks with the JSON array of stream references in
// the request body. Every reference must name a channel of the current catalog.
func HandleSetBookmarks(b BookmarkStore, c ChannelRefs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var refs []string
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&refs); err != nil {
			http.Error(w, "body must be a JSON array of stream references", http.StatusBadRequest)
			return
		}
		if len(refs) > maxBookmarks {
			http.Error(w, fmt.Sprintf("at most %d bookmarks", maxBookmarks), http.StatusBadRequest)
			return
		}
		for _, ref := range refs {
			if _, ok := c.LookupRef(ref); !ok {
				http.Error(w, fmt.Sprintf("unknown stream reference %q", ref), http.StatusBadRequest)
				return
			}
		}

		if err := b.SetBookmarks(r.Context(), refs); err != nil {
			logger.Error("{handlers/bookmarks - HandleSetBookmarks} failed to save bookmarks: %v", err)
			http.Error(w, "failed to save bookmarks", http.StatusInternalServerError)
			return
		}

		saved, err := b.Bookmarks(r.Context())
		if err != nil {
			logger.Error("{handlers/bookmarks - HandleSetBookmarks} failed to reload bookmarks: %v", err)
			http.Error(w, "failed to load bookmarks", http.StatusInternalServerError)
			return
		}
		logger.Info("{handlers/bookmarks - HandleSetBookmarks} %d bookmarks saved", len(saved))
		WriteJSON(w, http.StatusOK, saved)
	}
}

// ChannelRefs resolves stream references against the catalog.
type ChannelRefs interface {
	List() []types.Channel
	LookupRef(streamRef string) (types.Channel, bool)
}

// HandlePlayBookmark redirects to the playlist of the n-th channel (1-based) in
// bookmark-first order: bookmarked channels first, then every other channel, each group
// ordered by channel number.
func HandlePlayBookmark(b BookmarkStore, c ChannelRefs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := strconv.Atoi(mux.Vars(r)["n"])
		if err != nil || n <= 0 {
			http.Error(w, "invalid bookmark position", http.StatusBadRequest)
			return
		}

		refs, err := b.Bookmarks(r.Context())
		if err != nil {
			logger.Error("{handlers/bookmarks - HandlePlayBookmark} failed to load bookmarks: %v", err)
			http.Error(w, "failed to load bookmarks", http.StatusInternalServerError)
			return
		}

		ordered := BookmarkOrder(c.List(), refs)
		if n > len(ordered) {
			http.Error(w, "channel not found", http.StatusNotFound)
			return
		}
		http.Redirect(w, r, parser.PlaylistPath(fmt.Sprint(ordered[n-1].Number)), http.StatusFound)
	}
}

// BookmarkOrder returns channels with the bookmarked ones first. Both groups are ordered
// by channel number; bookmarks that name no channel are ignored.
func BookmarkOrder(channels []types.Channel, bookmarks []string) []types.Channel {
	marked := make(map[string]struct{}, len(bookmarks))
	for _, ref := range bookmarks {
		marked[ref] = struct{}{}
	}

	out := make([]types.Channel, len(channels))
	copy(out, channels)
	sort.SliceStable(out, func(i, j int) bool {
		_, mi := marked[out[i].StreamRef]
		_, mj := marked[out[j].StreamRef]
		if mi != mj {
			return mi
		}
		return out[i].Number < out[j].Number
	})
	return out
}
