package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"satradio-proxy/work/types"
)

// DefaultRecentTracks is how many tracks the now-playing endpoint returns by default.
const DefaultRecentTracks = 5

// maxRecentTracks caps the ?limit query parameter
const maxRecentTracks = 50

// NowPlayer looks up the recent track history of a channel.
type NowPlayer interface {
	NowPlaying(ctx context.Context, externalID string, limit int) (types.Channel, []types.Track, error)
}

// NowPlayingResponse is the JSON form of /api/channels/{number}/now-playing
type NowPlayingResponse struct {
	Number  int           `json:"number"`
	Name    string        `json:"name"`
	Current *types.Track  `json:"current,omitempty"`
	Recent  []types.Track `json:"recent"`
}

// HandleNowPlaying serves the song currently playing on a channel followed by the ones
// before it, newest first.
func HandleNowPlaying(n NowPlayer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := DefaultRecentTracks
		if v := r.URL.Query().Get("limit"); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil || parsed <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = min(parsed, maxRecentTracks)
		}

		ch, tracks, err := n.NowPlaying(r.Context(), mux.Vars(r)["number"], limit)
		if err != nil {
			writeError(w, r, "nowplaying", err)
			return
		}

		resp := NowPlayingResponse{
			Number: ch.Number,
			Name:   ch.Name,
			Recent: make([]types.Track, 0, len(tracks)),
		}
		resp.Recent = append(resp.Recent, tracks...)
		if len(tracks) > 0 {
			current := tracks[0]
			resp.Current = &current
		}

		w.Header().Set("Cache-Control", "no-cache")
		WriteJSON(w, http.StatusOK, resp)
	}
}
