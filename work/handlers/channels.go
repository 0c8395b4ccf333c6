package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"satradio-proxy/work/logger"
	"satradio-proxy/work/parser"
	"satradio-proxy/work/types"
)

// emptySVG is returned for channels without artwork so image tags never break
const emptySVG = `<?xml version="1.0"?><svg xmlns="http://www.w3.org/2000/svg"/>`

// Channels is the read side of the channel catalog.
type Channels interface {
	List() []types.Channel
	Lookup(number int) (types.Channel, bool)
}

// ChannelInfo is the JSON form of a channel in /api/channels and /api/channels/{number}
type ChannelInfo struct {
	Number      int    `json:"number"`
	Name        string `json:"name"`
	Description string `json:"description"`
	StreamRef   string `json:"streamRef"`
	PlaylistURL string `json:"playlistUrl"`
	ImageURL    string `json:"imageUrl"`
}

// HandleChannels lists the current catalog. baseURL prefixes the playlist and image
// links; an empty baseURL yields root-relative links.
func HandleChannels(c Channels, baseURL string) http.HandlerFunc {
	base := strings.TrimRight(baseURL, "/")
	return func(w http.ResponseWriter, r *http.Request) {
		channels := c.List()
		out := make([]ChannelInfo, 0, len(channels))
		for _, ch := range channels {
			out = append(out, channelInfo(ch, base))
		}
		WriteJSON(w, http.StatusOK, out)
	}
}

// HandleChannel serves one channel of the catalog as JSON
func HandleChannel(c Channels, baseURL string) http.HandlerFunc {
	base := strings.TrimRight(baseURL, "/")
	return func(w http.ResponseWriter, r *http.Request) {
		ch, ok := lookupChannel(w, r, c)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, channelInfo(ch, base))
	}
}

func channelInfo(ch types.Channel, base string) ChannelInfo {
	return ChannelInfo{
		Number:      ch.Number,
		Name:        ch.Name,
		Description: ch.Description,
		StreamRef:   ch.StreamRef,
		PlaylistURL: base + parser.PlaylistPath(fmt.Sprint(ch.Number)),
		ImageURL:    fmt.Sprintf("%s/api/channels/%d/image", base, ch.Number),
	}
}

// HandlePlay redirects to the proxy playlist of a channel
func HandlePlay(c Channels) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, ok := lookupChannel(w, r, c)
		if !ok {
			return
		}
		http.Redirect(w, r, parser.PlaylistPath(fmt.Sprint(ch.Number)), http.StatusFound)
	}
}

// HandleImage redirects to a channel's artwork, or serves an empty SVG when it has none
func HandleImage(c Channels) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, ok := lookupChannel(w, r, c)
		if !ok {
			return
		}
		if ch.ImageURL != "" {
			http.Redirect(w, r, ch.ImageURL, http.StatusFound)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_, _ = w.Write([]byte(emptySVG))
	}
}

func lookupChannel(w http.ResponseWriter, r *http.Request, c Channels) (types.Channel, bool) {
	number, err := parser.ParseChannelID(mux.Vars(r)["number"])
	if err != nil {
		http.Error(w, "invalid channel number", http.StatusBadRequest)
		return types.Channel{}, false
	}
	ch, ok := c.Lookup(number)
	if !ok {
		http.Error(w, "channel not found", http.StatusNotFound)
		return types.Channel{}, false
	}
	return ch, true
}

// WriteJSON writes v as a JSON response with the given status
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{handlers/channels - WriteJSON} failed to encode response: %v", err)
	}
}
