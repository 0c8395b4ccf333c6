package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"satradio-proxy/work/types"
)

type fakeService struct {
	token        string
	mediaSeq     atomic.Uint64
	masterHits   atomic.Int32
	chunkHits    atomic.Int32
	segmentHits  atomic.Int32
	rejectTokens atomic.Bool
}

func (f *fakeService) authorized(w http.ResponseWriter, r *http.Request) bool {
	if f.rejectTokens.Load() || r.Header.Get("Authorization") != "Bearer "+f.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (f *fakeService) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if r.Method != http.MethodPost || json.NewDecoder(r.Body).Decode(&req) != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Password != "secret" {
			http.Error(w, "denied", http.StatusForbidden)
			return
		}
		_ = json.NewEncoder(w).Encode(loginResponse{Token: f.token, Region: req.Region, ExpiresIn: 3600})
	})

	mux.HandleFunc("/channels", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(w, r) {
			return
		}
		_, _ = w.Write([]byte(`[
			{"channelId":"abc123","channelNumber":"20","name":"Hits","description":"Top 40","imageUrl":"https://img.example.com/20.png"},
			{"channelId":"def456","channelNumber":34,"name":"Rock"},
			{"channelId":"bad","channelNumber":"n/a","name":"Broken"}
		]`))
	})

	mux.HandleFunc("/streams/abc123/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(w, r) {
			return
		}
		f.masterHits.Add(1)
		_, _ = w.Write([]byte("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=64000\nlow/chunklist.m3u8\n#EXT-X-STREAM-INF:BANDWIDTH=256000\nhigh/chunklist.m3u8\n"))
	})

	mux.HandleFunc("/streams/abc123/cuts", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(w, r) {
			return
		}
		_, _ = w.Write([]byte(`{"cuts":[
			{"title":"Older Song","artists":["Band A"],"startTime":"2026-10-17T10:00:00Z","albums":[]},
			{"title":"Self Titled","artists":["Self Titled","Band B","Guest"],"startTime":"2026-10-17T10:04:00Z",
			 "albums":[{"title":"Greatest Hits","images":["https://img.example.com/gh.jpg"]}]}
		]}`))
	})

	mux.HandleFunc("/streams/abc123/high/chunklist.m3u8", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(w, r) {
			return
		}
		f.chunkHits.Add(1)
		seq := f.mediaSeq.Load()
		fmt.Fprintf(w, "#EXTM3U\n#EXT-X-TARGETDURATION:10\n#EXT-X-MEDIA-SEQUENCE:%d\n#EXTINF:10,\nseg_%d.aac\n#EXTINF:10,\nseg_%d.aac\n", seq, seq, seq+1)
	})

	mux.HandleFunc("/streams/abc123/high/", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(w, r) {
			return
		}
		f.segmentHits.Add(1)
		w.Header().Set("Content-Type", "audio/aac")
		_, _ = w.Write([]byte("data:" + strings.TrimPrefix(r.URL.Path, "/streams/abc123/high/")))
	})

	return mux
}

func newTestClient(t *testing.T) (*HTTPClient, *fakeService) {
	t.Helper()
	svc := &fakeService{token: "tok-1"}
	svc.mediaSeq.Store(100)

	srv := httptest.NewServer(svc.handler())
	t.Cleanup(srv.Close)

	return NewHTTPClient(srv.URL+"/", srv.Client(), nil), svc
}

var session = &types.Session{Token: "tok-1", Region: "US", ExpiresAt: time.Now().Add(time.Hour), Generation: 1}

func TestLogin(t *testing.T) {
	c, _ := newTestClient(t)
	fixed := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	s, err := c.Login(context.Background(), types.Credentials{Username: "u", Password: "secret", Region: "CA"})
	require.NoError(t, err)
	assert.Equal(t, "tok-1", s.Token)
	assert.Equal(t, "CA", s.Region)
	assert.Equal(t, fixed.Add(time.Hour), s.ExpiresAt)
}

func TestLogin_RejectedCredentials(t *testing.T) {
	c, _ := newTestClient(t)

	_, err := c.Login(context.Background(), types.Credentials{Username: "u", Password: "wrong"})
	assert.ErrorIs(t, err, types.ErrAuthentication)
}

func TestListChannels(t *testing.T) {
	c, _ := newTestClient(t)

	channels, err := c.ListChannels(context.Background(), session)
	require.NoError(t, err)
	require.Len(t, channels, 3)

	assert.Equal(t, types.Channel{Number: 20, StreamRef: "abc123", Name: "Hits", Description: "Top 40", ImageURL: "https://img.example.com/20.png"}, channels[0])
	assert.Equal(t, 34, channels[1].Number)
	assert.Equal(t, 0, channels[2].Number)
}

func TestListChannels_ExpiredTokenIsAuthenticationError(t *testing.T) {
	c, svc := newTestClient(t)
	svc.rejectTokens.Store(true)

	_, err := c.ListChannels(context.Background(), session)
	assert.ErrorIs(t, err, types.ErrAuthentication)
}

func TestFetchManifest(t *testing.T) {
	c, _ := newTestClient(t)

	text, err := c.FetchManifest(context.Background(), session, "abc123")
	require.NoError(t, err)
	assert.Contains(t, text, "#EXT-X-STREAM-INF:BANDWIDTH=256000")
}

func TestFetchManifest_UnknownStreamIsNotFound(t *testing.T) {
	c, _ := newTestClient(t)

	_, err := c.FetchManifest(context.Background(), session, "nope")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.NotErrorIs(t, err, types.ErrAuthentication)
	assert.NotErrorIs(t, err, types.ErrUpstreamUnavailable)
}

func TestFetchChunklist_SelectsVariantOnce(t *testing.T) {
	c, svc := newTestClient(t)

	text, err := c.FetchChunklist(context.Background(), session, "abc123")
	require.NoError(t, err)
	assert.Contains(t, text, "#EXT-X-MEDIA-SEQUENCE:100")

	_, err = c.FetchChunklist(context.Background(), session, "abc123")
	require.NoError(t, err)

	assert.Equal(t, int32(1), svc.masterHits.Load())
	assert.Equal(t, int32(2), svc.chunkHits.Load())
}

func TestFetchSegment_UsesIndexAndRefreshesOnce(t *testing.T) {
	c, svc := newTestClient(t)

	_, err := c.FetchChunklist(context.Background(), session, "abc123")
	require.NoError(t, err)

	data, err := c.FetchSegment(context.Background(), session, "abc123", 101)
	require.NoError(t, err)
	assert.Equal(t, "data:seg_101.aac", string(data))
	assert.Equal(t, int32(1), svc.chunkHits.Load())

	svc.mediaSeq.Store(102)
	data, err = c.FetchSegment(context.Background(), session, "abc123", 103)
	require.NoError(t, err)
	assert.Equal(t, "data:seg_103.aac", string(data))
	assert.Equal(t, int32(2), svc.chunkHits.Load())

	// still resolvable from the previous window
	data, err = c.FetchSegment(context.Background(), session, "abc123", 101)
	require.NoError(t, err)
	assert.Equal(t, "data:seg_101.aac", string(data))

	_, err = c.FetchSegment(context.Background(), session, "abc123", 999)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Equal(t, int32(3), svc.chunkHits.Load())
}

func TestFetchSegment_BehindWindowIsNotFound(t *testing.T) {
	c, svc := newTestClient(t)

	for seq := uint64(1); seq <= 5; seq++ {
		_, err := c.FetchSegment(context.Background(), session, "abc123", seq)
		assert.ErrorIs(t, err, types.ErrNotFound)
		assert.NotErrorIs(t, err, types.ErrUpstreamUnavailable)
	}
	assert.Equal(t, int32(0), svc.segmentHits.Load())
}

func TestFetchRecentTracks(t *testing.T) {
	c, _ := newTestClient(t)

	tracks, err := c.FetchRecentTracks(context.Background(), session, "abc123")
	require.NoError(t, err)
	require.Len(t, tracks, 2)

	assert.Equal(t, "Self Titled", tracks[0].Title)
	assert.Equal(t, "Band B / Guest", tracks[0].Artist)
	assert.Equal(t, "Greatest Hits", tracks[0].Album)
	assert.Equal(t, "https://img.example.com/gh.jpg", tracks[0].ImageURL)

	assert.Equal(t, "Older Song", tracks[1].Title)
	assert.Equal(t, "Band A", tracks[1].Artist)
	assert.Empty(t, tracks[1].Album)

	_, err = c.FetchRecentTracks(context.Background(), session, "nope")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestRequestsWithoutSessionFail(t *testing.T) {
	c, _ := newTestClient(t)

	_, err := c.FetchManifest(context.Background(), nil, "abc123")
	assert.ErrorIs(t, err, types.ErrAuthentication)
}

func TestUnreachableUpstreamIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c := NewHTTPClient(addr, http.DefaultClient, nil)
	_, err := c.ListChannels(context.Background(), session)
	assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)
}
