package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"satradio-proxy/work/cache"
	"satradio-proxy/work/catalog"
	"satradio-proxy/work/config"
	"satradio-proxy/work/database"
	"satradio-proxy/work/proxy"
	"satradio-proxy/work/session"
	"satradio-proxy/work/types"
)

// fakeService logs in every time and lists two channels unless failing is set. A
// non-nil gate holds every listing until it is closed.
type fakeService struct {
	failing atomic.Bool
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeService) Login(ctx context.Context, creds types.Credentials) (*types.Session, error) {
	return &types.Session{Token: "tok-abcdef123456", Region: creds.Region, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeService) ListChannels(ctx context.Context, s *types.Session) ([]types.Channel, error) {
	if f.gate != nil {
		close(f.entered)
		<-f.gate
	}
	if f.failing.Load() {
		return nil, types.ErrUpstreamUnavailable
	}
	return []types.Channel{
		{Number: 20, StreamRef: "abc123", Name: "Classic Rock"},
		{Number: 34, StreamRef: "def456", Name: "Jazz"},
	}, nil
}

func newTestApp(t *testing.T, cfg *config.Config) (*app, *fakeService) {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "channels.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	svc := &fakeService{}
	sessions := session.NewManager(svc, types.Credentials{Username: "listener", Password: "pw", Region: "US"}, session.Options{})

	return &app{
		cfg:        cfg,
		catalog:    catalog.New(svc, sessions, db, time.Hour),
		sessions:   sessions,
		cache:      cache.New(cache.Options{}),
		db:         db,
		prefetcher: proxy.NewPrefetcher(nil, 0, time.Second),
		started:    time.Now().Add(-90 * time.Minute),
	}, svc
}

func newAdminRouter(a *app) *mux.Router {
	router := mux.NewRouter()
	setupAdminRoutes(router, a)
	return router
}

func do(t *testing.T, router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRefreshAndStats(t *testing.T) {
	a, _ := newTestApp(t, &config.Config{WorkerThreads: 4})
	router := newAdminRouter(a)

	rec := do(t, router, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, router, httptest.NewRequest(http.MethodPost, "/api/channels/refresh", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var refresh map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &refresh))
	assert.Equal(t, "success", refresh["status"])
	assert.EqualValues(t, 2, refresh["channels"])

	rec = do(t, router, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Channels)
	assert.NotNil(t, stats.CatalogUpdated)
	assert.Equal(t, "authenticated", stats.Session.State)
	assert.Equal(t, uint64(1), stats.Session.Generation)
	assert.NotContains(t, rec.Body.String(), "tok-abcdef123456")
	assert.Equal(t, "1h 30m", stats.Uptime)
	assert.EqualValues(t, 2, stats.Database["channels_count"])
	assert.Equal(t, 4, stats.WorkerThreads)
}

func TestRefreshFailureKeepsCatalog(t *testing.T) {
	a, svc := newTestApp(t, &config.Config{})
	router := newAdminRouter(a)

	rec := do(t, router, httptest.NewRequest(http.MethodPost, "/api/channels/refresh", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	svc.failing.Store(true)
	rec = do(t, router, httptest.NewRequest(http.MethodPost, "/api/channels/refresh", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "error", body["status"])
	assert.EqualValues(t, 2, body["channels"])
}

func TestRefreshWhileRunningIsConflict(t *testing.T) {
	a, svc := newTestApp(t, &config.Config{})
	svc.gate = make(chan struct{})
	svc.entered = make(chan struct{})
	router := newAdminRouter(a)

	first := make(chan int, 1)
	go func() {
		first <- do(t, router, httptest.NewRequest(http.MethodPost, "/api/channels/refresh", nil)).Code
	}()
	<-svc.entered

	rec := do(t, router, httptest.NewRequest(http.MethodPost, "/api/channels/refresh", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "error", body["status"])
	assert.Contains(t, body["error"], "in progress")

	close(svc.gate)
	assert.Equal(t, http.StatusOK, <-first)
	assert.Equal(t, 2, a.catalog.Len())
}

func TestSingleChannelAndBookmarks(t *testing.T) {
	a, _ := newTestApp(t, &config.Config{})
	router := newAdminRouter(a)

	rec := do(t, router, httptest.NewRequest(http.MethodPost, "/api/channels/refresh", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, httptest.NewRequest(http.MethodGet, "/api/channels/34", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"Jazz"`)

	// with no bookmarks the order is plain channel order
	rec = do(t, router, httptest.NewRequest(http.MethodGet, "/api/bookmarks/1/play", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/proxy/20/playlist.m3u8", rec.Header().Get("Location"))

	rec = do(t, router, httptest.NewRequest(http.MethodPost, "/api/bookmarks", strings.NewReader(`["def456"]`)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, httptest.NewRequest(http.MethodGet, "/api/bookmarks", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `["def456"]`, rec.Body.String())

	rec = do(t, router, httptest.NewRequest(http.MethodGet, "/api/bookmarks/1/play", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/proxy/34/playlist.m3u8", rec.Header().Get("Location"))

	rec = do(t, router, httptest.NewRequest(http.MethodGet, "/api/bookmarks/3/play", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	a, _ := newTestApp(t, &config.Config{AdminUsername: "admin", AdminPasswordHash: string(hash)})
	router := newAdminRouter(a)

	tests := []struct {
		name   string
		user   string
		pass   string
		auth   bool
		status int
	}{
		{"no credentials", "", "", false, http.StatusUnauthorized},
		{"wrong password", "admin", "guess", true, http.StatusUnauthorized},
		{"wrong user", "root", "s3cret", true, http.StatusUnauthorized},
		{"valid", "admin", "s3cret", true, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
			if tt.auth {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			rec := do(t, router, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusUnauthorized {
				assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")
			}
		})
	}

	// the channel list stays public
	rec := do(t, router, httptest.NewRequest(http.MethodGet, "/api/channels", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCorsPreflight(t *testing.T) {
	a, _ := newTestApp(t, &config.Config{AdminPasswordHash: "unused"})
	rec := do(t, newAdminRouter(a), httptest.NewRequest(http.MethodOptions, "/api/stats", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "45s", formatDuration(45*time.Second))
	assert.Equal(t, "12m", formatDuration(12*time.Minute))
	assert.Equal(t, "3h 5m", formatDuration(3*time.Hour+5*time.Minute))
	assert.Equal(t, "2d 4h", formatDuration(52*time.Hour))
}
