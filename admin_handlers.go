package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/crypto/bcrypt"

	"satradio-proxy/work/cache"
	"satradio-proxy/work/catalog"
	"satradio-proxy/work/config"
	"satradio-proxy/work/database"
	"satradio-proxy/work/handlers"
	"satradio-proxy/work/logger"
	"satradio-proxy/work/middleware"
	"satradio-proxy/work/proxy"
	"satradio-proxy/work/session"
	"satradio-proxy/work/utils"
)

// StatsResponse is the operational snapshot served by /api/stats
type StatsResponse struct {
	Version         string           `json:"version"`
	Uptime          string           `json:"uptime"`
	MemoryUsage     string           `json:"memoryUsage"`
	Goroutines      int              `json:"goroutines"`
	Session         session.Info     `json:"session"`
	Channels        int              `json:"channels"`
	CatalogUpdated  *time.Time       `json:"catalogUpdated,omitempty"`
	Cache           cache.Stats      `json:"cache"`
	CacheSize       string           `json:"cacheSize"`
	Database        map[string]int64 `json:"database,omitempty"`
	PrefetchStreams int              `json:"prefetchStreams"`
	WorkersRunning  int              `json:"workersRunning"`
	WorkerThreads   int              `json:"workerThreads"`
}

// app bundles the long-lived components the admin API reports on
type app struct {
	cfg        *config.Config
	catalog    *catalog.Catalog
	sessions   *session.Manager
	cache      *cache.Cache
	db         *database.DB
	prefetcher *proxy.Prefetcher
	pool       *ants.Pool
	started    time.Time
}

// setupAdminRoutes registers the channel and admin API. Stats and refresh sit behind
// basic auth when an admin password hash is configured.
func setupAdminRoutes(router *mux.Router, a *app) {
	router.HandleFunc("/api/channels", corsMiddleware(middleware.GzipMiddleware(handlers.HandleChannels(a.catalog, a.cfg.BaseURL)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/channels/refresh", corsMiddleware(adminAuth(a.cfg, handleRefreshCatalog(a)))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/channels/{number}", corsMiddleware(handlers.HandleChannel(a.catalog, a.cfg.BaseURL))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/channels/{number}/play", corsMiddleware(handlers.HandlePlay(a.catalog))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/channels/{number}/image", corsMiddleware(handlers.HandleImage(a.catalog))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/stats", corsMiddleware(adminAuth(a.cfg, middleware.GzipMiddleware(handleGetStats(a))))).Methods("GET", "OPTIONS")
	router.HandleFunc("/healthz", handleHealth(a)).Methods("GET")

	// bookmarks live in the database, so they are only served when it is open
	if a.db != nil {
		router.HandleFunc("/api/bookmarks", corsMiddleware(handlers.HandleGetBookmarks(a.db))).Methods("GET", "OPTIONS")
		router.HandleFunc("/api/bookmarks", corsMiddleware(adminAuth(a.cfg, handlers.HandleSetBookmarks(a.db, a.catalog)))).Methods("POST")
		router.HandleFunc("/api/bookmarks/{n}/play", corsMiddleware(handlers.HandlePlayBookmark(a.db, a.catalog))).Methods("GET", "OPTIONS")
	}

	logger.Debug("{main/admin_handlers - setupAdminRoutes} admin routes registered (auth enabled: %v)", a.cfg.AdminPasswordHash != "")
}

// corsMiddleware lets browser dashboards on other origins call the API
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// adminAuth requires HTTP basic auth matching the configured user and bcrypt hash. With
// no hash configured the handler is left open.
func adminAuth(cfg *config.Config, next http.HandlerFunc) http.HandlerFunc {
	if cfg.AdminPasswordHash == "" {
		return next
	}
	hash := []byte(cfg.AdminPasswordHash)
	wantUser := []byte(cfg.AdminUsername)

	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(user), wantUser) != 1 ||
			bcrypt.CompareHashAndPassword(hash, []byte(pass)) != nil {
			logger.Warn("{main/admin_handlers - adminAuth} rejected admin request %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Basic realm="satradio-proxy"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// handleRefreshCatalog runs a catalog refresh now and reports the resulting size
func handleRefreshCatalog(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Minute)
		defer cancel()

		if err := a.catalog.Refresh(ctx); err != nil {
			status := proxy.StatusFor(err)
			if errors.Is(err, catalog.ErrRefreshInProgress) {
				status = http.StatusConflict
			}
			handlers.WriteJSON(w, status, map[string]any{
				"status":   "error",
				"error":    err.Error(),
				"channels": a.catalog.Len(),
			})
			return
		}

		logger.Info("{main/admin_handlers - handleRefreshCatalog} catalog refreshed via admin API")
		handlers.WriteJSON(w, http.StatusOK, map[string]any{
			"status":   "success",
			"channels": a.catalog.Len(),
		})
	}
}

// handleGetStats reports session, catalog, cache and runtime state
func handleGetStats(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		cs := a.cache.Stats()
		stats := StatsResponse{
			Version:         Version,
			Uptime:          formatDuration(time.Since(a.started)),
			MemoryUsage:     utils.FormatBytes(int64(m.Alloc)),
			Goroutines:      runtime.NumGoroutine(),
			Session:         a.sessions.Info(),
			Channels:        a.catalog.Len(),
			Cache:           cs,
			CacheSize:       utils.FormatBytes(int64(cs.SegmentBytes)),
			PrefetchStreams: a.prefetcher.Tracked(),
			WorkerThreads:   a.cfg.WorkerThreads,
		}
		if updated := a.catalog.UpdatedAt(); !updated.IsZero() {
			stats.CatalogUpdated = &updated
		}
		if a.pool != nil {
			stats.WorkersRunning = a.pool.Running()
		}
		if a.db != nil {
			dbStats, err := a.db.Stats(r.Context())
			if err != nil {
				logger.Warn("{main/admin_handlers - handleGetStats} database stats unavailable: %v", err)
			} else {
				stats.Database = dbStats
			}
		}

		handlers.WriteJSON(w, http.StatusOK, stats)
	}
}

// handleHealth is 200 once the proxy can serve channels, 503 before that
func handleHealth(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		if a.catalog.Len() == 0 {
			status = http.StatusServiceUnavailable
		}
		handlers.WriteJSON(w, status, map[string]any{
			"channels": a.catalog.Len(),
			"session":  a.sessions.State().String(),
		})
	}
}

// formatDuration converts time.Duration to human-readable format
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}
