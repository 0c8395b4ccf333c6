package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"satradio-proxy/work/cache"
	"satradio-proxy/work/catalog"
	"satradio-proxy/work/config"
	"satradio-proxy/work/database"
	"satradio-proxy/work/handlers"
	"satradio-proxy/work/logger"
	"satradio-proxy/work/middleware"
	"satradio-proxy/work/proxy"
	"satradio-proxy/work/session"
	"satradio-proxy/work/upstream"
	"satradio-proxy/work/utils"
)

var (
	Version = "v0.1.0" // default version
)

// our main app worker
func main() {

	// load our config
	cfg := config.LoadConfig()

	// set up logging
	if cfg.Debug {
		logger.SetLogLevel("DEBUG")
	} else {
		logger.SetLogLevel(cfg.LogLevel)
	}

	// open the catalog store; the proxy still runs without one
	var store catalog.Store
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		logger.Warn("{main - main} catalog persistence disabled: %v", err)
		db = nil
	} else {
		store = db
		defer db.Close()
	}

	// upstream client and the shared session
	up := upstream.New(cfg)
	sessions := session.NewManagerFromConfig(up, cfg)

	// channel catalog
	channels := catalog.New(up, sessions, store, cfg.CatalogRefreshInterval)

	// segment and manifest cache
	segmentCache := cache.NewFromConfig(cfg)

	// prefetch worker pool
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true), ants.WithNonblocking(true))
	if err != nil {
		logger.Fatal("{main - main} failed to create worker pool: %v", err)
	}
	defer workerPool.Release()

	prefetcher := proxy.NewPrefetcher(workerPool, cfg.PrefetchSegments, cfg.FetchTimeout)
	gateway := proxy.New(channels, sessions, up, segmentCache, prefetcher)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// last good catalog first, then a fresh one in the background
	restoreCtx, cancelRestore := context.WithTimeout(ctx, 10*time.Second)
	if err := channels.Restore(restoreCtx); err != nil {
		logger.Warn("{main - main} could not restore catalog: %v", err)
	}
	cancelRestore()

	go func() {
		refreshCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		_ = channels.Refresh(refreshCtx)
	}()

	go sessions.Run(ctx)
	go channels.StartRefresh()

	// setup HTTP routes
	router := mux.NewRouter()
	router.Use(middleware.RequestLogger)

	// proxy routes: playlist, chunklist and segments
	router.Handle("/proxy/{id}/{resource}", middleware.Gzip(handlers.HandleProxy(gateway))).Methods("GET", "HEAD")

	// recent tracks of a channel, read through the gateway's cache
	router.HandleFunc("/api/channels/{number}/now-playing", corsMiddleware(handlers.HandleNowPlaying(gateway))).Methods("GET", "OPTIONS")

	// metrics handler
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// channel and admin routes
	setupAdminRoutes(router, &app{
		cfg:        cfg,
		catalog:    channels,
		sessions:   sessions,
		cache:      segmentCache,
		db:         db,
		prefetcher: prefetcher,
		pool:       workerPool,
		started:    time.Now(),
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	// show info
	logger.Info("Starting Satellite Radio Proxy %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Listen: %s", cfg.ListenAddr)
	logger.Info("  - Base URL: %s", cfg.BaseURL)
	logger.Info("  - Upstream: %s", utils.LogURL(cfg, cfg.Upstream.URL))
	logger.Info("  - Region: %s", cfg.Upstream.Region)
	logger.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("  - Prefetch Segments: %d", cfg.PrefetchSegments)
	logger.Info("  - Max. Cache Size: %s", utils.FormatBytes(cfg.CacheMaxSizeMB*1024*1024))
	logger.Info("  - Segment TTL: %s", cfg.SegmentTTL)
	logger.Info("  - Chunklist TTL: %s", cfg.ChunklistTTL)
	logger.Info("  - Catalog Refresh Rate: %s", cfg.CatalogRefreshInterval)
	logger.Info("  - Debug Enabled: %v", cfg.Debug)
	logger.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	// SIGHUP refreshes the catalog, SIGINT/SIGTERM shut down
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		for sig := range signals {
			if sig == syscall.SIGHUP {
				logger.Info("{main - main} catalog refresh requested by signal")
				go func() {
					refreshCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
					defer cancel()
					_ = channels.Refresh(refreshCtx)
				}()
				continue
			}

			logger.Info("{main - main} shutting down on %v", sig)
			channels.StopRefresh()
			stop()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("{main - main} graceful shutdown failed: %v", err)
			}
			cancel()
			return
		}
	}()

	// fire us up
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("{main - main} server failed to start: %v", err)
	}
	logger.Info("{main - main} server stopped")
}
