package config

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync"
	"time"
)

// DefaultConfigPath is where the proxy looks for its settings unless SATPROXY_CONFIG
// points somewhere else.
const DefaultConfigPath = "/settings/config.json"

// Config holds all application configuration values for the satellite radio proxy.
// It covers the listen surface, upstream account, session and catalog schedules, and
// the cache bounds used by the segment cache.
type Config struct {
	BaseURL                string         `json:"baseURL"`                // Public base URL of this proxy (used for links in JSON responses)
	ListenAddr             string         `json:"listenAddr"`             // Address the HTTP server binds to
	LogLevel               string         `json:"logLevel"`               // DEBUG, INFO, WARN or ERROR
	Debug                  bool           `json:"debug"`                  // Forces DEBUG logging
	ObfuscateUrls          bool           `json:"obfuscateUrls"`          // Obfuscate upstream URLs in logs
	Upstream               UpstreamConfig `json:"upstream"`               // Upstream streaming service settings
	SessionRefreshAhead    time.Duration  `json:"sessionRefreshAhead"`    // Proactively log in this long before session expiry
	SessionExpiryMargin    time.Duration  `json:"sessionExpiryMargin"`    // Treat sessions as expired this long before their expiry
	CatalogRefreshInterval time.Duration  `json:"catalogRefreshInterval"` // Interval between channel catalog refreshes
	SegmentTTL             time.Duration  `json:"segmentTTL"`             // Lifetime of cached segment bytes
	ChunklistTTL           time.Duration  `json:"chunklistTTL"`           // Lifetime of cached chunklist text
	PlaylistTTL            time.Duration  `json:"playlistTTL"`            // Lifetime of cached top-level manifest text
	FetchTimeout           time.Duration  `json:"fetchTimeout"`           // Upper bound for one shared upstream fetch
	CacheMaxSizeMB         int64          `json:"cacheMaxSizeMB"`         // Size bound of the segment cache in MB
	PrefetchSegments       int            `json:"prefetchSegments"`       // Live-edge segments warmed after each chunklist (0 disables)
	WorkerThreads          int            `json:"workerThreads"`          // Size of the prefetch worker pool
	DatabasePath           string         `json:"databasePath"`           // SQLite file holding the last good catalog snapshot
	AdminUsername          string         `json:"adminUsername"`          // Basic auth user for admin endpoints
	AdminPasswordHash      string         `json:"adminPasswordHash"`      // bcrypt hash; empty disables admin auth
}

// UpstreamConfig describes how to reach and authenticate against the upstream service.
type UpstreamConfig struct {
	URL            string        `json:"url"`            // Base URL of the upstream API
	Username       string        `json:"username"`       // Account name
	Password       string        `json:"password"`       // Account password
	Region         string        `json:"region"`         // Requested region
	UserAgent      string        `json:"userAgent"`      // HTTP User-Agent header for requests
	ReqOrigin      string        `json:"reqOrigin"`      // HTTP Origin header for requests
	ReqReferrer    string        `json:"reqReferrer"`    // HTTP Referer header for requests
	RequestTimeout time.Duration `json:"requestTimeout"` // Timeout of a single upstream HTTP request
	RateLimit      int           `json:"rateLimit"`      // Maximum upstream requests per second
}

// ConfigFile represents the JSON file structure for marshaling/unmarshaling configuration.
// String duration fields (e.g., "30m") are parsed into time.Duration values.
type ConfigFile struct {
	BaseURL                string             `json:"baseURL"`
	ListenAddr             string             `json:"listenAddr"`
	LogLevel               string             `json:"logLevel"`
	Debug                  bool               `json:"debug"`
	ObfuscateUrls          bool               `json:"obfuscateUrls"`
	Upstream               UpstreamConfigFile `json:"upstream"`
	SessionRefreshAhead    string             `json:"sessionRefreshAhead"`    // Duration as string (e.g., "2m")
	SessionExpiryMargin    string             `json:"sessionExpiryMargin"`    // Duration as string (e.g., "30s")
	CatalogRefreshInterval string             `json:"catalogRefreshInterval"` // Duration as string (e.g., "6h")
	SegmentTTL             string             `json:"segmentTTL"`
	ChunklistTTL           string             `json:"chunklistTTL"`
	PlaylistTTL            string             `json:"playlistTTL"`
	FetchTimeout           string             `json:"fetchTimeout"`
	CacheMaxSizeMB         int64              `json:"cacheMaxSizeMB"`
	PrefetchSegments       int                `json:"prefetchSegments"`
	WorkerThreads          int                `json:"workerThreads"`
	DatabasePath           string             `json:"databasePath"`
	AdminUsername          string             `json:"adminUsername"`
	AdminPasswordHash      string             `json:"adminPasswordHash"`
}

// UpstreamConfigFile represents the upstream configuration in JSON format.
type UpstreamConfigFile struct {
	URL            string `json:"url"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	Region         string `json:"region"`
	UserAgent      string `json:"userAgent"`
	ReqOrigin      string `json:"reqOrigin"`
	ReqReferrer    string `json:"reqReferrer"`
	RequestTimeout string `json:"requestTimeout"` // Duration string (e.g., "10s")
	RateLimit      int    `json:"rateLimit"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Attempts to load from SATPROXY_CONFIG, or `/settings/config.json`.
//   - Falls back to default config if file is missing or invalid.
//   - Applies credential overrides from the environment.
//   - Runs validation to ensure safe defaults.
//
// Returns:
//   - *Config: fully validated configuration object
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	configPath := os.Getenv("SATPROXY_CONFIG")
	if configPath == "" {
		configPath = DefaultConfigPath
	}

	config, err := LoadConfigFrom(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
		applyEnvOverrides(config)
		validateAndSetDefaults(config)
	}

	// Cache for future calls
	configCache = config

	if config.Debug {
		log.Printf("Configuration loaded:")
		log.Printf("  Upstream: %s (user: %s, region: %s)", obfuscateURL(config.Upstream.URL), config.Upstream.Username, config.Upstream.Region)
		log.Printf("  Listen: %s", config.ListenAddr)
		log.Printf("  Cache: %d MB, segment TTL %s, chunklist TTL %s", config.CacheMaxSizeMB, config.SegmentTTL, config.ChunklistTTL)
	}

	return config
}

// LoadConfigFrom reads, converts, overrides and validates the configuration stored at
// path without touching the cached singleton.
func LoadConfigFrom(path string) (*Config, error) {
	config, err := loadFromFile(path)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(config)
	validateAndSetDefaults(config)

	return config, nil
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {

	// read from the file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// unmarshal the config file
	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	// convert to our settings
	return convertFromFile(&configFile)
}

// parseOptionalDuration parses a duration string, leaving zero for an empty value so
// validateAndSetDefaults can fill it in.
func parseOptionalDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

// convertFromFile converts a ConfigFile to Config,
// parsing duration strings into time.Duration.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		BaseURL:           cf.BaseURL,
		ListenAddr:        cf.ListenAddr,
		LogLevel:          cf.LogLevel,
		Debug:             cf.Debug,
		ObfuscateUrls:     cf.ObfuscateUrls,
		CacheMaxSizeMB:    cf.CacheMaxSizeMB,
		PrefetchSegments:  cf.PrefetchSegments,
		WorkerThreads:     cf.WorkerThreads,
		DatabasePath:      cf.DatabasePath,
		AdminUsername:     cf.AdminUsername,
		AdminPasswordHash: cf.AdminPasswordHash,
		Upstream: UpstreamConfig{
			URL:         cf.Upstream.URL,
			Username:    cf.Upstream.Username,
			Password:    cf.Upstream.Password,
			Region:      cf.Upstream.Region,
			UserAgent:   cf.Upstream.UserAgent,
			ReqOrigin:   cf.Upstream.ReqOrigin,
			ReqReferrer: cf.Upstream.ReqReferrer,
			RateLimit:   cf.Upstream.RateLimit,
		},
	}

	// Parse duration fields
	durations := []struct {
		name   string
		value  string
		target *time.Duration
	}{
		{"sessionRefreshAhead", cf.SessionRefreshAhead, &config.SessionRefreshAhead},
		{"sessionExpiryMargin", cf.SessionExpiryMargin, &config.SessionExpiryMargin},
		{"catalogRefreshInterval", cf.CatalogRefreshInterval, &config.CatalogRefreshInterval},
		{"segmentTTL", cf.SegmentTTL, &config.SegmentTTL},
		{"chunklistTTL", cf.ChunklistTTL, &config.ChunklistTTL},
		{"playlistTTL", cf.PlaylistTTL, &config.PlaylistTTL},
		{"fetchTimeout", cf.FetchTimeout, &config.FetchTimeout},
		{"upstream.requestTimeout", cf.Upstream.RequestTimeout, &config.Upstream.RequestTimeout},
	}
	for _, d := range durations {
		parsed, err := parseOptionalDuration(d.name, d.value)
		if err != nil {
			return nil, err
		}
		*d.target = parsed
	}

	return config, nil
}

// applyEnvOverrides lets container deployments inject credentials without writing them
// into the settings file.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("SATPROXY_USERNAME"); v != "" {
		config.Upstream.Username = v
	}
	if v := os.Getenv("SATPROXY_PASSWORD"); v != "" {
		config.Upstream.Password = v
	}
	if v := os.Getenv("SATPROXY_REGION"); v != "" {
		config.Upstream.Region = v
	}
}

// getDefaultConfig returns a baseline configuration
// with sensible defaults when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		BaseURL:                "http://localhost:8080",
		ListenAddr:             ":8080",
		LogLevel:               "INFO",
		SessionRefreshAhead:    2 * time.Minute,
		SessionExpiryMargin:    30 * time.Second,
		CatalogRefreshInterval: 6 * time.Hour,
		SegmentTTL:             10 * time.Minute,
		ChunklistTTL:           4 * time.Second,
		PlaylistTTL:            time.Minute,
		FetchTimeout:           20 * time.Second,
		CacheMaxSizeMB:         64,
		PrefetchSegments:       2,
		WorkerThreads:          4,
		DatabasePath:           "/settings/channels.db",
		Upstream: UpstreamConfig{
			Region:         "US",
			UserAgent:      "satradio-proxy/1.0",
			RequestTimeout: 10 * time.Second,
			RateLimit:      20,
		},
	}
}

// validateAndSetDefaults ensures all config values are valid,
// filling in defaults for missing/invalid ones.
func validateAndSetDefaults(config *Config) {
	defaults := getDefaultConfig()

	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.ListenAddr == "" {
		config.ListenAddr = defaults.ListenAddr
	}
	if config.LogLevel == "" {
		config.LogLevel = defaults.LogLevel
	}
	if config.Debug {
		config.LogLevel = "DEBUG"
	}
	if config.SessionRefreshAhead <= 0 {
		config.SessionRefreshAhead = defaults.SessionRefreshAhead
	}
	if config.SessionExpiryMargin < 0 {
		config.SessionExpiryMargin = 0
	}
	if config.SessionExpiryMargin == 0 {
		config.SessionExpiryMargin = defaults.SessionExpiryMargin
	}
	if config.CatalogRefreshInterval <= 0 {
		config.CatalogRefreshInterval = defaults.CatalogRefreshInterval
	}
	if config.SegmentTTL <= 0 {
		config.SegmentTTL = defaults.SegmentTTL
	}
	if config.ChunklistTTL <= 0 {
		config.ChunklistTTL = defaults.ChunklistTTL
	}
	if config.PlaylistTTL <= 0 {
		config.PlaylistTTL = defaults.PlaylistTTL
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = defaults.FetchTimeout
	}
	if config.CacheMaxSizeMB <= 0 {
		config.CacheMaxSizeMB = defaults.CacheMaxSizeMB
	}
	if config.PrefetchSegments < 0 {
		config.PrefetchSegments = 0
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = defaults.WorkerThreads
	}
	if config.DatabasePath == "" {
		config.DatabasePath = defaults.DatabasePath
	}
	if config.AdminUsername == "" {
		config.AdminUsername = "admin"
	}

	// upstream defaults; URL and credentials may remain empty and are reported at startup
	if config.Upstream.Region == "" {
		config.Upstream.Region = defaults.Upstream.Region
	}
	if config.Upstream.UserAgent == "" {
		config.Upstream.UserAgent = defaults.Upstream.UserAgent
	}
	if config.Upstream.RequestTimeout <= 0 {
		config.Upstream.RequestTimeout = defaults.Upstream.RequestTimeout
	}
	if config.Upstream.RateLimit <= 0 {
		config.Upstream.RateLimit = defaults.Upstream.RateLimit
	}
}

// CreateExampleConfig creates an example config file on disk.
//
// Parameters:
//   - path: file path to write example config
//
// Returns:
//   - error: if write fails
func CreateExampleConfig(path string) error {
	example := ConfigFile{
		BaseURL:                "http://localhost:8080",
		ListenAddr:             ":8080",
		LogLevel:               "INFO",
		ObfuscateUrls:          true,
		SessionRefreshAhead:    "2m",
		SessionExpiryMargin:    "30s",
		CatalogRefreshInterval: "6h",
		SegmentTTL:             "10m",
		ChunklistTTL:           "4s",
		PlaylistTTL:            "1m",
		FetchTimeout:           "20s",
		CacheMaxSizeMB:         64,
		PrefetchSegments:       2,
		WorkerThreads:          4,
		DatabasePath:           "/settings/channels.db",
		AdminUsername:          "admin",
		Upstream: UpstreamConfigFile{
			URL:            "https://api.example.com/v1",
			Username:       "listener@example.com",
			Password:       "",
			Region:         "US",
			UserAgent:      "satradio-proxy/1.0",
			RequestTimeout: "10s",
			RateLimit:      20,
		},
	}

	// setup the data properly
	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}

	// write the config file
	return os.WriteFile(path, data, 0644)
}

// ClearConfigCache resets the configCache to nil.
// Forces a reload on the next LoadConfig() call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// obfuscateURL masks sensitive parts of a URL for logging.
//
// Example:
//
//	Input:  "http://example.com/secret/stream.m3u8?token=abc"
//	Output: "http://example.com/***?***"
func obfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}
	return result
}
