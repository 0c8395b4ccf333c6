package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CacheRequests counts segment cache lookups per resource kind.
// The "result" label is one of "hit", "miss" (this caller started the upstream fetch)
// or "shared" (this caller attached to a fetch already in flight).
var CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "satradio_proxy_cache_requests_total",
	Help: "Cache lookups by resource kind and result",
}, []string{"kind", "result"})

// CacheFetchFailures counts shared upstream fetches that failed and were not cached.
var CacheFetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "satradio_proxy_cache_fetch_failures_total",
	Help: "Failed upstream fetches by resource kind",
}, []string{"kind"})

// UpstreamRequests counts calls to the upstream service by operation and outcome.
var UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "satradio_proxy_upstream_requests_total",
	Help: "Upstream requests by operation and outcome",
}, []string{"operation", "outcome"})

// BytesTransferred tracks the total number of bytes served per resource kind.
var BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "satradio_proxy_bytes_transferred_total",
	Help: "Total bytes served to players",
}, []string{"kind"})

// Logins counts upstream login attempts by outcome.
var Logins = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "satradio_proxy_logins_total",
	Help: "Upstream login attempts",
}, []string{"outcome"})

// CatalogRefreshes counts channel catalog refreshes by outcome.
var CatalogRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "satradio_proxy_catalog_refreshes_total",
	Help: "Channel catalog refreshes",
}, []string{"outcome"})

// CatalogChannels reports the number of channels in the current catalog snapshot.
var CatalogChannels = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "satradio_proxy_catalog_channels",
	Help: "Channels in the current catalog snapshot",
})

// Prefetches counts live-edge segment warm-ups by outcome.
var Prefetches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "satradio_proxy_prefetches_total",
	Help: "Live-edge segment prefetches",
}, []string{"outcome"})

// ProxyErrors counts failed player requests by resource and HTTP status.
var ProxyErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "satradio_proxy_errors_total",
	Help: "Failed proxy requests",
}, []string{"resource", "status"})
