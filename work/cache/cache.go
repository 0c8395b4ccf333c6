package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter/v2"
	"golang.org/x/sync/singleflight"

	"satradio-proxy/work/config"
	"satradio-proxy/work/logger"
	"satradio-proxy/work/metrics"
)

// Kind selects the TTL class of a cache entry.
type Kind int

const (
	KindSegment   Kind = iota // media segment bytes, long TTL
	KindChunklist             // live chunklist text, short TTL
	KindPlaylist              // top-level manifest text, medium TTL
	KindNowPlaying            // recent track history JSON, short TTL
)

func (k Kind) String() string {
	switch k {
	case KindSegment:
		return "segment"
	case KindChunklist:
		return "chunklist"
	case KindPlaylist:
		return "playlist"
	case KindNowPlaying:
		return "nowplaying"
	default:
		return "unknown"
	}
}

// Key identifies one cached upstream resource. Sequence is only meaningful for segments.
type Key struct {
	StreamRef string
	Kind      Kind
	Sequence  uint64
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d", k.Kind, k.StreamRef, k.Sequence)
}

// SegmentKey, ChunklistKey, PlaylistKey and NowPlayingKey build the keys used by the
// gateway.
func SegmentKey(streamRef string, seq uint64) Key {
	return Key{StreamRef: streamRef, Kind: KindSegment, Sequence: seq}
}

func ChunklistKey(streamRef string) Key {
	return Key{StreamRef: streamRef, Kind: KindChunklist}
}

func PlaylistKey(streamRef string) Key {
	return Key{StreamRef: streamRef, Kind: KindPlaylist}
}

func NowPlayingKey(streamRef string) Key {
	return Key{StreamRef: streamRef, Kind: KindNowPlaying}
}

// Entry is an immutable cached payload. Callers must not modify Data.
type Entry struct {
	Data        []byte
	ContentType string
	Created     time.Time
	TTL         time.Duration
}

// Fresh reports whether the entry may still be served at the given instant
func (e *Entry) Fresh(now time.Time) bool {
	return e != nil && now.Sub(e.Created) < e.TTL
}

// FetchFunc retrieves a resource from upstream. The context it receives is detached from
// any single caller and bounded by the cache's fetch timeout.
type FetchFunc func(ctx context.Context) (data []byte, contentType string, err error)

// Options configures a Cache.
type Options struct {
	SegmentTTL      time.Duration
	ChunklistTTL    time.Duration
	PlaylistTTL     time.Duration
	FetchTimeout    time.Duration
	MaxSegmentBytes uint64 // weight bound of the segment store
	MaxManifests    int    // entry bound of the manifest store
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Hits         uint64 `json:"hits"`
	Misses       uint64 `json:"misses"`
	Shared       uint64 `json:"shared"`
	Failures     uint64 `json:"failures"`
	Segments     int    `json:"segments"`
	SegmentBytes uint64 `json:"segmentBytes"`
	Manifests    int    `json:"manifests"`
}

// Cache stores segments and manifests with per-kind TTLs and collapses concurrent
// misses for the same key into a single upstream fetch.
//
// Segments live in a weight-bounded otter cache (weight = payload length), manifests in
// a size-bounded one. Both expire entries after their TTL; reads additionally check the
// entry's creation time so nothing is ever served past its TTL. A stale read is only a
// miss: removal is left to the store's own expiry, so a fresh entry stored by a
// concurrent fetch is never dropped.
type Cache struct {
	segments  *otter.Cache[Key, *Entry]
	manifests *otter.Cache[Key, *Entry]
	group     singleflight.Group
	opts      Options
	now       func() time.Time

	hits     atomic.Uint64
	misses   atomic.Uint64
	shared   atomic.Uint64
	failures atomic.Uint64
}

// New creates a cache, filling zero options with the configuration defaults.
func New(opts Options) *Cache {
	if opts.SegmentTTL <= 0 {
		opts.SegmentTTL = 10 * time.Minute
	}
	if opts.ChunklistTTL <= 0 {
		opts.ChunklistTTL = 4 * time.Second
	}
	if opts.PlaylistTTL <= 0 {
		opts.PlaylistTTL = time.Minute
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 20 * time.Second
	}
	if opts.MaxSegmentBytes == 0 {
		opts.MaxSegmentBytes = 64 << 20
	}
	if opts.MaxManifests <= 0 {
		opts.MaxManifests = 1024
	}

	expiry := otter.ExpiryWritingFunc(func(e otter.Entry[Key, *Entry]) time.Duration {
		return e.Value.TTL
	})

	return &Cache{
		segments: otter.Must(&otter.Options[Key, *Entry]{
			MaximumWeight:    opts.MaxSegmentBytes,
			Weigher:          weigh,
			ExpiryCalculator: expiry,
		}),
		manifests: otter.Must(&otter.Options[Key, *Entry]{
			MaximumSize:      opts.MaxManifests,
			ExpiryCalculator: expiry,
		}),
		opts: opts,
		now:  time.Now,
	}
}

// NewFromConfig creates a cache sized and timed by the loaded configuration
func NewFromConfig(cfg *config.Config) *Cache {
	return New(Options{
		SegmentTTL:      cfg.SegmentTTL,
		ChunklistTTL:    cfg.ChunklistTTL,
		PlaylistTTL:     cfg.PlaylistTTL,
		FetchTimeout:    cfg.FetchTimeout,
		MaxSegmentBytes: uint64(cfg.CacheMaxSizeMB) << 20,
	})
}

func weigh(_ Key, e *Entry) uint32 {
	n := len(e.Data)
	if n <= 0 {
		return 1
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n)
}

const (
	outcomeJoined int32 = iota
	outcomeHit
	outcomeFetched
)

// GetOrFetch returns a fresh entry for key, calling fetch at most once across all
// concurrent callers of the same key.
//
// Behavior:
//   - fresh entry present → returned without any upstream call
//   - fetch for key already in flight → the caller waits for its result
//   - otherwise → this caller starts the fetch; every waiter receives its outcome
//
// The fetch runs on a context detached from the caller and bounded by FetchTimeout, so
// a caller giving up (ctx cancelled) abandons only its own wait. Failed fetches are
// delivered to all waiters and never cached.
func (c *Cache) GetOrFetch(ctx context.Context, key Key, fetch FetchFunc) (*Entry, error) {
	kind := key.Kind.String()

	if e, ok := c.Peek(key); ok {
		c.hits.Add(1)
		metrics.CacheRequests.WithLabelValues(kind, "hit").Inc()
		return e, nil
	}

	// only the closure of the caller that leads the flight runs, so outcome stays
	// outcomeJoined for callers that waited on someone else's fetch
	var outcome atomic.Int32
	ch := c.group.DoChan(key.String(), func() (any, error) {
		// a flight that finished between our Peek and DoChan may have stored it
		if e, ok := c.Peek(key); ok {
			outcome.Store(outcomeHit)
			return e, nil
		}
		outcome.Store(outcomeFetched)

		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.FetchTimeout)
		defer cancel()

		data, contentType, err := fetch(fetchCtx)
		if err != nil {
			c.failures.Add(1)
			metrics.CacheFetchFailures.WithLabelValues(kind).Inc()
			logger.Debug("{cache/cache - GetOrFetch} fetch of %s failed: %v", key, err)
			return nil, err
		}

		e := &Entry{
			Data:        data,
			ContentType: contentType,
			Created:     c.now(),
			TTL:         c.ttlFor(key.Kind),
		}
		c.store(key, e)
		return e, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		switch outcome.Load() {
		case outcomeHit:
			c.hits.Add(1)
			metrics.CacheRequests.WithLabelValues(kind, "hit").Inc()
		case outcomeFetched:
			c.misses.Add(1)
			metrics.CacheRequests.WithLabelValues(kind, "miss").Inc()
		default:
			c.shared.Add(1)
			metrics.CacheRequests.WithLabelValues(kind, "shared").Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Entry), nil
	}
}

// Peek returns the entry for key if it is present and fresh, without fetching
func (c *Cache) Peek(key Key) (*Entry, bool) {
	store := c.storeFor(key.Kind)
	e, ok := store.GetIfPresent(key)
	if !ok {
		return nil, false
	}
	if !e.Fresh(c.now()) {
		return nil, false
	}
	return e, true
}

// Invalidate drops the entry for key, if any
func (c *Cache) Invalidate(key Key) {
	c.storeFor(key.Kind).Invalidate(key)
}

// Stats returns the cache counters and current occupancy
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Shared:       c.shared.Load(),
		Failures:     c.failures.Load(),
		Segments:     c.segments.EstimatedSize(),
		SegmentBytes: c.segments.WeightedSize(),
		Manifests:    c.manifests.EstimatedSize(),
	}
}

// TTL returns the time-to-live applied to entries of the given kind
func (c *Cache) TTL(kind Kind) time.Duration {
	return c.ttlFor(kind)
}

func (c *Cache) ttlFor(kind Kind) time.Duration {
	switch kind {
	case KindSegment:
		return c.opts.SegmentTTL
	case KindChunklist, KindNowPlaying:
		return c.opts.ChunklistTTL
	default:
		return c.opts.PlaylistTTL
	}
}

func (c *Cache) storeFor(kind Kind) *otter.Cache[Key, *Entry] {
	if kind == KindSegment {
		return c.segments
	}
	return c.manifests
}

func (c *Cache) store(key Key, e *Entry) {
	c.storeFor(key.Kind).Set(key, e)
}
