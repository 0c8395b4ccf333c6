package proxy

import (
	"context"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"satradio-proxy/work/logger"
	"satradio-proxy/work/metrics"
)

// WarmFunc loads one segment into the cache.
type WarmFunc func(ctx context.Context, streamRef string, seq uint64) error

// Prefetcher warms the newest segments of a chunklist so the player's next segment
// request is a cache hit. Warm-ups go through the same cache as player requests, so a
// player asking for a segment that is being prefetched simply joins that fetch.
type Prefetcher struct {
	pool      *ants.Pool
	count     int
	timeout   time.Duration
	scheduled *xsync.MapOf[string, uint64] // highest sequence scheduled per stream
	warm      WarmFunc
}

// NewPrefetcher creates a prefetcher that warms up to count live-edge segments per
// chunklist on pool. A count of zero or less disables prefetching.
func NewPrefetcher(pool *ants.Pool, count int, timeout time.Duration) *Prefetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Prefetcher{
		pool:      pool,
		count:     count,
		timeout:   timeout,
		scheduled: xsync.NewMapOf[string, uint64](),
	}
}

// Schedule submits warm-ups for the last count sequences of seqs that are newer than
// anything already scheduled for streamRef.
func (p *Prefetcher) Schedule(streamRef string, seqs []uint64) {
	if p == nil || p.count <= 0 || p.warm == nil || len(seqs) == 0 {
		return
	}

	tail := seqs
	if len(tail) > p.count {
		tail = tail[len(tail)-p.count:]
	}

	var pending []uint64
	p.scheduled.Compute(streamRef, func(last uint64, loaded bool) (uint64, bool) {
		pending = pending[:0]
		highest := last
		for _, seq := range tail {
			if loaded && seq <= last {
				continue
			}
			pending = append(pending, seq)
			highest = max(highest, seq)
		}
		return highest, false
	})

	for _, seq := range pending {
		err := p.pool.Submit(func() {
			ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
			defer cancel()

			if err := p.warm(ctx, streamRef, seq); err != nil {
				metrics.Prefetches.WithLabelValues("failure").Inc()
				logger.Debug("{proxy/prefetch - Schedule} prefetch of %s segment %d failed: %v", streamRef, seq, err)
				return
			}
			metrics.Prefetches.WithLabelValues("success").Inc()
		})
		if err != nil {
			metrics.Prefetches.WithLabelValues("rejected").Inc()
			logger.Debug("{proxy/prefetch - Schedule} prefetch of %s segment %d not scheduled: %v", streamRef, seq, err)
		}
	}
}

// Forget drops the scheduling state of streamRef
func (p *Prefetcher) Forget(streamRef string) {
	if p != nil {
		p.scheduled.Delete(streamRef)
	}
}

// Tracked returns the number of streams with scheduling state
func (p *Prefetcher) Tracked() int {
	if p == nil {
		return 0
	}
	return p.scheduled.Size()
}
