package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"satradio-proxy/work/logger"
	"satradio-proxy/work/metrics"
	"satradio-proxy/work/parser"
	"satradio-proxy/work/types"
)

// ErrRefreshInProgress is returned by Refresh while another refresh is running.
var ErrRefreshInProgress = errors.New("catalog refresh already in progress")

// Lister fetches the upstream channel lineup.
type Lister interface {
	ListChannels(ctx context.Context, s *types.Session) ([]types.Channel, error)
}

// Sessions supplies the upstream session used for refreshes.
type Sessions interface {
	Acquire(ctx context.Context) (*types.Session, error)
	Invalidate(stale *types.Session)
}

// Store persists the last good snapshot across restarts.
type Store interface {
	SaveChannels(ctx context.Context, channels []types.Channel, updatedAt time.Time) error
	LoadChannels(ctx context.Context) ([]types.Channel, time.Time, error)
}

// snapshot is one immutable generation of the catalog
type snapshot struct {
	ordered   []types.Channel
	byNumber  map[int]types.Channel
	byRef     map[string]types.Channel
	updatedAt time.Time
}

var emptySnapshot = &snapshot{
	byNumber: map[int]types.Channel{},
	byRef:    map[string]types.Channel{},
}

// Catalog maps channel numbers to stream references.
//
// Readers always see a complete snapshot through an atomic pointer and never wait on a
// refresh. A failed refresh keeps the previous snapshot.
type Catalog struct {
	lister   Lister
	sessions Sessions
	store    Store

	current   atomic.Pointer[snapshot]
	refreshMu sync.Mutex
	interval  time.Duration
	stopChan  chan bool
	now       func() time.Time
}

// New creates an empty catalog. store may be nil, in which case snapshots are not
// persisted.
func New(lister Lister, sessions Sessions, store Store, interval time.Duration) *Catalog {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	c := &Catalog{
		lister:   lister,
		sessions: sessions,
		store:    store,
		interval: interval,
		stopChan: make(chan bool, 1),
		now:      time.Now,
	}
	c.current.Store(emptySnapshot)
	return c
}

// Refresh fetches the channel list and installs it as the new snapshot. An
// authentication failure invalidates the session and is retried once. A listing with no
// usable channel counts as a failure, so the previous snapshot and its persisted copy
// are kept. Only one refresh runs at a time; a concurrent call returns
// ErrRefreshInProgress instead of waiting on the running one.
func (c *Catalog) Refresh(ctx context.Context) error {
	if !c.refreshMu.TryLock() {
		logger.Debug("{catalog/catalog - Refresh} refresh already running, skipping")
		return ErrRefreshInProgress
	}
	defer c.refreshMu.Unlock()

	channels, err := c.fetch(ctx)
	if err != nil && errors.Is(err, types.ErrAuthentication) {
		logger.Warn("{catalog/catalog - Refresh} channel list rejected, retrying with a new session: %v", err)
		channels, err = c.fetch(ctx)
	}
	if err != nil {
		metrics.CatalogRefreshes.WithLabelValues("failure").Inc()
		logger.Error("{catalog/catalog - Refresh} refresh failed, keeping %d known channels: %v", len(c.current.Load().ordered), err)
		return fmt.Errorf("catalog refresh: %w", err)
	}

	snap := buildSnapshot(channels, c.now())
	if len(snap.ordered) == 0 {
		metrics.CatalogRefreshes.WithLabelValues("failure").Inc()
		logger.Error("{catalog/catalog - Refresh} listing had no usable channels (%d rows), keeping %d known channels", len(channels), len(c.current.Load().ordered))
		return fmt.Errorf("catalog refresh: %w: no usable channels in %d rows", types.ErrUpstreamUnavailable, len(channels))
	}
	c.current.Store(snap)

	metrics.CatalogRefreshes.WithLabelValues("success").Inc()
	metrics.CatalogChannels.Set(float64(len(snap.ordered)))
	logger.Info("{catalog/catalog - Refresh} catalog refreshed with %d channels", len(snap.ordered))

	if c.store != nil {
		if err := c.store.SaveChannels(ctx, snap.ordered, snap.updatedAt); err != nil {
			logger.Warn("{catalog/catalog - Refresh} failed to persist snapshot: %v", err)
		}
	}

	return nil
}

// fetch performs one listing with a session; on an authentication error that session
// is invalidated before returning
func (c *Catalog) fetch(ctx context.Context) ([]types.Channel, error) {
	s, err := c.sessions.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	channels, err := c.lister.ListChannels(ctx, s)
	if err != nil {
		if errors.Is(err, types.ErrAuthentication) {
			c.sessions.Invalidate(s)
		}
		return nil, err
	}
	return channels, nil
}

// Restore installs the persisted snapshot, if any. It never replaces a snapshot that a
// refresh has already produced.
func (c *Catalog) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}

	channels, updatedAt, err := c.store.LoadChannels(ctx)
	if err != nil {
		return fmt.Errorf("catalog restore: %w", err)
	}
	if len(channels) == 0 {
		logger.Debug("{catalog/catalog - Restore} no persisted snapshot")
		return nil
	}

	snap := buildSnapshot(channels, updatedAt)
	if c.current.CompareAndSwap(emptySnapshot, snap) {
		metrics.CatalogChannels.Set(float64(len(snap.ordered)))
		logger.Info("{catalog/catalog - Restore} restored %d channels from snapshot taken %s", len(snap.ordered), updatedAt.Format(time.RFC3339))
	}
	return nil
}

// buildSnapshot validates rows and indexes them. Rows without a usable number or stream
// reference are dropped; the first row wins for a duplicated number.
func buildSnapshot(channels []types.Channel, updatedAt time.Time) *snapshot {
	snap := &snapshot{
		ordered:   make([]types.Channel, 0, len(channels)),
		byNumber:  make(map[int]types.Channel, len(channels)),
		byRef:     make(map[string]types.Channel, len(channels)),
		updatedAt: updatedAt,
	}

	for _, ch := range channels {
		switch {
		case ch.Number <= 0:
			logger.Warn("{catalog/catalog - buildSnapshot} skipping channel %q without a valid number", ch.Name)
			continue
		case !parser.ValidStreamRef(ch.StreamRef):
			logger.Warn("{catalog/catalog - buildSnapshot} skipping channel %d with invalid stream reference %q", ch.Number, ch.StreamRef)
			continue
		}
		if _, dup := snap.byNumber[ch.Number]; dup {
			logger.Warn("{catalog/catalog - buildSnapshot} duplicate channel number %d (%q), keeping the first", ch.Number, ch.Name)
			continue
		}

		snap.byNumber[ch.Number] = ch
		if _, seen := snap.byRef[ch.StreamRef]; !seen {
			snap.byRef[ch.StreamRef] = ch
		}
		snap.ordered = append(snap.ordered, ch)
	}

	sort.SliceStable(snap.ordered, func(i, j int) bool {
		return snap.ordered[i].Number < snap.ordered[j].Number
	})

	return snap
}

// Lookup returns the channel with the given number in the current snapshot
func (c *Catalog) Lookup(number int) (types.Channel, bool) {
	ch, ok := c.current.Load().byNumber[number]
	return ch, ok
}

// LookupRef returns the channel with the given stream reference
func (c *Catalog) LookupRef(streamRef string) (types.Channel, bool) {
	ch, ok := c.current.Load().byRef[streamRef]
	return ch, ok
}

// List returns the current channels ordered by number. The slice is a copy.
func (c *Catalog) List() []types.Channel {
	ordered := c.current.Load().ordered
	out := make([]types.Channel, len(ordered))
	copy(out, ordered)
	return out
}

// Len returns the number of channels in the current snapshot
func (c *Catalog) Len() int {
	return len(c.current.Load().ordered)
}

// UpdatedAt returns when the current snapshot was produced (zero if never)
func (c *Catalog) UpdatedAt() time.Time {
	return c.current.Load().updatedAt
}

// StartRefresh refreshes the catalog every interval until StopRefresh is called.
// It blocks, so callers run it on its own goroutine.
func (c *Catalog) StartRefresh() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Debug("{catalog/catalog - StartRefresh} catalog refresh every %v", c.interval)

	for {
		select {
		case <-c.stopChan:
			logger.Debug("{catalog/catalog - StartRefresh} catalog refresh stopped")
			return
		case <-ticker.C:
			logger.Debug("{catalog/catalog - StartRefresh} scheduled catalog refresh")
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			_ = c.Refresh(ctx)
			cancel()
		}
	}
}

// StopRefresh signals the refresh loop to stop
func (c *Catalog) StopRefresh() {
	select {
	case c.stopChan <- true:
	default:
		// already signaled
	}
}
