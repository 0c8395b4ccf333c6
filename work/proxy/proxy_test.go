package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"satradio-proxy/work/cache"
	"satradio-proxy/work/session"
	"satradio-proxy/work/types"
)

const upstreamMaster = "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=256000\nhttps://cdn.example.com/abc123/256k/chunklist.m3u8?token=secret\n"

const upstreamChunklist = "#EXTM3U\n#EXT-X-TARGETDURATION:10\n#EXT-X-MEDIA-SEQUENCE:4821\n" +
	"#EXTINF:10,\nhttps://cdn.example.com/abc123/seg4821.aac\n" +
	"#EXTINF:10,\nhttps://cdn.example.com/abc123/seg4822.aac\n" +
	"#EXTINF:10,\nhttps://cdn.example.com/abc123/seg4823.aac\n"

// fakeUpstream rejects sessions older than validFrom and counts every call
type fakeUpstream struct {
	validFrom  atomic.Uint64
	logins     atomic.Int32
	manifests  atomic.Int32
	chunklists atomic.Int32
	segments   atomic.Int32
	tracks     atomic.Int32
	unavail    atomic.Bool
	manifest   string
	delay      time.Duration
	liveFrom   uint64 // segments below this sequence have left the window

	mu          sync.Mutex
	segmentSeqs []uint64
}

func newFakeUpstream() *fakeUpstream {
	f := &fakeUpstream{manifest: upstreamMaster}
	f.validFrom.Store(1)
	return f
}

func (f *fakeUpstream) Login(ctx context.Context, creds types.Credentials) (*types.Session, error) {
	n := f.logins.Add(1)
	return &types.Session{Token: fmt.Sprintf("tok-%d", n), Region: creds.Region, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeUpstream) check(s *types.Session) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.unavail.Load() {
		return fmt.Errorf("%w: HTTP 503", types.ErrUpstreamUnavailable)
	}
	if s.Generation < f.validFrom.Load() {
		return fmt.Errorf("%w: HTTP 401", types.ErrAuthentication)
	}
	return nil
}

func (f *fakeUpstream) ListChannels(ctx context.Context, s *types.Session) ([]types.Channel, error) {
	return nil, nil
}

func (f *fakeUpstream) FetchManifest(ctx context.Context, s *types.Session, ref string) (string, error) {
	f.manifests.Add(1)
	if err := f.check(s); err != nil {
		return "", err
	}
	return f.manifest, nil
}

func (f *fakeUpstream) FetchChunklist(ctx context.Context, s *types.Session, ref string) (string, error) {
	f.chunklists.Add(1)
	if err := f.check(s); err != nil {
		return "", err
	}
	return upstreamChunklist, nil
}

func (f *fakeUpstream) FetchSegment(ctx context.Context, s *types.Session, ref string, seq uint64) ([]byte, error) {
	f.segments.Add(1)
	if err := f.check(s); err != nil {
		return nil, err
	}
	if seq < f.liveFrom {
		return nil, fmt.Errorf("%w: segment %d is not in the live window", types.ErrNotFound, seq)
	}
	f.mu.Lock()
	f.segmentSeqs = append(f.segmentSeqs, seq)
	f.mu.Unlock()
	return []byte(fmt.Sprintf("%s-%d", ref, seq)), nil
}

func (f *fakeUpstream) FetchRecentTracks(ctx context.Context, s *types.Session, ref string) ([]types.Track, error) {
	f.tracks.Add(1)
	if err := f.check(s); err != nil {
		return nil, err
	}
	start := time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)
	var out []types.Track
	for i := 7; i > 0; i-- {
		out = append(out, types.Track{
			Title:     fmt.Sprintf("Song %d", i),
			Artist:    "Band",
			StartTime: start.Add(time.Duration(i) * 4 * time.Minute),
		})
	}
	return out, nil
}

type staticCatalog map[int]types.Channel

func (c staticCatalog) Lookup(number int) (types.Channel, bool) {
	ch, ok := c[number]
	return ch, ok
}

func (c staticCatalog) LookupRef(streamRef string) (types.Channel, bool) {
	for _, ch := range c {
		if ch.StreamRef == streamRef {
			return ch, true
		}
	}
	return types.Channel{}, false
}

var testCatalog = staticCatalog{20: {Number: 20, StreamRef: "abc123", Name: "Hits"}}

func newTestGateway(t *testing.T, up *fakeUpstream, prefetcher *Prefetcher) (*Gateway, *session.Manager) {
	t.Helper()
	sessions := session.NewManager(up, types.Credentials{Username: "u", Password: "p", Region: "US"}, session.Options{})
	c := cache.New(cache.Options{ChunklistTTL: time.Minute})
	return New(testCatalog, sessions, up, c, prefetcher), sessions
}

func TestPlaylist_RewritesChunklistReferences(t *testing.T) {
	up := newFakeUpstream()
	g, _ := newTestGateway(t, up, nil)

	out, err := g.Playlist(context.Background(), "20")
	require.NoError(t, err)

	assert.Equal(t, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=256000\n/proxy/abc123/chunklist.m3u8\n", string(out))
	assert.NotContains(t, string(out), "secret")

	_, err = g.Playlist(context.Background(), "20")
	require.NoError(t, err)
	assert.Equal(t, int32(1), up.manifests.Load())
}

func TestPlaylist_UnknownAndMalformedIDs(t *testing.T) {
	g, _ := newTestGateway(t, newFakeUpstream(), nil)

	_, err := g.Playlist(context.Background(), "999")
	assert.ErrorIs(t, err, types.ErrUnknownChannel)
	assert.Equal(t, http.StatusNotFound, StatusFor(err))

	_, err = g.Playlist(context.Background(), "twenty")
	assert.ErrorIs(t, err, types.ErrMalformedRequest)
	assert.Equal(t, http.StatusBadRequest, StatusFor(err))
}

func TestPlaylist_MalformedManifestIsSurfacedAndNotKept(t *testing.T) {
	up := newFakeUpstream()
	up.manifest = "<html>maintenance</html>"
	g, _ := newTestGateway(t, up, nil)

	_, err := g.Playlist(context.Background(), "20")
	assert.ErrorIs(t, err, types.ErrMalformedManifest)
	assert.Equal(t, http.StatusBadGateway, StatusFor(err))

	up.manifest = upstreamMaster
	out, err := g.Playlist(context.Background(), "20")
	require.NoError(t, err)
	assert.Contains(t, string(out), "/proxy/abc123/chunklist.m3u8")
	assert.Equal(t, int32(2), up.manifests.Load())
}

func TestChunklist_RewritesSegmentsFromMediaSequence(t *testing.T) {
	up := newFakeUpstream()
	g, _ := newTestGateway(t, up, nil)

	out, err := g.Chunklist(context.Background(), "abc123")
	require.NoError(t, err)

	text := string(out)
	assert.Contains(t, text, "#EXT-X-MEDIA-SEQUENCE:4821\n#EXTINF:10,\n/proxy/abc123/chunk-4821.ts\n")
	assert.Contains(t, text, "/proxy/abc123/chunk-4823.ts\n")
	assert.NotContains(t, text, "cdn.example.com")

	_, err = g.Chunklist(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, int32(1), up.chunklists.Load())
}

func TestChunklist_InvalidStreamRef(t *testing.T) {
	g, _ := newTestGateway(t, newFakeUpstream(), nil)

	_, err := g.Chunklist(context.Background(), "../../etc")
	assert.Equal(t, http.StatusBadRequest, StatusFor(err))
}

func TestUnknownStreamRefIsNotFoundWithoutUpstreamWork(t *testing.T) {
	up := newFakeUpstream()
	g, _ := newTestGateway(t, up, nil)

	for i := 0; i < 5; i++ {
		ref := fmt.Sprintf("nosuch%d", i)

		_, err := g.Chunklist(context.Background(), ref)
		assert.ErrorIs(t, err, types.ErrUnknownChannel)
		assert.Equal(t, http.StatusNotFound, StatusFor(err))

		_, err = g.Segment(context.Background(), ref, uint64(100+i))
		assert.ErrorIs(t, err, types.ErrUnknownChannel)
		assert.Equal(t, http.StatusNotFound, StatusFor(err))
	}

	assert.Equal(t, int32(0), up.logins.Load())
	assert.Equal(t, int32(0), up.chunklists.Load())
	assert.Equal(t, int32(0), up.segments.Load())
}

func TestSegment_OutsideLiveWindowIsNotFoundAndKeepsSession(t *testing.T) {
	up := newFakeUpstream()
	up.liveFrom = 100
	g, sessions := newTestGateway(t, up, nil)

	for seq := uint64(1); seq <= 5; seq++ {
		_, err := g.Segment(context.Background(), "abc123", seq)
		assert.ErrorIs(t, err, types.ErrNotFound)
		assert.Equal(t, http.StatusNotFound, StatusFor(err))
	}

	// one fetch per request, no retry, no re-login
	assert.Equal(t, int32(5), up.segments.Load())
	assert.Equal(t, int32(1), up.logins.Load())

	s, err := sessions.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.Generation)

	data, err := g.Segment(context.Background(), "abc123", 100)
	require.NoError(t, err)
	assert.Equal(t, "abc123-100", string(data))
	assert.Equal(t, int32(1), up.logins.Load())
}

func TestPlaylist_MediaManifestIsServedThroughChunklist(t *testing.T) {
	up := newFakeUpstream()
	up.manifest = upstreamChunklist
	g, _ := newTestGateway(t, up, nil)

	out, err := g.Playlist(context.Background(), "20")
	require.NoError(t, err)
	assert.Equal(t, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=256000\n/proxy/abc123/chunklist.m3u8\n", string(out))

	out, err = g.Chunklist(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Contains(t, string(out), "/proxy/abc123/chunk-4821.ts")
}

func TestNowPlaying_NewestTracksCachedAndLimited(t *testing.T) {
	up := newFakeUpstream()
	g, _ := newTestGateway(t, up, nil)

	ch, tracks, err := g.NowPlaying(context.Background(), "20", 5)
	require.NoError(t, err)
	assert.Equal(t, 20, ch.Number)
	require.Len(t, tracks, 5)
	assert.Equal(t, "Song 7", tracks[0].Title)
	assert.Equal(t, "Song 3", tracks[4].Title)

	_, tracks, err = g.NowPlaying(context.Background(), "20", 0)
	require.NoError(t, err)
	assert.Len(t, tracks, 7)
	assert.Equal(t, int32(1), up.tracks.Load())

	_, _, err = g.NowPlaying(context.Background(), "999", 5)
	assert.Equal(t, http.StatusNotFound, StatusFor(err))

	_, _, err = g.NowPlaying(context.Background(), "jazz", 5)
	assert.Equal(t, http.StatusBadRequest, StatusFor(err))
}

func TestSegment_ServedFromCacheWithinTTL(t *testing.T) {
	up := newFakeUpstream()
	g, _ := newTestGateway(t, up, nil)

	for i := 0; i < 3; i++ {
		data, err := g.Segment(context.Background(), "abc123", 4821)
		require.NoError(t, err)
		assert.Equal(t, "abc123-4821", string(data))
	}
	assert.Equal(t, int32(1), up.segments.Load())
}

func TestSegment_ConcurrentRequestsShareOneUpstreamFetch(t *testing.T) {
	up := newFakeUpstream()
	up.delay = 30 * time.Millisecond
	g, _ := newTestGateway(t, up, nil)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := g.Segment(context.Background(), "abc123", 4822)
			assert.NoError(t, err)
			assert.Equal(t, "abc123-4822", string(data))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), up.segments.Load())
	assert.Equal(t, int32(1), up.logins.Load())
}

func TestConcurrentAuthFailuresCauseExactlyOneRelogin(t *testing.T) {
	up := newFakeUpstream()
	up.delay = 10 * time.Millisecond
	g, sessions := newTestGateway(t, up, nil)

	first, err := sessions.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), up.logins.Load())

	// the upstream now rejects the first session
	up.validFrom.Store(first.Generation + 1)

	const requests = 20
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := g.Segment(context.Background(), "abc123", uint64(5000+i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(2), up.logins.Load())

	s, err := sessions.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Generation+1, s.Generation)
}

func TestPersistentUpstreamFailureRetriesOnceThenSurfaces(t *testing.T) {
	up := newFakeUpstream()
	up.unavail.Store(true)
	g, _ := newTestGateway(t, up, nil)

	_, err := g.Segment(context.Background(), "abc123", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)
	assert.Equal(t, http.StatusBadGateway, StatusFor(err))
	assert.Equal(t, int32(2), up.segments.Load())
	assert.Equal(t, int32(2), up.logins.Load())
}

func TestChunklist_PrefetchesLiveEdge(t *testing.T) {
	pool, err := ants.NewPool(2)
	require.NoError(t, err)
	defer pool.Release()

	up := newFakeUpstream()
	prefetcher := NewPrefetcher(pool, 2, time.Second)
	g, _ := newTestGateway(t, up, prefetcher)

	_, err = g.Chunklist(context.Background(), "abc123")
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return up.segments.Load() == 2 }, time.Second, 5*time.Millisecond)

	up.mu.Lock()
	seqs := append([]uint64(nil), up.segmentSeqs...)
	up.mu.Unlock()
	assert.ElementsMatch(t, []uint64{4822, 4823}, seqs)

	// prefetched segments are now cache hits
	data, err := g.Segment(context.Background(), "abc123", 4823)
	require.NoError(t, err)
	assert.Equal(t, "abc123-4823", string(data))
	assert.Equal(t, int32(2), up.segments.Load())
	assert.Equal(t, 1, prefetcher.Tracked())
}

func TestChunklist_FailureForgetsPrefetchState(t *testing.T) {
	pool, err := ants.NewPool(2)
	require.NoError(t, err)
	defer pool.Release()

	up := newFakeUpstream()
	prefetcher := NewPrefetcher(pool, 2, time.Second)
	g, _ := newTestGateway(t, up, prefetcher)

	_, err = g.Chunklist(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return up.segments.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, prefetcher.Tracked())

	up.unavail.Store(true)
	g.cache.Invalidate(cache.ChunklistKey("abc123"))

	_, err = g.Chunklist(context.Background(), "abc123")
	require.Error(t, err)
	assert.Equal(t, 0, prefetcher.Tracked())

	// a recovered chunklist schedules the live edge again
	up.unavail.Store(false)
	_, err = g.Chunklist(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return up.segments.Load() >= 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, prefetcher.Tracked())
}

func TestPrefetcher_SkipsAlreadyScheduled(t *testing.T) {
	pool, err := ants.NewPool(1)
	require.NoError(t, err)
	defer pool.Release()

	var mu sync.Mutex
	var warmed []uint64
	p := NewPrefetcher(pool, 3, time.Second)
	p.warm = func(ctx context.Context, ref string, seq uint64) error {
		mu.Lock()
		warmed = append(warmed, seq)
		mu.Unlock()
		return nil
	}

	p.Schedule("abc123", []uint64{10, 11, 12, 13})
	p.Schedule("abc123", []uint64{11, 12, 13, 14})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(warmed) == 4
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.ElementsMatch(t, []uint64{11, 12, 13, 14}, warmed)
	mu.Unlock()

	p.Forget("abc123")
	assert.Equal(t, 0, p.Tracked())
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusOK, StatusFor(nil))
	assert.Equal(t, http.StatusNotFound, StatusFor(fmt.Errorf("x: %w", types.ErrUnknownChannel)))
	assert.Equal(t, http.StatusNotFound, StatusFor(fmt.Errorf("x: %w", types.ErrNotFound)))
	assert.Equal(t, http.StatusBadRequest, StatusFor(types.ErrMalformedRequest))
	assert.Equal(t, http.StatusBadGateway, StatusFor(types.ErrAuthentication))
	assert.Equal(t, http.StatusBadGateway, StatusFor(types.ErrMalformedManifest))
	assert.Equal(t, http.StatusBadGateway, StatusFor(errors.New("connection reset")))
}
