package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"satradio-proxy/work/cache"
	"satradio-proxy/work/logger"
	"satradio-proxy/work/parser"
	"satradio-proxy/work/types"
	"satradio-proxy/work/upstream"
)

const (
	ContentTypeManifest = "application/x-mpegURL"
	ContentTypeSegment  = "video/mp2t"
	ContentTypeJSON     = "application/json"
)

// Catalog resolves channel numbers to stream references and tells whether a stream
// reference belongs to a known channel.
type Catalog interface {
	Lookup(number int) (types.Channel, bool)
	LookupRef(streamRef string) (types.Channel, bool)
}

// Sessions supplies and invalidates the shared upstream session.
type Sessions interface {
	Acquire(ctx context.Context) (*types.Session, error)
	Invalidate(stale *types.Session)
}

// Gateway answers playlist, chunklist and segment requests by combining the catalog,
// the session manager, the segment cache and the manifest rewriter.
type Gateway struct {
	catalog    Catalog
	sessions   Sessions
	upstream   upstream.Client
	cache      *cache.Cache
	prefetcher *Prefetcher
}

// New creates a gateway. prefetcher may be nil to disable live-edge warm-up.
func New(catalog Catalog, sessions Sessions, up upstream.Client, c *cache.Cache, prefetcher *Prefetcher) *Gateway {
	g := &Gateway{
		catalog:    catalog,
		sessions:   sessions,
		upstream:   up,
		cache:      c,
		prefetcher: prefetcher,
	}
	if prefetcher != nil {
		prefetcher.warm = g.warmSegment
	}
	return g
}

// sessionError carries the session a failed upstream fetch used, so every waiter of a
// shared fetch can invalidate exactly that session.
type sessionError struct {
	session *types.Session
	err     error
}

func (e *sessionError) Error() string { return e.err.Error() }
func (e *sessionError) Unwrap() error { return e.err }

type upstreamOp func(ctx context.Context, s *types.Session) ([]byte, error)

// fetch loads key through the cache, calling op with a session on a miss. An
// authentication or availability failure invalidates the session that was used and is
// retried exactly once. A not-found answer is final and leaves the session alone.
func (g *Gateway) fetch(ctx context.Context, key cache.Key, contentType string, op upstreamOp) (*cache.Entry, error) {
	load := func(ctx context.Context) ([]byte, string, error) {
		s, err := g.sessions.Acquire(ctx)
		if err != nil {
			return nil, "", err
		}
		data, err := op(ctx, s)
		if err != nil {
			return nil, "", &sessionError{session: s, err: err}
		}
		return data, contentType, nil
	}

	e, err := g.cache.GetOrFetch(ctx, key, load)
	if err == nil || !retryable(err) || ctx.Err() != nil {
		return e, err
	}

	var se *sessionError
	if errors.As(err, &se) {
		g.sessions.Invalidate(se.session)
	}
	logger.Debug("{proxy/proxy - fetch} %s failed, retrying once: %v", key, err)

	return g.cache.GetOrFetch(ctx, key, load)
}

func retryable(err error) bool {
	return errors.Is(err, types.ErrAuthentication) || errors.Is(err, types.ErrUpstreamUnavailable)
}

// knownStream rejects stream references that are malformed or absent from the catalog,
// before any session or upstream work is done for them.
func (g *Gateway) knownStream(streamRef string) error {
	if !parser.ValidStreamRef(streamRef) {
		return fmt.Errorf("%w: invalid stream reference %q", types.ErrMalformedRequest, streamRef)
	}
	if _, ok := g.catalog.LookupRef(streamRef); !ok {
		return fmt.Errorf("%w: stream %s", types.ErrUnknownChannel, streamRef)
	}
	return nil
}

// Playlist returns the rewritten top-level manifest of the channel named by externalID
func (g *Gateway) Playlist(ctx context.Context, externalID string) ([]byte, error) {
	number, err := parser.ParseChannelID(externalID)
	if err != nil {
		return nil, err
	}

	ch, ok := g.catalog.Lookup(number)
	if !ok {
		return nil, fmt.Errorf("%w: channel %d", types.ErrUnknownChannel, number)
	}
	ref := ch.StreamRef

	e, err := g.fetch(ctx, cache.PlaylistKey(ref), ContentTypeManifest, func(ctx context.Context, s *types.Session) ([]byte, error) {
		text, err := g.upstream.FetchManifest(ctx, s, ref)
		return []byte(text), err
	})
	if err != nil {
		return nil, fmt.Errorf("playlist for channel %d: %w", number, err)
	}

	out, err := parser.RewritePlaylist(string(e.Data), ref)
	if err != nil {
		g.cache.Invalidate(cache.PlaylistKey(ref))
		logger.Error("{proxy/proxy - Playlist} manifest for channel %d (%s) is unusable: %v", number, ref, err)
		return nil, err
	}
	return []byte(out), nil
}

// Chunklist returns the rewritten live chunklist of streamRef. The raw text is cached
// for the short chunklist TTL; the rewrite runs on every request.
func (g *Gateway) Chunklist(ctx context.Context, streamRef string) ([]byte, error) {
	if err := g.knownStream(streamRef); err != nil {
		return nil, err
	}

	e, err := g.fetch(ctx, cache.ChunklistKey(streamRef), ContentTypeManifest, func(ctx context.Context, s *types.Session) ([]byte, error) {
		text, err := g.upstream.FetchChunklist(ctx, s, streamRef)
		return []byte(text), err
	})
	if err != nil {
		// the live edge is unknown until the next good chunklist
		g.prefetcher.Forget(streamRef)
		return nil, fmt.Errorf("chunklist for %s: %w", streamRef, err)
	}

	out, err := parser.RewriteChunklist(string(e.Data), streamRef)
	if err != nil {
		g.cache.Invalidate(cache.ChunklistKey(streamRef))
		logger.Error("{proxy/proxy - Chunklist} chunklist for %s is unusable: %v", streamRef, err)
		return nil, err
	}

	if g.prefetcher != nil {
		if doc, err := parser.Parse(string(e.Data)); err == nil {
			g.prefetcher.Schedule(streamRef, segmentSequences(doc))
		}
	}

	return []byte(out), nil
}

// Segment returns the bytes of segment seq of streamRef
func (g *Gateway) Segment(ctx context.Context, streamRef string, seq uint64) ([]byte, error) {
	if err := g.knownStream(streamRef); err != nil {
		return nil, err
	}

	e, err := g.fetch(ctx, cache.SegmentKey(streamRef, seq), ContentTypeSegment, func(ctx context.Context, s *types.Session) ([]byte, error) {
		return g.upstream.FetchSegment(ctx, s, streamRef, seq)
	})
	if err != nil {
		return nil, fmt.Errorf("segment %d of %s: %w", seq, streamRef, err)
	}
	return e.Data, nil
}

// NowPlaying returns the channel named by externalID and up to limit of its most
// recent tracks, newest first. The track history is cached for the chunklist TTL.
func (g *Gateway) NowPlaying(ctx context.Context, externalID string, limit int) (types.Channel, []types.Track, error) {
	number, err := parser.ParseChannelID(externalID)
	if err != nil {
		return types.Channel{}, nil, err
	}

	ch, ok := g.catalog.Lookup(number)
	if !ok {
		return types.Channel{}, nil, fmt.Errorf("%w: channel %d", types.ErrUnknownChannel, number)
	}
	ref := ch.StreamRef

	e, err := g.fetch(ctx, cache.NowPlayingKey(ref), ContentTypeJSON, func(ctx context.Context, s *types.Session) ([]byte, error) {
		tracks, err := g.upstream.FetchRecentTracks(ctx, s, ref)
		if err != nil {
			return nil, err
		}
		return json.Marshal(tracks)
	})
	if err != nil {
		return ch, nil, fmt.Errorf("now playing for channel %d: %w", number, err)
	}

	var tracks []types.Track
	if err := json.Unmarshal(e.Data, &tracks); err != nil {
		g.cache.Invalidate(cache.NowPlayingKey(ref))
		return ch, nil, fmt.Errorf("now playing for channel %d: %w", number, err)
	}
	if limit > 0 && len(tracks) > limit {
		tracks = tracks[:limit]
	}
	return ch, tracks, nil
}

// warmSegment is the prefetcher's job: load a segment into the cache
func (g *Gateway) warmSegment(ctx context.Context, streamRef string, seq uint64) error {
	_, err := g.Segment(ctx, streamRef, seq)
	return err
}

func segmentSequences(doc *parser.Document) []uint64 {
	seqs := make([]uint64, 0, doc.URICount())
	for _, l := range doc.Lines {
		if l.Kind == parser.LineURI {
			seqs = append(seqs, l.Sequence)
		}
	}
	return seqs
}

// StatusFor maps a gateway error to the HTTP status returned to players
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, types.ErrUnknownChannel), errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrMalformedRequest):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}
