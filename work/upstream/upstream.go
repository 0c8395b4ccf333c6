package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"satradio-proxy/work/client"
	"satradio-proxy/work/config"
	"satradio-proxy/work/logger"
	"satradio-proxy/work/metrics"
	"satradio-proxy/work/parser"
	"satradio-proxy/work/types"
	"satradio-proxy/work/utils"
)

const (
	maxManifestBytes = 4 << 20
	maxSegmentBytes  = 32 << 20
	maxJSONBytes     = 16 << 20
)

// Client is everything the proxy needs from the upstream streaming service.
// Failures are classified as types.ErrAuthentication (401/403), types.ErrNotFound
// (404/410, or a segment outside the live window) or types.ErrUpstreamUnavailable
// (anything else).
type Client interface {
	Login(ctx context.Context, creds types.Credentials) (*types.Session, error)
	ListChannels(ctx context.Context, s *types.Session) ([]types.Channel, error)
	FetchManifest(ctx context.Context, s *types.Session, streamRef string) (string, error)
	FetchChunklist(ctx context.Context, s *types.Session, streamRef string) (string, error)
	FetchSegment(ctx context.Context, s *types.Session, streamRef string, seq uint64) ([]byte, error)
	FetchRecentTracks(ctx context.Context, s *types.Session, streamRef string) ([]types.Track, error)
}

// Doer executes HTTP requests; *client.HeaderSettingClient and *http.Client both fit.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPClient talks to the upstream JSON/HLS API.
//
// The chunklist URL of each stream is chosen once from its master manifest (highest
// bandwidth variant) and remembered. Segment URLs are looked up in an index built from
// the most recent chunklist of the stream.
type HTTPClient struct {
	baseURL  string
	http     Doer
	cfg      *config.Config
	variants *xsync.MapOf[string, string]
	segments *xsync.MapOf[string, map[uint64]string]
	now      func() time.Time
}

// NewHTTPClient creates a client for the API rooted at baseURL
func NewHTTPClient(baseURL string, doer Doer, cfg *config.Config) *HTTPClient {
	return &HTTPClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     doer,
		cfg:      cfg,
		variants: xsync.NewMapOf[string, string](),
		segments: xsync.NewMapOf[string, map[uint64]string](),
		now:      time.Now,
	}
}

// New creates a client using the configured upstream URL and the header-setting,
// rate-limited transport.
func New(cfg *config.Config) *HTTPClient {
	return NewHTTPClient(cfg.Upstream.URL, client.NewHeaderSettingClient(cfg.Upstream), cfg)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Region   string `json:"region"`
}

type loginResponse struct {
	Token     string `json:"token"`
	Region    string `json:"region"`
	ExpiresIn int64  `json:"expiresIn"` // seconds
}

// Login exchanges credentials for a session
func (c *HTTPClient) Login(ctx context.Context, creds types.Credentials) (*types.Session, error) {
	body, err := json.Marshal(loginRequest{Username: creds.Username, Password: creds.Password, Region: creds.Region})
	if err != nil {
		return nil, fmt.Errorf("encode login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrUpstreamUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	data, err := c.do(req, "login", maxJSONBytes)
	if err != nil {
		return nil, err
	}

	var resp loginResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode login response: %v", types.ErrUpstreamUnavailable, err)
	}
	if resp.Token == "" {
		return nil, fmt.Errorf("%w: login response carried no token", types.ErrAuthentication)
	}

	region := resp.Region
	if region == "" {
		region = creds.Region
	}
	ttl := time.Duration(resp.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}

	return &types.Session{
		Token:     resp.Token,
		Region:    region,
		ExpiresAt: c.now().Add(ttl),
	}, nil
}

// channelNumber accepts the channel number either as a JSON number or a string
type channelNumber string

func (n *channelNumber) UnmarshalJSON(b []byte) error {
	*n = channelNumber(strings.Trim(string(b), `"`))
	return nil
}

type channelRow struct {
	ChannelID     string        `json:"channelId"`
	ChannelNumber channelNumber `json:"channelNumber"`
	Name          string        `json:"name"`
	Description   string        `json:"description"`
	ImageURL      string        `json:"imageUrl"`
}

// ListChannels returns the upstream channel lineup. Rows whose number cannot be parsed
// come back with Number 0 so the catalog can report and skip them.
func (c *HTTPClient) ListChannels(ctx context.Context, s *types.Session) ([]types.Channel, error) {
	req, err := c.newRequest(ctx, s, c.baseURL+"/channels")
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	data, err := c.do(req, "channels", maxJSONBytes)
	if err != nil {
		return nil, err
	}

	var rows []channelRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("%w: decode channel list: %v", types.ErrUpstreamUnavailable, err)
	}

	channels := make([]types.Channel, 0, len(rows))
	for _, row := range rows {
		number, err := strconv.Atoi(string(row.ChannelNumber))
		if err != nil {
			logger.Debug("{upstream/upstream - ListChannels} channel %q has non-numeric number %q", row.Name, row.ChannelNumber)
			number = 0
		}
		channels = append(channels, types.Channel{
			Number:      number,
			StreamRef:   row.ChannelID,
			Name:        row.Name,
			Description: row.Description,
			ImageURL:    row.ImageURL,
		})
	}
	return channels, nil
}

// FetchManifest returns the top-level manifest of a stream
func (c *HTTPClient) FetchManifest(ctx context.Context, s *types.Session, streamRef string) (string, error) {
	data, err := c.getText(ctx, s, c.masterURL(streamRef), "manifest")
	if err != nil {
		return "", err
	}
	return data, nil
}

// FetchChunklist returns the current chunklist of a stream and refreshes its segment
// index.
func (c *HTTPClient) FetchChunklist(ctx context.Context, s *types.Session, streamRef string) (string, error) {
	variantURL, err := c.variantURL(ctx, s, streamRef)
	if err != nil {
		return "", err
	}

	text, err := c.getText(ctx, s, variantURL, "chunklist")
	if err != nil {
		// the variant may have been rotated; choose again next time
		c.variants.Delete(streamRef)
		return "", err
	}

	index, err := parser.SegmentIndex(text, variantURL)
	if err != nil {
		logger.Warn("{upstream/upstream - FetchChunklist} cannot index chunklist of %s: %v", streamRef, err)
		return text, nil
	}
	c.mergeIndex(streamRef, index)

	return text, nil
}

// FetchSegment returns the bytes of one segment. A sequence missing from the index
// causes a single chunklist re-fetch before giving up.
func (c *HTTPClient) FetchSegment(ctx context.Context, s *types.Session, streamRef string, seq uint64) ([]byte, error) {
	segmentURL, ok := c.lookupSegment(streamRef, seq)
	if !ok {
		logger.Debug("{upstream/upstream - FetchSegment} segment %d of %s not indexed, refreshing chunklist", seq, streamRef)
		if _, err := c.FetchChunklist(ctx, s, streamRef); err != nil {
			return nil, err
		}
		if segmentURL, ok = c.lookupSegment(streamRef, seq); !ok {
			metrics.UpstreamRequests.WithLabelValues("segment", "unknown").Inc()
			return nil, fmt.Errorf("%w: segment %d not in chunklist of %s", types.ErrNotFound, seq, streamRef)
		}
	}

	req, err := c.newRequest(ctx, s, segmentURL)
	if err != nil {
		return nil, err
	}
	return c.do(req, "segment", maxSegmentBytes)
}

type cutsResponse struct {
	Cuts []struct {
		Title     string    `json:"title"`
		Artists   []string  `json:"artists"`
		StartTime time.Time `json:"startTime"`
		Albums    []struct {
			Title  string   `json:"title"`
			Images []string `json:"images"`
		} `json:"albums"`
	} `json:"cuts"`
}

// FetchRecentTracks returns the songs recently played on a stream, newest first. The
// artist is the joined artist list without the song title, which the upstream sometimes
// repeats there.
func (c *HTTPClient) FetchRecentTracks(ctx context.Context, s *types.Session, streamRef string) ([]types.Track, error) {
	req, err := c.newRequest(ctx, s, fmt.Sprintf("%s/streams/%s/cuts", c.baseURL, url.PathEscape(streamRef)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	data, err := c.do(req, "cuts", maxJSONBytes)
	if err != nil {
		return nil, err
	}

	var resp cutsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode cuts of %s: %v", types.ErrUpstreamUnavailable, streamRef, err)
	}

	tracks := make([]types.Track, 0, len(resp.Cuts))
	for _, cut := range resp.Cuts {
		artists := make([]string, 0, len(cut.Artists))
		for _, a := range cut.Artists {
			if a != "" && a != cut.Title {
				artists = append(artists, a)
			}
		}

		t := types.Track{
			Title:     cut.Title,
			Artist:    strings.Join(artists, " / "),
			StartTime: cut.StartTime,
		}
		for _, album := range cut.Albums {
			if t.Album == "" {
				t.Album = album.Title
			}
			if t.ImageURL == "" && len(album.Images) > 0 {
				t.ImageURL = album.Images[0]
			}
		}
		tracks = append(tracks, t)
	}

	sort.SliceStable(tracks, func(i, j int) bool {
		return tracks[i].StartTime.After(tracks[j].StartTime)
	})
	return tracks, nil
}

func (c *HTTPClient) masterURL(streamRef string) string {
	return fmt.Sprintf("%s/streams/%s/master.m3u8", c.baseURL, url.PathEscape(streamRef))
}

// variantURL returns the remembered chunklist URL of a stream, selecting it from the
// master manifest on first use.
func (c *HTTPClient) variantURL(ctx context.Context, s *types.Session, streamRef string) (string, error) {
	if u, ok := c.variants.Load(streamRef); ok {
		return u, nil
	}

	masterURL := c.masterURL(streamRef)
	master, err := c.getText(ctx, s, masterURL, "manifest")
	if err != nil {
		return "", err
	}

	u, err := parser.SelectVariant(master, masterURL)
	if err != nil {
		return "", err
	}

	logger.Debug("{upstream/upstream - variantURL} chunklist for %s is %s", streamRef, utils.LogURL(c.cfg, u))
	c.variants.Store(streamRef, u)
	return u, nil
}

// mergeIndex installs a fresh segment index, keeping entries of the previous index that
// are at most one window older than the new one so slightly lagging players still resolve.
func (c *HTTPClient) mergeIndex(streamRef string, fresh map[uint64]string) {
	c.segments.Compute(streamRef, func(old map[uint64]string, loaded bool) (map[uint64]string, bool) {
		if !loaded || len(fresh) == 0 {
			return fresh, false
		}

		lowest := ^uint64(0)
		for seq := range fresh {
			if seq < lowest {
				lowest = seq
			}
		}
		window := uint64(len(fresh))

		merged := make(map[uint64]string, len(fresh)+len(old))
		for seq, u := range old {
			if seq < lowest && lowest-seq <= window {
				merged[seq] = u
			}
		}
		for seq, u := range fresh {
			merged[seq] = u
		}
		return merged, false
	})
}

func (c *HTTPClient) lookupSegment(streamRef string, seq uint64) (string, bool) {
	index, ok := c.segments.Load(streamRef)
	if !ok {
		return "", false
	}
	u, ok := index[seq]
	return u, ok
}

func (c *HTTPClient) getText(ctx context.Context, s *types.Session, target, operation string) (string, error) {
	req, err := c.newRequest(ctx, s, target)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/vnd.apple.mpegurl, application/x-mpegURL, */*")

	data, err := c.do(req, operation, maxManifestBytes)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *HTTPClient) newRequest(ctx context.Context, s *types.Session, target string) (*http.Request, error) {
	if s == nil || s.Token == "" {
		return nil, fmt.Errorf("%w: no session", types.ErrAuthentication)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrUpstreamUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+s.Token)
	return req, nil
}

// do executes req, classifies the outcome and returns at most limit bytes of body
func (c *HTTPClient) do(req *http.Request, operation string, limit int64) ([]byte, error) {
	target := utils.LogURL(c.cfg, req.URL.String())

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(operation, "error").Inc()
		logger.Debug("{upstream/upstream - do} %s %s failed: %v", req.Method, target, err)
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", types.ErrUpstreamUnavailable, operation, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		metrics.UpstreamRequests.WithLabelValues(operation, "unauthorized").Inc()
		logger.Warn("{upstream/upstream - do} %s %s rejected with HTTP %d", req.Method, target, resp.StatusCode)
		return nil, fmt.Errorf("%w: %s: HTTP %d", types.ErrAuthentication, operation, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		metrics.UpstreamRequests.WithLabelValues(operation, "not_found").Inc()
		logger.Debug("{upstream/upstream - do} %s %s returned HTTP %d", req.Method, target, resp.StatusCode)
		return nil, fmt.Errorf("%w: %s: HTTP %d", types.ErrNotFound, operation, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		metrics.UpstreamRequests.WithLabelValues(operation, "http_error").Inc()
		logger.Debug("{upstream/upstream - do} %s %s returned HTTP %d", req.Method, target, resp.StatusCode)
		return nil, fmt.Errorf("%w: %s: HTTP %d", types.ErrUpstreamUnavailable, operation, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(operation, "error").Inc()
		return nil, fmt.Errorf("%w: %s: read body: %v", types.ErrUpstreamUnavailable, operation, err)
	}
	if int64(len(data)) > limit {
		metrics.UpstreamRequests.WithLabelValues(operation, "too_large").Inc()
		return nil, fmt.Errorf("%w: %s: response exceeds %s", types.ErrUpstreamUnavailable, operation, utils.FormatBytes(limit))
	}

	metrics.UpstreamRequests.WithLabelValues(operation, "success").Inc()
	return data, nil
}
