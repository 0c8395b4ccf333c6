package parser

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/grafana/regexp"

	"satradio-proxy/work/types"
)

// Resource identifies which proxy resource a path names.
type Resource int

const (
	ResourcePlaylist  Resource = iota // /proxy/{externalId}/playlist.m3u8
	ResourceChunklist                 // /proxy/{streamRef}/chunklist.m3u8
	ResourceSegment                   // /proxy/{streamRef}/chunk-{seq}.ts
)

func (r Resource) String() string {
	switch r {
	case ResourcePlaylist:
		return "playlist"
	case ResourceChunklist:
		return "chunklist"
	default:
		return "segment"
	}
}

var (
	segmentNameRe = regexp.MustCompile(`^chunk-([0-9]{1,20})\.ts$`)
	streamRefRe   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._~-]{0,127}$`)
	channelIDRe   = regexp.MustCompile(`^[0-9]{1,6}$`)
)

// PlaylistPath is the proxy path of a channel's top-level manifest
func PlaylistPath(externalID string) string {
	return fmt.Sprintf("/proxy/%s/playlist.m3u8", url.PathEscape(externalID))
}

// ChunklistPath is the proxy path of a stream's chunklist
func ChunklistPath(streamRef string) string {
	return fmt.Sprintf("/proxy/%s/chunklist.m3u8", url.PathEscape(streamRef))
}

// SegmentPath is the proxy path of one segment of a stream
func SegmentPath(streamRef string, seq uint64) string {
	return fmt.Sprintf("/proxy/%s/chunk-%d.ts", url.PathEscape(streamRef), seq)
}

// ParseResource decodes the last path element of a proxy URL. Anything that is not one
// of the three known names is a types.ErrMalformedRequest.
func ParseResource(name string) (Resource, uint64, error) {
	switch name {
	case "playlist.m3u8":
		return ResourcePlaylist, 0, nil
	case "chunklist.m3u8":
		return ResourceChunklist, 0, nil
	}

	m := segmentNameRe.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, fmt.Errorf("%w: unknown resource %q", types.ErrMalformedRequest, name)
	}

	seq, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: invalid sequence %q", types.ErrMalformedRequest, m[1])
	}

	return ResourceSegment, seq, nil
}

// ValidStreamRef reports whether ref is safe to embed in proxy paths and upstream URLs
func ValidStreamRef(ref string) bool {
	return streamRefRe.MatchString(ref)
}

// ParseChannelID decodes an external channel identifier into a channel number
func ParseChannelID(id string) (int, error) {
	if !channelIDRe.MatchString(id) {
		return 0, fmt.Errorf("%w: invalid channel id %q", types.ErrMalformedRequest, id)
	}
	n, err := strconv.Atoi(id)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid channel id %q", types.ErrMalformedRequest, id)
	}
	return n, nil
}
