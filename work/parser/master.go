package parser

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/grafana/regexp"
	"github.com/grafov/m3u8"

	"satradio-proxy/work/logger"
	"satradio-proxy/work/types"
)

var bandwidthRe = regexp.MustCompile(`(?:^|[:,])BANDWIDTH=([0-9]+)`)

// StreamVariant is one entry of a master playlist: the chunklist it points to and the
// bandwidth it advertises.
type StreamVariant struct {
	URL       string // absolute URL of the variant's chunklist
	Bandwidth int    // advertised peak bandwidth in bits per second
}

// ParseMasterPlaylist extracts every variant of a master playlist with URLs resolved
// against baseURL. grafov/m3u8 decodes the variants; when it refuses the text the
// #EXT-X-STREAM-INF lines are scanned directly.
func ParseMasterPlaylist(content, baseURL string) ([]StreamVariant, error) {
	var variants []StreamVariant

	playlist, listType, err := m3u8.DecodeFrom(bytes.NewBufferString(content), false)
	if err == nil && listType == m3u8.MASTER {
		master := playlist.(*m3u8.MasterPlaylist)
		for _, v := range master.Variants {
			if v == nil || v.URI == "" {
				continue
			}
			variants = append(variants, StreamVariant{
				URL:       ResolveURL(baseURL, v.URI),
				Bandwidth: int(v.Bandwidth),
			})
		}
	} else {
		logger.Debug("{parser/master - ParseMasterPlaylist} grafov decode unavailable (%v), scanning stream info lines", err)
		variants = scanStreamInf(content, baseURL)
	}

	if len(variants) == 0 {
		return nil, fmt.Errorf("%w: no variants in master playlist", types.ErrMalformedManifest)
	}
	return variants, nil
}

// scanStreamInf handles the two-line #EXT-X-STREAM-INF / URI format by hand
func scanStreamInf(content, baseURL string) []StreamVariant {
	var variants []StreamVariant
	var pending *StreamVariant

	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			pending = &StreamVariant{}
			if m := bandwidthRe.FindStringSubmatch(line); m != nil {
				pending.Bandwidth, _ = strconv.Atoi(m[1])
			}
		case line == "" || strings.HasPrefix(line, "#"):
			continue
		case pending != nil:
			pending.URL = ResolveURL(baseURL, line)
			variants = append(variants, *pending)
			pending = nil
		}
	}

	return variants
}

// SelectVariant returns the chunklist URL a stream should be served from: the highest
// bandwidth variant of a master playlist, or baseURL itself when the manifest is
// already a media playlist.
func SelectVariant(content, baseURL string) (string, error) {
	doc, err := Parse(content)
	if err != nil {
		return "", err
	}
	if doc.Role == RoleMedia {
		return baseURL, nil
	}

	variants, err := ParseMasterPlaylist(content, baseURL)
	if err != nil {
		return "", err
	}

	best := variants[0]
	for _, v := range variants[1:] {
		if v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	return best.URL, nil
}

// SegmentIndex maps every segment sequence number of a chunklist to its absolute
// upstream URL.
func SegmentIndex(content, baseURL string) (map[uint64]string, error) {
	doc, err := Parse(content)
	if err != nil {
		return nil, err
	}
	if doc.Role != RoleMedia {
		return nil, fmt.Errorf("%w: expected a media playlist, got %s", types.ErrMalformedManifest, doc.Role)
	}

	index := make(map[uint64]string, doc.URICount())
	for _, l := range doc.Lines {
		if l.Kind == LineURI {
			index[l.Sequence] = ResolveURL(baseURL, l.URI)
		}
	}
	return index, nil
}

// ResolveURL resolves ref against base; absolute refs are returned unchanged and an
// unparsable base leaves ref untouched.
func ResolveURL(base, ref string) string {
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if refURL.IsAbs() {
		return ref
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}
