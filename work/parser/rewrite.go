package parser

import (
	"fmt"

	"satradio-proxy/work/logger"
	"satradio-proxy/work/types"
)

// Rewrite substitutes every URI line of an upstream manifest with a proxy path for
// streamRef, dispatching on the detected role. Directive and blank lines are copied
// verbatim so durations, media-sequence numbers and ordering reach the player intact.
func Rewrite(text, streamRef string) (string, Role, error) {
	doc, err := Parse(text)
	if err != nil {
		return "", RoleUnknown, err
	}

	switch doc.Role {
	case RoleMaster:
		return rewriteMaster(doc, streamRef), RoleMaster, nil
	case RoleMedia:
		return rewriteMedia(doc, streamRef), RoleMedia, nil
	default:
		return "", RoleUnknown, fmt.Errorf("%w: cannot detect playlist type", types.ErrMalformedManifest)
	}
}

// synthesizedBandwidth is advertised by the single variant of a synthesized master.
const synthesizedBandwidth = 256000

// RewritePlaylist rewrites a top-level manifest: each chunklist reference becomes the
// proxy chunklist path of streamRef. When the upstream serves a media playlist as its
// top-level manifest, a one-variant master pointing at the proxy chunklist is returned
// instead, so the live window is always served through the chunklist path and its TTL.
func RewritePlaylist(text, streamRef string) (string, error) {
	doc, err := Parse(text)
	if err != nil {
		return "", err
	}

	switch doc.Role {
	case RoleMaster:
		return rewriteMaster(doc, streamRef), nil
	case RoleMedia:
		logger.Debug("{parser/rewrite - RewritePlaylist} top-level manifest for %s is a media playlist, serving a synthesized master", streamRef)
		return fmt.Sprintf("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=%d\n%s\n", synthesizedBandwidth, ChunklistPath(streamRef)), nil
	default:
		return "", fmt.Errorf("%w: cannot detect playlist type", types.ErrMalformedManifest)
	}
}

// RewriteChunklist rewrites a live chunklist: each segment reference becomes
// /proxy/{streamRef}/chunk-{seq}.ts numbered from #EXT-X-MEDIA-SEQUENCE.
func RewriteChunklist(text, streamRef string) (string, error) {
	doc, err := Parse(text)
	if err != nil {
		return "", err
	}
	if doc.Role != RoleMedia {
		return "", fmt.Errorf("%w: expected a media playlist, got %s", types.ErrMalformedManifest, doc.Role)
	}
	return rewriteMedia(doc, streamRef), nil
}

func rewriteMaster(doc *Document, streamRef string) string {
	target := ChunklistPath(streamRef)
	return doc.render(func(l Line) string {
		if l.Kind != LineURI {
			return l.Raw
		}
		return target
	})
}

func rewriteMedia(doc *Document, streamRef string) string {
	return doc.render(func(l Line) string {
		if l.Kind != LineURI {
			return l.Raw
		}
		return SegmentPath(streamRef, l.Sequence)
	})
}
