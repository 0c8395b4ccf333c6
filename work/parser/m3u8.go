package parser

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/grafov/m3u8"

	"satradio-proxy/work/logger"
	"satradio-proxy/work/types"
)

// Role tells whether a manifest references chunklists (master) or segments (media).
type Role int

const (
	RoleUnknown Role = iota
	RoleMaster       // top-level/variant manifest listing chunklists
	RoleMedia        // chunklist listing individual segments
)

func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleMedia:
		return "media"
	default:
		return "unknown"
	}
}

// LineKind tags each manifest line so rewriting never needs to inspect raw text twice.
type LineKind int

const (
	LineBlank     LineKind = iota // empty or whitespace-only line
	LineDirective                 // tag or comment, starts with '#'
	LineURI                       // reference to a chunklist or segment
)

// Line is one manifest line. Raw holds the exact original text without the line
// terminator; only LineURI lines are ever substituted on output.
type Line struct {
	Kind     LineKind
	Raw      string
	Tag      string // directive name without '#' and value, e.g. "EXT-X-MEDIA-SEQUENCE"
	URI      string // trimmed locator for LineURI lines
	Sequence uint64 // media sequence number for segment URIs
}

// Document is a parsed manifest: its role, its lines in original order and the
// formatting needed to reproduce the text byte for byte.
type Document struct {
	Role            Role
	Lines           []Line
	MediaSequence   uint64 // value of #EXT-X-MEDIA-SEQUENCE, 0 when absent
	TargetDuration  float64
	EOL             string // "\n" or "\r\n", as found in the source
	TrailingNewline bool
}

// URICount returns the number of URI lines in the document
func (d *Document) URICount() int {
	n := 0
	for i := range d.Lines {
		if d.Lines[i].Kind == LineURI {
			n++
		}
	}
	return n
}

// String reassembles the document exactly as it was parsed
func (d *Document) String() string {
	return d.render(func(l Line) string { return l.Raw })
}

// render writes every line through fn, keeping line order and terminators
func (d *Document) render(fn func(Line) string) string {
	var b strings.Builder
	for i, l := range d.Lines {
		if i > 0 {
			b.WriteString(d.EOL)
		}
		b.WriteString(fn(l))
	}
	if d.TrailingNewline {
		b.WriteString(d.EOL)
	}
	return b.String()
}

// Parse validates and tokenises manifest text.
//
// The role comes from grafov/m3u8 when it can decode the text; otherwise the tag
// heuristics used for master playlist detection decide. Empty text, a missing #EXTM3U
// header, an undetectable role or a manifest with no URI lines are all reported as
// types.ErrMalformedManifest.
func Parse(text string) (*Document, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty manifest", types.ErrMalformedManifest)
	}

	doc := &Document{EOL: "\n"}
	if strings.Contains(text, "\r\n") {
		doc.EOL = "\r\n"
	}

	body := text
	if strings.HasSuffix(body, doc.EOL) {
		doc.TrailingNewline = true
		body = strings.TrimSuffix(body, doc.EOL)
	}

	rawLines := strings.Split(body, doc.EOL)
	if strings.TrimSpace(strings.TrimPrefix(rawLines[0], "\ufeff")) != "#EXTM3U" {
		return nil, fmt.Errorf("%w: missing #EXTM3U header", types.ErrMalformedManifest)
	}

	doc.Role = detectRole(text)
	if doc.Role == RoleUnknown {
		return nil, fmt.Errorf("%w: cannot detect playlist type", types.ErrMalformedManifest)
	}

	doc.Lines = make([]Line, 0, len(rawLines))
	seq := uint64(0)
	seenSegment := false

	for _, raw := range rawLines {
		trimmed := strings.TrimSpace(raw)

		switch {
		case trimmed == "":
			doc.Lines = append(doc.Lines, Line{Kind: LineBlank, Raw: raw})

		case strings.HasPrefix(trimmed, "#"):
			line := Line{Kind: LineDirective, Raw: raw, Tag: tagName(trimmed)}
			switch line.Tag {
			case "EXT-X-MEDIA-SEQUENCE":
				v, err := strconv.ParseUint(tagValue(trimmed), 10, 64)
				if err != nil {
					return nil, fmt.Errorf("%w: invalid media sequence %q", types.ErrMalformedManifest, tagValue(trimmed))
				}
				if !seenSegment {
					doc.MediaSequence = v
					seq = v
				}
			case "EXT-X-TARGETDURATION":
				if v, err := strconv.ParseFloat(tagValue(trimmed), 64); err == nil {
					doc.TargetDuration = v
				}
			}
			doc.Lines = append(doc.Lines, line)

		default:
			line := Line{Kind: LineURI, Raw: raw, URI: trimmed}
			if doc.Role == RoleMedia {
				line.Sequence = seq
				seq++
				seenSegment = true
			}
			doc.Lines = append(doc.Lines, line)
		}
	}

	if doc.URICount() == 0 {
		return nil, fmt.Errorf("%w: %s manifest has no URI lines", types.ErrMalformedManifest, doc.Role)
	}

	return doc, nil
}

// detectRole classifies the manifest with grafov/m3u8 first and falls back to tag
// scanning when the decoder rejects it.
func detectRole(text string) Role {
	_, listType, err := m3u8.DecodeFrom(bytes.NewBufferString(text), false)
	if err == nil {
		switch listType {
		case m3u8.MASTER:
			return RoleMaster
		case m3u8.MEDIA:
			return RoleMedia
		}
	}

	logger.Debug("{parser/m3u8 - detectRole} grafov decoder could not classify manifest (%v), using tag scan", err)

	switch {
	case IsMasterPlaylist(text):
		return RoleMaster
	case IsMediaPlaylist(text):
		return RoleMedia
	default:
		return RoleUnknown
	}
}

// IsMasterPlaylist reports whether content carries #EXT-X-STREAM-INF tags, the
// definitive indicator of a master playlist.
func IsMasterPlaylist(content string) bool {
	return strings.Contains(content, "#EXT-X-STREAM-INF")
}

// IsMediaPlaylist reports whether content carries segment tags.
func IsMediaPlaylist(content string) bool {
	return strings.Contains(content, "#EXTINF") || strings.Contains(content, "#EXT-X-TARGETDURATION")
}

// tagName extracts "EXT-X-FOO" from "#EXT-X-FOO:value"
func tagName(line string) string {
	name := strings.TrimPrefix(line, "#")
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[:i]
	}
	return name
}

// tagValue extracts "value" from "#EXT-X-FOO:value"
func tagValue(line string) string {
	if i := strings.IndexByte(line, ':'); i >= 0 {
		return strings.TrimSpace(line[i+1:])
	}
	return ""
}
