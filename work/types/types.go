package types

import (
	"errors"
	"time"
)

// Error taxonomy shared by every layer of the proxy. Callers wrap these with
// fmt.Errorf("...: %w", err) and classify them with errors.Is, so the HTTP layer can
// map a failure to a status code without knowing which component produced it.
var (
	// ErrAuthentication reports bad or expired upstream credentials (HTTP 401/403).
	ErrAuthentication = errors.New("upstream authentication failed")

	// ErrUpstreamUnavailable reports a network error, timeout or non-success status.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrUnknownChannel reports a channel number or stream reference that is not in the
	// current catalog snapshot.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrMalformedManifest reports upstream manifest content that cannot be parsed.
	ErrMalformedManifest = errors.New("malformed manifest")

	// ErrMalformedRequest reports a client path with an invalid identifier or sequence.
	ErrMalformedRequest = errors.New("malformed request")

	// ErrNotFound reports an upstream resource that does not exist (HTTP 404/410) or a
	// segment sequence that has left the live window. It says nothing about the session.
	ErrNotFound = errors.New("resource not found")
)

// Credentials identify the account used to log in to the upstream service on behalf of
// every local player.
type Credentials struct {
	Username string // account name
	Password string // account password
	Region   string // issuing region requested at login (e.g. "US", "CA")
}

// Session is one authenticated upstream session. A Session is never modified after it
// is created; a refresh produces a brand new value with a higher Generation, and the
// session manager swaps the pointer so readers always observe a complete session.
type Session struct {
	Token      string    // opaque bearer token or cookie value
	Region     string    // region the upstream issued the session for
	ExpiresAt  time.Time // instant after which the upstream rejects the token
	Generation uint64    // increases by one for every successful login
}

// Valid reports whether the session can still be used at the given instant, keeping a
// safety margin so a request started just before expiry does not fail mid-flight.
func (s *Session) Valid(now time.Time, margin time.Duration) bool {
	if s == nil || s.Token == "" {
		return false
	}
	return now.Add(margin).Before(s.ExpiresAt)
}

// Channel describes one live channel of the upstream service. Values are produced in
// batches by a catalog refresh and are never modified afterwards.
type Channel struct {
	Number      int    `json:"number"`             // stable, user-facing channel number
	StreamRef   string `json:"streamRef"`          // opaque upstream identifier of the live stream
	Name        string `json:"name"`               // display name
	Description string `json:"description"`        // short description
	ImageURL    string `json:"imageUrl,omitempty"` // optional artwork reference
}

// Track is one song from a channel's recent play history.
type Track struct {
	Title     string    `json:"title"`
	Artist    string    `json:"artist"`
	Album     string    `json:"album,omitempty"`
	ImageURL  string    `json:"imageUrl,omitempty"`
	StartTime time.Time `json:"startTime"`
}
