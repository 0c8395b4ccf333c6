package client

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"satradio-proxy/work/config"
)

func TestDo_SetsConfiguredHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	c := NewHeaderSettingClient(config.UpstreamConfig{
		UserAgent:      "test-agent/1.0",
		ReqOrigin:      "https://player.example.com",
		ReqReferrer:    "https://player.example.com/live",
		RequestTimeout: 5 * time.Second,
		RateLimit:      100,
	})

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "test-agent/1.0", got.Get("User-Agent"))
	assert.Equal(t, "https://player.example.com", got.Get("Origin"))
	assert.Equal(t, "https://player.example.com/live", got.Get("Referer"))
	assert.Equal(t, "application/json", got.Get("Accept"))
}

func TestDo_TimesOutStalledUpstream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewHeaderSettingClient(config.UpstreamConfig{RequestTimeout: 50 * time.Millisecond})

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	_, err = c.Do(req)
	require.Error(t, err)
}
