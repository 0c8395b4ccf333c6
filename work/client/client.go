package client

import (
	"net/http"
	"time"

	"go.uber.org/ratelimit"

	"satradio-proxy/work/config"
)

// HeaderSettingClient wraps http.Client to automatically set upstream headers and
// pace outbound requests through a shared rate limiter.
type HeaderSettingClient struct {
	Client      *http.Client
	config      config.UpstreamConfig
	rateLimiter ratelimit.Limiter
}

// NewHeaderSettingClient builds the transport used for every upstream call. Each
// request is bounded by RequestTimeout so a stalled upstream surfaces as an error.
func NewHeaderSettingClient(cfg config.UpstreamConfig) *HeaderSettingClient {
	client := &http.Client{
		Timeout: cfg.RequestTimeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableKeepAlives:     false,
			ResponseHeaderTimeout: cfg.RequestTimeout,
		},
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimit > 0 {
		limiter = ratelimit.New(cfg.RateLimit)
	} else {
		limiter = ratelimit.NewUnlimited()
	}

	return &HeaderSettingClient{
		Client:      client,
		config:      cfg,
		rateLimiter: limiter,
	}
}

// Do applies the rate limit and headers, then executes the request
func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.rateLimiter.Take()
	hsc.setHeaders(req)
	return hsc.Client.Do(req)
}

func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	if hsc.config.UserAgent != "" {
		req.Header.Set("User-Agent", hsc.config.UserAgent)
	}
	req.Header.Set("Connection", "keep-alive")
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "*/*")
	}

	if hsc.config.ReqOrigin != "" {
		req.Header.Set("Origin", hsc.config.ReqOrigin)
	}
	if hsc.config.ReqReferrer != "" {
		req.Header.Set("Referer", hsc.config.ReqReferrer)
	}
}
