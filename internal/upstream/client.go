package upstream

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/zczy999/business-gemini/internal/account"
	log "github.com/zczy999/business-gemini/internal/logging"
	"golang.org/x/net/http2"
)

// Endpoint defaults. Overridable on the Client for tests.
const (
	defaultAuthBaseURL     = "https://business.gemini.google"
	defaultAPIBaseURL      = "https://biz-discoveryengine.googleapis.com/v1alpha/locations/global"
	defaultDownloadBaseURL = "https://biz-discoveryengine.googleapis.com"

	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/140.0.0.0 Safari/537.36"
)

// Request timeouts per operation class.
const (
	authTimeout   = 60 * time.Second
	uploadTimeout = 60 * time.Second
	streamTimeout = 300 * time.Second
)

// Client is the shared HTTP client for all upstream calls. It owns the
// tuned transport and the browser-shaped header set.
type Client struct {
	httpClient *http.Client

	AuthBaseURL     string
	APIBaseURL      string
	DownloadBaseURL string
}

// NewClient builds a client, optionally routed through a forward proxy.
func NewClient(proxyURL string) (*Client, error) {
	transport := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 120 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(parsed)
		log.Infof("upstream: proxying through %s", parsed.Host)
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("failed to configure http2: %w", err)
	}

	return &Client{
		// Per-request deadlines come from contexts; the client itself has
		// no global timeout so streams can run their full 300s.
		httpClient:      &http.Client{Transport: transport},
		AuthBaseURL:     defaultAuthBaseURL,
		APIBaseURL:      defaultAPIBaseURL,
		DownloadBaseURL: defaultDownloadBaseURL,
	}, nil
}

// applyHeaders sets the browser-shaped header set every widget call
// carries. jwt may be empty (the oxsrf call authenticates by cookie).
func (c *Client) applyHeaders(req *http.Request, snap account.Snapshot, jwt string) {
	ua := snap.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", c.AuthBaseURL)
	req.Header.Set("Referer", c.AuthBaseURL+"/")
	req.Header.Set("User-Agent", ua)
	req.Header.Set("X-Server-Timeout", "1800")
	if jwt != "" {
		req.Header.Set("Authorization", "Bearer "+jwt)
	}
}

// do runs one request with a hard deadline layered onto ctx.
func (c *Client) do(ctx context.Context, req *http.Request, timeout time.Duration) (*http.Response, context.CancelFunc, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	resp, err := c.httpClient.Do(req.WithContext(reqCtx))
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return resp, cancel, nil
}
