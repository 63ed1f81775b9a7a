// Package archive is the HTTP surface for archive.org: manifest fetches
// from /metadata/<id> and (ranged) file fetches from /download/<id>/<name>.
// The resolver and the fetch workers share one client so connection
// pooling, credentials, and the user agent stay consistent.
package archive

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/grab-ia/grabia/internal/auth"
)

const (
	// DefaultBaseURL is the production endpoint. Tests point BaseURL at
	// an httptest server instead.
	DefaultBaseURL = "https://archive.org"

	userAgent = "grabia/2.0 (+https://github.com/grab-ia/grabia)"

	dialTimeout   = 15 * time.Second
	headerTimeout = 30 * time.Second
	maxRedirects  = 10
)

// StatusError reports a non-success HTTP status, carrying the server's
// Retry-After hint when one was sent.
type StatusError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Client issues requests against one archive endpoint.
type Client struct {
	// BaseURL may be overridden before first use.
	BaseURL string

	hc    *http.Client
	creds *auth.Credentials
}

// NewClient builds a client tuned for many concurrent long downloads.
// Compression stays disabled so ranges and digests operate on raw bytes.
// creds may be nil for anonymous access.
func NewClient(creds *auth.Credentials, maxConnsPerHost int) *Client {
	if maxConnsPerHost < 2 {
		maxConnsPerHost = 2
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   dialTimeout,
		ResponseHeaderTimeout: headerTimeout,
		MaxConnsPerHost:       maxConnsPerHost,
		MaxIdleConnsPerHost:   maxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true,
	}
	return &Client{
		BaseURL: DefaultBaseURL,
		creds:   creds,
		hc: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
	}
}

func (c *Client) newRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	c.creds.Apply(req)
	return req, nil
}

// Metadata fetches and decodes an item's manifest.
func (c *Client) Metadata(ctx context.Context, itemID string) (*Manifest, error) {
	req, err := c.newRequest(ctx, c.BaseURL+"/metadata/"+url.PathEscape(itemID))
	if err != nil {
		return nil, err
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metadata request for %s: %w", itemID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, RetryAfter: RetryAfter(resp)}
	}

	manifest, err := DecodeManifest(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("metadata decode for %s: %w", itemID, err)
	}
	return manifest, nil
}

// FileRequest issues a GET for one file, ranged from byte offset `from`
// when from > 0. `to` is the inclusive end offset; pass to < 0 for an
// open-ended range (remote size unknown). The caller owns the response
// and its body regardless of status.
func (c *Client) FileRequest(ctx context.Context, itemID, name string, from, to int64) (*http.Response, error) {
	req, err := c.newRequest(ctx, c.FileURL(itemID, name))
	if err != nil {
		return nil, err
	}
	if from > 0 {
		if to >= from {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", from, to))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", from))
		}
	}
	return c.hc.Do(req)
}

// FileURL builds the download URL for one file, escaping each path
// segment but keeping the segment structure.
func (c *Client) FileURL(itemID, name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return c.BaseURL + "/download/" + url.PathEscape(itemID) + "/" + strings.Join(parts, "/")
}

// RetryAfter parses a response's Retry-After header, which is either a
// second count or an HTTP-date. Returns 0 when absent or unparseable.
func RetryAfter(resp *http.Response) time.Duration {
	value := resp.Header.Get("Retry-After")
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
