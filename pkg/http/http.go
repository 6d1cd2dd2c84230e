package http

import (
	"context"
	"fmt"
	"mime"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/NamanBalaji/piecework/internal/logger"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultIdleTimeout    = 90 * time.Second
	keepAlivePeriod       = 30 * time.Second
	maxIdleConns          = 100
	tlsHandshakeTimeout   = 10 * time.Second
	expectContinueTimeout = 1 * time.Second
	maxConnsPerHost       = 16

	DefaultUserAgent = "piecework/1.0"

	defaultDownloadName = "download"
)

type Client struct {
	*http.Client

	userAgent string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithUserAgent overrides the User-Agent header sent with every request.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithTransport replaces the transport, mostly for tests.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *Client) { c.Transport = rt }
}

// NewClient creates a new HTTP client with custom transport settings.
func NewClient(opts ...ClientOption) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   defaultConnectTimeout,
			KeepAlive: keepAlivePeriod,
		}).DialContext,
		MaxIdleConns:          maxIdleConns,
		IdleConnTimeout:       defaultIdleTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ExpectContinueTimeout: expectContinueTimeout,
		DisableCompression:    true,
		MaxConnsPerHost:       maxConnsPerHost,
	}

	c := &Client{
		Client:    &http.Client{Transport: transport},
		userAgent: DefaultUserAgent,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// IsDownloadable reports whether a response looks like a file rather than a web page.
func IsDownloadable(resp *http.Response) bool {
	if resp.Request != nil {
		if s := resp.Request.URL.Scheme; s != "http" && s != "https" {
			return false
		}
	}

	if resp.Header.Get("Content-Disposition") != "" {
		return true
	}

	return !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html")
}

// Head performs a HEAD request to the specified URL with optional headers.
func (c *Client) Head(ctx context.Context, urlStr string, headers map[string]string) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodHead, urlStr, headers)
	if err != nil {
		return nil, err
	}

	return resp, nil
}

// Range performs a GET for bytes [start, end]. The response body streams
// until ctx is done; the caller closes it. A server that ignores the range or
// answers for a different offset yields ErrRangesNotSupported.
func (c *Client) Range(ctx context.Context, urlStr string, start, end int64, headers map[string]string) (*http.Response, error) {
	h := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		h[k] = v
	}
	h["Range"] = fmt.Sprintf("bytes=%d-%d", start, end)

	resp, err := c.do(ctx, http.MethodGet, urlStr, h)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusPartialContent {
		logger.Warnf("Server doesn't support ranges for %s (status: %d)", urlStr, resp.StatusCode)
		closeBody(resp, urlStr)
		return nil, ErrRangesNotSupported
	}

	if cr := resp.Header.Get("Content-Range"); cr != "" {
		got, _, _, err := ParseContentRange(cr)
		if err != nil || got != start {
			logger.Warnf("Unexpected Content-Range %q for %s, asked for %d", cr, urlStr, start)
			closeBody(resp, urlStr)
			return nil, ErrRangesNotSupported
		}
	}

	return resp, nil
}

// Get performs a plain GET. The caller closes the body.
func (c *Client) Get(ctx context.Context, urlStr string, headers map[string]string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, urlStr, headers)
}

func (c *Client) do(ctx context.Context, method, urlStr string, headers map[string]string) (*http.Response, error) {
	req, err := c.generateRequest(ctx, urlStr, method, headers)
	if err != nil {
		return nil, err
	}

	logger.Debugf("Sending %s request to %s", method, urlStr)

	resp, err := c.Do(req)
	if err != nil {
		logger.Errorf("%s request failed for %s: %v", method, urlStr, err)
		return nil, ClassifyError(err)
	}

	logger.Debugf("%s response for %s: status=%d", method, urlStr, resp.StatusCode)

	if resp.StatusCode >= http.StatusBadRequest {
		logger.Errorf("%s request returned error status %d for %s", method, resp.StatusCode, urlStr)
		closeBody(resp, urlStr)
		return nil, ClassifyHTTPError(resp.StatusCode)
	}

	return resp, nil
}

// generateRequest creates a new HTTP request with the specified method and URL.
func (c *Client) generateRequest(ctx context.Context, urlStr, method string, headers map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, urlStr, http.NoBody)
	if err != nil {
		logger.Errorf("Failed to create %s request for %s: %v", method, urlStr, err)
		return nil, ErrRequestCreation
	}

	req.Header.Set("User-Agent", c.userAgent)

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	return req, nil
}

func closeBody(resp *http.Response, urlStr string) {
	if err := resp.Body.Close(); err != nil {
		logger.Warnf("Failed to close response body for %s: %v", urlStr, err)
	}
}

// ParseContentRange parses "bytes start-end/total". total is -1 when the
// server sends "*".
func ParseContentRange(header string) (start, end, total int64, err error) {
	rangeSpec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("%w: %q", ErrInvalidContentRange, header)
	}

	rng, size, ok := strings.Cut(rangeSpec, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("%w: %q", ErrInvalidContentRange, header)
	}

	total = -1
	if size != "*" {
		if total, err = strconv.ParseInt(size, 10, 64); err != nil {
			return 0, 0, 0, fmt.Errorf("%w: %q", ErrInvalidContentRange, header)
		}
	}

	first, last, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("%w: %q", ErrInvalidContentRange, header)
	}

	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("%w: %q", ErrInvalidContentRange, header)
	}
	if end, err = strconv.ParseInt(last, 10, 64); err != nil || end < start {
		return 0, 0, 0, fmt.Errorf("%w: %q", ErrInvalidContentRange, header)
	}

	return start, end, total, nil
}

// GetFilename tries extracts the filename from the Content-Disposition header or the URL.
func GetFilename(resp *http.Response) string {
	fileName, ok := getFileNameFromContentDisposition(resp.Header.Get("Content-Disposition"))
	if ok {
		return fileName
	}

	u := resp.Request.URL
	if qname := u.Query().Get("filename"); qname != "" {
		return qname
	}

	base := path.Base(u.Path)
	if base != "" && base != "/" && base != "." {
		return base
	}

	return defaultDownloadName
}

func getFileNameFromContentDisposition(header string) (string, bool) {
	if header == "" {
		return "", false
	}

	if _, params, err := mime.ParseMediaType(header); err == nil {
		if fName, ok := params["filename"]; ok {
			return path.Base(fName), true
		}
	}

	return "", false
}

// ParseLastModified parses the Last-Modified header.
func ParseLastModified(header string) time.Time {
	if header == "" {
		return time.Time{}
	}

	t, err := http.ParseTime(header)
	if err != nil {
		logger.Debugf("Failed to parse Last-Modified header: %s, error: %v", header, err)
		return time.Time{}
	}

	return t
}
