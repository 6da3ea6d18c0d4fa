// Package transport issues the HTTP requests the scheduler depends on.
//
// The scheduler only sees the Transport interface: Probe learns the size,
// range support and validator of a resource, and Fetch issues a GET with an
// optional byte range. HTTPTransport is the net/http implementation; tests
// substitute fakes that fail on demand.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/veranemoloko/gator/internal/domain"
	errpkg "github.com/veranemoloko/gator/internal/errors"
)

// Range is an inclusive byte range. End < 0 means "to the end".
type Range struct {
	Start int64
	End   int64
}

// Header formats r as a Range header value.
func (r Range) Header() string {
	if r.End < 0 {
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// Response is the result of a Fetch. The caller must close Body.
type Response struct {
	StatusCode    int
	Header        http.Header
	ContentLength int64
	Body          io.ReadCloser
}

// Transport is the HTTP collaborator consumed by the scheduler.
type Transport interface {
	Probe(ctx context.Context, url string) (domain.RemoteInfo, error)
	Fetch(ctx context.Context, url string, rng *Range) (*Response, error)
}

// Options configures HTTPTransport.
type Options struct {
	// MaxIdleConnsPerHost should be at least the worker count so that
	// segment requests reuse connections.
	MaxIdleConnsPerHost int

	// UserAgent is sent with every request.
	UserAgent string
}

// HTTPTransport implements Transport on top of net/http.
type HTTPTransport struct {
	client    *http.Client
	userAgent string
}

// NewHTTPTransport creates a transport tuned for many parallel range requests.
// Timeouts are applied per request through the context.
func NewHTTPTransport(opts Options) *HTTPTransport {
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = 100
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxIdleConns:        opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DisableCompression:  true, // byte offsets must refer to the raw entity
	}

	return NewHTTPTransportWithClient(&http.Client{Transport: transport}, opts.UserAgent)
}

// NewHTTPTransportWithClient wraps an existing client.
func NewHTTPTransportWithClient(client *http.Client, userAgent string) *HTTPTransport {
	return &HTTPTransport{client: client, userAgent: userAgent}
}

// Probe performs a HEAD request. When the server rejects HEAD or omits the
// length, it falls back to a one-byte ranged GET and reads the total size
// from Content-Range.
func (t *HTTPTransport) Probe(ctx context.Context, url string) (domain.RemoteInfo, error) {
	resp, err := t.do(ctx, http.MethodHead, url, nil)
	if err != nil {
		return domain.RemoteInfo{}, err
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		return t.probeWithRange(ctx, url)
	}

	if resp.StatusCode >= 400 {
		return domain.RemoteInfo{}, &errpkg.StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	info := infoFromHeader(resp.StatusCode, resp.Header)
	info.Size = resp.ContentLength

	if info.Size < 0 {
		if ranged, err := t.probeWithRange(ctx, url); err == nil && ranged.Size >= 0 {
			return ranged, nil
		}
		info.Size = domain.UnknownSize
	}

	return info, nil
}

func (t *HTTPTransport) probeWithRange(ctx context.Context, url string) (domain.RemoteInfo, error) {
	resp, err := t.do(ctx, http.MethodGet, url, &Range{Start: 0, End: 0})
	if err != nil {
		return domain.RemoteInfo{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return domain.RemoteInfo{}, &errpkg.StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	info := infoFromHeader(resp.StatusCode, resp.Header)

	if resp.StatusCode == http.StatusPartialContent {
		_, _, total, err := ParseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return domain.RemoteInfo{}, fmt.Errorf("probe %s: %w", url, err)
		}
		info.Size = total
		info.AcceptsRanges = total >= 0
		return info, nil
	}

	// A 200 means the range was ignored: the body is the whole entity.
	info.Size = resp.ContentLength
	info.AcceptsRanges = false
	if info.Size < 0 {
		info.Size = domain.UnknownSize
	}
	return info, nil
}

// Fetch issues a GET, with a Range header when rng is non-nil.
// Responses with status >= 400 are returned as *errors.StatusError.
func (t *HTTPTransport) Fetch(ctx context.Context, url string, rng *Range) (*Response, error) {
	resp, err := t.do(ctx, http.MethodGet, url, rng)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &errpkg.StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	return &Response{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		Body:          resp.Body,
	}, nil
}

func (t *HTTPTransport) do(ctx context.Context, method, url string, rng *Range) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	if rng != nil {
		req.Header.Set("Range", rng.Header())
	}

	return t.client.Do(req)
}

func infoFromHeader(status int, h http.Header) domain.RemoteInfo {
	info := domain.RemoteInfo{
		Status:        status,
		Size:          domain.UnknownSize,
		AcceptsRanges: strings.EqualFold(strings.TrimSpace(h.Get("Accept-Ranges")), "bytes"),
		ETag:          strongETag(h.Get("ETag")),
		ContentType:   h.Get("Content-Type"),
	}

	if lm := h.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			info.LastModified = t
		}
	}

	return info
}

// strongETag returns the ETag without quotes, or "" for weak validators,
// which do not promise byte-identical content.
func strongETag(etag string) string {
	etag = strings.TrimSpace(etag)
	if strings.HasPrefix(etag, "W/") {
		return ""
	}
	return strings.Trim(etag, `"`)
}

// ParseContentRange parses a Content-Range header value.
// Returns start, end, total bytes. Total is -1 if unknown.
func ParseContentRange(header string) (start, end, total int64, err error) {
	// Format: bytes start-end/total or bytes start-end/*
	if !strings.HasPrefix(header, "bytes ") {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %q", header)
	}
	header = strings.TrimPrefix(header, "bytes ")

	parts := strings.Split(header, "/")
	if len(parts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %q", header)
	}

	rangeParts := strings.Split(parts[0], "-")
	if len(rangeParts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %q", header)
	}

	start, err = strconv.ParseInt(rangeParts[0], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}

	end, err = strconv.ParseInt(rangeParts[1], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}

	if parts[1] == "*" {
		total = -1
	} else {
		total, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
		}
	}

	return start, end, total, nil
}
