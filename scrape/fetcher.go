package scrape

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// defaultUserAgent identifies the collector to scraped sites.
const defaultUserAgent = "ScoutlineBot/1.0 (+https://scoutline.dev/bot)"

// FetchResult contains one fetched page.
type FetchResult struct {
	Body        []byte
	ContentType string
	ETag        string
	StatusCode  int
	NotModified bool
}

// Fetcher retrieves web content with bounded size and redirects.
type Fetcher struct {
	client         *http.Client
	userAgent      string
	maxContentSize int64
}

// NewFetcher creates a fetcher with the given per-request timeout and
// response size cap.
func NewFetcher(timeout time.Duration, maxContentSize int64) *Fetcher {
	transport := &http.Transport{
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}

	return &Fetcher{
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (max 5)")
				}
				return nil
			},
		},
		userAgent:      defaultUserAgent,
		maxContentSize: maxContentSize,
	}
}

// Fetch retrieves content from the given URL.
func (f *Fetcher) Fetch(ctx context.Context, urlStr string) (*FetchResult, error) {
	return f.FetchWithETag(ctx, urlStr, "")
}

// FetchWithETag retrieves content with conditional fetch support. When the
// stored etag still matches, the result carries NotModified and no body.
func (f *Fetcher) FetchWithETag(ctx context.Context, urlStr, etag string) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", urlStr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &FetchResult{StatusCode: resp.StatusCode, NotModified: true, ETag: etag}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", urlStr, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxContentSize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return &FetchResult{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		ETag:        resp.Header.Get("ETag"),
		StatusCode:  resp.StatusCode,
	}, nil
}
