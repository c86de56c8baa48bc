package scrape

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/scoutline/pipeline/ratelimit"
)

// ArticleAdapter collects a fixed list of article URLs for one source,
// acquiring a rate-limit slot before every fetch. Listing pages and feeds
// resolve to URL lists upstream in configuration.
type ArticleAdapter struct {
	source    string
	urls      []string
	fetcher   *Fetcher
	converter *Converter
	limiter   *ratelimit.Limiter
	logger    *slog.Logger

	// etags caches conditional-fetch validators per URL for the lifetime of
	// the adapter. The persisted content hash stays authoritative for dedup.
	etags map[string]string
}

// NewArticleAdapter creates an adapter for one configured source.
func NewArticleAdapter(source string, urls []string, fetcher *Fetcher, converter *Converter, limiter *ratelimit.Limiter, logger *slog.Logger) *ArticleAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArticleAdapter{
		source:    source,
		urls:      urls,
		fetcher:   fetcher,
		converter: converter,
		limiter:   limiter,
		logger:    logger,
		etags:     make(map[string]string),
	}
}

// Source returns the adapter's source key.
func (a *ArticleAdapter) Source() string {
	return a.source
}

// Collect fetches every configured URL, honoring the source's rate window.
// Individual page failures are logged and skipped; only context cancellation
// aborts the batch.
func (a *ArticleAdapter) Collect(ctx context.Context) ([]Record, error) {
	records := make([]Record, 0, len(a.urls))

	for _, pageURL := range a.urls {
		if err := a.waitForSlot(ctx); err != nil {
			return records, err
		}

		result, err := a.fetcher.FetchWithETag(ctx, pageURL, a.etags[pageURL])
		if err != nil {
			a.logger.Warn("page fetch failed", "source", a.source, "url", pageURL, "error", err)
			continue
		}
		if result.NotModified {
			a.logger.Debug("page unchanged since last fetch", "source", a.source, "url", pageURL)
			continue
		}
		if result.ETag != "" {
			a.etags[pageURL] = result.ETag
		}

		converted, err := a.converter.Convert(pageURL, result.Body)
		if err != nil {
			a.logger.Warn("page conversion failed", "source", a.source, "url", pageURL, "error", err)
			continue
		}
		if converted.Content == "" {
			continue
		}

		records = append(records, Record{
			URL:     pageURL,
			Title:   converted.Title,
			Content: converted.Content,
			Metadata: map[string]any{
				"content_type": result.ContentType,
				"fetched_at":   time.Now().UTC().Format(time.RFC3339),
			},
		})
	}

	return records, nil
}

// waitForSlot blocks until the source's window admits a request.
func (a *ArticleAdapter) waitForSlot(ctx context.Context) error {
	for {
		wait := a.limiter.Acquire(a.source)
		if wait == 0 {
			return nil
		}
		a.logger.Debug("rate limited, waiting", "source", a.source, "wait", wait)

		select {
		case <-ctx.Done():
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
}
