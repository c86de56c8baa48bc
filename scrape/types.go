// Package scrape collects raw market signals from external sources. Adapters
// normalize source-specific payloads into Records; the Collector drives
// adapters through the per-source rate limiter and content dedup into the
// store.
package scrape

import "context"

// Record is the normalized output contract every adapter produces: plain-text
// content plus an open metadata map. This is the only interface the pipeline
// consumes from scraping collaborators.
type Record struct {
	URL      string
	Title    string
	Content  string
	Metadata map[string]any
}

// Adapter is a source-specific collector.
type Adapter interface {
	// Source returns the adapter's source key, used for rate limiting and
	// signal attribution.
	Source() string

	// Collect fetches and normalizes the source's current items.
	Collect(ctx context.Context) ([]Record, error)
}
