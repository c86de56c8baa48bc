package scrape

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/scoutline/pipeline/metrics"
	"github.com/scoutline/pipeline/store"
)

// Collector persists adapter output as raw signals. The store's hash
// constraint is the sole dedup mechanism; a duplicate is a soft skip, never a
// batch failure.
type Collector struct {
	store  *store.Store
	sink   metrics.Sink
	logger *slog.Logger
}

// NewCollector creates a collector over the store.
func NewCollector(s *store.Store, sink metrics.Sink, logger *slog.Logger) *Collector {
	if sink == nil {
		sink = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{store: s, sink: sink, logger: logger}
}

// CollectResult summarizes one adapter pass.
type CollectResult struct {
	Ingested   int
	Duplicates int
	Failed     int
}

// Collect runs one adapter and ingests its records.
func (c *Collector) Collect(ctx context.Context, adapter Adapter) (CollectResult, error) {
	var res CollectResult

	records, err := adapter.Collect(ctx)
	if err != nil {
		return res, fmt.Errorf("adapter %s: %w", adapter.Source(), err)
	}

	for _, rec := range records {
		hash := HashContent(rec.Content)
		metadata := store.Metadata{}
		for k, v := range rec.Metadata {
			metadata[k] = v
		}
		if rec.Title != "" {
			metadata["title"] = rec.Title
		}

		sig := &store.RawSignal{
			Source:      adapter.Source(),
			URL:         rec.URL,
			Content:     rec.Content,
			ContentHash: &hash,
			Metadata:    metadata,
		}

		err := c.store.CreateSignal(ctx, sig)
		switch {
		case err == nil:
			res.Ingested++
			c.sink.SignalIngested(adapter.Source())
		case store.IsDuplicateContent(err):
			res.Duplicates++
			c.sink.DuplicateSkipped(adapter.Source())
			c.logger.Debug("duplicate signal skipped", "source", adapter.Source(), "url", rec.URL)
		default:
			res.Failed++
			c.logger.Warn("signal persist failed", "source", adapter.Source(), "url", rec.URL, "error", err)
		}
	}

	c.logger.Info("collection pass finished",
		"source", adapter.Source(),
		"ingested", res.Ingested,
		"duplicates", res.Duplicates,
		"failed", res.Failed)

	return res, nil
}
