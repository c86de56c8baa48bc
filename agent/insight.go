// Package agent holds the schedulable units of pipeline work: ingesting
// signals, deriving insights, and sweeping the corpus for duplicates.
package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/scoutline/pipeline/analysis"
	"github.com/scoutline/pipeline/metrics"
	"github.com/scoutline/pipeline/review"
	"github.com/scoutline/pipeline/scheduler"
	"github.com/scoutline/pipeline/scrape"
	"github.com/scoutline/pipeline/store"
)

// InsightName is the insight agent's configuration key.
const InsightName = "insight-agent"

const defaultBatchSize = 25

// InsightAgent runs the signal-to-insight pipeline: collect new signals from
// its adapters, analyze unprocessed signals, and submit each derived insight
// to the quality gate. Auto-approved insights are published immediately.
type InsightAgent struct {
	store     *store.Store
	collector *scrape.Collector
	adapters  []scrape.Adapter
	invoker   *analysis.Invoker
	gate      *review.Gate
	meter     *metrics.CostMeter
	logger    *slog.Logger
	batchSize int
	defaults  store.AgentConfig
}

// InsightAgentParams bundles the insight agent's collaborators.
type InsightAgentParams struct {
	Store     *store.Store
	Collector *scrape.Collector
	Adapters  []scrape.Adapter
	Invoker   *analysis.Invoker
	Gate      *review.Gate

	// Meter, when set, attributes generation cost to each run. It must be
	// the same meter the generation client reports into.
	Meter *metrics.CostMeter

	Logger    *slog.Logger
	BatchSize int
	Defaults  store.AgentConfig
}

// NewInsightAgent assembles the agent.
func NewInsightAgent(p InsightAgentParams) *InsightAgent {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.BatchSize <= 0 {
		p.BatchSize = defaultBatchSize
	}
	return &InsightAgent{
		store:     p.Store,
		collector: p.Collector,
		adapters:  p.Adapters,
		invoker:   p.Invoker,
		gate:      p.Gate,
		meter:     p.Meter,
		logger:    p.Logger,
		batchSize: p.BatchSize,
		defaults:  p.Defaults,
	}
}

func (a *InsightAgent) Name() string { return InsightName }

func (a *InsightAgent) Defaults() store.AgentConfig {
	cfg := a.defaults
	cfg.Name = InsightName
	return cfg
}

// Run executes one pipeline pass. Individual signal failures are counted,
// not fatal: one bad signal never blocks the rest of the batch.
func (a *InsightAgent) Run(ctx context.Context, cfg *store.AgentConfig) (scheduler.Result, error) {
	var res scheduler.Result
	md := store.Metadata{}

	var costBefore float64
	if a.meter != nil {
		costBefore = a.meter.TotalUSD()
	}

	ingested, duplicates := a.collect(ctx)
	md["signals_ingested"] = ingested
	md["duplicates_skipped"] = duplicates

	signals, err := a.store.UnprocessedSignals(ctx, a.batchSize)
	if err != nil {
		res.Metadata = md
		return res, fmt.Errorf("load unprocessed signals: %w", err)
	}

	params := analysis.GenerationParams{
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxOutputTokens,
	}
	if params.Model == "" {
		params.Model = a.defaults.Model
	}

	var published, queued int
	for i := range signals {
		if err := ctx.Err(); err != nil {
			res.Metadata = md
			return res, err
		}

		sig := &signals[i]
		outcome, err := a.processSignal(ctx, sig, params)
		if err != nil {
			res.ItemsFailed++
			a.logger.Warn("signal analysis failed", "signal_id", sig.ID, "source", sig.Source, "error", err)
			continue
		}
		res.ItemsProcessed++
		if outcome == store.ReviewApproved {
			published++
		} else {
			queued++
		}
	}

	md["insights_published"] = published
	md["insights_queued"] = queued
	res.Metadata = md

	if a.meter != nil {
		res.CostUSD = a.meter.TotalUSD() - costBefore
	}
	return res, nil
}

// collect runs every adapter. Adapter failures are logged and skipped so a
// single unreachable source never starves analysis of already-ingested work.
func (a *InsightAgent) collect(ctx context.Context) (ingested, duplicates int) {
	for _, adapter := range a.adapters {
		cr, err := a.collector.Collect(ctx, adapter)
		if err != nil {
			a.logger.Warn("collection failed", "source", adapter.Source(), "error", err)
			continue
		}
		ingested += cr.Ingested
		duplicates += cr.Duplicates
	}
	return ingested, duplicates
}

// processSignal analyzes one signal and routes the insight through the
// quality gate. The signal is marked processed only after the insight and
// its review entry are durably recorded.
func (a *InsightAgent) processSignal(ctx context.Context, sig *store.RawSignal, params analysis.GenerationParams) (store.ReviewStatus, error) {
	insight, err := a.invoker.Analyze(ctx, sig, params)
	if err != nil {
		return "", err
	}

	insight.RawSignalID = sig.ID
	if err := a.store.CreateInsight(ctx, insight); err != nil {
		return "", fmt.Errorf("persist insight: %w", err)
	}

	quality := insight.QualityScore()
	entry, err := a.gate.Submit(ctx, review.ContentTypeInsight, insight.ID, &quality)
	if err != nil {
		return "", fmt.Errorf("submit for review: %w", err)
	}

	if entry.Status == store.ReviewApproved {
		if err := a.store.PublishInsight(ctx, insight.ID); err != nil {
			return "", fmt.Errorf("publish insight: %w", err)
		}
	}

	if err := a.store.MarkSignalProcessed(ctx, sig.ID); err != nil {
		return "", fmt.Errorf("mark signal processed: %w", err)
	}

	a.logger.Info("insight derived",
		"signal_id", sig.ID,
		"insight_id", insight.ID,
		"quality", quality,
		"review_status", entry.Status)
	return entry.Status, nil
}

var _ scheduler.Agent = (*InsightAgent)(nil)
