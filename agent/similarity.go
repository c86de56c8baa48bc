package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/scoutline/pipeline/scheduler"
	"github.com/scoutline/pipeline/similarity"
	"github.com/scoutline/pipeline/store"
)

// SimilarityName is the similarity agent's configuration key.
const SimilarityName = "similarity-agent"

// defaultLookback bounds the candidate window when the agent has never run.
const defaultLookback = 7 * 24 * time.Hour

// SimilarityAgent sweeps recently created insights against the published
// corpus and records qualifying pairs for review.
type SimilarityAgent struct {
	detector *similarity.Detector
	logger   *slog.Logger
	defaults store.AgentConfig
}

// NewSimilarityAgent assembles the agent.
func NewSimilarityAgent(detector *similarity.Detector, defaults store.AgentConfig, logger *slog.Logger) *SimilarityAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &SimilarityAgent{detector: detector, logger: logger, defaults: defaults}
}

func (a *SimilarityAgent) Name() string { return SimilarityName }

func (a *SimilarityAgent) Defaults() store.AgentConfig {
	cfg := a.defaults
	cfg.Name = SimilarityName
	return cfg
}

// Run compares insights created since the previous run. The cutoff comes
// from the agent's own run history, so nothing is missed across restarts.
func (a *SimilarityAgent) Run(ctx context.Context, cfg *store.AgentConfig) (scheduler.Result, error) {
	cutoff := time.Now().UTC().Add(-defaultLookback)
	if cfg.LastRunAt != nil {
		cutoff = *cfg.LastRunAt
	}

	dr, err := a.detector.Run(ctx, cutoff)
	if err != nil {
		return scheduler.Result{}, err
	}

	a.logger.Info("similarity sweep finished",
		"candidates", dr.Candidates,
		"pairs_compared", dr.PairsCompared,
		"pairs_recorded", dr.PairsRecorded)

	return scheduler.Result{
		ItemsProcessed: dr.Candidates,
		Metadata: store.Metadata{
			"pairs_compared": dr.PairsCompared,
			"pairs_recorded": dr.PairsRecorded,
		},
	}, nil
}

var _ scheduler.Agent = (*SimilarityAgent)(nil)
