// Package similarity detects near-duplicate insights across the published
// corpus and proposes resolutions for human triage. The detector scores
// pairwise vector-space similarity over each insight's problem statement;
// only the threshold-to-classification mapping and the unordered-pair
// uniqueness are load-bearing.
package similarity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/scoutline/pipeline/store"
)

// Classification thresholds, evaluated most-specific-first.
const (
	ExactThreshold    = 0.95
	NearThreshold     = 0.85
	ThematicThreshold = 0.70
)

// Thresholds configures the classification boundaries.
type Thresholds struct {
	Exact    float64
	Near     float64
	Thematic float64
}

// DefaultThresholds returns the standard classification boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Exact:    ExactThreshold,
		Near:     NearThreshold,
		Thematic: ThematicThreshold,
	}
}

// Classify maps a similarity score to a pair type. The second return is
// false for scores below the thematic threshold, which are not recorded.
func (t Thresholds) Classify(score float64) (store.SimilarityType, bool) {
	switch {
	case score >= t.Exact:
		return store.SimilarityExact, true
	case score >= t.Near:
		return store.SimilarityNear, true
	case score >= t.Thematic:
		return store.SimilarityThematic, true
	default:
		return "", false
	}
}

// Detector runs similarity batches over the insight corpus.
type Detector struct {
	store      *store.Store
	thresholds Thresholds
	logger     *slog.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithThresholds overrides the classification boundaries.
func WithThresholds(t Thresholds) Option {
	return func(d *Detector) {
		d.thresholds = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) {
		d.logger = logger
	}
}

// NewDetector creates a similarity detector over the store.
func NewDetector(s *store.Store, opts ...Option) *Detector {
	d := &Detector{
		store:      s,
		thresholds: DefaultThresholds(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Result summarizes one batch run.
type Result struct {
	Candidates    int
	PairsCompared int
	PairsRecorded int
}

// Run compares insights created since the cutoff against the published
// corpus and records qualifying pairs. Pairs are stored in canonical order so
// reruns and swapped orderings never duplicate rows. The detector itself
// never deletes or mutates insights.
func (d *Detector) Run(ctx context.Context, cutoff time.Time) (Result, error) {
	var res Result

	candidates, err := d.store.InsightsCreatedSince(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("load candidates: %w", err)
	}
	corpus, err := d.store.PublishedInsights(ctx)
	if err != nil {
		return res, fmt.Errorf("load corpus: %w", err)
	}
	res.Candidates = len(candidates)

	// Vectorize the corpus once; candidates reference into it by id.
	vectors := make(map[uint]map[string]float64, len(corpus)+len(candidates))
	for i := range corpus {
		vectors[corpus[i].ID] = vectorize(corpus[i].ProblemStatement)
	}
	for i := range candidates {
		if _, ok := vectors[candidates[i].ID]; !ok {
			vectors[candidates[i].ID] = vectorize(candidates[i].ProblemStatement)
		}
	}

	seen := make(map[[2]uint]struct{})
	for _, cand := range candidates {
		others := make([]store.Insight, 0, len(corpus)+len(candidates))
		others = append(others, corpus...)
		others = append(others, candidates...)

		for _, other := range others {
			if other.ID == cand.ID {
				continue
			}
			key := pairKey(cand.ID, other.ID)
			if _, done := seen[key]; done {
				continue
			}
			seen[key] = struct{}{}
			res.PairsCompared++

			score := cosine(vectors[cand.ID], vectors[other.ID])
			simType, record := d.thresholds.Classify(score)
			if !record {
				continue
			}

			pair := &store.ContentSimilarity{
				SourceID:  key[0],
				SimilarID: key[1],
				Score:     score,
				Type:      simType,
			}
			if err := d.store.CreateSimilarity(ctx, pair); err != nil {
				return res, fmt.Errorf("record pair (%d,%d): %w", key[0], key[1], err)
			}
			res.PairsRecorded++

			d.logger.Info("similar insights flagged",
				"source_id", key[0],
				"similar_id", key[1],
				"score", score,
				"type", simType)
		}
	}

	return res, nil
}

// pairKey canonicalizes an unordered insight pair.
func pairKey(a, b uint) [2]uint {
	if a > b {
		a, b = b, a
	}
	return [2]uint{a, b}
}

// Resolve applies a triage decision to a flagged pair. keep_both and merge
// only mark the pair resolved (merge semantics live with the caller);
// delete_newer removes the later-created insight of the pair. Deletion only
// ever happens here, as a consequence of an explicit resolution.
func (d *Detector) Resolve(ctx context.Context, pairID uint, resolution store.Resolution) error {
	pair, err := d.store.GetSimilarity(ctx, pairID)
	if err != nil {
		return err
	}
	if pair.Resolved {
		return fmt.Errorf("pair %d already resolved", pairID)
	}

	if resolution == store.ResolutionDeleteNewer {
		newerID, err := d.newerOf(ctx, pair.SourceID, pair.SimilarID)
		if err != nil {
			return err
		}
		if err := d.store.DeleteInsight(ctx, newerID); err != nil {
			return fmt.Errorf("delete newer insight %d: %w", newerID, err)
		}
		d.logger.Info("newer duplicate insight deleted", "insight_id", newerID, "pair_id", pairID)
	}

	return d.store.MarkSimilarityResolved(ctx, pairID, resolution)
}

// newerOf returns the later-created insight id of a pair.
func (d *Detector) newerOf(ctx context.Context, a, b uint) (uint, error) {
	insightA, err := d.store.GetInsight(ctx, a)
	if err != nil {
		return 0, err
	}
	insightB, err := d.store.GetInsight(ctx, b)
	if err != nil {
		return 0, err
	}
	if insightB.CreatedAt.After(insightA.CreatedAt) {
		return insightB.ID, nil
	}
	if insightA.CreatedAt.After(insightB.CreatedAt) {
		return insightA.ID, nil
	}
	// Equal timestamps fall back to insertion order.
	if insightB.ID > insightA.ID {
		return insightB.ID, nil
	}
	return insightA.ID, nil
}
