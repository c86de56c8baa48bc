// Package review implements the quality gate: the approval workflow deciding
// whether AI-generated content is published automatically, rejected, or sent
// to human review.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/scoutline/pipeline/store"
)

// Threshold defaults for the automatic transition rules.
const (
	AutoApproveThreshold = 0.85
	AutoFlagThreshold    = 0.40
)

// ContentTypeInsight is the review-queue content type for insights.
const ContentTypeInsight = "insight"

// Gate routes new AI-generated content through the review state machine.
type Gate struct {
	store            *store.Store
	approveThreshold float64
	flagThreshold    float64
	logger           *slog.Logger
	now              func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithThresholds overrides the auto-approve and auto-flag thresholds.
func WithThresholds(approve, flag float64) Option {
	return func(g *Gate) {
		g.approveThreshold = approve
		g.flagThreshold = flag
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

// NewGate creates a quality gate over the store.
func NewGate(s *store.Store, opts ...Option) *Gate {
	g := &Gate{
		store:            s,
		approveThreshold: AutoApproveThreshold,
		flagThreshold:    AutoFlagThreshold,
		logger:           slog.Default(),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// route computes the automatic transition for a quality score.
// score >= approve threshold auto-approves; score <= flag threshold, or a
// missing score, flags for mandatory human review; everything else stays
// pending.
func (g *Gate) route(score *float64) (store.ReviewStatus, bool) {
	switch {
	case score == nil:
		return store.ReviewFlagged, false
	case *score >= g.approveThreshold:
		return store.ReviewApproved, true
	case *score <= g.flagThreshold:
		return store.ReviewFlagged, false
	default:
		return store.ReviewPending, false
	}
}

// Submit queues one artifact, applying the automatic threshold rule.
// Re-submitting the same (content type, id) updates the single existing row,
// unless a human reviewer has already made the final call: rejected and
// manually approved entries keep their decision, reviewer identity and
// notes, and only the quality score is refreshed.
// The returned entry reflects the persisted state.
func (g *Gate) Submit(ctx context.Context, contentType string, contentID uint, score *float64) (*store.ReviewQueueEntry, error) {
	existing, err := g.store.GetReviewEntry(ctx, contentType, contentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err == nil && existing.Status.Terminal() && !(existing.Status == store.ReviewApproved && existing.AutoApproved) {
		existing.QualityScore = score
		if err := g.store.SaveReviewEntry(ctx, existing); err != nil {
			return nil, fmt.Errorf("refresh score %s/%d: %w", contentType, contentID, err)
		}
		g.logger.Info("re-submission kept human decision",
			"content_type", contentType,
			"content_id", contentID,
			"status", existing.Status,
			"reviewed_by", existing.ReviewedBy)
		return existing, nil
	}

	status, autoApproved := g.route(score)

	entry := &store.ReviewQueueEntry{
		ContentType:  contentType,
		ContentID:    contentID,
		QualityScore: score,
		Status:       status,
		AutoApproved: autoApproved,
	}
	if autoApproved {
		reviewedAt := g.now().UTC()
		entry.ReviewedAt = &reviewedAt
	}

	if err := g.store.UpsertReviewEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("queue %s/%d: %w", contentType, contentID, err)
	}

	// The upsert path may have updated an existing row; read back the
	// authoritative state.
	persisted, err := g.store.GetReviewEntry(ctx, contentType, contentID)
	if err != nil {
		return nil, err
	}

	g.logger.Info("content queued for review",
		"content_type", contentType,
		"content_id", contentID,
		"status", persisted.Status,
		"auto_approved", persisted.AutoApproved)

	return persisted, nil
}

// Decision is a human reviewer action.
type Decision struct {
	Status   store.ReviewStatus // approved or rejected
	Reviewer string
	Notes    string
}

// Override applies a reviewer decision. Pending and flagged entries may
// always be overridden; an auto-approved entry may also be overridden, and
// the action is recorded with a fresh reviewed_at and the reviewer identity.
// A rejected or manually approved entry is terminal.
func (g *Gate) Override(ctx context.Context, contentType string, contentID uint, decision Decision) (*store.ReviewQueueEntry, error) {
	if decision.Status != store.ReviewApproved && decision.Status != store.ReviewRejected {
		return nil, fmt.Errorf("reviewer decision must be approved or rejected, got %s", decision.Status)
	}

	entry, err := g.store.GetReviewEntry(ctx, contentType, contentID)
	if err != nil {
		return nil, err
	}

	if entry.Status.Terminal() && !(entry.Status == store.ReviewApproved && entry.AutoApproved) {
		return nil, fmt.Errorf("entry %s/%d is terminal (%s)", contentType, contentID, entry.Status)
	}

	reviewedAt := g.now().UTC()
	entry.Status = decision.Status
	entry.AutoApproved = false
	entry.ReviewedBy = decision.Reviewer
	entry.Notes = decision.Notes
	entry.ReviewedAt = &reviewedAt

	if err := g.store.SaveReviewEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("save review decision: %w", err)
	}

	g.logger.Info("reviewer decision recorded",
		"content_type", contentType,
		"content_id", contentID,
		"status", entry.Status,
		"reviewer", decision.Reviewer)

	return entry, nil
}
