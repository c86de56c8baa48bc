package review

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoutline/pipeline/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	s, err := store.OpenSQLite(dsn)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func scoreptr(f float64) *float64 { return &f }

func TestSubmit_ThresholdRouting(t *testing.T) {
	tests := []struct {
		name       string
		score      *float64
		wantStatus store.ReviewStatus
		wantAuto   bool
	}{
		{"high score auto-approves", scoreptr(0.90), store.ReviewApproved, true},
		{"threshold score auto-approves", scoreptr(0.85), store.ReviewApproved, true},
		{"low score flags", scoreptr(0.20), store.ReviewFlagged, false},
		{"threshold low score flags", scoreptr(0.40), store.ReviewFlagged, false},
		{"middle score stays pending", scoreptr(0.60), store.ReviewPending, false},
		{"missing score flags", nil, store.ReviewFlagged, false},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(openTestStore(t))

			entry, err := g.Submit(context.Background(), ContentTypeInsight, uint(i+1), tt.score)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, entry.Status)
			assert.Equal(t, tt.wantAuto, entry.AutoApproved)
			if tt.wantAuto {
				assert.NotNil(t, entry.ReviewedAt)
			}
		})
	}
}

func TestSubmit_ResubmissionUpdatesSingleRow(t *testing.T) {
	s := openTestStore(t)
	g := NewGate(s)
	ctx := context.Background()

	first, err := g.Submit(ctx, ContentTypeInsight, 3, scoreptr(0.60))
	require.NoError(t, err)
	assert.Equal(t, store.ReviewPending, first.Status)

	second, err := g.Submit(ctx, ContentTypeInsight, 3, scoreptr(0.91))
	require.NoError(t, err)
	assert.Equal(t, store.ReviewApproved, second.Status)
	assert.Equal(t, first.ID, second.ID, "same artifact, same row")

	var count int64
	require.NoError(t, s.DB().Model(&store.ReviewQueueEntry{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestSubmit_ResubmissionKeepsHumanRejection(t *testing.T) {
	s := openTestStore(t)
	g := NewGate(s)
	ctx := context.Background()

	_, err := g.Submit(ctx, ContentTypeInsight, 4, scoreptr(0.55))
	require.NoError(t, err)
	_, err = g.Override(ctx, ContentTypeInsight, 4, Decision{
		Status:   store.ReviewRejected,
		Reviewer: "alex@scoutline.dev",
		Notes:    "off-topic for the vertical",
	})
	require.NoError(t, err)

	// A later high score must not undo the reviewer's final call.
	entry, err := g.Submit(ctx, ContentTypeInsight, 4, scoreptr(0.97))
	require.NoError(t, err)
	assert.Equal(t, store.ReviewRejected, entry.Status)
	assert.False(t, entry.AutoApproved)
	assert.Equal(t, "alex@scoutline.dev", entry.ReviewedBy)
	assert.Equal(t, "off-topic for the vertical", entry.Notes)
	require.NotNil(t, entry.QualityScore)
	assert.Equal(t, 0.97, *entry.QualityScore)
}

func TestSubmit_ResubmissionKeepsManualApproval(t *testing.T) {
	s := openTestStore(t)
	g := NewGate(s)
	ctx := context.Background()

	_, err := g.Submit(ctx, ContentTypeInsight, 9, scoreptr(0.55))
	require.NoError(t, err)
	_, err = g.Override(ctx, ContentTypeInsight, 9, Decision{
		Status:   store.ReviewApproved,
		Reviewer: "sam@scoutline.dev",
	})
	require.NoError(t, err)

	// A later poor score must not flag a manually approved artifact.
	entry, err := g.Submit(ctx, ContentTypeInsight, 9, scoreptr(0.10))
	require.NoError(t, err)
	assert.Equal(t, store.ReviewApproved, entry.Status)
	assert.False(t, entry.AutoApproved)
	assert.Equal(t, "sam@scoutline.dev", entry.ReviewedBy)
}

func TestOverride_PendingEntry(t *testing.T) {
	g := NewGate(openTestStore(t))
	ctx := context.Background()

	_, err := g.Submit(ctx, ContentTypeInsight, 5, scoreptr(0.55))
	require.NoError(t, err)

	entry, err := g.Override(ctx, ContentTypeInsight, 5, Decision{
		Status:   store.ReviewRejected,
		Reviewer: "alex@scoutline.dev",
		Notes:    "duplicate of an existing insight",
	})
	require.NoError(t, err)
	assert.Equal(t, store.ReviewRejected, entry.Status)
	assert.Equal(t, "alex@scoutline.dev", entry.ReviewedBy)
	assert.NotNil(t, entry.ReviewedAt)
}

func TestOverride_AutoApprovedEntryPermitted(t *testing.T) {
	g := NewGate(openTestStore(t))
	ctx := context.Background()

	first, err := g.Submit(ctx, ContentTypeInsight, 6, scoreptr(0.95))
	require.NoError(t, err)
	require.True(t, first.AutoApproved)
	firstReviewedAt := *first.ReviewedAt

	entry, err := g.Override(ctx, ContentTypeInsight, 6, Decision{
		Status:   store.ReviewRejected,
		Reviewer: "sam@scoutline.dev",
		Notes:    "hallucinated competitors",
	})
	require.NoError(t, err)
	assert.Equal(t, store.ReviewRejected, entry.Status)
	assert.False(t, entry.AutoApproved)
	assert.False(t, entry.ReviewedAt.Before(firstReviewedAt))
}

func TestOverride_TerminalEntryRefused(t *testing.T) {
	g := NewGate(openTestStore(t))
	ctx := context.Background()

	_, err := g.Submit(ctx, ContentTypeInsight, 8, scoreptr(0.50))
	require.NoError(t, err)
	_, err = g.Override(ctx, ContentTypeInsight, 8, Decision{Status: store.ReviewRejected, Reviewer: "r"})
	require.NoError(t, err)

	_, err = g.Override(ctx, ContentTypeInsight, 8, Decision{Status: store.ReviewApproved, Reviewer: "r"})
	assert.Error(t, err, "rejected is terminal")
}

func TestOverride_RequiresReviewerDecision(t *testing.T) {
	g := NewGate(openTestStore(t))

	_, err := g.Override(context.Background(), ContentTypeInsight, 9, Decision{Status: store.ReviewFlagged})
	assert.Error(t, err)
}

func TestCustomThresholds(t *testing.T) {
	g := NewGate(openTestStore(t), WithThresholds(0.70, 0.30))

	entry, err := g.Submit(context.Background(), ContentTypeInsight, 10, scoreptr(0.75))
	require.NoError(t, err)
	assert.Equal(t, store.ReviewApproved, entry.Status)
}
