package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoutline/pipeline/analysis"
	"github.com/scoutline/pipeline/llm"
	"github.com/scoutline/pipeline/metrics"
	"github.com/scoutline/pipeline/review"
	"github.com/scoutline/pipeline/scrape"
	"github.com/scoutline/pipeline/similarity"
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

// staticAdapter serves a fixed set of records.
type staticAdapter struct {
	source  string
	records []scrape.Record
}

func (a *staticAdapter) Source() string { return a.source }

func (a *staticAdapter) Collect(context.Context) ([]scrape.Record, error) {
	return a.records, nil
}

// scriptedClient serves canned responses in order, repeating the last one.
type scriptedClient struct {
	script   []func() (*llm.Response, error)
	attempts int
}

func (c *scriptedClient) Complete(_ context.Context, _ llm.Request) (*llm.Response, error) {
	idx := c.attempts
	c.attempts++
	if idx >= len(c.script) {
		idx = len(c.script) - 1
	}
	return c.script[idx]()
}

const strongPayload = `{
	"problem_statement": "Small agencies lose billable hours reconciling invoices by hand.",
	"proposed_solution": "Automated invoice matching for agency billing stacks.",
	"market_size": "large",
	"relevance_score": 0.92,
	"competitors": ["Ramp"],
	"scores": {"novelty": 9, "urgency": 10, "feasibility": 9}
}`

func fastPolicy() analysis.RetryPolicy {
	p := analysis.DefaultRetryPolicy()
	p.InitialBackoff = time.Millisecond
	p.MaxBackoff = 2 * time.Millisecond
	return p
}

func newInsightAgent(t *testing.T, st *store.Store, client llm.Client, adapters ...scrape.Adapter) *InsightAgent {
	t.Helper()
	return NewInsightAgent(InsightAgentParams{
		Store:     st,
		Collector: scrape.NewCollector(st, metrics.Nop{}, nil),
		Adapters:  adapters,
		Invoker:   analysis.NewInvoker(client, analysis.WithRetryPolicy(fastPolicy())),
		Gate:      review.NewGate(st),
	})
}

func TestInsightAgent_EndToEnd(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	adapter := &staticAdapter{
		source: "hackernews",
		records: []scrape.Record{{
			URL:     "https://news.example.com/item/1",
			Title:   "Ask HN: invoice reconciliation pain",
			Content: "Agencies keep reconciling invoices by hand and it eats whole days.",
		}},
	}

	// First attempt hits a transient outage; the retry succeeds.
	client := &scriptedClient{script: []func() (*llm.Response, error){
		func() (*llm.Response, error) { return nil, llm.NewTransientError(errors.New("rate limited")) },
		func() (*llm.Response, error) { return &llm.Response{Content: strongPayload, Model: "gpt-4o-mini"}, nil },
	}}

	a := newInsightAgent(t, st, client, adapter)
	cfg := &store.AgentConfig{Name: InsightName, Model: "gpt-4o-mini", MaxOutputTokens: 800}

	res, err := a.Run(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ItemsProcessed)
	assert.Equal(t, 0, res.ItemsFailed)
	assert.Equal(t, 2, client.attempts)
	assert.Equal(t, 1, res.Metadata["signals_ingested"])
	assert.Equal(t, 1, res.Metadata["insights_published"])

	// High quality auto-approves, which publishes immediately.
	published, err := st.PublishedInsights(ctx)
	require.NoError(t, err)
	require.Len(t, published, 1)
	assert.Equal(t, "Small agencies lose billable hours reconciling invoices by hand.", published[0].ProblemStatement)

	entry, err := st.GetReviewEntry(ctx, review.ContentTypeInsight, published[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.ReviewApproved, entry.Status)
	assert.True(t, entry.AutoApproved)
	require.NotNil(t, entry.QualityScore)
	assert.Greater(t, *entry.QualityScore, 0.85)

	// The source signal is consumed.
	pending, err := st.UnprocessedSignals(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// A second pass re-delivers the same record: dedup absorbs it and no
	// second insight appears.
	res, err = a.Run(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ItemsProcessed)
	assert.Equal(t, 1, res.Metadata["duplicates_skipped"])

	published, err = st.PublishedInsights(ctx)
	require.NoError(t, err)
	assert.Len(t, published, 1)
}

func TestInsightAgent_MediumQualityQueuesWithoutPublishing(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	payload := `{
		"problem_statement": "Freelancers forget to follow up on stale proposals.",
		"proposed_solution": "Follow-up nudges tied to proposal state.",
		"market_size": "small",
		"relevance_score": 0.6,
		"competitors": [],
		"scores": {"novelty": 5, "urgency": 6}
	}`
	client := &scriptedClient{script: []func() (*llm.Response, error){
		func() (*llm.Response, error) { return &llm.Response{Content: payload, Model: "gpt-4o-mini"}, nil },
	}}

	adapter := &staticAdapter{
		source:  "reddit",
		records: []scrape.Record{{URL: "https://reddit.example.com/r/freelance/1", Content: "Proposal follow-ups keep slipping."}},
	}

	a := newInsightAgent(t, st, client, adapter)
	res, err := a.Run(ctx, &store.AgentConfig{Name: InsightName, Model: "gpt-4o-mini"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ItemsProcessed)
	assert.Equal(t, 0, res.Metadata["insights_published"])
	assert.Equal(t, 1, res.Metadata["insights_queued"])

	published, err := st.PublishedInsights(ctx)
	require.NoError(t, err)
	assert.Empty(t, published)
}

func TestInsightAgent_AnalysisFailureLeavesSignalUnprocessed(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	client := &scriptedClient{script: []func() (*llm.Response, error){
		func() (*llm.Response, error) { return nil, llm.NewFatalError(errors.New("invalid api key")) },
	}}

	adapter := &staticAdapter{
		source:  "hackernews",
		records: []scrape.Record{{URL: "https://news.example.com/item/9", Content: "Some signal content."}},
	}

	a := newInsightAgent(t, st, client, adapter)
	res, err := a.Run(ctx, &store.AgentConfig{Name: InsightName, Model: "gpt-4o-mini"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ItemsProcessed)
	assert.Equal(t, 1, res.ItemsFailed)

	// The signal survives for a later pass.
	pending, err := st.UnprocessedSignals(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestSimilarityAgent_RecordsPairs(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	sigA := &store.RawSignal{Source: "hackernews", Content: "a"}
	require.NoError(t, st.CreateSignal(ctx, sigA))
	sigB := &store.RawSignal{Source: "reddit", Content: "b"}
	require.NoError(t, st.CreateSignal(ctx, sigB))

	older := &store.Insight{
		RawSignalID:      sigA.ID,
		ProblemStatement: "Agencies lose billable hours reconciling invoices by hand every month.",
		MarketSize:       store.MarketLarge,
	}
	require.NoError(t, st.CreateInsight(ctx, older))
	require.NoError(t, st.PublishInsight(ctx, older.ID))

	newer := &store.Insight{
		RawSignalID:      sigB.ID,
		ProblemStatement: "Agencies lose billable hours reconciling invoices by hand each month.",
		MarketSize:       store.MarketLarge,
	}
	require.NoError(t, st.CreateInsight(ctx, newer))

	a := NewSimilarityAgent(similarity.NewDetector(st), store.AgentConfig{}, nil)
	cutoff := time.Now().UTC().Add(-time.Hour)
	res, err := a.Run(ctx, &store.AgentConfig{Name: SimilarityName, LastRunAt: &cutoff})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Metadata["pairs_recorded"])

	pairs, err := st.UnresolvedSimilarities(ctx)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Less(t, pairs[0].SourceID, pairs[0].SimilarID)
}
