package analysis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoutline/pipeline/llm"
	"github.com/scoutline/pipeline/store"
)

const validPayload = `{
	"problem_statement": "Indie founders cannot track competitor pricing changes.",
	"proposed_solution": "A price-monitoring digest for niche SaaS markets.",
	"market_size": "medium",
	"relevance_score": 0.78,
	"competitors": ["Visualping", "Pricefy"],
	"scores": {"novelty": 6, "urgency": 7, "feasibility": 8}
}`

// scriptedClient returns canned responses/errors in order and records the
// number of attempts it served.
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

func ok(content string) func() (*llm.Response, error) {
	return func() (*llm.Response, error) {
		return &llm.Response{Content: content, Model: "gpt-4o-mini"}, nil
	}
}

func fail(err error) func() (*llm.Response, error) {
	return func() (*llm.Response, error) { return nil, err }
}

// fastPolicy keeps retries but makes backoff negligible for tests.
func fastPolicy() RetryPolicy {
	p := DefaultRetryPolicy()
	p.InitialBackoff = time.Millisecond
	p.MaxBackoff = 2 * time.Millisecond
	return p
}

func testSignal() *store.RawSignal {
	return &store.RawSignal{ID: 42, Source: "hackernews", URL: "https://example.com/post", Content: "Founders complain about pricing opacity."}
}

func params() GenerationParams {
	return GenerationParams{Model: "gpt-4o-mini", Temperature: 0.3, MaxTokens: 1024}
}

func TestAnalyze_SucceedsAfterTransientFailures(t *testing.T) {
	client := &scriptedClient{script: []func() (*llm.Response, error){
		fail(llm.NewTransientError(errors.New("rate limited"))),
		fail(llm.NewTransientError(errors.New("gateway timeout"))),
		ok(validPayload),
	}}
	inv := NewInvoker(client, WithRetryPolicy(fastPolicy()))

	insight, err := inv.Analyze(context.Background(), testSignal(), params())
	require.NoError(t, err)
	assert.Equal(t, 3, client.attempts, "two failures then success is exactly 3 attempts")

	assert.Equal(t, uint(42), insight.RawSignalID)
	assert.Equal(t, store.MarketMedium, insight.MarketSize)
	assert.InDelta(t, 0.78, insight.RelevanceScore, 1e-9)
	assert.Len(t, insight.Competitors, 2)
	assert.Equal(t, 7, insight.Scores["urgency"])
}

func TestAnalyze_ExhaustionReturnsLastErrorUnmodified(t *testing.T) {
	finalErr := llm.NewTransientError(errors.New("still down"))
	client := &scriptedClient{script: []func() (*llm.Response, error){
		fail(llm.NewTransientError(errors.New("first"))),
		fail(llm.NewTransientError(errors.New("second"))),
		fail(finalErr),
	}}
	inv := NewInvoker(client, WithRetryPolicy(fastPolicy()))

	_, err := inv.Analyze(context.Background(), testSignal(), params())
	require.Error(t, err)
	assert.Equal(t, 3, client.attempts)
	assert.Same(t, finalErr, err, "the final underlying error is re-raised unmodified")
}

func TestAnalyze_FatalErrorNotRetried(t *testing.T) {
	client := &scriptedClient{script: []func() (*llm.Response, error){
		fail(llm.NewFatalError(errors.New("invalid api key"))),
	}}
	inv := NewInvoker(client, WithRetryPolicy(fastPolicy()))

	_, err := inv.Analyze(context.Background(), testSignal(), params())
	require.Error(t, err)
	assert.Equal(t, 1, client.attempts, "fatal errors fail on the first attempt")
	assert.True(t, llm.IsFatal(err))
}

func TestAnalyze_OutOfRangeOutputRetried(t *testing.T) {
	outOfRange := `{"problem_statement": "p", "proposed_solution": "s", "market_size": "large", "relevance_score": 1.4, "competitors": [], "scores": {}}`
	client := &scriptedClient{script: []func() (*llm.Response, error){
		ok(outOfRange),
		ok(validPayload),
	}}
	inv := NewInvoker(client, WithRetryPolicy(fastPolicy()))

	insight, err := inv.Analyze(context.Background(), testSignal(), params())
	require.NoError(t, err)
	assert.Equal(t, 2, client.attempts, "a valid-but-out-of-range response consumes a retry")
	assert.Equal(t, store.MarketMedium, insight.MarketSize)
}

func TestAnalyze_MalformedOutputExhaustsBudget(t *testing.T) {
	client := &scriptedClient{script: []func() (*llm.Response, error){
		ok("I could not produce JSON, sorry."),
	}}
	inv := NewInvoker(client, WithRetryPolicy(fastPolicy()))

	_, err := inv.Analyze(context.Background(), testSignal(), params())
	require.Error(t, err)
	assert.Equal(t, 3, client.attempts)
	assert.True(t, IsValidation(err))
}

func TestParseInsight(t *testing.T) {
	t.Run("markdown code block", func(t *testing.T) {
		insight, err := parseInsight("Here you go:\n```json\n" + validPayload + "\n```")
		require.NoError(t, err)
		assert.Equal(t, store.MarketMedium, insight.MarketSize)
	})

	t.Run("competitor list clamped to three", func(t *testing.T) {
		payload := `{"problem_statement": "p", "proposed_solution": "s", "market_size": "small", "relevance_score": 0.5, "competitors": ["a","b","c","d","e"], "scores": {"novelty": 5}}`
		insight, err := parseInsight(payload)
		require.NoError(t, err)
		assert.Len(t, insight.Competitors, 3)
	})

	t.Run("dimension score out of range", func(t *testing.T) {
		payload := `{"problem_statement": "p", "proposed_solution": "s", "market_size": "small", "relevance_score": 0.5, "competitors": [], "scores": {"novelty": 11}}`
		_, err := parseInsight(payload)
		assert.True(t, IsValidation(err))
	})

	t.Run("unknown market size", func(t *testing.T) {
		payload := `{"problem_statement": "p", "proposed_solution": "s", "market_size": "huge", "relevance_score": 0.5, "competitors": [], "scores": {}}`
		_, err := parseInsight(payload)
		assert.True(t, IsValidation(err))
	})
}

func TestTruncateForAnalysis(t *testing.T) {
	long := ""
	for i := 0; i < 300; i++ {
		long += "paragraph text here\n\n"
	}
	truncated := truncateForAnalysis(long, maxAnalysisChars)
	assert.LessOrEqual(t, len(truncated), maxAnalysisChars+len("\n\n[Content truncated for analysis...]"))
	assert.Contains(t, truncated, "[Content truncated for analysis...]")

	short := "short signal"
	assert.Equal(t, short, truncateForAnalysis(short, maxAnalysisChars))
}
