// Package analysis turns raw scraped signals into structured, scored
// insights by invoking a structured-output generation service with bounded
// retry and backoff.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/scoutline/pipeline/llm"
	"github.com/scoutline/pipeline/store"
)

// maxAnalysisChars limits signal content sent for analysis. ~4000 chars is
// roughly 1000 tokens, enough context for classification without blowing the
// context window on long scraped pages.
const maxAnalysisChars = 4000

// maxCompetitors bounds the competitor list on an insight.
const maxCompetitors = 3

// GenerationParams select the model settings for one analyze call, typically
// taken from the owning agent's configuration.
type GenerationParams struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Invoker wraps the generation service with retry/backoff and output
// validation.
type Invoker struct {
	client llm.Client
	policy RetryPolicy
	logger *slog.Logger
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(inv *Invoker) {
		inv.policy = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(inv *Invoker) {
		inv.logger = logger
	}
}

// NewInvoker creates an analysis invoker over the given generation client.
func NewInvoker(client llm.Client, opts ...Option) *Invoker {
	inv := &Invoker{
		client: client,
		policy: DefaultRetryPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Analyze derives an insight from one raw signal. It retries transient and
// validation failures up to the policy's attempt budget, then returns the
// final failure unmodified so callers can distinguish exhaustion causes. The
// returned insight satisfies the field-range invariants: relevance in [0,1],
// every dimension score in [1,10], at most three competitors.
func (inv *Invoker) Analyze(ctx context.Context, sig *store.RawSignal, params GenerationParams) (*store.Insight, error) {
	bo := inv.policy.newBackOff()
	var lastErr error

	for attempt := 1; attempt <= inv.policy.MaxAttempts; attempt++ {
		insight, err := inv.attempt(ctx, sig, params)
		if err == nil {
			return insight, nil
		}
		lastErr = err

		if !inv.policy.Retryable(err) {
			return nil, err
		}
		if attempt == inv.policy.MaxAttempts {
			break
		}

		wait := bo.NextBackOff()
		inv.logger.Debug("analysis attempt failed, retrying",
			"signal_id", sig.ID,
			"attempt", attempt,
			"max_attempts", inv.policy.MaxAttempts,
			"backoff", wait,
			"error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	return nil, lastErr
}

// attempt performs a single bounded generation call.
func (inv *Invoker) attempt(ctx context.Context, sig *store.RawSignal, params GenerationParams) (*store.Insight, error) {
	attemptCtx := ctx
	if inv.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, inv.policy.AttemptTimeout)
		defer cancel()
	}

	content := truncateForAnalysis(sig.Content, maxAnalysisChars)
	resp, err := inv.client.Complete(attemptCtx, llm.Request{
		Model:       params.Model,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
		JSONOutput:  true,
		Messages: []llm.Message{
			{Role: "system", Content: analysisSystemPrompt},
			{Role: "user", Content: fmt.Sprintf(analysisUserPrompt, sig.Source, sig.URL, content)},
		},
	})
	if err != nil {
		return nil, err
	}

	insight, err := parseInsight(resp.Content)
	if err != nil {
		return nil, err
	}
	insight.RawSignalID = sig.ID
	return insight, nil
}

// insightPayload is the generation service's structured output.
type insightPayload struct {
	ProblemStatement string         `json:"problem_statement"`
	ProposedSolution string         `json:"proposed_solution"`
	MarketSize       string         `json:"market_size"`
	RelevanceScore   float64        `json:"relevance_score"`
	Competitors      []string       `json:"competitors"`
	Scores           map[string]int `json:"scores"`
}

// parseInsight extracts and validates the structured insight from a
// generation response. Any violation of the field-range invariants is a
// ValidationError and consumes a retry.
func parseInsight(content string) (*store.Insight, error) {
	jsonStr := extractJSON(content)
	if jsonStr == "" {
		return nil, &ValidationError{Reason: "no JSON found in response"}
	}

	var payload insightPayload
	if err := json.Unmarshal([]byte(jsonStr), &payload); err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}

	if strings.TrimSpace(payload.ProblemStatement) == "" {
		return nil, &ValidationError{Reason: "empty problem_statement"}
	}
	marketSize := store.MarketSize(payload.MarketSize)
	if !marketSize.Valid() {
		return nil, &ValidationError{Reason: fmt.Sprintf("invalid market_size %q", payload.MarketSize)}
	}
	if payload.RelevanceScore < 0 || payload.RelevanceScore > 1 {
		return nil, &ValidationError{Reason: fmt.Sprintf("relevance_score %v out of [0,1]", payload.RelevanceScore)}
	}
	for dim, score := range payload.Scores {
		if score < 1 || score > 10 {
			return nil, &ValidationError{Reason: fmt.Sprintf("score %s=%d out of [1,10]", dim, score)}
		}
	}

	competitors := payload.Competitors
	if len(competitors) > maxCompetitors {
		competitors = competitors[:maxCompetitors]
	}

	return &store.Insight{
		ProblemStatement: payload.ProblemStatement,
		ProposedSolution: payload.ProposedSolution,
		MarketSize:       marketSize,
		RelevanceScore:   payload.RelevanceScore,
		Competitors:      store.StringList(competitors),
		Scores:           store.ScoreMap(payload.Scores),
	}, nil
}

// truncateForAnalysis truncates content for the generation call, preferring a
// paragraph boundary.
func truncateForAnalysis(content string, maxChars int) string {
	if len(content) <= maxChars {
		return content
	}

	truncated := content[:maxChars]
	lastPara := strings.LastIndex(truncated, "\n\n")
	if lastPara > maxChars/2 {
		return truncated[:lastPara] + "\n\n[Content truncated for analysis...]"
	}
	return truncated + "\n\n[Content truncated for analysis...]"
}

// extractJSON extracts JSON from a response that may include markdown
// formatting.
func extractJSON(content string) string {
	codeBlockPattern := regexp.MustCompile("```(?:json)?\\s*\\n?([\\s\\S]*?)\\n?```")
	if matches := codeBlockPattern.FindStringSubmatch(content); len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}

	// Fall back to the first decodable JSON object; a Decoder handles braces
	// inside strings correctly.
	start := strings.Index(content, "{")
	if start == -1 {
		return ""
	}
	decoder := json.NewDecoder(strings.NewReader(content[start:]))
	var raw json.RawMessage
	if err := decoder.Decode(&raw); err == nil {
		return string(raw)
	}
	return ""
}
