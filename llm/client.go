// Package llm provides the generation-service client used by the analysis
// pipeline. It speaks any OpenAI-compatible endpoint and classifies failures
// as transient (retryable) or fatal so callers can apply retry policy.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/scoutline/pipeline/metrics"
)

// Message represents a chat message.
type Message struct {
	Role    string // "system", "user", or "assistant"
	Content string
}

// Request defines a structured-output completion request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int

	// JSONOutput asks the endpoint for a JSON object response.
	JSONOutput bool
}

// TokenUsage represents token consumption for one call.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response contains the completion result.
type Response struct {
	Content      string
	Model        string
	Usage        TokenUsage
	FinishReason string
}

// Client is the generation-service contract the invoker consumes. Failures
// surface as errors distinguishable via IsTransient/IsFatal.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Config holds connection settings for the OpenAI-compatible endpoint.
type Config struct {
	BaseURL string
	APIKey  string
}

// OpenAIClient implements Client over an OpenAI-compatible API.
type OpenAIClient struct {
	api    *openai.Client
	sink   metrics.Sink
	logger *slog.Logger
}

// ClientOption configures an OpenAIClient.
type ClientOption func(*OpenAIClient)

// WithSink sets the telemetry sink.
func WithSink(sink metrics.Sink) ClientOption {
	return func(c *OpenAIClient) {
		c.sink = sink
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *OpenAIClient) {
		c.logger = logger
	}
}

// NewOpenAIClient creates a client for the configured endpoint. A missing API
// key is a ConfigurationError: fatal, no retry.
func NewOpenAIClient(cfg Config, opts ...ClientOption) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, &ConfigurationError{Field: "llm.api_key"}
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}

	c := &OpenAIClient{
		api:    openai.NewClientWithConfig(apiCfg),
		sink:   metrics.Nop{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Complete sends one completion request. Telemetry is emitted for every
// attempt, successful or not; emission never blocks or fails the call.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Model == "" {
		return nil, NewFatalError(fmt.Errorf("model is required"))
	}
	if len(req.Messages) == 0 {
		return nil, NewFatalError(fmt.Errorf("at least one message is required"))
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	apiReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	}
	if req.JSONOutput {
		apiReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	start := time.Now()
	apiResp, err := c.api.CreateChatCompletion(ctx, apiReq)
	elapsed := time.Since(start)

	if err != nil {
		c.sink.ObserveLLMCall(metrics.LLMCall{
			Model:    req.Model,
			Duration: elapsed,
			Success:  false,
		})
		return nil, classifyError(err)
	}

	if len(apiResp.Choices) == 0 {
		c.sink.ObserveLLMCall(metrics.LLMCall{
			Model:    apiResp.Model,
			Duration: elapsed,
			Success:  false,
		})
		return nil, NewTransientError(fmt.Errorf("empty completion response"))
	}

	usage := TokenUsage{
		PromptTokens:     apiResp.Usage.PromptTokens,
		CompletionTokens: apiResp.Usage.CompletionTokens,
		TotalTokens:      apiResp.Usage.TotalTokens,
	}
	c.sink.ObserveLLMCall(metrics.LLMCall{
		Model:            apiResp.Model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		Duration:         elapsed,
		Success:          true,
		CostUSD:          EstimateCost(apiResp.Model, usage),
	})

	choice := apiResp.Choices[0]
	return &Response{
		Content:      choice.Message.Content,
		Model:        apiResp.Model,
		Usage:        usage,
		FinishReason: string(choice.FinishReason),
	}, nil
}

// classifyError maps API errors to the transient/fatal taxonomy. Rate limits
// and server errors are transient; auth and malformed requests are fatal.
func classifyError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return NewTransientError(err)
		case apiErr.HTTPStatusCode >= 500:
			return NewTransientError(err)
		case apiErr.HTTPStatusCode == http.StatusUnauthorized,
			apiErr.HTTPStatusCode == http.StatusForbidden:
			return NewFatalError(err)
		case apiErr.HTTPStatusCode == http.StatusBadRequest:
			return NewFatalError(err)
		default:
			return NewFatalError(err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// Attempt timeouts are retryable; the caller's outer context decides
		// whether to keep going.
		return NewTransientError(err)
	}

	// Network-level failures are transient.
	return NewTransientError(err)
}
