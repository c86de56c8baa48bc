// Package webhook makes externally delivered events safe to process under
// at-least-once delivery. Each event id is handled exactly once; duplicate
// deliveries observe the stored outcome instead of re-running the handler.
package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/scoutline/pipeline/store"
)

// Handler processes one claimed event and returns the result to store
// against its id.
type Handler func(ctx context.Context, event *store.WebhookEvent) ([]byte, error)

// Outcome reports how an event delivery was resolved.
type Outcome struct {
	// Status is the event's terminal (or observed) status.
	Status store.WebhookStatus

	// Result is the stored handler output, if any.
	Result []byte

	// Replayed is true when this delivery did not run the handler and the
	// outcome was read from an earlier delivery's row.
	Replayed bool
}

// Guard deduplicates webhook deliveries by external event id.
type Guard struct {
	store        *store.Store
	logger       *slog.Logger
	pollInterval time.Duration
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		g.logger = logger
	}
}

// WithPollInterval sets how often a duplicate delivery re-checks an event
// still being processed by the first delivery.
func WithPollInterval(d time.Duration) Option {
	return func(g *Guard) {
		g.pollInterval = d
	}
}

// New creates a guard over the store.
func New(st *store.Store, opts ...Option) *Guard {
	g := &Guard{
		store:        st,
		logger:       slog.Default(),
		pollInterval: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Process runs handler for eventID at most once across all concurrent and
// repeated deliveries. Deliveries that lose the claim wait for the winner's
// outcome and return it with Replayed set. A failed handler leaves the row
// failed, and a later delivery of the same id may reclaim and retry it.
func (g *Guard) Process(ctx context.Context, eventID, eventType string, payload []byte, handler Handler) (*Outcome, error) {
	if eventID == "" {
		return nil, fmt.Errorf("event id is required")
	}

	ev, claimed, err := g.store.ClaimWebhookEvent(ctx, eventID, eventType, payload)
	if err != nil {
		return nil, err
	}

	if !claimed {
		return g.observe(ctx, ev)
	}

	g.logger.Debug("webhook event claimed", "event_id", eventID, "event_type", eventType)

	result, handlerErr := handler(ctx, ev)
	if handlerErr != nil {
		if err := g.store.FailWebhookEvent(ctx, eventID, handlerErr); err != nil {
			g.logger.Error("webhook failure record failed", "event_id", eventID, "error", err)
		}
		g.logger.Warn("webhook handler failed", "event_id", eventID, "error", handlerErr)
		return &Outcome{Status: store.WebhookFailed}, handlerErr
	}

	if err := g.store.CompleteWebhookEvent(ctx, eventID, result); err != nil {
		return nil, fmt.Errorf("complete webhook event: %w", err)
	}
	return &Outcome{Status: store.WebhookCompleted, Result: result}, nil
}

// observe waits for another delivery's in-flight processing to reach a
// terminal state, then replays its outcome.
func (g *Guard) observe(ctx context.Context, ev *store.WebhookEvent) (*Outcome, error) {
	for {
		switch ev.Status {
		case store.WebhookCompleted:
			g.logger.Debug("webhook event replayed", "event_id", ev.EventID)
			return &Outcome{Status: store.WebhookCompleted, Result: ev.Result, Replayed: true}, nil
		case store.WebhookFailed:
			// The processing delivery failed after we lost the claim. The
			// row stays failed; the caller's retry delivery will reclaim it.
			return &Outcome{Status: store.WebhookFailed, Replayed: true},
				fmt.Errorf("webhook event %s failed: %s", ev.EventID, ev.Error)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(g.pollInterval):
		}

		refreshed, err := g.store.GetWebhookEvent(ctx, ev.EventID)
		if err != nil {
			return nil, err
		}
		ev = refreshed
	}
}
