package metrics

import (
	"sync"
	"time"
)

// CostMeter wraps a Sink and keeps a running total of estimated generation
// cost, so callers can attribute spend to a window of work by reading the
// total before and after.
type CostMeter struct {
	inner Sink

	mu    sync.Mutex
	total float64
}

// NewCostMeter wraps inner.
func NewCostMeter(inner Sink) *CostMeter {
	if inner == nil {
		inner = Nop{}
	}
	return &CostMeter{inner: inner}
}

// TotalUSD returns the accumulated estimated cost.
func (m *CostMeter) TotalUSD() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

func (m *CostMeter) ObserveLLMCall(call LLMCall) {
	m.mu.Lock()
	m.total += call.CostUSD
	m.mu.Unlock()
	m.inner.ObserveLLMCall(call)
}

func (m *CostMeter) SignalIngested(source string) { m.inner.SignalIngested(source) }

func (m *CostMeter) DuplicateSkipped(source string) { m.inner.DuplicateSkipped(source) }

func (m *CostMeter) RunFinished(agent, status string, d time.Duration) {
	m.inner.RunFinished(agent, status, d)
}
