package llm

import "strings"

// modelPricing holds per-million-token USD prices. Prices feed the advisory
// daily cost ceiling and the metrics sink; billing accuracy is not a goal.
type modelPricing struct {
	promptUSD     float64
	completionUSD float64
}

var pricing = map[string]modelPricing{
	"gpt-4o":        {promptUSD: 2.50, completionUSD: 10.00},
	"gpt-4o-mini":   {promptUSD: 0.15, completionUSD: 0.60},
	"gpt-4.1":       {promptUSD: 2.00, completionUSD: 8.00},
	"gpt-4.1-mini":  {promptUSD: 0.40, completionUSD: 1.60},
	"o3-mini":       {promptUSD: 1.10, completionUSD: 4.40},
	"deepseek-chat": {promptUSD: 0.27, completionUSD: 1.10},
}

// defaultPricing is used for unknown models, including local endpoints.
var defaultPricing = modelPricing{promptUSD: 0.50, completionUSD: 1.50}

// EstimateCost derives a USD cost estimate for one call.
func EstimateCost(model string, usage TokenUsage) float64 {
	p, ok := pricing[model]
	if !ok {
		// Dated snapshots like "gpt-4o-2024-08-06" share base-model pricing.
		// Longest prefix wins so gpt-4o-mini never resolves as gpt-4o.
		best := ""
		for name, candidate := range pricing {
			if strings.HasPrefix(model, name) && len(name) > len(best) {
				best = name
				p = candidate
				ok = true
			}
		}
	}
	if !ok {
		p = defaultPricing
	}

	return float64(usage.PromptTokens)/1e6*p.promptUSD +
		float64(usage.CompletionTokens)/1e6*p.completionUSD
}
