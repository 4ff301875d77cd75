package services

// ModelRates holds USD prices per million tokens for each token type.
type ModelRates struct {
	Input      float64
	Output     float64
	CacheRead  float64
	CacheWrite float64
}

var modelRates = map[string]ModelRates{
	"claude-3-5-haiku-latest":  {Input: 0.80, Output: 4.00, CacheRead: 0.08, CacheWrite: 1.00},
	"claude-sonnet-4-20250514": {Input: 3.00, Output: 15.00, CacheRead: 0.30, CacheWrite: 3.75},
}

// Unknown models are billed at the most expensive known rates so estimates
// err on the high side.
var fallbackRates = ModelRates{Input: 3.00, Output: 15.00, CacheRead: 0.30, CacheWrite: 3.75}

// EstimateCost computes the monetary cost of one call at current rates. The
// result is stored on the usage row at write time so history does not shift
// when rates change.
func EstimateCost(model string, usage TokenUsage) float64 {
	rates, ok := modelRates[model]
	if !ok {
		rates = fallbackRates
	}
	const million = 1_000_000.0
	return float64(usage.InputTokens)/million*rates.Input +
		float64(usage.OutputTokens)/million*rates.Output +
		float64(usage.CacheReadTokens)/million*rates.CacheRead +
		float64(usage.CacheCreationTokens)/million*rates.CacheWrite
}
