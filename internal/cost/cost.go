package cost

import (
	"fmt"

	"agentq/internal/db"
)

// Rate is USD per 1M tokens.
type Rate struct {
	Input  float64
	Output float64
}

// Rates are list prices per executor. Unknown executors cost nothing.
var Rates = map[string]Rate{
	"claude": {Input: 3.00, Output: 15.00},
	"codex":  {Input: 3.00, Output: 12.00},
}

// Estimate returns the estimated USD cost of a token count on executor.
func Estimate(executor string, inputTokens, outputTokens int) float64 {
	rate, ok := Rates[executor]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1_000_000*rate.Input + float64(outputTokens)/1_000_000*rate.Output
}

// ForJob estimates what a completed job spent. Jobs without recorded usage
// report zero.
func ForJob(job db.Job) float64 {
	return Estimate(job.Executor, job.InputTokens, job.OutputTokens)
}

// Total sums the estimate over per-executor usage rows.
func Total(usage []db.Usage) float64 {
	var total float64
	for _, u := range usage {
		total += Estimate(u.Executor, u.InputTokens, u.OutputTokens)
	}
	return total
}

func FormatUSD(usd float64) string {
	return fmt.Sprintf("$%.2f", usd)
}

// FormatRate renders an executor's pricing, e.g. "$3.00/$15.00 per 1M tokens".
func FormatRate(executor string) string {
	rate, ok := Rates[executor]
	if !ok {
		return "unknown pricing"
	}
	return fmt.Sprintf("$%.2f/$%.2f per 1M tokens", rate.Input, rate.Output)
}
