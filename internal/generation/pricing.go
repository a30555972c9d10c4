package generation

// charsPerToken approximates tokenizer output for cost estimates.
const charsPerToken = 4

// Pricing converts token usage into dollars.
type Pricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Cost returns the dollar cost of usage.
func (p Pricing) Cost(u TokenUsage) float64 {
	return float64(u.Input)/1000*p.InputPer1K + float64(u.Output)/1000*p.OutputPer1K
}

// Estimate returns an upper-bound cost for req before it runs, assuming the
// full output allowance is used.
func (p Pricing) Estimate(req Request) float64 {
	return p.Cost(TokenUsage{
		Input:  EstimateTokens(req),
		Output: int64(req.MaxOutputTokens),
	})
}

// EstimateTokens approximates the input tokens of req.
func EstimateTokens(req Request) int64 {
	chars := len(req.System) + len(req.Prompt)
	for _, m := range req.History {
		chars += len(m.Content)
	}
	return int64((chars + charsPerToken - 1) / charsPerToken)
}
