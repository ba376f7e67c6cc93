package budget

import "unicode/utf8"

// Estimator approximates the token count of a piece of text.
type Estimator interface {
	Estimate(text string) int
}

// CharEstimator assumes a fixed number of characters per token
// (rough: 1 token ≈ 4 chars).
type CharEstimator struct {
	CharsPerToken int
}

// Estimate returns ceil(runes / CharsPerToken).
func (e CharEstimator) Estimate(text string) int {
	per := e.CharsPerToken
	if per <= 0 {
		per = 4
	}
	n := utf8.RuneCountInString(text)
	return (n + per - 1) / per
}

// EstimatorFunc adapts a function to the Estimator interface.
type EstimatorFunc func(string) int

func (f EstimatorFunc) Estimate(text string) int { return f(text) }
