package router

import (
	"math"

	"github.com/agentplane/agentplane/core/requestplane"
)

// defaultTemperature is the calibration applied when a tenant carries none
const defaultTemperature = 1.0

// classifier scores the three tiers from the feature vector and calibrates
// the scores with per-tenant temperature softmax. Pure function of its
// inputs: the same features and temperature always yield the same tier.
type classifier struct{}

// classify returns the argmax tier and its calibrated probability
func (c *classifier) classify(f *requestplane.Features, temperature float64) (requestplane.Tier, float64) {
	if temperature <= 0 {
		temperature = defaultTemperature
	}

	logits := c.logits(f)
	probs := softmax(logits, temperature)

	best := 0
	for i := 1; i < len(probs); i++ {
		if probs[i] > probs[best] {
			best = i
		}
	}

	return requestplane.Tiers[best], probs[best]
}

// logits computes the raw per-tier scores. Tier A wins on small, strict,
// familiar requests; Tier C on complex, novel or failure-prone ones; Tier B
// holds the middle ground.
func (c *classifier) logits(f *requestplane.Features) [3]float64 {
	return [3]float64{
		1.5 - 3.5*f.Complexity - 1.0*f.Novelty - 2.0*f.HistoricalFailureRate + 0.5*f.SchemaStrictness,
		1.0 - 2.0*math.Abs(f.Complexity-0.5) - 0.5*f.HistoricalFailureRate,
		3.0*f.Complexity + 1.5*f.Novelty + 2.0*f.HistoricalFailureRate - 1.5,
	}
}

// softmax applies temperature scaling: s' = softmax(logit / T)
func softmax(logits [3]float64, temperature float64) [3]float64 {
	var scaled [3]float64
	maxLogit := math.Inf(-1)
	for i, l := range logits {
		scaled[i] = l / temperature
		if scaled[i] > maxLogit {
			maxLogit = scaled[i]
		}
	}

	var sum float64
	var out [3]float64
	for i := range scaled {
		out[i] = math.Exp(scaled[i] - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
