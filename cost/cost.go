// Package cost turns a backend's declared per-request price into the
// router's cost-efficiency score and estimated-cost figures (spec.md
// §4.4), the same lookup-table-plus-formula shape the teacher's cost
// package uses for per-token model pricing, adapted from token counts to
// request complexity and submitter tier.
package cost

import "github.com/docuscale/scheduler/domain"

// complexityMultiplier scales a backend's declared cost per request by
// how much work the request is expected to need.
var complexityMultiplier = map[domain.Complexity]float64{
	domain.ComplexitySimple:      0.8,
	domain.ComplexityModerate:    1.0,
	domain.ComplexityComplex:     1.5,
	domain.ComplexityVeryComplex: 2.0,
}

// tierDiscount applies the submitter's negotiated rate.
var tierDiscount = map[domain.Tier]float64{
	domain.TierFree:       1.0,
	domain.TierPremium:    0.8,
	domain.TierEnterprise: 0.6,
}

// Estimate returns the estimated cost of running req against a backend
// whose declared per-request cost is costPerRequest (spec.md §4.4:
// "estimated cost = declared_cost × complexity-multiplier × tier-discount").
func Estimate(costPerRequest float64, complexity domain.Complexity, tier domain.Tier) float64 {
	return costPerRequest * complexityMultiplier[complexity] * tierDiscount[tier]
}

// Efficiency returns the router's cost-efficiency score component: the
// cheaper a backend's declared cost per request, the higher the score,
// capped at 20 (spec.md §4.4).
func Efficiency(costPerRequest float64) float64 {
	if costPerRequest <= 0 {
		return 20
	}
	score := (1 / costPerRequest) * 2
	if score > 20 {
		return 20
	}
	return score
}
