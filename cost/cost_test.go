package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/docuscale/scheduler/domain"
)

func TestEstimateAppliesComplexityAndTier(t *testing.T) {
	got := Estimate(1.0, domain.ComplexityVeryComplex, domain.TierEnterprise)
	assert.InDelta(t, 1.2, got, 1e-9) // 1.0 * 2.0 * 0.6
}

func TestEfficiencyCapsAtTwenty(t *testing.T) {
	assert.Equal(t, 20.0, Efficiency(0.01))
}

func TestEfficiencyHandlesZeroCost(t *testing.T) {
	assert.Equal(t, 20.0, Efficiency(0))
}

func TestEfficiencyScalesInverselyWithCost(t *testing.T) {
	assert.InDelta(t, 2.0, Efficiency(1.0), 1e-9)
}
