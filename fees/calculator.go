// Package fees prices a licensing request. The deterministic calculator is
// the source of truth; an advisory oracle may propose an alternative amount
// but the policy always falls back to the calculator when the oracle is
// unreachable or returns nonsense.
package fees

import (
	"github.com/shopspring/decimal"

	"github.com/samplesafe/clearance/types"
)

var (
	two          = decimal.NewFromInt(2)
	three        = decimal.NewFromInt(3)
	onePointFive = decimal.RequireFromString("1.5")
	half         = decimal.RequireFromString("0.5")
	thirty       = decimal.NewFromInt(30)
)

// Calculator computes deterministic license fees. It performs no I/O.
type Calculator struct {
	baseFee decimal.Decimal
}

// NewCalculator returns a calculator with the given base fee.
func NewCalculator(baseFee decimal.Decimal) *Calculator {
	return &Calculator{baseFee: baseFee}
}

// Calculate prices a sample license from its terms, using base as the base
// fee. The result is base x usage multiplier x territory multiplier x
// duration multiplier, rounded to whole dollars.
func Calculate(durationSeconds float64, usage types.UsageCategory, territory types.Territory, base decimal.Decimal) decimal.Decimal {
	amount := base.
		Mul(usageMultiplier(usage)).
		Mul(territoryMultiplier(territory)).
		Mul(durationMultiplier(durationSeconds))
	return amount.Round(0)
}

// Calculate prices license terms with the calculator's configured base fee.
func (c *Calculator) Calculate(terms types.LicenseTerms) decimal.Decimal {
	return Calculate(terms.DurationSeconds, terms.Usage, terms.Territory, c.baseFee)
}

func usageMultiplier(usage types.UsageCategory) decimal.Decimal {
	switch usage {
	case types.UsageCommercial:
		return two
	case types.UsageStreaming:
		return onePointFive
	case types.UsageSync:
		return three
	default:
		return decimal.NewFromInt(1)
	}
}

func territoryMultiplier(territory types.Territory) decimal.Decimal {
	switch territory {
	case types.TerritoryWorldwide:
		return two
	case types.TerritoryContinental, types.TerritoryRegional:
		return onePointFive
	default:
		return decimal.NewFromInt(1)
	}
}

// durationMultiplier scales per 30 seconds of sampled audio, floored at 0.5
// so very short samples are not underpriced to nothing.
func durationMultiplier(durationSeconds float64) decimal.Decimal {
	m := decimal.NewFromFloat(durationSeconds).Div(thirty)
	if m.LessThan(half) {
		return half
	}
	return m
}
