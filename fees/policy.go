package fees

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/samplesafe/clearance/types"
)

// Oracle is the advisory fee estimator boundary. Implementations are
// expected to be flaky: any error or out-of-range answer is absorbed by the
// policy, never surfaced to invoice creation.
type Oracle interface {
	EstimateFee(ctx context.Context, durationSeconds float64, usage types.UsageCategory, territory types.Territory, popularityScore float64) (decimal.Decimal, error)
}

// Mode selects how an oracle quote is combined with the deterministic one.
type Mode string

const (
	ModeCalculator Mode = "calculator" // ignore the oracle entirely
	ModeOracle     Mode = "oracle"     // take the oracle quote when sane
	ModeAverage    Mode = "average"    // average oracle and calculator
)

// oracleCapFactor rejects oracle quotes more than 100x the deterministic
// quote as out-of-range.
var oracleCapFactor = decimal.NewFromInt(100)

// Policy implements "oracle proposes, ledger disposes": the deterministic
// calculator always runs, the oracle may adjust, and the configured minimum
// fee is the floor of every quote.
type Policy struct {
	calc   *Calculator
	oracle Oracle
	mode   Mode
	minFee decimal.Decimal
	log    Logger
}

// Logger is the subset of the logger the policy reports oracle fallbacks on.
type Logger interface {
	Warn(msg string, fields map[string]any)
}

// NewPolicy builds a fee policy. oracle may be nil, in which case the
// deterministic calculator alone prices every request.
func NewPolicy(calc *Calculator, oracle Oracle, mode Mode, minFee decimal.Decimal, log Logger) *Policy {
	if mode == "" {
		mode = ModeCalculator
	}
	return &Policy{calc: calc, oracle: oracle, mode: mode, minFee: minFee, log: log}
}

// Quote prices license terms. popularityScore (0-10) is forwarded to the
// oracle only; the deterministic quote does not depend on it.
func (p *Policy) Quote(ctx context.Context, terms types.LicenseTerms, popularityScore float64) decimal.Decimal {
	deterministic := p.calc.Calculate(terms)

	if p.oracle == nil || p.mode == ModeCalculator {
		return p.floor(deterministic)
	}

	proposed, err := p.oracle.EstimateFee(ctx, terms.DurationSeconds, terms.Usage, terms.Territory, popularityScore)
	if err != nil {
		if p.log != nil {
			p.log.Warn("fee oracle unreachable, using deterministic quote", map[string]any{
				"error": err.Error(),
			})
		}
		return p.floor(deterministic)
	}

	if !saneQuote(proposed, deterministic) {
		if p.log != nil {
			p.log.Warn("fee oracle quote out of range, using deterministic quote", map[string]any{
				"proposed":      proposed.String(),
				"deterministic": deterministic.String(),
			})
		}
		return p.floor(deterministic)
	}

	switch p.mode {
	case ModeOracle:
		return p.floor(proposed.Round(0))
	case ModeAverage:
		return p.floor(proposed.Add(deterministic).Div(decimal.NewFromInt(2)).Round(0))
	default:
		return p.floor(deterministic)
	}
}

func (p *Policy) floor(amount decimal.Decimal) decimal.Decimal {
	if amount.LessThan(p.minFee) {
		return p.minFee
	}
	return amount
}

func saneQuote(proposed, deterministic decimal.Decimal) bool {
	if !proposed.IsPositive() {
		return false
	}
	return proposed.LessThanOrEqual(deterministic.Mul(oracleCapFactor))
}
