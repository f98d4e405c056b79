package recon

import (
	"github.com/shopspring/decimal"

	"github.com/fleetops/costrecon/internal/domain"
)

// epsilon guards the percentage division when the recorded amount is
// zero or near-zero.
var epsilon = decimal.RequireFromString("0.01")

// unmatchedPct is the percentage delta reported for lines with no
// internal record at all.
var unmatchedPct = decimal.NewFromInt(1)

// Tolerance holds the thresholds the calculator classifies against.
// The multipliers bound the minor/significant/critical bands and default
// to 2x and 5x; all values are business-rule configuration, not constants.
type Tolerance struct {
	Abs       decimal.Decimal
	Pct       decimal.Decimal
	MinorX    decimal.Decimal
	CriticalX decimal.Decimal
}

// NewTolerance builds a Tolerance with the default class multipliers.
func NewTolerance(abs, pct decimal.Decimal) Tolerance {
	return Tolerance{
		Abs:       abs,
		Pct:       pct,
		MinorX:    decimal.NewFromInt(2),
		CriticalX: decimal.NewFromInt(5),
	}
}

// Outcome is the result of classifying one invoice line against its
// matched internal cost total.
type Outcome struct {
	AbsoluteDelta decimal.Decimal
	PercentDelta  decimal.Decimal
	Severity      domain.Severity
	Unmatched     bool
}

// Classify compares an invoiced amount against the matched recorded
// total. A nil recorded amount means no internal record was found, which
// is itself a critical discrepancy. Pure and deterministic: identical
// inputs always produce identical outcomes, which is what makes re-runs
// idempotent.
func Classify(invoiced decimal.Decimal, recorded *decimal.Decimal, tol Tolerance) Outcome {
	if recorded == nil {
		return Outcome{
			AbsoluteDelta: invoiced.Abs(),
			PercentDelta:  unmatchedPct,
			Severity:      domain.SeverityCritical,
			Unmatched:     true,
		}
	}

	absDelta := invoiced.Sub(*recorded).Abs()

	base := recorded.Abs()
	if base.LessThan(epsilon) {
		base = epsilon
	}
	pctDelta := absDelta.Div(base)

	out := Outcome{AbsoluteDelta: absDelta, PercentDelta: pctDelta}

	// One side zero while the other is materially positive is critical
	// regardless of the tolerance bands.
	if zeroVsMaterial(invoiced, *recorded, tol.Abs) {
		out.Severity = domain.SeverityCritical
		return out
	}

	withinAbs := absDelta.LessThanOrEqual(tol.Abs)
	withinPct := pctDelta.LessThanOrEqual(tol.Pct)
	if withinAbs && withinPct {
		out.Severity = domain.SeverityNone
		return out
	}

	// The worse of the two exceed ratios decides the class.
	ratio := maxDecimal(exceedRatio(absDelta, tol.Abs), exceedRatio(pctDelta, tol.Pct))
	switch {
	case ratio.GreaterThan(tol.CriticalX):
		out.Severity = domain.SeverityCritical
	case ratio.GreaterThanOrEqual(tol.MinorX):
		out.Severity = domain.SeveritySignificant
	default:
		out.Severity = domain.SeverityMinor
	}
	return out
}

func zeroVsMaterial(invoiced, recorded, tolAbs decimal.Decimal) bool {
	if invoiced.IsZero() && recorded.GreaterThan(tolAbs) {
		return true
	}
	if recorded.IsZero() && invoiced.GreaterThan(tolAbs) {
		return true
	}
	return false
}

// exceedRatio returns how many times the delta exceeds the tolerance.
// A zero tolerance with a nonzero delta is treated as unbounded.
func exceedRatio(delta, tol decimal.Decimal) decimal.Decimal {
	if tol.IsPositive() {
		return delta.Div(tol)
	}
	if delta.IsZero() {
		return decimal.Zero
	}
	return decimal.NewFromInt(1 << 30)
}

func maxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// SumCostRecords totals the internal cost records that share one
// (tenant, period, category) group. Multiple records matching a single
// invoice line are summed before comparison; multiple lines matching one
// record each compare independently against the shared total, a known
// over-reporting risk that is surfaced rather than resolved.
func SumCostRecords(records []domain.InternalCostRecord) decimal.Decimal {
	total := decimal.Zero
	for _, r := range records {
		total = total.Add(r.Amount)
	}
	return total
}
