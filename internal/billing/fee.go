package billing

import (
	"math"

	"github.com/parkwind/parkwind/internal/parks"
)

// FeeResult is the outcome of a fee computation.
type FeeResult struct {
	FeeNet    float64 `json:"feeNet"`
	TaxAmount float64 `json:"taxAmount"`
	FeeGross  float64 `json:"feeGross"`
}

// ComputeFee derives net fee, tax and gross fee from a base revenue and a fee
// percentage. Amounts are rounded to cents.
func ComputeFee(baseRevenue, feePercent, taxRate float64) FeeResult {
	feeNet := round2(baseRevenue * feePercent / 100)
	taxAmount := round2(feeNet * taxRate)
	return FeeResult{
		FeeNet:    feeNet,
		TaxAmount: taxAmount,
		FeeGross:  round2(feeNet + taxAmount),
	}
}

// SplitByFund distributes a net fee across funds proportionally to their
// revenue share of the base. The last fund absorbs the rounding remainder so
// the amounts always sum back to the net fee. A non-positive base yields an
// empty breakdown.
func SplitByFund(funds []parks.FundRevenue, baseRevenue, feeNet float64) []FundFee {
	if baseRevenue <= 0 || len(funds) == 0 {
		return nil
	}
	out := make([]FundFee, 0, len(funds))
	var allocated float64
	for i, f := range funds {
		share := f.Revenue / baseRevenue
		amount := round2(feeNet * share)
		if i == len(funds)-1 {
			amount = round2(feeNet - allocated)
		}
		allocated = round2(allocated + amount)
		out = append(out, FundFee{
			FundID:    f.FundID,
			FundName:  f.FundName,
			Revenue:   f.Revenue,
			Share:     share,
			FeeAmount: amount,
		})
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
