package billing

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parkwind/parkwind/internal/parks"
)

func TestComputeFee(t *testing.T) {
	fee := ComputeFee(100000, 2.5, 0.19)
	require.Equal(t, 2500.0, fee.FeeNet)
	require.Equal(t, 475.0, fee.TaxAmount)
	require.Equal(t, 2975.0, fee.FeeGross)
}

func TestComputeFeeRounding(t *testing.T) {
	fee := ComputeFee(33333.33, 1.5, 0.19)
	require.Equal(t, 500.0, fee.FeeNet)
	require.Equal(t, 95.0, fee.TaxAmount)
	require.Equal(t, 595.0, fee.FeeGross)
}

func TestComputeFeeZeroBase(t *testing.T) {
	fee := ComputeFee(0, 2.5, 0.19)
	require.Zero(t, fee.FeeNet)
	require.Zero(t, fee.TaxAmount)
	require.Zero(t, fee.FeeGross)
}

func TestSplitByFund(t *testing.T) {
	funds := []parks.FundRevenue{
		{FundID: 1, FundName: "Fonds A", Revenue: 60000},
		{FundID: 2, FundName: "Fonds B", Revenue: 40000},
	}
	out := SplitByFund(funds, 100000, 2500)
	require.Len(t, out, 2)
	require.Equal(t, 0.6, out[0].Share)
	require.Equal(t, 1500.0, out[0].FeeAmount)
	require.Equal(t, 0.4, out[1].Share)
	require.Equal(t, 1000.0, out[1].FeeAmount)
}

func TestSplitByFundAbsorbsRounding(t *testing.T) {
	funds := []parks.FundRevenue{
		{FundID: 1, FundName: "A", Revenue: 1},
		{FundID: 2, FundName: "B", Revenue: 1},
		{FundID: 3, FundName: "C", Revenue: 1},
	}
	out := SplitByFund(funds, 3, 100)
	require.Len(t, out, 3)
	var sum float64
	for _, f := range out {
		sum += f.FeeAmount
	}
	require.Equal(t, 100.0, sum)
	// 33.33 + 33.33 + 33.34
	require.Equal(t, 33.34, out[2].FeeAmount)
}

func TestSplitByFundEmptyOnZeroBase(t *testing.T) {
	funds := []parks.FundRevenue{{FundID: 1, FundName: "A", Revenue: 100}}
	require.Nil(t, SplitByFund(funds, 0, 100))
	require.Nil(t, SplitByFund(nil, 1000, 100))
}
