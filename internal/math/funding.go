// internal/math/funding.go
package math

import (
	"math/big"
)

// PoolReserves is the subset of market state touched by a funding settlement.
type PoolReserves struct {
	BaseAmount              *big.Int
	QuoteAmount             *big.Int
	Liquidity               *big.Int
	BaseBalancePerShareX96  *big.Int
	CumBasePerLiquidityX96  *big.Int
	CumQuotePerLiquidityX96 *big.Int
}

// FundingSettlement is the result of applying one funding rate to a pool.
type FundingSettlement struct {
	BaseBalancePerShareX96  *big.Int
	BaseAmount              *big.Int
	QuoteAmount             *big.Int
	CumBasePerLiquidityX96  *big.Int
	CumQuotePerLiquidityX96 *big.Int

	// Exactly one of these is non-zero.
	DeleveragedBase  *big.Int
	DeleveragedQuote *big.Int
}

// ComputeFundingSettlement de-leverages the pool for a signed funding rate.
//
// The growth factor always scales by (Q96 - rate)/Q96. A positive rate removes
// quoteAmount*rate/Q96 of quote; a non-positive rate removes
// baseAmount*|rate|/(Q96+|rate|) of base, both truncated. The removed amount is credited to the matching per-liquidity accumulator.
// The input is not modified.
func ComputeFundingSettlement(pool PoolReserves, fundingRateX96 *big.Int) (*FundingSettlement, error) {
	rate := orZero(fundingRateX96)

	factor := getScratch()
	defer putScratch(factor)
	factor.Sub(Q96, rate)

	bbps, err := MulDiv(pool.BaseBalancePerShareX96, factor, Q96)
	if err != nil {
		return nil, err
	}

	out := &FundingSettlement{
		BaseBalancePerShareX96:  bbps,
		BaseAmount:              Clone(pool.BaseAmount),
		QuoteAmount:             Clone(pool.QuoteAmount),
		CumBasePerLiquidityX96:  Clone(pool.CumBasePerLiquidityX96),
		CumQuotePerLiquidityX96: Clone(pool.CumQuotePerLiquidityX96),
		DeleveragedBase:         Zero(),
		DeleveragedQuote:        Zero(),
	}

	if rate.Sign() > 0 {
		delev, err := MulDiv(pool.QuoteAmount, rate, Q96)
		if err != nil {
			return nil, err
		}
		perLiquidity, err := perLiquidityX96(delev, pool.Liquidity)
		if err != nil {
			return nil, err
		}
		out.QuoteAmount.Sub(out.QuoteAmount, delev)
		out.CumQuotePerLiquidityX96.Add(out.CumQuotePerLiquidityX96, perLiquidity)
		out.DeleveragedQuote = delev
		return out, nil
	}

	absRate := Abs(rate)
	denom := Add(Q96, absRate)
	delev, err := MulDiv(pool.BaseAmount, absRate, denom)
	if err != nil {
		return nil, err
	}
	perLiquidity, err := perLiquidityX96(delev, pool.Liquidity)
	if err != nil {
		return nil, err
	}
	out.BaseAmount.Sub(out.BaseAmount, delev)
	out.CumBasePerLiquidityX96.Add(out.CumBasePerLiquidityX96, perLiquidity)
	out.DeleveragedBase = delev
	return out, nil
}

// perLiquidityX96 spreads amount over the pool liquidity. Nothing to spread is
// zero even for an empty pool.
func perLiquidityX96(amount, liquidity *big.Int) (*big.Int, error) {
	if amount.Sign() == 0 {
		return Zero(), nil
	}
	return MulDiv(amount, Q96, liquidity)
}
