package query

import (
	"math/big"

	"github.com/shopspring/decimal"

	fpmath "PerpIndexer/internal/math"
)

// DefaultCollateralDecimals is the settlement token precision.
const DefaultCollateralDecimals = 18

// x96Precision is the number of fractional digits kept when rendering
// Q96 values.
const x96Precision = 18

var q96 = decimal.NewFromBigInt(fpmath.Q96, 0)

// Value carries a chain integer next to its natural-unit rendering.
type Value struct {
	Raw     string `json:"raw"`
	Decimal string `json:"decimal"`
}

// amount renders a collateral or token amount with the given decimals.
func amount(v *big.Int, decimals int32) Value {
	v = fpmath.Clone(v)
	return Value{
		Raw:     v.String(),
		Decimal: decimal.NewFromBigInt(v, -decimals).String(),
	}
}

// x96 renders a Q96 fixed-point value as a plain decimal.
func x96(v *big.Int) Value {
	v = fpmath.Clone(v)
	return Value{
		Raw:     v.String(),
		Decimal: decimal.NewFromBigInt(v, 0).DivRound(q96, x96Precision).String(),
	}
}

// unrealizedPnl values a taker position at price: base*price/Q96 + quote.
// A zero price means no mark is known yet.
func unrealizedPnl(base, quote, priceX96 *big.Int) (*big.Int, bool) {
	if priceX96 == nil || priceX96.Sign() == 0 {
		return nil, false
	}
	value, err := fpmath.MulDiv(fpmath.Clone(base), priceX96, fpmath.Q96)
	if err != nil {
		return nil, false
	}
	return fpmath.Add(value, quote), true
}
