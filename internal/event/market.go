package event

import "math/big"

// FundingPaid is emitted by a market when funding is settled.
type FundingPaid struct {
	Envelope
	FundingRateX96          *big.Int `json:"fundingRateX96"`
	ElapsedSec              uint32   `json:"elapsedSec"`
	PremiumX96              *big.Int `json:"premiumX96"`
	MarkPriceX96            *big.Int `json:"markPriceX96"`
	CumBasePerLiquidityX96  *big.Int `json:"cumBasePerLiquidityX96"`
	CumQuotePerLiquidityX96 *big.Int `json:"cumQuotePerLiquidityX96"`
}

func (f *FundingPaid) EventType() EventType { return EventTypeFundingPaid }

func (f *FundingPaid) MarketAddress() string { return f.ContractAddress }

func (f *FundingPaid) Validate() error {
	return check(f.Envelope,
		amounts(
			namedInt{"fundingRateX96", f.FundingRateX96},
			namedInt{"premiumX96", f.PremiumX96},
			namedInt{"markPriceX96", f.MarkPriceX96},
			namedInt{"cumBasePerLiquidityX96", f.CumBasePerLiquidityX96},
			namedInt{"cumQuotePerLiquidityX96", f.CumQuotePerLiquidityX96},
		),
		nil,
	)
}

// Swapped is a pool-level trade. Amount is the exact side, OppositeAmount the
// computed side.
type Swapped struct {
	Envelope
	IsBaseToQuote  bool     `json:"isBaseToQuote"`
	IsExactInput   bool     `json:"isExactInput"`
	Amount         *big.Int `json:"amount"`
	OppositeAmount *big.Int `json:"oppositeAmount"`
}

func (s *Swapped) EventType() EventType { return EventTypeSwapped }

func (s *Swapped) MarketAddress() string { return s.ContractAddress }

func (s *Swapped) Validate() error {
	if err := check(s.Envelope,
		amounts(namedInt{"amount", s.Amount}, namedInt{"oppositeAmount", s.OppositeAmount}),
		nil,
	); err != nil {
		return err
	}
	if err := nonNegative("amount", s.Amount); err != nil {
		return err
	}
	return nonNegative("oppositeAmount", s.OppositeAmount)
}

// ReserveDeltas returns the signed change of (baseAmount, quoteAmount).
//
//	exact in,  base->quote: +amount,          -oppositeAmount
//	exact in,  quote->base: -oppositeAmount,  +amount
//	exact out, base->quote: +oppositeAmount,  -amount
//	exact out, quote->base: -amount,          +oppositeAmount
func (s *Swapped) ReserveDeltas() (base, quote *big.Int) {
	amount := new(big.Int).Set(s.Amount)
	opposite := new(big.Int).Set(s.OppositeAmount)
	switch {
	case s.IsExactInput && s.IsBaseToQuote:
		return amount, opposite.Neg(opposite)
	case s.IsExactInput && !s.IsBaseToQuote:
		return opposite.Neg(opposite), amount
	case !s.IsExactInput && s.IsBaseToQuote:
		return opposite, amount.Neg(amount)
	default:
		return amount.Neg(amount), opposite
	}
}
