package event

import "math/big"

// PositionChanged settles a taker trade.
type PositionChanged struct {
	Envelope
	Trader                 string   `json:"trader"`
	Market                 string   `json:"market"`
	Base                   *big.Int `json:"base"`
	Quote                  *big.Int `json:"quote"`
	RealizedPnl            *big.Int `json:"realizedPnl"`
	ProtocolFee            *big.Int `json:"protocolFee"`
	BaseBalancePerShareX96 *big.Int `json:"baseBalancePerShareX96"`
	SharePriceAfterX96     *big.Int `json:"sharePriceAfterX96"`
}

func (p *PositionChanged) EventType() EventType { return EventTypePositionChanged }

func (p *PositionChanged) MarketAddress() string { return p.Market }

func (p *PositionChanged) Validate() error {
	err := check(p.Envelope,
		amounts(
			namedInt{"base", p.Base},
			namedInt{"quote", p.Quote},
			namedInt{"realizedPnl", p.RealizedPnl},
			namedInt{"protocolFee", p.ProtocolFee},
			namedInt{"baseBalancePerShareX96", p.BaseBalancePerShareX96},
			namedInt{"sharePriceAfterX96", p.SharePriceAfterX96},
		),
		addrs(namedAddr{"trader", p.Trader}, namedAddr{"market", p.Market}),
	)
	if err != nil {
		return err
	}
	if err := nonNegative("protocolFee", p.ProtocolFee); err != nil {
		return err
	}
	return positive("baseBalancePerShareX96", p.BaseBalancePerShareX96)
}

// PositionLiquidated settles a forced close. The penalty is taken from the
// trader and split into the liquidator reward and the insurance fund reward.
type PositionLiquidated struct {
	Envelope
	Trader                 string   `json:"trader"`
	Market                 string   `json:"market"`
	Liquidator             string   `json:"liquidator"`
	Base                   *big.Int `json:"base"`
	Quote                  *big.Int `json:"quote"`
	RealizedPnl            *big.Int `json:"realizedPnl"`
	ProtocolFee            *big.Int `json:"protocolFee"`
	BaseBalancePerShareX96 *big.Int `json:"baseBalancePerShareX96"`
	SharePriceAfterX96     *big.Int `json:"sharePriceAfterX96"`
	LiquidationPenalty     *big.Int `json:"liquidationPenalty"`
	LiquidationReward      *big.Int `json:"liquidationReward"`
	InsuranceFundReward    *big.Int `json:"insuranceFundReward"`
}

func (p *PositionLiquidated) EventType() EventType { return EventTypePositionLiquidated }

func (p *PositionLiquidated) MarketAddress() string { return p.Market }

func (p *PositionLiquidated) Validate() error {
	err := check(p.Envelope,
		amounts(
			namedInt{"base", p.Base},
			namedInt{"quote", p.Quote},
			namedInt{"realizedPnl", p.RealizedPnl},
			namedInt{"protocolFee", p.ProtocolFee},
			namedInt{"baseBalancePerShareX96", p.BaseBalancePerShareX96},
			namedInt{"sharePriceAfterX96", p.SharePriceAfterX96},
			namedInt{"liquidationPenalty", p.LiquidationPenalty},
			namedInt{"liquidationReward", p.LiquidationReward},
			namedInt{"insuranceFundReward", p.InsuranceFundReward},
		),
		addrs(
			namedAddr{"trader", p.Trader},
			namedAddr{"market", p.Market},
			namedAddr{"liquidator", p.Liquidator},
		),
	)
	if err != nil {
		return err
	}
	for _, n := range []namedInt{
		{"protocolFee", p.ProtocolFee},
		{"liquidationPenalty", p.LiquidationPenalty},
		{"liquidationReward", p.LiquidationReward},
		{"insuranceFundReward", p.InsuranceFundReward},
	} {
		if err := nonNegative(n.name, n.v); err != nil {
			return err
		}
	}
	return positive("baseBalancePerShareX96", p.BaseBalancePerShareX96)
}
