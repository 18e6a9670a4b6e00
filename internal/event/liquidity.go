package event

import "math/big"

// LiquidityAddedExchange is the maker-side record emitted by the exchange.
type LiquidityAddedExchange struct {
	Envelope
	Trader                  string   `json:"trader"`
	Market                  string   `json:"market"`
	Base                    *big.Int `json:"base"`
	Quote                   *big.Int `json:"quote"`
	Liquidity               *big.Int `json:"liquidity"`
	CumBasePerLiquidityX96  *big.Int `json:"cumBasePerLiquidityX96"`
	CumQuotePerLiquidityX96 *big.Int `json:"cumQuotePerLiquidityX96"`
	BaseBalancePerShareX96  *big.Int `json:"baseBalancePerShareX96"`
	SharePriceAfterX96      *big.Int `json:"sharePriceAfterX96"`
}

func (l *LiquidityAddedExchange) EventType() EventType { return EventTypeLiquidityAddedExchange }

func (l *LiquidityAddedExchange) MarketAddress() string { return l.Market }

func (l *LiquidityAddedExchange) Validate() error {
	err := check(l.Envelope,
		amounts(
			namedInt{"base", l.Base},
			namedInt{"quote", l.Quote},
			namedInt{"liquidity", l.Liquidity},
			namedInt{"cumBasePerLiquidityX96", l.CumBasePerLiquidityX96},
			namedInt{"cumQuotePerLiquidityX96", l.CumQuotePerLiquidityX96},
			namedInt{"baseBalancePerShareX96", l.BaseBalancePerShareX96},
			namedInt{"sharePriceAfterX96", l.SharePriceAfterX96},
		),
		addrs(namedAddr{"trader", l.Trader}, namedAddr{"market", l.Market}),
	)
	if err != nil {
		return err
	}
	return positive("baseBalancePerShareX96", l.BaseBalancePerShareX96)
}

// LiquidityRemovedExchange is emitted when a maker (or a liquidator on the
// maker's behalf) removes liquidity. The taker fields carry the residual
// exposure converted into a taker position.
type LiquidityRemovedExchange struct {
	Envelope
	Trader                 string   `json:"trader"`
	Market                 string   `json:"market"`
	Liquidator             string   `json:"liquidator"`
	Base                   *big.Int `json:"base"`
	Quote                  *big.Int `json:"quote"`
	Liquidity              *big.Int `json:"liquidity"`
	TakerBase              *big.Int `json:"takerBase"`
	TakerQuote             *big.Int `json:"takerQuote"`
	RealizedPnl            *big.Int `json:"realizedPnl"`
	BaseBalancePerShareX96 *big.Int `json:"baseBalancePerShareX96"`
	SharePriceAfterX96     *big.Int `json:"sharePriceAfterX96"`
}

func (l *LiquidityRemovedExchange) EventType() EventType { return EventTypeLiquidityRemovedExchange }

func (l *LiquidityRemovedExchange) MarketAddress() string { return l.Market }

func (l *LiquidityRemovedExchange) Validate() error {
	err := check(l.Envelope,
		amounts(
			namedInt{"base", l.Base},
			namedInt{"quote", l.Quote},
			namedInt{"liquidity", l.Liquidity},
			namedInt{"takerBase", l.TakerBase},
			namedInt{"takerQuote", l.TakerQuote},
			namedInt{"realizedPnl", l.RealizedPnl},
			namedInt{"baseBalancePerShareX96", l.BaseBalancePerShareX96},
			namedInt{"sharePriceAfterX96", l.SharePriceAfterX96},
		),
		addrs(
			namedAddr{"trader", l.Trader},
			namedAddr{"market", l.Market},
			namedAddr{"liquidator", l.Liquidator},
		),
	)
	if err != nil {
		return err
	}
	return positive("baseBalancePerShareX96", l.BaseBalancePerShareX96)
}

// LiquidityAddedMarket is the pool-side record emitted by the market contract.
type LiquidityAddedMarket struct {
	Envelope
	Base      *big.Int `json:"base"`
	Quote     *big.Int `json:"quote"`
	Liquidity *big.Int `json:"liquidity"`
}

func (l *LiquidityAddedMarket) EventType() EventType { return EventTypeLiquidityAddedMarket }

func (l *LiquidityAddedMarket) MarketAddress() string { return l.ContractAddress }

func (l *LiquidityAddedMarket) Validate() error {
	return check(l.Envelope,
		amounts(namedInt{"base", l.Base}, namedInt{"quote", l.Quote}, namedInt{"liquidity", l.Liquidity}),
		nil,
	)
}

type LiquidityRemovedMarket struct {
	Envelope
	Base      *big.Int `json:"base"`
	Quote     *big.Int `json:"quote"`
	Liquidity *big.Int `json:"liquidity"`
}

func (l *LiquidityRemovedMarket) EventType() EventType { return EventTypeLiquidityRemovedMarket }

func (l *LiquidityRemovedMarket) MarketAddress() string { return l.ContractAddress }

func (l *LiquidityRemovedMarket) Validate() error {
	return check(l.Envelope,
		amounts(namedInt{"base", l.Base}, namedInt{"quote", l.Quote}, namedInt{"liquidity", l.Liquidity}),
		nil,
	)
}
