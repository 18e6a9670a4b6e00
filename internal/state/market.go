package state

import "math/big"

// Market is one AMM pool and its configuration.
type Market struct {
	Address    string `json:"address"`
	BaseToken  string `json:"baseToken"`
	QuoteToken string `json:"quoteToken"`

	TradingVolume *big.Int `json:"tradingVolume"`
	BaseAmount    *big.Int `json:"baseAmount"`
	QuoteAmount   *big.Int `json:"quoteAmount"`
	Liquidity     *big.Int `json:"liquidity"`

	BaseBalancePerShareX96  *big.Int `json:"baseBalancePerShareX96"`
	SharePriceAfterX96      *big.Int `json:"sharePriceAfterX96"`
	MarkPriceX96            *big.Int `json:"markPriceX96"`
	CumBasePerLiquidityX96  *big.Int `json:"cumBasePerLiquidityX96"`
	CumQuotePerLiquidityX96 *big.Int `json:"cumQuotePerLiquidityX96"`

	PoolFeeRatio         uint32 `json:"poolFeeRatio"`
	MaxPremiumRatio      uint32 `json:"maxPremiumRatio"`
	FundingMaxElapsedSec uint32 `json:"fundingMaxElapsedSec"`
	FundingRolloverSec   uint32 `json:"fundingRolloverSec"`
	NormalOrderRatio     uint32 `json:"normalOrderRatio"`
	LiquidationRatio     uint32 `json:"liquidationRatio"`
	EmaNormalOrderRatio  uint32 `json:"emaNormalOrderRatio"`
	EmaLiquidationRatio  uint32 `json:"emaLiquidationRatio"`
	EmaSec               uint32 `json:"emaSec"`

	IsMarketAllowed  bool   `json:"isMarketAllowed"`
	AllowedChangedAt int64  `json:"allowedChangedAt"`
	BlockNumberAdded uint64 `json:"blockNumberAdded"`
	TimestampAdded   int64  `json:"timestampAdded"`

	Stamp
}

func NewMarket(address string) *Market {
	return &Market{
		Address:                 address,
		TradingVolume:           zero(),
		BaseAmount:              zero(),
		QuoteAmount:             zero(),
		Liquidity:               zero(),
		BaseBalancePerShareX96:  zero(),
		SharePriceAfterX96:      zero(),
		MarkPriceX96:            zero(),
		CumBasePerLiquidityX96:  zero(),
		CumQuotePerLiquidityX96: zero(),
	}
}

func (m *Market) EntityKind() Kind { return KindMarket }
func (m *Market) EntityID() string { return m.Address }

// AdjustReserves adds signed deltas to the pool reserves.
func (m *Market) AdjustReserves(base, quote, liquidity *big.Int) {
	if base != nil {
		m.BaseAmount = new(big.Int).Add(m.BaseAmount, base)
	}
	if quote != nil {
		m.QuoteAmount = new(big.Int).Add(m.QuoteAmount, quote)
	}
	if liquidity != nil {
		m.Liquidity = new(big.Int).Add(m.Liquidity, liquidity)
	}
}
