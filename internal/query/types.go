package query

// StatusResponse reports the engine's position in the chain.
type StatusResponse struct {
	LastOrderKey  uint64 `json:"lastOrderKey"`
	LastLogID     string `json:"lastLogId"`
	StateHash     string `json:"stateHash"`
	EventsApplied uint64 `json:"eventsApplied"`
	UpdatedAt     int64  `json:"updatedAt"`
}

// TraderResponse represents a collateral account for API queries.
type TraderResponse struct {
	Address      string   `json:"address"`
	Collateral   Value    `json:"collateral"`
	BadDebt      Value    `json:"badDebt"` // max(0, -collateral), derived
	Markets      []string `json:"markets"`
	BlockNumber  uint64   `json:"blockNumber"`
	Timestamp    int64    `json:"timestamp"`
	AsOfOrderKey uint64   `json:"asOfOrderKey"`
}

// PositionResponse represents a taker position for API queries. BaseBalance
// and EntryPrice are recomputed from the market's current growth factor, so
// funding settled after the trader's last trade is reflected.
type PositionResponse struct {
	Trader           string `json:"trader"`
	Market           string `json:"market"`
	BaseBalanceShare string `json:"baseBalanceShare"`
	BaseBalance      Value  `json:"baseBalance"`
	QuoteBalance     Value  `json:"quoteBalance"`
	EntryPrice       Value  `json:"entryPrice"`
	MarkPrice        Value  `json:"markPrice"`
	UnrealizedPnl    *Value `json:"unrealizedPnl,omitempty"` // Derived at query time
	RealizedPnl      Value  `json:"realizedPnl"`
	TradingVolume    Value  `json:"tradingVolume"`
	Liquidity        Value  `json:"liquidity"` // maker LP units
	BlockNumber      uint64 `json:"blockNumber"`
	Timestamp        int64  `json:"timestamp"`
	AsOfOrderKey     uint64 `json:"asOfOrderKey"`
}

// MarketResponse represents a pool for API queries.
type MarketResponse struct {
	Address             string `json:"address"`
	BaseToken           string `json:"baseToken,omitempty"`
	QuoteToken          string `json:"quoteToken,omitempty"`
	BaseAmount          Value  `json:"baseAmount"`
	QuoteAmount         Value  `json:"quoteAmount"`
	Liquidity           Value  `json:"liquidity"`
	Price               Value  `json:"price"`
	MarkPrice           Value  `json:"markPrice"`
	BaseBalancePerShare Value  `json:"baseBalancePerShare"`
	TradingVolume       Value  `json:"tradingVolume"`

	IsMarketAllowed      bool   `json:"isMarketAllowed"`
	PoolFeeRatio         uint32 `json:"poolFeeRatio"`
	MaxPremiumRatio      uint32 `json:"maxPremiumRatio"`
	FundingMaxElapsedSec uint32 `json:"fundingMaxElapsedSec"`
	FundingRolloverSec   uint32 `json:"fundingRolloverSec"`
	NormalOrderRatio     uint32 `json:"normalOrderRatio"`
	LiquidationRatio     uint32 `json:"liquidationRatio"`

	BlockNumberAdded uint64 `json:"blockNumberAdded"`
	TimestampAdded   int64  `json:"timestampAdded"`
	BlockNumber      uint64 `json:"blockNumber"`
	Timestamp        int64  `json:"timestamp"`
}

// CandleResponse is one OHLC bucket with prices in natural units.
type CandleResponse struct {
	Market      string `json:"market"`
	Resolution  int64  `json:"resolution"`
	BucketStart int64  `json:"bucketStart"`
	Open        Value  `json:"open"`
	High        Value  `json:"high"`
	Low         Value  `json:"low"`
	Close       Value  `json:"close"`
	BaseVolume  Value  `json:"baseVolume"`
	QuoteVolume Value  `json:"quoteVolume"`
	Updates     int64  `json:"updates"`
}

// DaySummaryResponse is one UTC day of a trader's activity.
type DaySummaryResponse struct {
	Trader        string `json:"trader"`
	DayIndex      int64  `json:"dayIndex"`
	Date          string `json:"date"`
	RealizedPnl   Value  `json:"realizedPnl"`
	ProtocolFee   Value  `json:"protocolFee"`
	TradingVolume Value  `json:"tradingVolume"`
	Trades        int64  `json:"trades"`
}

// ProtocolResponse represents the exchange-wide singleton.
type ProtocolResponse struct {
	Network           string `json:"network"`
	ChainID           string `json:"chainId"`
	ContractVersion   string `json:"contractVersion"`
	PublicMarketCount int64  `json:"publicMarketCount"`
	TradingVolume     Value  `json:"tradingVolume"`
	TotalValueLocked  Value  `json:"totalValueLocked"`
	ProtocolFee       Value  `json:"protocolFee"`
	InsuranceFund     Value  `json:"insuranceFund"`

	MaxMarketsPerAccount uint32 `json:"maxMarketsPerAccount"`
	ImRatio              uint32 `json:"imRatio"`
	MmRatio              uint32 `json:"mmRatio"`
	RewardRatio          uint32 `json:"rewardRatio"`
	SmoothEmaTime        uint32 `json:"smoothEmaTime"`
	ProtocolFeeRatio     uint32 `json:"protocolFeeRatio"`

	AsOfOrderKey uint64 `json:"asOfOrderKey"`
}

// SolvencyResponse is the balance sheet in natural units.
type SolvencyResponse struct {
	Traders          int    `json:"traders"`
	TotalCollateral  Value  `json:"totalCollateral"`
	BadDebt          Value  `json:"badDebt"`
	ProtocolFee      Value  `json:"protocolFee"`
	InsuranceFund    Value  `json:"insuranceFund"`
	TotalValueLocked Value  `json:"totalValueLocked"`
	PoolNet          Value  `json:"poolNet"`
	AsOfOrderKey     uint64 `json:"asOfOrderKey"`
}
