package event

// Protocol-wide parameter changes (exchange contract).

type MaxMarketsPerAccountChanged struct {
	Envelope
	Value uint32 `json:"value"`
}

func (e *MaxMarketsPerAccountChanged) EventType() EventType {
	return EventTypeMaxMarketsPerAccountChanged
}
func (e *MaxMarketsPerAccountChanged) MarketAddress() string { return "" }
func (e *MaxMarketsPerAccountChanged) Validate() error       { return e.validate() }

type ImRatioChanged struct {
	Envelope
	Value uint32 `json:"value"`
}

func (e *ImRatioChanged) EventType() EventType  { return EventTypeImRatioChanged }
func (e *ImRatioChanged) MarketAddress() string { return "" }
func (e *ImRatioChanged) Validate() error       { return e.validate() }

type MmRatioChanged struct {
	Envelope
	Value uint32 `json:"value"`
}

func (e *MmRatioChanged) EventType() EventType  { return EventTypeMmRatioChanged }
func (e *MmRatioChanged) MarketAddress() string { return "" }
func (e *MmRatioChanged) Validate() error       { return e.validate() }

type LiquidationRewardConfigChanged struct {
	Envelope
	RewardRatio   uint32 `json:"rewardRatio"`
	SmoothEmaTime uint32 `json:"smoothEmaTime"`
}

func (e *LiquidationRewardConfigChanged) EventType() EventType {
	return EventTypeLiquidationRewardConfigChanged
}
func (e *LiquidationRewardConfigChanged) MarketAddress() string { return "" }
func (e *LiquidationRewardConfigChanged) Validate() error       { return e.validate() }

type ProtocolFeeRatioChanged struct {
	Envelope
	Value uint32 `json:"value"`
}

func (e *ProtocolFeeRatioChanged) EventType() EventType  { return EventTypeProtocolFeeRatioChanged }
func (e *ProtocolFeeRatioChanged) MarketAddress() string { return "" }
func (e *ProtocolFeeRatioChanged) Validate() error       { return e.validate() }

// IsMarketAllowedChanged toggles whether the exchange accepts a market.
// Allowing a market is also the signal to start following its contract.
type IsMarketAllowedChanged struct {
	Envelope
	Market          string `json:"market"`
	IsMarketAllowed bool   `json:"isMarketAllowed"`
}

func (e *IsMarketAllowedChanged) EventType() EventType  { return EventTypeIsMarketAllowedChanged }
func (e *IsMarketAllowedChanged) MarketAddress() string { return e.Market }
func (e *IsMarketAllowedChanged) Validate() error {
	return check(e.Envelope, nil, addrs(namedAddr{"market", e.Market}))
}

// Market parameter changes (market contracts).

type PoolFeeRatioChanged struct {
	Envelope
	Value uint32 `json:"value"`
}

func (e *PoolFeeRatioChanged) EventType() EventType  { return EventTypePoolFeeRatioChanged }
func (e *PoolFeeRatioChanged) MarketAddress() string { return e.ContractAddress }
func (e *PoolFeeRatioChanged) Validate() error       { return e.validate() }

type FundingMaxPremiumRatioChanged struct {
	Envelope
	Value uint32 `json:"value"`
}

func (e *FundingMaxPremiumRatioChanged) EventType() EventType {
	return EventTypeFundingMaxPremiumRatioChanged
}
func (e *FundingMaxPremiumRatioChanged) MarketAddress() string { return e.ContractAddress }
func (e *FundingMaxPremiumRatioChanged) Validate() error       { return e.validate() }

type FundingMaxElapsedSecChanged struct {
	Envelope
	Value uint32 `json:"value"`
}

func (e *FundingMaxElapsedSecChanged) EventType() EventType {
	return EventTypeFundingMaxElapsedSecChanged
}
func (e *FundingMaxElapsedSecChanged) MarketAddress() string { return e.ContractAddress }
func (e *FundingMaxElapsedSecChanged) Validate() error       { return e.validate() }

type FundingRolloverSecChanged struct {
	Envelope
	Value uint32 `json:"value"`
}

func (e *FundingRolloverSecChanged) EventType() EventType {
	return EventTypeFundingRolloverSecChanged
}
func (e *FundingRolloverSecChanged) MarketAddress() string { return e.ContractAddress }
func (e *FundingRolloverSecChanged) Validate() error       { return e.validate() }

type PriceLimitConfigChanged struct {
	Envelope
	NormalOrderRatio    uint32 `json:"normalOrderRatio"`
	LiquidationRatio    uint32 `json:"liquidationRatio"`
	EmaNormalOrderRatio uint32 `json:"emaNormalOrderRatio"`
	EmaLiquidationRatio uint32 `json:"emaLiquidationRatio"`
	EmaSec              uint32 `json:"emaSec"`
}

func (e *PriceLimitConfigChanged) EventType() EventType {
	return EventTypePriceLimitConfigChanged
}
func (e *PriceLimitConfigChanged) MarketAddress() string { return e.ContractAddress }
func (e *PriceLimitConfigChanged) Validate() error       { return e.validate() }
