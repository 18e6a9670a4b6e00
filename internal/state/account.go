package state

import (
	"math/big"
)

// Trader is a collateral account on the exchange.
type Trader struct {
	Address           string   `json:"address"`
	CollateralBalance *big.Int `json:"collateralBalance"`
	Markets           []string `json:"markets"`
	Stamp
}

func NewTrader(address string) *Trader {
	return &Trader{
		Address:           address,
		CollateralBalance: zero(),
		Markets:           []string{},
	}
}

func (t *Trader) EntityKind() Kind { return KindTrader }
func (t *Trader) EntityID() string { return t.Address }

// AddMarket records a market the trader has touched. Returns false if it was
// already present.
func (t *Trader) AddMarket(market string) bool {
	for _, m := range t.Markets {
		if m == market {
			return false
		}
	}
	t.Markets = append(t.Markets, market)
	return true
}

// Credit adds a signed amount to the collateral balance.
func (t *Trader) Credit(amount *big.Int) {
	t.CollateralBalance = new(big.Int).Add(t.CollateralBalance, amount)
}

// Debit subtracts a signed amount from the collateral balance. The balance
// may go negative.
func (t *Trader) Debit(amount *big.Int) {
	t.CollateralBalance = new(big.Int).Sub(t.CollateralBalance, amount)
}

// BadDebt is max(0, -collateralBalance).
func (t *Trader) BadDebt() *big.Int {
	if t.CollateralBalance.Sign() >= 0 {
		return zero()
	}
	return new(big.Int).Neg(t.CollateralBalance)
}

// ProtocolMeta is static network metadata stamped on the Protocol row when it
// is first created.
type ProtocolMeta struct {
	Network         string
	ChainID         string
	ContractVersion string
}

// Protocol is the exchange-wide singleton.
type Protocol struct {
	ID              string `json:"id"`
	Network         string `json:"network"`
	ChainID         string `json:"chainId"`
	ContractVersion string `json:"contractVersion"`

	PublicMarketCount    int64    `json:"publicMarketCount"`
	TradingVolume        *big.Int `json:"tradingVolume"`
	TotalValueLocked     *big.Int `json:"totalValueLocked"`
	ProtocolFee          *big.Int `json:"protocolFee"`
	InsuranceFundBalance *big.Int `json:"insuranceFundBalance"`

	MaxMarketsPerAccount uint32 `json:"maxMarketsPerAccount"`
	ImRatio              uint32 `json:"imRatio"`
	MmRatio              uint32 `json:"mmRatio"`
	RewardRatio          uint32 `json:"rewardRatio"`
	SmoothEmaTime        uint32 `json:"smoothEmaTime"`
	ProtocolFeeRatio     uint32 `json:"protocolFeeRatio"`

	Stamp
}

func NewProtocol(meta ProtocolMeta) *Protocol {
	return &Protocol{
		ID:                   ProtocolID,
		Network:              meta.Network,
		ChainID:              meta.ChainID,
		ContractVersion:      meta.ContractVersion,
		TradingVolume:        zero(),
		TotalValueLocked:     zero(),
		ProtocolFee:          zero(),
		InsuranceFundBalance: zero(),
	}
}

func (p *Protocol) EntityKind() Kind { return KindProtocol }
func (p *Protocol) EntityID() string { return p.ID }
