package event

import (
	"fmt"
	"time"
)

// EventType discriminator for decoded chain events
type EventType int32

const (
	EventTypeUnknown EventType = iota

	// exchange contract
	EventTypeDeposited
	EventTypeWithdrawn
	EventTypeInsuranceFundTransferred
	EventTypeProtocolFeeTransferred
	EventTypeLiquidityAddedExchange
	EventTypeLiquidityRemovedExchange
	EventTypePositionChanged
	EventTypePositionLiquidated
	EventTypeMaxMarketsPerAccountChanged
	EventTypeImRatioChanged
	EventTypeMmRatioChanged
	EventTypeLiquidationRewardConfigChanged
	EventTypeProtocolFeeRatioChanged
	EventTypeIsMarketAllowedChanged

	// market contracts
	EventTypeFundingPaid
	EventTypeLiquidityAddedMarket
	EventTypeLiquidityRemovedMarket
	EventTypeSwapped
	EventTypePoolFeeRatioChanged
	EventTypeFundingMaxPremiumRatioChanged
	EventTypeFundingMaxElapsedSecChanged
	EventTypeFundingRolloverSecChanged
	EventTypePriceLimitConfigChanged

	eventTypeCount
)

// OrderKeyMultiplier spaces block numbers so that any log index fits below
// the next block: orderKey = blockNumber*OrderKeyMultiplier + logIndex.
const OrderKeyMultiplier = 1000

// Envelope carries the chain coordinates shared by every event.
type Envelope struct {
	TxHash          string    `json:"txHash"`
	BlockNumber     uint64    `json:"blockNumber"`
	LogIndex        uint32    `json:"logIndex"`
	BlockTimestamp  time.Time `json:"blockTimestamp"`
	ContractAddress string    `json:"contractAddress"`
}

// Meta returns the envelope itself; embedding structs inherit it.
func (e Envelope) Meta() Envelope {
	return e
}

// OrderKey is the total order of the event in the chain.
func (e Envelope) OrderKey() uint64 {
	return e.BlockNumber*OrderKeyMultiplier + uint64(e.LogIndex)
}

// LogID identifies the source log: txHash-logIndex.
func (e Envelope) LogID() string {
	return fmt.Sprintf("%s-%d", e.TxHash, e.LogIndex)
}

// TimestampMs is the block time in unix milliseconds.
func (e Envelope) TimestampMs() int64 {
	return e.BlockTimestamp.UnixMilli()
}

// Event is the interface all decoded event payloads implement
type Event interface {
	// Meta returns the chain coordinates
	Meta() Envelope

	// EventType returns the discriminator
	EventType() EventType

	// MarketAddress returns the market context ("" for protocol-wide events)
	MarketAddress() string

	// Validate performs structural checks on the payload
	Validate() error
}

func (et EventType) String() string {
	switch et {
	case EventTypeDeposited:
		return "Deposited"
	case EventTypeWithdrawn:
		return "Withdrawn"
	case EventTypeInsuranceFundTransferred:
		return "InsuranceFundTransferred"
	case EventTypeProtocolFeeTransferred:
		return "ProtocolFeeTransferred"
	case EventTypeLiquidityAddedExchange:
		return "LiquidityAddedExchange"
	case EventTypeLiquidityRemovedExchange:
		return "LiquidityRemovedExchange"
	case EventTypePositionChanged:
		return "PositionChanged"
	case EventTypePositionLiquidated:
		return "PositionLiquidated"
	case EventTypeMaxMarketsPerAccountChanged:
		return "MaxMarketsPerAccountChanged"
	case EventTypeImRatioChanged:
		return "ImRatioChanged"
	case EventTypeMmRatioChanged:
		return "MmRatioChanged"
	case EventTypeLiquidationRewardConfigChanged:
		return "LiquidationRewardConfigChanged"
	case EventTypeProtocolFeeRatioChanged:
		return "ProtocolFeeRatioChanged"
	case EventTypeIsMarketAllowedChanged:
		return "IsMarketAllowedChanged"
	case EventTypeFundingPaid:
		return "FundingPaid"
	case EventTypeLiquidityAddedMarket:
		return "LiquidityAddedMarket"
	case EventTypeLiquidityRemovedMarket:
		return "LiquidityRemovedMarket"
	case EventTypeSwapped:
		return "Swapped"
	case EventTypePoolFeeRatioChanged:
		return "PoolFeeRatioChanged"
	case EventTypeFundingMaxPremiumRatioChanged:
		return "FundingMaxPremiumRatioChanged"
	case EventTypeFundingMaxElapsedSecChanged:
		return "FundingMaxElapsedSecChanged"
	case EventTypeFundingRolloverSecChanged:
		return "FundingRolloverSecChanged"
	case EventTypePriceLimitConfigChanged:
		return "PriceLimitConfigChanged"
	default:
		return "Unknown"
	}
}

var typesByName = func() map[string]EventType {
	m := make(map[string]EventType, eventTypeCount)
	for et := EventTypeUnknown + 1; et < eventTypeCount; et++ {
		m[et.String()] = et
	}
	return m
}()

// ParseEventType maps an event name (as emitted by the contracts) to its type.
func ParseEventType(name string) (EventType, bool) {
	et, ok := typesByName[name]
	return et, ok
}

// AllEventTypes lists every known event type in declaration order.
func AllEventTypes() []EventType {
	out := make([]EventType, 0, eventTypeCount-1)
	for et := EventTypeUnknown + 1; et < eventTypeCount; et++ {
		out = append(out, et)
	}
	return out
}
