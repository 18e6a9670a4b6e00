package state

import (
	"fmt"
	"math/big"
)

// Kind names a document collection in the entity store.
type Kind string

const (
	KindTrader           Kind = "trader"
	KindProtocol         Kind = "protocol"
	KindMarket           Kind = "market"
	KindTakerInfo        Kind = "trader_taker_info"
	KindMakerInfo        Kind = "trader_maker_info"
	KindOpenOrder        Kind = "open_order"
	KindPosition         Kind = "position"
	KindCandle           Kind = "candle"
	KindPositionHistory  Kind = "position_history"
	KindLiquidityHistory Kind = "liquidity_history"
	KindDaySummary       Kind = "day_summary"
	KindEventLog         Kind = "event_log"
	KindCheckpoint       Kind = "checkpoint"
	KindMarketMember     Kind = "market_member"
	KindAppliedPage      Kind = "applied_page"
)

// Entity is anything persisted in the entity store.
type Entity interface {
	EntityKind() Kind
	EntityID() string
}

// Stamp records the chain position of the last mutation (timestamp in ms).
type Stamp struct {
	BlockNumber uint64 `json:"blockNumber"`
	Timestamp   int64  `json:"timestamp"`
}

// Touch moves the stamp to the given block and time.
func (s *Stamp) Touch(blockNumber uint64, timestampMs int64) {
	s.BlockNumber = blockNumber
	s.Timestamp = timestampMs
}

// MillisPerDay is the width of one DaySummary bucket.
const MillisPerDay int64 = 86_400_000

// ProtocolID is the key of the singleton Protocol row.
const ProtocolID = "perpdex"

// TraderMarketID keys per-trader-per-market rows.
func TraderMarketID(trader, market string) string {
	return trader + "-" + market
}

// MarketMemberID keys a MarketMember row. The market comes first so every
// member of one market shares the MarketMemberPrefix.
func MarketMemberID(market, trader string) string {
	return market + "-" + trader
}

func MarketMemberPrefix(market string) string {
	return market + "-"
}

// CandleID keys one OHLC bucket.
func CandleID(market string, resolution, bucketStart int64) string {
	return fmt.Sprintf("%s-%d-%d", market, resolution, bucketStart)
}

// CandlePrefix matches every bucket of one market and resolution.
func CandlePrefix(market string, resolution int64) string {
	return fmt.Sprintf("%s-%d-", market, resolution)
}

// DayIndex is floor(timestampMs / MillisPerDay).
func DayIndex(timestampMs int64) int64 {
	return floorDiv(timestampMs, MillisPerDay)
}

// DaySummaryID keys a DaySummary row.
func DaySummaryID(trader string, dayIndex int64) string {
	return fmt.Sprintf("%s-%d", trader, dayIndex)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func zero() *big.Int { return new(big.Int) }

// AllKinds lists every collection, in the order exports are written.
func AllKinds() []Kind {
	return []Kind{
		KindProtocol, KindMarket, KindTrader, KindTakerInfo, KindMakerInfo,
		KindOpenOrder, KindPosition, KindCandle, KindPositionHistory,
		KindLiquidityHistory, KindDaySummary, KindMarketMember, KindEventLog,
		KindAppliedPage, KindCheckpoint,
	}
}
