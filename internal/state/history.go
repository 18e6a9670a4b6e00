package state

import (
	"math/big"

	fpmath "PerpIndexer/internal/math"
)

// PositionHistory accumulates a trader's taker activity in one market.
type PositionHistory struct {
	ID            string   `json:"id"`
	Trader        string   `json:"trader"`
	Market        string   `json:"market"`
	BaseShare     *big.Int `json:"baseShare"`
	BaseBalance   *big.Int `json:"baseBalance"`
	Quote         *big.Int `json:"quote"`
	EntryPriceX96 *big.Int `json:"entryPriceX96"`
	RealizedPnl   *big.Int `json:"realizedPnl"`
	ProtocolFee   *big.Int `json:"protocolFee"`
	Entries       int64    `json:"entries"`
	Stamp
}

func NewPositionHistory(trader, market string) *PositionHistory {
	return &PositionHistory{
		ID:            TraderMarketID(trader, market),
		Trader:        trader,
		Market:        market,
		BaseShare:     zero(),
		BaseBalance:   zero(),
		Quote:         zero(),
		EntryPriceX96: zero(),
		RealizedPnl:   zero(),
		ProtocolFee:   zero(),
	}
}

func (h *PositionHistory) EntityKind() Kind { return KindPositionHistory }
func (h *PositionHistory) EntityID() string { return h.ID }

// Accumulate adds the deltas and re-derives balance and entry price.
func (h *PositionHistory) Accumulate(base, quote, realizedPnl, protocolFee, baseBalancePerShareX96 *big.Int) {
	h.BaseShare = fpmath.Add(h.BaseShare, base)
	h.Quote = fpmath.Add(h.Quote, quote)
	h.RealizedPnl = fpmath.Add(h.RealizedPnl, realizedPnl)
	h.ProtocolFee = fpmath.Add(h.ProtocolFee, protocolFee)
	h.BaseBalance = fpmath.ShareToBalance(h.BaseShare, baseBalancePerShareX96)
	h.EntryPriceX96 = entryPriceOrZero(fpmath.Sub(h.Quote, h.RealizedPnl), h.BaseBalance)
	h.Entries++
}

func (h *PositionHistory) Resync(baseBalancePerShareX96 *big.Int) bool {
	prev := h.BaseBalance
	h.BaseBalance = fpmath.ShareToBalance(h.BaseShare, baseBalancePerShareX96)
	h.EntryPriceX96 = entryPriceOrZero(fpmath.Sub(h.Quote, h.RealizedPnl), h.BaseBalance)
	return changed(prev, h.BaseBalance)
}

// LiquidityHistory accumulates a maker's liquidity activity in one market.
type LiquidityHistory struct {
	ID        string   `json:"id"`
	Trader    string   `json:"trader"`
	Market    string   `json:"market"`
	Base      *big.Int `json:"base"`
	Quote     *big.Int `json:"quote"`
	Liquidity *big.Int `json:"liquidity"`
	Entries   int64    `json:"entries"`
	Stamp
}

func NewLiquidityHistory(trader, market string) *LiquidityHistory {
	return &LiquidityHistory{
		ID:        TraderMarketID(trader, market),
		Trader:    trader,
		Market:    market,
		Base:      zero(),
		Quote:     zero(),
		Liquidity: zero(),
	}
}

func (h *LiquidityHistory) EntityKind() Kind { return KindLiquidityHistory }
func (h *LiquidityHistory) EntityID() string { return h.ID }

func (h *LiquidityHistory) Accumulate(base, quote, liquidity *big.Int) {
	h.Base = fpmath.Add(h.Base, base)
	h.Quote = fpmath.Add(h.Quote, quote)
	h.Liquidity = fpmath.Add(h.Liquidity, liquidity)
	h.Entries++
}

// DaySummary rolls up a trader's realized results for one UTC day.
type DaySummary struct {
	ID            string   `json:"id"`
	Trader        string   `json:"trader"`
	DayIndex      int64    `json:"dayIndex"`
	RealizedPnl   *big.Int `json:"realizedPnl"`
	ProtocolFee   *big.Int `json:"protocolFee"`
	TradingVolume *big.Int `json:"tradingVolume"`
	Trades        int64    `json:"trades"`
	Stamp
}

func NewDaySummary(trader string, dayIndex int64) *DaySummary {
	return &DaySummary{
		ID:            DaySummaryID(trader, dayIndex),
		Trader:        trader,
		DayIndex:      dayIndex,
		RealizedPnl:   zero(),
		ProtocolFee:   zero(),
		TradingVolume: zero(),
	}
}

func (d *DaySummary) EntityKind() Kind { return KindDaySummary }
func (d *DaySummary) EntityID() string { return d.ID }
