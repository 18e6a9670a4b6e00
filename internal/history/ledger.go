package history

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"

	fpmath "PerpIndexer/internal/math"
	"PerpIndexer/internal/state"
	"PerpIndexer/internal/store"
)

// Ledger appends realized results to the per-trader rollups. Rows are only
// ever accumulated, never overwritten.
type Ledger struct{}

func NewLedger() *Ledger { return &Ledger{} }

// PositionEntry is one taker settlement.
type PositionEntry struct {
	Trader                 string
	Market                 string
	Base                   *big.Int
	Quote                  *big.Int
	RealizedPnl            *big.Int
	ProtocolFee            *big.Int
	BaseBalancePerShareX96 *big.Int
	BlockNumber            uint64
	TimestampMs            int64
}

// LiquidityEntry is one maker liquidity change, signed.
type LiquidityEntry struct {
	Trader      string
	Market      string
	Base        *big.Int
	Quote       *big.Int
	Liquidity   *big.Int
	BlockNumber uint64
	TimestampMs int64
}

// DayEntry is added to the trader's summary for the UTC day of TimestampMs.
type DayEntry struct {
	Trader        string
	RealizedPnl   *big.Int
	ProtocolFee   *big.Int
	TradingVolume *big.Int
	Trade         bool
	BlockNumber   uint64
	TimestampMs   int64
}

func (l *Ledger) AppendPosition(ctx context.Context, repo *store.Repo, e PositionEntry) error {
	h, err := repo.PositionHistory(ctx, e.Trader, e.Market)
	if err != nil {
		return fmt.Errorf("position history: %w", err)
	}
	h.Accumulate(e.Base, e.Quote, e.RealizedPnl, e.ProtocolFee, e.BaseBalancePerShareX96)
	h.Touch(e.BlockNumber, e.TimestampMs)
	return nil
}

func (l *Ledger) AppendLiquidity(ctx context.Context, repo *store.Repo, e LiquidityEntry) error {
	h, err := repo.LiquidityHistory(ctx, e.Trader, e.Market)
	if err != nil {
		return fmt.Errorf("liquidity history: %w", err)
	}
	h.Accumulate(e.Base, e.Quote, e.Liquidity)
	h.Touch(e.BlockNumber, e.TimestampMs)
	return nil
}

func (l *Ledger) AddDaySummary(ctx context.Context, repo *store.Repo, e DayEntry) error {
	d, err := repo.DaySummary(ctx, e.Trader, state.DayIndex(e.TimestampMs))
	if err != nil {
		return fmt.Errorf("day summary: %w", err)
	}
	d.RealizedPnl = fpmath.Add(d.RealizedPnl, e.RealizedPnl)
	d.ProtocolFee = fpmath.Add(d.ProtocolFee, e.ProtocolFee)
	d.TradingVolume = fpmath.Add(d.TradingVolume, e.TradingVolume)
	if e.Trade {
		d.Trades++
	}
	d.Touch(e.BlockNumber, e.TimestampMs)
	return nil
}

// DaySummaries returns a trader's summaries with day index in [fromDay, toDay],
// oldest first.
func DaySummaries(ctx context.Context, r store.Reader, trader string, fromDay, toDay int64) ([]*state.DaySummary, error) {
	recs, err := r.List(ctx, state.KindDaySummary, trader+"-")
	if err != nil {
		return nil, err
	}
	var out []*state.DaySummary
	for _, rec := range recs {
		var d state.DaySummary
		if err := json.Unmarshal(rec.Body, &d); err != nil {
			return nil, fmt.Errorf("decode day summary %s: %w", rec.ID, err)
		}
		if d.Trader != trader || d.DayIndex < fromDay || d.DayIndex > toDay {
			continue
		}
		out = append(out, &d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DayIndex < out[j].DayIndex })
	return out, nil
}
