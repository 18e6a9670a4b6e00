package projection

import (
	"context"
	"encoding/json"
	"fmt"

	"PerpIndexer/internal/cache"
	"PerpIndexer/internal/core"
	"PerpIndexer/internal/event"
	"PerpIndexer/internal/state"
)

// DefaultFundingHistoryLen caps each market's funding list.
const DefaultFundingHistoryLen = 1000

// FundingHistoryEntry is one settled funding interval of a market. Values
// are X96 integers rendered as decimal strings.
type FundingHistoryEntry struct {
	Market                  string `json:"market"`
	LogID                   string `json:"logId"`
	OrderKey                uint64 `json:"orderKey"`
	BlockNumber             uint64 `json:"blockNumber"`
	Timestamp               int64  `json:"timestamp"` // ms
	FundingRateX96          string `json:"fundingRateX96"`
	ElapsedSec              uint32 `json:"elapsedSec"`
	PremiumX96              string `json:"premiumX96"`
	MarkPriceX96            string `json:"markPriceX96"`
	CumBasePerLiquidityX96  string `json:"cumBasePerLiquidityX96"`
	CumQuotePerLiquidityX96 string `json:"cumQuotePerLiquidityX96"`
	BaseBalancePerShareX96  string `json:"baseBalancePerShareX96"`
}

// FundingHistory keeps the most recent funding settlements per market in a
// capped list under perp:funding:{market}, newest first.
type FundingHistory struct {
	kv     cache.KV
	maxLen int64
}

func NewFundingHistory(kv cache.KV, maxLen int) *FundingHistory {
	if maxLen <= 0 {
		maxLen = DefaultFundingHistoryLen
	}
	return &FundingHistory{kv: kv, maxLen: int64(maxLen)}
}

func fundingKey(market string) string { return "perp:funding:" + market }

func (h *FundingHistory) Name() string { return "funding_history" }

func (h *FundingHistory) Project(ctx context.Context, res core.Result) error {
	fp, ok := res.Event.(*event.FundingPaid)
	if !ok {
		return nil
	}
	entry := FundingHistoryEntry{
		Market:                  fp.ContractAddress,
		LogID:                   res.LogID,
		OrderKey:                res.OrderKey,
		BlockNumber:             fp.BlockNumber,
		Timestamp:               fp.TimestampMs(),
		FundingRateX96:          fp.FundingRateX96.String(),
		ElapsedSec:              fp.ElapsedSec,
		PremiumX96:              fp.PremiumX96.String(),
		MarkPriceX96:            fp.MarkPriceX96.String(),
		CumBasePerLiquidityX96:  fp.CumBasePerLiquidityX96.String(),
		CumQuotePerLiquidityX96: fp.CumQuotePerLiquidityX96.String(),
	}
	// The post-settlement growth factor lives on the market row.
	for _, e := range res.Entities {
		if m, ok := e.(*state.Market); ok && m.Address == fp.ContractAddress {
			entry.BaseBalancePerShareX96 = m.BaseBalancePerShareX96.String()
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal funding entry: %w", err)
	}
	return h.kv.PushCapped(ctx, fundingKey(fp.ContractAddress), data, h.maxLen)
}

// Recent returns up to limit entries for market, newest first.
func (h *FundingHistory) Recent(ctx context.Context, market string, limit int) ([]FundingHistoryEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := h.kv.Range(ctx, fundingKey(market), 0, int64(limit)-1)
	if err != nil {
		return nil, err
	}
	out := make([]FundingHistoryEntry, 0, len(raw))
	for _, b := range raw {
		var e FundingHistoryEntry
		if err := json.Unmarshal(b, &e); err != nil {
			return nil, fmt.Errorf("decode funding entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}
