package candle

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"time"

	fpmath "PerpIndexer/internal/math"
	"PerpIndexer/internal/observability"
	"PerpIndexer/internal/state"
	"PerpIndexer/internal/store"
)

// Resolutions are the bucket widths in seconds: 5m, 15m, 1h, 1d.
var Resolutions = []int64{300, 900, 3600, 86400}

// Aggregator maintains OHLC buckets for every resolution.
type Aggregator struct {
	resolutions []int64
	metrics     *observability.Metrics
}

func NewAggregator(metrics *observability.Metrics) *Aggregator {
	return &Aggregator{resolutions: Resolutions, metrics: metrics}
}

// BucketStart floors t (unix seconds) to a multiple of resolution.
func BucketStart(t, resolution int64) int64 {
	q := t / resolution
	if t%resolution != 0 && t < 0 {
		q--
	}
	return q * resolution
}

// PriceX96 converts a post-trade share price into the share-adjusted mark
// price used for candles.
func PriceX96(sharePriceAfterX96, baseBalancePerShareX96 *big.Int) (*big.Int, error) {
	return fpmath.SharePriceToMarkX96(sharePriceAfterX96, baseBalancePerShareX96)
}

// Upsert folds one price observation into the bucket of every resolution.
// A new bucket opens at priceX96 with zero volume and then takes the deltas.
func (a *Aggregator) Upsert(ctx context.Context, repo *store.Repo, market string, eventTime time.Time,
	priceX96, baseDelta, quoteDelta *big.Int, blockNumber uint64) error {
	sec := eventTime.Unix()
	ms := eventTime.UnixMilli()

	for _, r := range a.resolutions {
		c, _, err := repo.Candle(ctx, market, r, BucketStart(sec, r), priceX96)
		if err != nil {
			return fmt.Errorf("candle %s/%d: %w", market, r, err)
		}
		c.Merge(priceX96, baseDelta, quoteDelta)
		c.Touch(blockNumber, ms)

		if a.metrics != nil {
			a.metrics.CandleUpdates.WithLabelValues(strconv.FormatInt(r, 10)).Inc()
		}
	}
	return nil
}

// ValidResolution reports whether r is one of the maintained widths.
func ValidResolution(r int64) bool {
	for _, v := range Resolutions {
		if v == r {
			return true
		}
	}
	return false
}

// Range returns the buckets of one market and resolution whose start lies in
// [from, to] (unix seconds), oldest first.
func Range(ctx context.Context, r store.Reader, market string, resolution, from, to int64) ([]*state.Candle, error) {
	recs, err := r.List(ctx, state.KindCandle, state.CandlePrefix(market, resolution))
	if err != nil {
		return nil, err
	}
	out := make([]*state.Candle, 0, len(recs))
	for _, rec := range recs {
		var c state.Candle
		if err := json.Unmarshal(rec.Body, &c); err != nil {
			return nil, fmt.Errorf("decode candle %s: %w", rec.ID, err)
		}
		if c.BucketStart < from || c.BucketStart > to {
			continue
		}
		out = append(out, &c)
	}
	// ids sort lexically, bucket starts numerically
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart < out[j].BucketStart })
	return out, nil
}
