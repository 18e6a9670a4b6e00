package state

import (
	"math/big"

	fpmath "PerpIndexer/internal/math"
)

// Candle is one OHLC bucket. Prices are base prices in Q96.
type Candle struct {
	ID          string   `json:"id"`
	Market      string   `json:"market"`
	Resolution  int64    `json:"resolution"`  // seconds
	BucketStart int64    `json:"bucketStart"` // unix seconds
	Open        *big.Int `json:"open"`
	High        *big.Int `json:"high"`
	Low         *big.Int `json:"low"`
	Close       *big.Int `json:"close"`
	BaseAmount  *big.Int `json:"baseAmount"`
	QuoteAmount *big.Int `json:"quoteAmount"`
	Updates     int64    `json:"updates"`
	Stamp
}

// NewCandle opens a bucket at the given price.
func NewCandle(market string, resolution, bucketStart int64, priceX96 *big.Int) *Candle {
	return &Candle{
		ID:          CandleID(market, resolution, bucketStart),
		Market:      market,
		Resolution:  resolution,
		BucketStart: bucketStart,
		Open:        fpmath.Clone(priceX96),
		High:        fpmath.Clone(priceX96),
		Low:         fpmath.Clone(priceX96),
		Close:       fpmath.Clone(priceX96),
		BaseAmount:  zero(),
		QuoteAmount: zero(),
	}
}

func (c *Candle) EntityKind() Kind { return KindCandle }
func (c *Candle) EntityID() string { return c.ID }

// Merge folds one price observation and its volume into the bucket.
// High and low are checked independently.
func (c *Candle) Merge(priceX96, baseDelta, quoteDelta *big.Int) {
	c.High = fpmath.Max(c.High, priceX96)
	c.Low = fpmath.Min(c.Low, priceX96)
	c.Close = fpmath.Clone(priceX96)
	c.BaseAmount = fpmath.Add(c.BaseAmount, baseDelta)
	c.QuoteAmount = fpmath.Add(c.QuoteAmount, quoteDelta)
	c.Updates++
}
