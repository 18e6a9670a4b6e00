// internal/state/position.go
package state

import (
	"errors"
	"math/big"

	fpmath "PerpIndexer/internal/math"
)

// TraderTakerInfo is a trader's directional exposure in one market.
// BaseBalance and EntryPriceX96 are derived from BaseBalanceShare, QuoteBalance
// and the market's current growth factor.
type TraderTakerInfo struct {
	ID               string   `json:"id"`
	Trader           string   `json:"trader"`
	Market           string   `json:"market"`
	BaseBalanceShare *big.Int `json:"baseBalanceShare"`
	BaseBalance      *big.Int `json:"baseBalance"`
	QuoteBalance     *big.Int `json:"quoteBalance"`
	EntryPriceX96    *big.Int `json:"entryPriceX96"`
	Stamp
}

func NewTraderTakerInfo(trader, market string) *TraderTakerInfo {
	return &TraderTakerInfo{
		ID:               TraderMarketID(trader, market),
		Trader:           trader,
		Market:           market,
		BaseBalanceShare: zero(),
		BaseBalance:      zero(),
		QuoteBalance:     zero(),
		EntryPriceX96:    zero(),
	}
}

func (t *TraderTakerInfo) EntityKind() Kind { return KindTakerInfo }
func (t *TraderTakerInfo) EntityID() string { return t.ID }

// ApplyTrade books a taker fill: the share delta is added, the quote delta
// net of realized PnL is added, and derived fields are re-synchronised.
func (t *TraderTakerInfo) ApplyTrade(baseShare, quote, realizedPnl, baseBalancePerShareX96 *big.Int) {
	t.BaseBalanceShare = fpmath.Add(t.BaseBalanceShare, baseShare)
	t.QuoteBalance = fpmath.Sub(fpmath.Add(t.QuoteBalance, quote), realizedPnl)
	t.Resync(baseBalancePerShareX96)
}

// Resync re-derives BaseBalance and EntryPriceX96 from the share count and
// reports whether the balance moved.
func (t *TraderTakerInfo) Resync(baseBalancePerShareX96 *big.Int) bool {
	prev := t.BaseBalance
	t.BaseBalance = fpmath.ShareToBalance(t.BaseBalanceShare, baseBalancePerShareX96)
	t.EntryPriceX96 = entryPriceOrZero(t.QuoteBalance, t.BaseBalance)
	return changed(prev, t.BaseBalance)
}

// TraderMakerInfo is a trader's liquidity-provider state in one market.
type TraderMakerInfo struct {
	ID                          string   `json:"id"`
	Trader                      string   `json:"trader"`
	Market                      string   `json:"market"`
	BaseDebtShare               *big.Int `json:"baseDebtShare"`
	BaseDebtBalance             *big.Int `json:"baseDebtBalance"`
	QuoteDebt                   *big.Int `json:"quoteDebt"`
	Liquidity                   *big.Int `json:"liquidity"`
	CumBaseSharePerLiquidityX96 *big.Int `json:"cumBaseSharePerLiquidityX96"`
	CumQuotePerLiquidityX96     *big.Int `json:"cumQuotePerLiquidityX96"`
	Stamp
}

func NewTraderMakerInfo(trader, market string) *TraderMakerInfo {
	return &TraderMakerInfo{
		ID:                          TraderMarketID(trader, market),
		Trader:                      trader,
		Market:                      market,
		BaseDebtShare:               zero(),
		BaseDebtBalance:             zero(),
		QuoteDebt:                   zero(),
		Liquidity:                   zero(),
		CumBaseSharePerLiquidityX96: zero(),
		CumQuotePerLiquidityX96:     zero(),
	}
}

func (m *TraderMakerInfo) EntityKind() Kind { return KindMakerInfo }
func (m *TraderMakerInfo) EntityID() string { return m.ID }

// AddLiquidity books new LP units and snapshots the pool accumulators.
func (m *TraderMakerInfo) AddLiquidity(liquidity, cumBasePerLiquidityX96, cumQuotePerLiquidityX96 *big.Int) {
	m.Liquidity = fpmath.Add(m.Liquidity, liquidity)
	m.CumBaseSharePerLiquidityX96 = fpmath.Clone(cumBasePerLiquidityX96)
	m.CumQuotePerLiquidityX96 = fpmath.Clone(cumQuotePerLiquidityX96)
}

// RemoveLiquidity releases LP units. The part of the removed range that was
// not converted into taker exposure reduces the maker debt.
func (m *TraderMakerInfo) RemoveLiquidity(base, quote, liquidity, takerBase, takerQuote, baseBalancePerShareX96 *big.Int) {
	m.BaseDebtShare = fpmath.Add(fpmath.Sub(m.BaseDebtShare, base), takerBase)
	m.BaseDebtBalance = fpmath.ShareToBalance(m.BaseDebtShare, baseBalancePerShareX96)
	m.QuoteDebt = fpmath.Add(fpmath.Sub(m.QuoteDebt, quote), takerQuote)
	m.Liquidity = fpmath.Sub(m.Liquidity, liquidity)
}

func (m *TraderMakerInfo) Resync(baseBalancePerShareX96 *big.Int) bool {
	prev := m.BaseDebtBalance
	m.BaseDebtBalance = fpmath.ShareToBalance(m.BaseDebtShare, baseBalancePerShareX96)
	return changed(prev, m.BaseDebtBalance)
}

// OpenOrder is a maker's still-open range order in one market.
type OpenOrder struct {
	ID                   string   `json:"id"`
	Maker                string   `json:"maker"`
	Market               string   `json:"market"`
	Base                 *big.Int `json:"base"`
	Quote                *big.Int `json:"quote"`
	Liquidity            *big.Int `json:"liquidity"`
	RealizedPnl          *big.Int `json:"realizedPnl"`
	TraderMakerInfoRefID string   `json:"traderMakerInfoRefId"`
	MarketRefID          string   `json:"marketRefId"`
	Stamp
}

func NewOpenOrder(maker, market string) *OpenOrder {
	return &OpenOrder{
		ID:          TraderMarketID(maker, market),
		Maker:       maker,
		Market:      market,
		Base:        zero(),
		Quote:       zero(),
		Liquidity:   zero(),
		RealizedPnl: zero(),
	}
}

func (o *OpenOrder) EntityKind() Kind { return KindOpenOrder }
func (o *OpenOrder) EntityID() string { return o.ID }

func (o *OpenOrder) Add(base, quote, liquidity *big.Int) {
	o.Base = fpmath.Add(o.Base, base)
	o.Quote = fpmath.Add(o.Quote, quote)
	o.Liquidity = fpmath.Add(o.Liquidity, liquidity)
}

func (o *OpenOrder) Remove(base, quote, liquidity, takerBase, takerQuote, realizedPnl *big.Int) {
	o.Base = fpmath.Add(fpmath.Sub(o.Base, base), takerBase)
	o.Quote = fpmath.Add(fpmath.Sub(o.Quote, quote), takerQuote)
	o.Liquidity = fpmath.Sub(o.Liquidity, liquidity)
	o.RealizedPnl = fpmath.Add(o.RealizedPnl, realizedPnl)
}

// Position is the per-trader-per-market view used by the UI.
type Position struct {
	ID            string   `json:"id"`
	Trader        string   `json:"trader"`
	Market        string   `json:"market"`
	BaseShare     *big.Int `json:"baseShare"`
	BaseBalance   *big.Int `json:"baseBalance"`
	OpenNotional  *big.Int `json:"openNotional"`
	EntryPriceX96 *big.Int `json:"entryPriceX96"`
	RealizedPnl   *big.Int `json:"realizedPnl"`
	TradingVolume *big.Int `json:"tradingVolume"`
	Stamp
}

func NewPosition(trader, market string) *Position {
	return &Position{
		ID:            TraderMarketID(trader, market),
		Trader:        trader,
		Market:        market,
		BaseShare:     zero(),
		BaseBalance:   zero(),
		OpenNotional:  zero(),
		EntryPriceX96: zero(),
		RealizedPnl:   zero(),
		TradingVolume: zero(),
	}
}

func (p *Position) EntityKind() Kind { return KindPosition }
func (p *Position) EntityID() string { return p.ID }

func (p *Position) ApplyTrade(baseShare, quote, realizedPnl, baseBalancePerShareX96 *big.Int) {
	p.BaseShare = fpmath.Add(p.BaseShare, baseShare)
	p.BaseBalance = fpmath.ShareToBalance(p.BaseShare, baseBalancePerShareX96)
	p.OpenNotional = fpmath.Sub(fpmath.Add(p.OpenNotional, quote), realizedPnl)
	p.EntryPriceX96 = entryPriceOrZero(p.OpenNotional, p.BaseBalance)
	p.RealizedPnl = fpmath.Add(p.RealizedPnl, realizedPnl)
	p.TradingVolume = fpmath.Add(p.TradingVolume, fpmath.Abs(quote))
}

func (p *Position) Resync(baseBalancePerShareX96 *big.Int) bool {
	prev := p.BaseBalance
	p.BaseBalance = fpmath.ShareToBalance(p.BaseShare, baseBalancePerShareX96)
	p.EntryPriceX96 = entryPriceOrZero(p.OpenNotional, p.BaseBalance)
	return changed(prev, p.BaseBalance)
}

// MarketMember records that a trader holds share-denominated rows in a
// market, so a growth factor change can find every row to re-derive.
type MarketMember struct {
	ID     string `json:"id"`
	Market string `json:"market"`
	Trader string `json:"trader"`
}

func NewMarketMember(market, trader string) *MarketMember {
	return &MarketMember{ID: MarketMemberID(market, trader), Market: market, Trader: trader}
}

func (m *MarketMember) EntityKind() Kind { return KindMarketMember }
func (m *MarketMember) EntityID() string { return m.ID }

// entryPriceOrZero defines the entry price of a flat position as zero.
func entryPriceOrZero(quote, base *big.Int) *big.Int {
	price, err := fpmath.EntryPriceX96(quote, base)
	if errors.Is(err, fpmath.ErrDivisionByZero) {
		return zero()
	}
	return price
}

func changed(prev, next *big.Int) bool {
	return prev == nil || prev.Cmp(next) != 0
}
