package core

import (
	"context"
	"fmt"
	"math/big"

	"PerpIndexer/internal/candle"
	"PerpIndexer/internal/event"
	"PerpIndexer/internal/history"
	fpmath "PerpIndexer/internal/math"
	"PerpIndexer/internal/state"
	"PerpIndexer/internal/store"
)

type toucher interface {
	Touch(blockNumber uint64, timestampMs int64)
}

func touch(meta event.Envelope, rows ...toucher) {
	ms := meta.TimestampMs()
	for _, r := range rows {
		r.Touch(meta.BlockNumber, ms)
	}
}

// setGrowth moves the market growth factor and re-derives every stored
// share-denominated balance in the market from it.
func (e *Engine) setGrowth(ctx context.Context, repo *store.Repo, meta event.Envelope, m *state.Market, bbps *big.Int) error {
	if m.BaseBalancePerShareX96 != nil && m.BaseBalancePerShareX96.Cmp(bbps) == 0 {
		return nil
	}
	m.BaseBalancePerShareX96 = fpmath.Clone(bbps)

	traders, err := repo.MarketMembers(ctx, m.Address)
	if err != nil {
		return err
	}
	for _, trader := range traders {
		tk, ok, err := repo.FindTakerInfo(ctx, trader, m.Address)
		if err != nil {
			return err
		}
		if ok && tk.Resync(bbps) {
			touch(meta, tk)
		}
		pos, ok, err := repo.FindPosition(ctx, trader, m.Address)
		if err != nil {
			return err
		}
		if ok && pos.Resync(bbps) {
			touch(meta, pos)
		}
		mk, ok, err := repo.FindMakerInfo(ctx, trader, m.Address)
		if err != nil {
			return err
		}
		if ok && mk.Resync(bbps) {
			touch(meta, mk)
		}
		h, ok, err := repo.FindPositionHistory(ctx, trader, m.Address)
		if err != nil {
			return err
		}
		if ok && h.Resync(bbps) {
			touch(meta, h)
		}
	}
	e.logger.Debug().Str("market", m.Address).Int("members", len(traders)).Msg("growth factor resync")
	return nil
}

// dispatch routes the event to its handler. Adding an event type without a
// case here fails every Apply of that type.
func (e *Engine) dispatch(ctx context.Context, repo *store.Repo, evt event.Event) (*MarketAllowedNotice, error) {
	switch ev := evt.(type) {
	case *event.Deposited:
		return nil, e.handleDeposited(ctx, repo, ev)
	case *event.Withdrawn:
		return nil, e.handleWithdrawn(ctx, repo, ev)
	case *event.InsuranceFundTransferred:
		return nil, e.handleInsuranceFundTransferred(ctx, repo, ev)
	case *event.ProtocolFeeTransferred:
		return nil, e.handleProtocolFeeTransferred(ctx, repo, ev)
	case *event.LiquidityAddedExchange:
		return nil, e.handleLiquidityAddedExchange(ctx, repo, ev)
	case *event.LiquidityRemovedExchange:
		return nil, e.handleLiquidityRemovedExchange(ctx, repo, ev)
	case *event.LiquidityAddedMarket:
		return nil, e.handleLiquidityAddedMarket(ctx, repo, ev)
	case *event.LiquidityRemovedMarket:
		return nil, e.handleLiquidityRemovedMarket(ctx, repo, ev)
	case *event.PositionChanged:
		return nil, e.handlePositionChanged(ctx, repo, ev)
	case *event.PositionLiquidated:
		return nil, e.handlePositionLiquidated(ctx, repo, ev)
	case *event.FundingPaid:
		return nil, e.handleFundingPaid(ctx, repo, ev)
	case *event.Swapped:
		return nil, e.handleSwapped(ctx, repo, ev)
	case *event.IsMarketAllowedChanged:
		return e.handleIsMarketAllowedChanged(ctx, repo, ev)
	case *event.MaxMarketsPerAccountChanged,
		*event.ImRatioChanged,
		*event.MmRatioChanged,
		*event.LiquidationRewardConfigChanged,
		*event.ProtocolFeeRatioChanged:
		return nil, e.handleProtocolParams(ctx, repo, ev)
	case *event.PoolFeeRatioChanged,
		*event.FundingMaxPremiumRatioChanged,
		*event.FundingMaxElapsedSecChanged,
		*event.FundingRolloverSecChanged,
		*event.PriceLimitConfigChanged:
		return nil, e.handleMarketParams(ctx, repo, ev)
	default:
		return nil, fmt.Errorf("%w: unhandled event type %T", ErrMalformedEvent, evt)
	}
}

// --- collateral ---

func (e *Engine) handleDeposited(ctx context.Context, repo *store.Repo, ev *event.Deposited) error {
	tr, err := repo.Trader(ctx, ev.Trader)
	if err != nil {
		return err
	}
	p, err := repo.Protocol(ctx, e.opts.ProtocolMeta)
	if err != nil {
		return err
	}
	tr.Credit(ev.Amount)
	p.TotalValueLocked = fpmath.Add(p.TotalValueLocked, ev.Amount)
	touch(ev.Meta(), tr, p)
	return nil
}

// handleWithdrawn may drive collateral negative; bad debt is derived on read.
func (e *Engine) handleWithdrawn(ctx context.Context, repo *store.Repo, ev *event.Withdrawn) error {
	tr, err := repo.Trader(ctx, ev.Trader)
	if err != nil {
		return err
	}
	p, err := repo.Protocol(ctx, e.opts.ProtocolMeta)
	if err != nil {
		return err
	}
	tr.Debit(ev.Amount)
	p.TotalValueLocked = fpmath.Sub(p.TotalValueLocked, ev.Amount)
	touch(ev.Meta(), tr, p)
	return nil
}

func (e *Engine) handleInsuranceFundTransferred(ctx context.Context, repo *store.Repo, ev *event.InsuranceFundTransferred) error {
	tr, err := repo.Trader(ctx, ev.Trader)
	if err != nil {
		return err
	}
	p, err := repo.Protocol(ctx, e.opts.ProtocolMeta)
	if err != nil {
		return err
	}
	tr.Credit(ev.Amount)
	p.InsuranceFundBalance = fpmath.Sub(p.InsuranceFundBalance, ev.Amount)
	touch(ev.Meta(), tr, p)
	return nil
}

func (e *Engine) handleProtocolFeeTransferred(ctx context.Context, repo *store.Repo, ev *event.ProtocolFeeTransferred) error {
	tr, err := repo.Trader(ctx, ev.Trader)
	if err != nil {
		return err
	}
	p, err := repo.Protocol(ctx, e.opts.ProtocolMeta)
	if err != nil {
		return err
	}
	tr.Credit(ev.Amount)
	if e.opts.ProtocolFeeDebit == FeeDebitInsuranceFund {
		p.InsuranceFundBalance = fpmath.Sub(p.InsuranceFundBalance, ev.Amount)
	} else {
		p.ProtocolFee = fpmath.Sub(p.ProtocolFee, ev.Amount)
	}
	touch(ev.Meta(), tr, p)
	return nil
}

// --- liquidity ---

func (e *Engine) handleLiquidityAddedExchange(ctx context.Context, repo *store.Repo, ev *event.LiquidityAddedExchange) error {
	meta := ev.Meta()
	m, err := repo.Market(ctx, ev.Market)
	if err != nil {
		return err
	}
	if err := e.setGrowth(ctx, repo, meta, m, ev.BaseBalancePerShareX96); err != nil {
		return err
	}
	m.SharePriceAfterX96 = fpmath.Clone(ev.SharePriceAfterX96)

	mk, err := repo.MakerInfo(ctx, ev.Trader, ev.Market)
	if err != nil {
		return err
	}
	mk.AddLiquidity(ev.Liquidity, ev.CumBasePerLiquidityX96, ev.CumQuotePerLiquidityX96)

	oo, err := repo.OpenOrder(ctx, ev.Trader, ev.Market)
	if err != nil {
		return err
	}
	oo.Add(ev.Base, ev.Quote, ev.Liquidity)
	oo.TraderMakerInfoRefID = mk.ID
	oo.MarketRefID = m.Address

	tr, err := repo.Trader(ctx, ev.Trader)
	if err != nil {
		return err
	}
	tr.AddMarket(ev.Market)
	touch(meta, m, mk, oo, tr)

	price, err := candle.PriceX96(ev.SharePriceAfterX96, ev.BaseBalancePerShareX96)
	if err != nil {
		return err
	}
	if err := e.candles.Upsert(ctx, repo, ev.Market, meta.BlockTimestamp, price, fpmath.Zero(), fpmath.Zero(), meta.BlockNumber); err != nil {
		return err
	}
	return e.history.AppendLiquidity(ctx, repo, history.LiquidityEntry{
		Trader:      ev.Trader,
		Market:      ev.Market,
		Base:        ev.Base,
		Quote:       ev.Quote,
		Liquidity:   ev.Liquidity,
		BlockNumber: meta.BlockNumber,
		TimestampMs: meta.TimestampMs(),
	})
}

// handleLiquidityRemovedExchange settles the taker side of the removed range:
// the part of the range that was traded against becomes taker exposure.
func (e *Engine) handleLiquidityRemovedExchange(ctx context.Context, repo *store.Repo, ev *event.LiquidityRemovedExchange) error {
	meta := ev.Meta()
	bbps := ev.BaseBalancePerShareX96

	m, err := repo.Market(ctx, ev.Market)
	if err != nil {
		return err
	}
	if err := e.setGrowth(ctx, repo, meta, m, bbps); err != nil {
		return err
	}
	m.SharePriceAfterX96 = fpmath.Clone(ev.SharePriceAfterX96)

	tr, err := repo.Trader(ctx, ev.Trader)
	if err != nil {
		return err
	}
	tr.AddMarket(ev.Market)
	tr.Credit(ev.RealizedPnl)

	tk, err := repo.TakerInfo(ctx, ev.Trader, ev.Market)
	if err != nil {
		return err
	}
	tk.ApplyTrade(ev.TakerBase, ev.TakerQuote, ev.RealizedPnl, bbps)

	mk, err := repo.MakerInfo(ctx, ev.Trader, ev.Market)
	if err != nil {
		return err
	}
	mk.RemoveLiquidity(ev.Base, ev.Quote, ev.Liquidity, ev.TakerBase, ev.TakerQuote, bbps)

	oo, err := repo.OpenOrder(ctx, ev.Trader, ev.Market)
	if err != nil {
		return err
	}
	oo.Remove(ev.Base, ev.Quote, ev.Liquidity, ev.TakerBase, ev.TakerQuote, ev.RealizedPnl)
	touch(meta, m, tr, tk, mk, oo)

	price, err := candle.PriceX96(ev.SharePriceAfterX96, bbps)
	if err != nil {
		return err
	}
	if err := e.candles.Upsert(ctx, repo, ev.Market, meta.BlockTimestamp, price, fpmath.Zero(), fpmath.Zero(), meta.BlockNumber); err != nil {
		return err
	}
	if err := e.history.AppendLiquidity(ctx, repo, history.LiquidityEntry{
		Trader:      ev.Trader,
		Market:      ev.Market,
		Base:        fpmath.Neg(ev.Base),
		Quote:       fpmath.Neg(ev.Quote),
		Liquidity:   fpmath.Neg(ev.Liquidity),
		BlockNumber: meta.BlockNumber,
		TimestampMs: meta.TimestampMs(),
	}); err != nil {
		return err
	}
	return e.history.AddDaySummary(ctx, repo, history.DayEntry{
		Trader:      ev.Trader,
		RealizedPnl: ev.RealizedPnl,
		BlockNumber: meta.BlockNumber,
		TimestampMs: meta.TimestampMs(),
	})
}

func (e *Engine) handleLiquidityAddedMarket(ctx context.Context, repo *store.Repo, ev *event.LiquidityAddedMarket) error {
	meta := ev.Meta()
	m, err := repo.Market(ctx, ev.ContractAddress)
	if err != nil {
		return err
	}
	m.AdjustReserves(ev.Base, ev.Quote, ev.Liquidity)
	if m.BlockNumberAdded == 0 {
		m.BlockNumberAdded = meta.BlockNumber
		m.TimestampAdded = meta.TimestampMs()
	}
	touch(meta, m)
	return nil
}

func (e *Engine) handleLiquidityRemovedMarket(ctx context.Context, repo *store.Repo, ev *event.LiquidityRemovedMarket) error {
	m, err := repo.Market(ctx, ev.ContractAddress)
	if err != nil {
		return err
	}
	m.AdjustReserves(fpmath.Neg(ev.Base), fpmath.Neg(ev.Quote), fpmath.Neg(ev.Liquidity))
	touch(ev.Meta(), m)
	return nil
}

// --- taker settlement ---

type takerFill struct {
	trader      string
	market      string
	base        *big.Int
	quote       *big.Int
	realizedPnl *big.Int
	protocolFee *big.Int
	bbps        *big.Int
	sharePrice  *big.Int
}

// settleTaker books a taker fill on every row except the trader's
// collateral, which differs between a trade and a liquidation.
func (e *Engine) settleTaker(ctx context.Context, repo *store.Repo, meta event.Envelope, f takerFill) error {
	absBase := fpmath.Abs(f.base)
	absQuote := fpmath.Abs(f.quote)

	m, err := repo.Market(ctx, f.market)
	if err != nil {
		return err
	}
	if err := e.setGrowth(ctx, repo, meta, m, f.bbps); err != nil {
		return err
	}
	m.SharePriceAfterX96 = fpmath.Clone(f.sharePrice)
	m.TradingVolume = fpmath.Add(m.TradingVolume, absQuote)

	tk, err := repo.TakerInfo(ctx, f.trader, f.market)
	if err != nil {
		return err
	}
	tk.ApplyTrade(f.base, f.quote, f.realizedPnl, f.bbps)

	pos, err := repo.Position(ctx, f.trader, f.market)
	if err != nil {
		return err
	}
	pos.ApplyTrade(f.base, f.quote, f.realizedPnl, f.bbps)

	tr, err := repo.Trader(ctx, f.trader)
	if err != nil {
		return err
	}
	tr.AddMarket(f.market)

	p, err := repo.Protocol(ctx, e.opts.ProtocolMeta)
	if err != nil {
		return err
	}
	p.ProtocolFee = fpmath.Add(p.ProtocolFee, f.protocolFee)
	p.TradingVolume = fpmath.Add(p.TradingVolume, absQuote)
	touch(meta, m, tk, pos, tr, p)

	price, err := candle.PriceX96(f.sharePrice, f.bbps)
	if err != nil {
		return err
	}
	if err := e.candles.Upsert(ctx, repo, f.market, meta.BlockTimestamp, price, absBase, absQuote, meta.BlockNumber); err != nil {
		return err
	}
	if err := e.history.AppendPosition(ctx, repo, history.PositionEntry{
		Trader:                 f.trader,
		Market:                 f.market,
		Base:                   f.base,
		Quote:                  f.quote,
		RealizedPnl:            f.realizedPnl,
		ProtocolFee:            f.protocolFee,
		BaseBalancePerShareX96: f.bbps,
		BlockNumber:            meta.BlockNumber,
		TimestampMs:            meta.TimestampMs(),
	}); err != nil {
		return err
	}
	return e.history.AddDaySummary(ctx, repo, history.DayEntry{
		Trader:        f.trader,
		RealizedPnl:   f.realizedPnl,
		ProtocolFee:   f.protocolFee,
		TradingVolume: absQuote,
		Trade:         true,
		BlockNumber:   meta.BlockNumber,
		TimestampMs:   meta.TimestampMs(),
	})
}

func (e *Engine) handlePositionChanged(ctx context.Context, repo *store.Repo, ev *event.PositionChanged) error {
	if err := e.settleTaker(ctx, repo, ev.Meta(), takerFill{
		trader:      ev.Trader,
		market:      ev.Market,
		base:        ev.Base,
		quote:       ev.Quote,
		realizedPnl: ev.RealizedPnl,
		protocolFee: ev.ProtocolFee,
		bbps:        ev.BaseBalancePerShareX96,
		sharePrice:  ev.SharePriceAfterX96,
	}); err != nil {
		return err
	}
	tr, err := repo.Trader(ctx, ev.Trader)
	if err != nil {
		return err
	}
	tr.Credit(ev.RealizedPnl)
	return nil
}

// handlePositionLiquidated mutates two accounts. When the trader liquidates
// itself both resolve to the same row and both deltas land on it.
func (e *Engine) handlePositionLiquidated(ctx context.Context, repo *store.Repo, ev *event.PositionLiquidated) error {
	meta := ev.Meta()
	if err := e.settleTaker(ctx, repo, meta, takerFill{
		trader:      ev.Trader,
		market:      ev.Market,
		base:        ev.Base,
		quote:       ev.Quote,
		realizedPnl: ev.RealizedPnl,
		protocolFee: ev.ProtocolFee,
		bbps:        ev.BaseBalancePerShareX96,
		sharePrice:  ev.SharePriceAfterX96,
	}); err != nil {
		return err
	}

	tr, err := repo.Trader(ctx, ev.Trader)
	if err != nil {
		return err
	}
	tr.Credit(fpmath.Sub(ev.RealizedPnl, ev.LiquidationPenalty))

	liq, err := repo.Trader(ctx, ev.Liquidator)
	if err != nil {
		return err
	}
	liq.Credit(ev.LiquidationReward)
	liq.AddMarket(ev.Market)

	p, err := repo.Protocol(ctx, e.opts.ProtocolMeta)
	if err != nil {
		return err
	}
	p.InsuranceFundBalance = fpmath.Add(p.InsuranceFundBalance, ev.InsuranceFundReward)
	touch(meta, liq)
	return nil
}

// --- market ---

// handleFundingPaid de-leverages the pool and re-derives every stored balance
// in the market. The event's own accumulators are authoritative and replace
// the computed ones.
func (e *Engine) handleFundingPaid(ctx context.Context, repo *store.Repo, ev *event.FundingPaid) error {
	m, err := repo.Market(ctx, ev.ContractAddress)
	if err != nil {
		return err
	}
	s, err := fpmath.ComputeFundingSettlement(fpmath.PoolReserves{
		BaseAmount:              m.BaseAmount,
		QuoteAmount:             m.QuoteAmount,
		Liquidity:               m.Liquidity,
		BaseBalancePerShareX96:  m.BaseBalancePerShareX96,
		CumBasePerLiquidityX96:  m.CumBasePerLiquidityX96,
		CumQuotePerLiquidityX96: m.CumQuotePerLiquidityX96,
	}, ev.FundingRateX96)
	if err != nil {
		return fmt.Errorf("funding settlement %s: %w", m.Address, err)
	}
	if err := e.setGrowth(ctx, repo, ev.Meta(), m, s.BaseBalancePerShareX96); err != nil {
		return err
	}
	m.BaseAmount = s.BaseAmount
	m.QuoteAmount = s.QuoteAmount
	m.MarkPriceX96 = fpmath.Clone(ev.MarkPriceX96)
	m.CumBasePerLiquidityX96 = fpmath.Clone(ev.CumBasePerLiquidityX96)
	m.CumQuotePerLiquidityX96 = fpmath.Clone(ev.CumQuotePerLiquidityX96)
	touch(ev.Meta(), m)
	return nil
}

func (e *Engine) handleSwapped(ctx context.Context, repo *store.Repo, ev *event.Swapped) error {
	m, err := repo.Market(ctx, ev.ContractAddress)
	if err != nil {
		return err
	}
	base, quote := ev.ReserveDeltas()
	m.AdjustReserves(base, quote, nil)
	touch(ev.Meta(), m)
	return nil
}

func (e *Engine) handleIsMarketAllowedChanged(ctx context.Context, repo *store.Repo, ev *event.IsMarketAllowedChanged) (*MarketAllowedNotice, error) {
	meta := ev.Meta()
	m, err := repo.Market(ctx, ev.Market)
	if err != nil {
		return nil, err
	}
	p, err := repo.Protocol(ctx, e.opts.ProtocolMeta)
	if err != nil {
		return nil, err
	}
	if m.IsMarketAllowed != ev.IsMarketAllowed {
		if ev.IsMarketAllowed {
			p.PublicMarketCount++
		} else {
			p.PublicMarketCount--
		}
	}
	m.IsMarketAllowed = ev.IsMarketAllowed
	m.AllowedChangedAt = meta.TimestampMs()
	touch(meta, m, p)

	return &MarketAllowedNotice{
		Market:      m.Address,
		Allowed:     ev.IsMarketAllowed,
		BlockNumber: meta.BlockNumber,
		Timestamp:   meta.TimestampMs(),
	}, nil
}

// --- parameters ---

func (e *Engine) handleProtocolParams(ctx context.Context, repo *store.Repo, evt event.Event) error {
	p, err := repo.Protocol(ctx, e.opts.ProtocolMeta)
	if err != nil {
		return err
	}
	switch ev := evt.(type) {
	case *event.MaxMarketsPerAccountChanged:
		p.MaxMarketsPerAccount = ev.Value
	case *event.ImRatioChanged:
		p.ImRatio = ev.Value
	case *event.MmRatioChanged:
		p.MmRatio = ev.Value
	case *event.LiquidationRewardConfigChanged:
		p.RewardRatio = ev.RewardRatio
		p.SmoothEmaTime = ev.SmoothEmaTime
	case *event.ProtocolFeeRatioChanged:
		p.ProtocolFeeRatio = ev.Value
	}
	touch(evt.Meta(), p)
	return nil
}

func (e *Engine) handleMarketParams(ctx context.Context, repo *store.Repo, evt event.Event) error {
	m, err := repo.Market(ctx, evt.Meta().ContractAddress)
	if err != nil {
		return err
	}
	switch ev := evt.(type) {
	case *event.PoolFeeRatioChanged:
		m.PoolFeeRatio = ev.Value
	case *event.FundingMaxPremiumRatioChanged:
		m.MaxPremiumRatio = ev.Value
	case *event.FundingMaxElapsedSecChanged:
		m.FundingMaxElapsedSec = ev.Value
	case *event.FundingRolloverSecChanged:
		m.FundingRolloverSec = ev.Value
	case *event.PriceLimitConfigChanged:
		m.NormalOrderRatio = ev.NormalOrderRatio
		m.LiquidationRatio = ev.LiquidationRatio
		m.EmaNormalOrderRatio = ev.EmaNormalOrderRatio
		m.EmaLiquidationRatio = ev.EmaLiquidationRatio
		m.EmaSec = ev.EmaSec
	}
	touch(evt.Meta(), m)
	return nil
}
