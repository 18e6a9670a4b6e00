package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"PerpIndexer/internal/candle"
	"PerpIndexer/internal/event"
	"PerpIndexer/internal/history"
	"PerpIndexer/internal/ledger"
	"PerpIndexer/internal/projection"
	"PerpIndexer/internal/state"
	"PerpIndexer/internal/store"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnavailable     = errors.New("not available")
)

// MaxCandles bounds one candle range response.
const MaxCandles = 5000

type Options struct {
	CollateralDecimals int32
	// ProtocolFeeDebit must match the engine option so that reconciliation
	// books ProtocolFeeTransferred against the same account.
	ProtocolFeeDebit string
}

// QueryService provides read-only access to the entity store. Every
// response reflects the store as committed; AsOfOrderKey is the checkpoint
// read alongside it.
type QueryService struct {
	reader  store.Reader
	funding *projection.FundingHistory
	opts    Options
}

// NewQueryService builds the service. funding may be nil when no cache is
// configured; FundingHistory then reports ErrUnavailable.
func NewQueryService(reader store.Reader, funding *projection.FundingHistory, opts Options) *QueryService {
	if opts.CollateralDecimals <= 0 {
		opts.CollateralDecimals = DefaultCollateralDecimals
	}
	return &QueryService{reader: reader, funding: funding, opts: opts}
}

func (qs *QueryService) get(ctx context.Context, kind state.Kind, id string, dst any) error {
	found, err := qs.reader.Get(ctx, kind, id, dst)
	if err != nil {
		return fmt.Errorf("load %s %s: %w", kind, id, err)
	}
	if !found {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func normalize(addr string) (string, error) {
	a, err := event.NormalizeAddress(addr)
	if err != nil {
		return "", fmt.Errorf("%w: address %q", ErrInvalidArgument, addr)
	}
	return a, nil
}

// getWatermark returns the last applied order key, zero before any event.
func (qs *QueryService) getWatermark(ctx context.Context) (uint64, error) {
	var cp state.Checkpoint
	if _, err := qs.reader.Get(ctx, state.KindCheckpoint, state.CheckpointID, &cp); err != nil {
		return 0, fmt.Errorf("watermark: %w", err)
	}
	return cp.LastOrderKey, nil
}

// GetStatus returns the engine checkpoint.
func (qs *QueryService) GetStatus(ctx context.Context) (*StatusResponse, error) {
	var cp state.Checkpoint
	if _, err := qs.reader.Get(ctx, state.KindCheckpoint, state.CheckpointID, &cp); err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return &StatusResponse{
		LastOrderKey:  cp.LastOrderKey,
		LastLogID:     cp.LastLogID,
		StateHash:     cp.StateHash,
		EventsApplied: cp.EventsApplied,
		UpdatedAt:     cp.UpdatedAt,
	}, nil
}

// GetTrader returns a trader's collateral account.
func (qs *QueryService) GetTrader(ctx context.Context, address string) (*TraderResponse, error) {
	addr, err := normalize(address)
	if err != nil {
		return nil, err
	}
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	var tr state.Trader
	if err := qs.get(ctx, state.KindTrader, addr, &tr); err != nil {
		return nil, err
	}
	d := qs.opts.CollateralDecimals
	markets := tr.Markets
	if markets == nil {
		markets = []string{}
	}
	return &TraderResponse{
		Address:      tr.Address,
		Collateral:   amount(tr.CollateralBalance, d),
		BadDebt:      amount(tr.BadDebt(), d),
		Markets:      markets,
		BlockNumber:  tr.BlockNumber,
		Timestamp:    tr.Timestamp,
		AsOfOrderKey: asOf,
	}, nil
}

// GetPositions returns the trader's position in every market it touched.
func (qs *QueryService) GetPositions(ctx context.Context, address string) ([]PositionResponse, error) {
	addr, err := normalize(address)
	if err != nil {
		return nil, err
	}
	var tr state.Trader
	if err := qs.get(ctx, state.KindTrader, addr, &tr); err != nil {
		return nil, err
	}
	out := make([]PositionResponse, 0, len(tr.Markets))
	for _, m := range tr.Markets {
		p, err := qs.GetPosition(ctx, addr, m)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

// GetPosition returns one trader-market position. Taker and maker rows are
// each optional; the position is not found only when both are absent.
func (qs *QueryService) GetPosition(ctx context.Context, trader, market string) (*PositionResponse, error) {
	tAddr, err := normalize(trader)
	if err != nil {
		return nil, err
	}
	mAddr, err := normalize(market)
	if err != nil {
		return nil, err
	}
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var mk state.Market
	if err := qs.get(ctx, state.KindMarket, mAddr, &mk); err != nil {
		return nil, err
	}

	id := state.TraderMarketID(tAddr, mAddr)
	taker := state.NewTraderTakerInfo(tAddr, mAddr)
	hasTaker, err := qs.reader.Get(ctx, state.KindTakerInfo, id, taker)
	if err != nil {
		return nil, fmt.Errorf("load taker info %s: %w", id, err)
	}
	maker := state.NewTraderMakerInfo(tAddr, mAddr)
	hasMaker, err := qs.reader.Get(ctx, state.KindMakerInfo, id, maker)
	if err != nil {
		return nil, fmt.Errorf("load maker info %s: %w", id, err)
	}
	if !hasTaker && !hasMaker {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	pos := state.NewPosition(tAddr, mAddr)
	if _, err := qs.reader.Get(ctx, state.KindPosition, id, pos); err != nil {
		return nil, fmt.Errorf("load position %s: %w", id, err)
	}

	// Stored baseBalance is as of the last touch; funding since then has
	// moved the growth factor.
	if mk.BaseBalancePerShareX96 != nil && mk.BaseBalancePerShareX96.Sign() > 0 {
		taker.Resync(mk.BaseBalancePerShareX96)
	}

	d := qs.opts.CollateralDecimals
	resp := &PositionResponse{
		Trader:           tAddr,
		Market:           mAddr,
		BaseBalanceShare: taker.BaseBalanceShare.String(),
		BaseBalance:      amount(taker.BaseBalance, d),
		QuoteBalance:     amount(taker.QuoteBalance, d),
		EntryPrice:       x96(taker.EntryPriceX96),
		MarkPrice:        x96(mk.MarkPriceX96),
		RealizedPnl:      amount(pos.RealizedPnl, d),
		TradingVolume:    amount(pos.TradingVolume, d),
		Liquidity:        amount(maker.Liquidity, 0),
		BlockNumber:      max(taker.BlockNumber, maker.BlockNumber),
		Timestamp:        max(taker.Timestamp, maker.Timestamp),
		AsOfOrderKey:     asOf,
	}
	if pnl, ok := unrealizedPnl(taker.BaseBalance, taker.QuoteBalance, mk.MarkPriceX96); ok {
		v := amount(pnl, d)
		resp.UnrealizedPnl = &v
	}
	return resp, nil
}

func marketResponse(mk *state.Market, decimals int32) MarketResponse {
	price, err := candle.PriceX96(mk.SharePriceAfterX96, mk.BaseBalancePerShareX96)
	if err != nil {
		price = nil
	}
	return MarketResponse{
		Address:              mk.Address,
		BaseToken:            mk.BaseToken,
		QuoteToken:           mk.QuoteToken,
		BaseAmount:           amount(mk.BaseAmount, decimals),
		QuoteAmount:          amount(mk.QuoteAmount, decimals),
		Liquidity:            amount(mk.Liquidity, 0),
		Price:                x96(price),
		MarkPrice:            x96(mk.MarkPriceX96),
		BaseBalancePerShare:  x96(mk.BaseBalancePerShareX96),
		TradingVolume:        amount(mk.TradingVolume, decimals),
		IsMarketAllowed:      mk.IsMarketAllowed,
		PoolFeeRatio:         mk.PoolFeeRatio,
		MaxPremiumRatio:      mk.MaxPremiumRatio,
		FundingMaxElapsedSec: mk.FundingMaxElapsedSec,
		FundingRolloverSec:   mk.FundingRolloverSec,
		NormalOrderRatio:     mk.NormalOrderRatio,
		LiquidationRatio:     mk.LiquidationRatio,
		BlockNumberAdded:     mk.BlockNumberAdded,
		TimestampAdded:       mk.TimestampAdded,
		BlockNumber:          mk.BlockNumber,
		Timestamp:            mk.Timestamp,
	}
}

// GetMarket returns one pool.
func (qs *QueryService) GetMarket(ctx context.Context, address string) (*MarketResponse, error) {
	addr, err := normalize(address)
	if err != nil {
		return nil, err
	}
	var mk state.Market
	if err := qs.get(ctx, state.KindMarket, addr, &mk); err != nil {
		return nil, err
	}
	resp := marketResponse(&mk, qs.opts.CollateralDecimals)
	return &resp, nil
}

// ListMarkets returns every known pool ordered by address.
func (qs *QueryService) ListMarkets(ctx context.Context) ([]MarketResponse, error) {
	recs, err := qs.reader.List(ctx, state.KindMarket, "")
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	out := make([]MarketResponse, 0, len(recs))
	for _, rec := range recs {
		var mk state.Market
		if err := json.Unmarshal(rec.Body, &mk); err != nil {
			return nil, fmt.Errorf("decode market %s: %w", rec.ID, err)
		}
		out = append(out, marketResponse(&mk, qs.opts.CollateralDecimals))
	}
	return out, nil
}

// GetCandles returns a market's buckets with start in [from, to] (unix
// seconds), oldest first.
func (qs *QueryService) GetCandles(ctx context.Context, market string, resolution, from, to int64) ([]CandleResponse, error) {
	addr, err := normalize(market)
	if err != nil {
		return nil, err
	}
	if !candle.ValidResolution(resolution) {
		return nil, fmt.Errorf("%w: resolution %d not in %v", ErrInvalidArgument, resolution, candle.Resolutions)
	}
	if to < from {
		return nil, fmt.Errorf("%w: empty range [%d, %d]", ErrInvalidArgument, from, to)
	}
	if (to-from)/resolution >= MaxCandles {
		return nil, fmt.Errorf("%w: range spans more than %d candles", ErrInvalidArgument, MaxCandles)
	}
	cs, err := candle.Range(ctx, qs.reader, addr, resolution, from, to)
	if err != nil {
		return nil, err
	}
	d := qs.opts.CollateralDecimals
	out := make([]CandleResponse, 0, len(cs))
	for _, c := range cs {
		out = append(out, CandleResponse{
			Market:      c.Market,
			Resolution:  c.Resolution,
			BucketStart: c.BucketStart,
			Open:        x96(c.Open),
			High:        x96(c.High),
			Low:         x96(c.Low),
			Close:       x96(c.Close),
			BaseVolume:  amount(c.BaseAmount, d),
			QuoteVolume: amount(c.QuoteAmount, d),
			Updates:     c.Updates,
		})
	}
	return out, nil
}

// GetDaySummaries returns the trader's UTC days in [from, to].
func (qs *QueryService) GetDaySummaries(ctx context.Context, trader string, from, to time.Time) ([]DaySummaryResponse, error) {
	addr, err := normalize(trader)
	if err != nil {
		return nil, err
	}
	fromDay := from.UnixMilli() / state.MillisPerDay
	toDay := to.UnixMilli() / state.MillisPerDay
	if toDay < fromDay {
		return nil, fmt.Errorf("%w: empty day range", ErrInvalidArgument)
	}
	ds, err := history.DaySummaries(ctx, qs.reader, addr, fromDay, toDay)
	if err != nil {
		return nil, err
	}
	d := qs.opts.CollateralDecimals
	out := make([]DaySummaryResponse, 0, len(ds))
	for _, s := range ds {
		out = append(out, DaySummaryResponse{
			Trader:        s.Trader,
			DayIndex:      s.DayIndex,
			Date:          time.UnixMilli(s.DayIndex * state.MillisPerDay).UTC().Format(time.DateOnly),
			RealizedPnl:   amount(s.RealizedPnl, d),
			ProtocolFee:   amount(s.ProtocolFee, d),
			TradingVolume: amount(s.TradingVolume, d),
			Trades:        s.Trades,
		})
	}
	return out, nil
}

// GetProtocol returns the exchange-wide counters and parameters.
func (qs *QueryService) GetProtocol(ctx context.Context) (*ProtocolResponse, error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	var p state.Protocol
	if err := qs.get(ctx, state.KindProtocol, state.ProtocolID, &p); err != nil {
		return nil, err
	}
	d := qs.opts.CollateralDecimals
	return &ProtocolResponse{
		Network:              p.Network,
		ChainID:              p.ChainID,
		ContractVersion:      p.ContractVersion,
		PublicMarketCount:    p.PublicMarketCount,
		TradingVolume:        amount(p.TradingVolume, d),
		TotalValueLocked:     amount(p.TotalValueLocked, d),
		ProtocolFee:          amount(p.ProtocolFee, d),
		InsuranceFund:        amount(p.InsuranceFundBalance, d),
		MaxMarketsPerAccount: p.MaxMarketsPerAccount,
		ImRatio:              p.ImRatio,
		MmRatio:              p.MmRatio,
		RewardRatio:          p.RewardRatio,
		SmoothEmaTime:        p.SmoothEmaTime,
		ProtocolFeeRatio:     p.ProtocolFeeRatio,
		AsOfOrderKey:         asOf,
	}, nil
}

// GetSolvency returns the stored balance sheet.
func (qs *QueryService) GetSolvency(ctx context.Context) (*SolvencyResponse, error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	s, err := ledger.ComputeSolvency(ctx, qs.reader)
	if err != nil {
		return nil, err
	}
	d := qs.opts.CollateralDecimals
	return &SolvencyResponse{
		Traders:          s.Traders,
		TotalCollateral:  amount(s.TotalCollateral, d),
		BadDebt:          amount(s.BadDebt, d),
		ProtocolFee:      amount(s.ProtocolFee, d),
		InsuranceFund:    amount(s.InsuranceFund, d),
		TotalValueLocked: amount(s.TotalValueLocked, d),
		PoolNet:          amount(s.PoolNet, d),
		AsOfOrderKey:     asOf,
	}, nil
}

// VerifyIntegrity replays the event log through the double-entry ledger and
// compares it with the stored balances.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*ledger.Report, error) {
	v := ledger.NewInvariantValidator(qs.reader, ledger.NewJournalGenerator(qs.opts.ProtocolFeeDebit))
	return v.Reconcile(ctx)
}

// GetEventLog returns the audit record of one applied event.
func (qs *QueryService) GetEventLog(ctx context.Context, logID string) (*state.EventLog, error) {
	var l state.EventLog
	if err := qs.get(ctx, state.KindEventLog, logID, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// GetFundingHistory returns the latest funding settlements of a market.
func (qs *QueryService) GetFundingHistory(ctx context.Context, market string, limit int) ([]projection.FundingHistoryEntry, error) {
	if qs.funding == nil {
		return nil, fmt.Errorf("funding history: %w", ErrUnavailable)
	}
	addr, err := normalize(market)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > projection.DefaultFundingHistoryLen {
		limit = projection.DefaultFundingHistoryLen
	}
	return qs.funding.Recent(ctx, addr, limit)
}
