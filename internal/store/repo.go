package store

import (
	"context"
	"encoding/json"
	"math/big"
	"sort"

	"PerpIndexer/internal/state"
)

// Repo is a unit of work over one Tx. Each entity is loaded at most once, so
// two roles that resolve to the same id (a trader liquidating itself) share
// one in-memory object. Flush writes every loaded entity.
type Repo struct {
	tx     Tx
	loaded map[docKey]state.Entity
	order  []docKey
}

func NewRepo(tx Tx) *Repo {
	return &Repo{tx: tx, loaded: make(map[docKey]state.Entity)}
}

// Tx exposes the underlying transaction for prefix scans.
func (r *Repo) Tx() Tx { return r.tx }

func getOrCreate[T state.Entity](ctx context.Context, r *Repo, kind state.Kind, id string, fresh func() T) (T, error) {
	e, _, err := load(ctx, r, kind, id, fresh)
	return e, err
}

// load resolves an entity through the identity map, falling back to the
// transaction and finally to fresh. existed is false only for a new entity.
func load[T state.Entity](ctx context.Context, r *Repo, kind state.Kind, id string, fresh func() T) (e T, existed bool, err error) {
	key := docKey{kind, id}
	if cached, ok := r.loaded[key]; ok {
		return cached.(T), true, nil
	}
	e = fresh()
	found, err := r.tx.Get(ctx, kind, id, e)
	if err != nil {
		var none T
		return none, false, err
	}
	r.track(key, e)
	return e, found, nil
}

// find is load without the fallback: an absent entity is not tracked.
func find[T state.Entity](ctx context.Context, r *Repo, kind state.Kind, id string, fresh func() T) (e T, found bool, err error) {
	key := docKey{kind, id}
	if cached, ok := r.loaded[key]; ok {
		return cached.(T), true, nil
	}
	e = fresh()
	found, err = r.tx.Get(ctx, kind, id, e)
	if err != nil || !found {
		var none T
		return none, false, err
	}
	r.track(key, e)
	return e, true, nil
}

// shareRow resolves a share-denominated row and enrolls its trader as a
// member of the market the first time such a row is created.
func shareRow[T state.Entity](ctx context.Context, r *Repo, kind state.Kind, trader, market string, fresh func() T) (T, error) {
	e, existed, err := load(ctx, r, kind, state.TraderMarketID(trader, market), fresh)
	if err != nil || existed {
		return e, err
	}
	if err := r.enroll(ctx, market, trader); err != nil {
		var none T
		return none, err
	}
	return e, nil
}

func (r *Repo) enroll(ctx context.Context, market, trader string) error {
	id := state.MarketMemberID(market, trader)
	ok, err := r.Exists(ctx, state.KindMarketMember, id)
	if err != nil || ok {
		return err
	}
	r.Put(state.NewMarketMember(market, trader))
	return nil
}

// MarketMembers returns the traders holding share-denominated rows in market,
// including ones enrolled earlier in this unit of work, in address order.
func (r *Repo) MarketMembers(ctx context.Context, market string) ([]string, error) {
	prefix := state.MarketMemberPrefix(market)
	recs, err := r.tx.List(ctx, state.KindMarketMember, prefix)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(recs))
	var out []string
	for _, rec := range recs {
		var mm state.MarketMember
		if err := json.Unmarshal(rec.Body, &mm); err != nil {
			return nil, err
		}
		seen[mm.Trader] = true
		out = append(out, mm.Trader)
	}
	for key, e := range r.loaded {
		if key.kind != state.KindMarketMember {
			continue
		}
		if mm := e.(*state.MarketMember); mm.Market == market && !seen[mm.Trader] {
			seen[mm.Trader] = true
			out = append(out, mm.Trader)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *Repo) track(key docKey, e state.Entity) {
	if _, ok := r.loaded[key]; !ok {
		r.order = append(r.order, key)
	}
	r.loaded[key] = e
}

// Put registers a newly built entity for the next Flush, replacing any loaded
// copy with the same key.
func (r *Repo) Put(e state.Entity) {
	r.track(docKey{e.EntityKind(), e.EntityID()}, e)
}

// Exists reports whether a document is present without loading it.
func (r *Repo) Exists(ctx context.Context, kind state.Kind, id string) (bool, error) {
	if _, ok := r.loaded[docKey{kind, id}]; ok {
		return true, nil
	}
	var raw json.RawMessage
	return r.tx.Get(ctx, kind, id, &raw)
}

func (r *Repo) Trader(ctx context.Context, address string) (*state.Trader, error) {
	return getOrCreate(ctx, r, state.KindTrader, address, func() *state.Trader {
		return state.NewTrader(address)
	})
}

func (r *Repo) Protocol(ctx context.Context, meta state.ProtocolMeta) (*state.Protocol, error) {
	return getOrCreate(ctx, r, state.KindProtocol, state.ProtocolID, func() *state.Protocol {
		return state.NewProtocol(meta)
	})
}

func (r *Repo) Market(ctx context.Context, address string) (*state.Market, error) {
	return getOrCreate(ctx, r, state.KindMarket, address, func() *state.Market {
		return state.NewMarket(address)
	})
}

func (r *Repo) TakerInfo(ctx context.Context, trader, market string) (*state.TraderTakerInfo, error) {
	return shareRow(ctx, r, state.KindTakerInfo, trader, market, func() *state.TraderTakerInfo {
		return state.NewTraderTakerInfo(trader, market)
	})
}

// FindTakerInfo loads the row only if it exists.
func (r *Repo) FindTakerInfo(ctx context.Context, trader, market string) (*state.TraderTakerInfo, bool, error) {
	return find(ctx, r, state.KindTakerInfo, state.TraderMarketID(trader, market), func() *state.TraderTakerInfo {
		return state.NewTraderTakerInfo(trader, market)
	})
}

func (r *Repo) MakerInfo(ctx context.Context, trader, market string) (*state.TraderMakerInfo, error) {
	return shareRow(ctx, r, state.KindMakerInfo, trader, market, func() *state.TraderMakerInfo {
		return state.NewTraderMakerInfo(trader, market)
	})
}

// FindMakerInfo loads the row only if it exists.
func (r *Repo) FindMakerInfo(ctx context.Context, trader, market string) (*state.TraderMakerInfo, bool, error) {
	return find(ctx, r, state.KindMakerInfo, state.TraderMarketID(trader, market), func() *state.TraderMakerInfo {
		return state.NewTraderMakerInfo(trader, market)
	})
}

func (r *Repo) OpenOrder(ctx context.Context, maker, market string) (*state.OpenOrder, error) {
	return getOrCreate(ctx, r, state.KindOpenOrder, state.TraderMarketID(maker, market), func() *state.OpenOrder {
		return state.NewOpenOrder(maker, market)
	})
}

func (r *Repo) Position(ctx context.Context, trader, market string) (*state.Position, error) {
	return shareRow(ctx, r, state.KindPosition, trader, market, func() *state.Position {
		return state.NewPosition(trader, market)
	})
}

// FindPosition loads the row only if it exists.
func (r *Repo) FindPosition(ctx context.Context, trader, market string) (*state.Position, bool, error) {
	return find(ctx, r, state.KindPosition, state.TraderMarketID(trader, market), func() *state.Position {
		return state.NewPosition(trader, market)
	})
}

func (r *Repo) PositionHistory(ctx context.Context, trader, market string) (*state.PositionHistory, error) {
	return shareRow(ctx, r, state.KindPositionHistory, trader, market, func() *state.PositionHistory {
		return state.NewPositionHistory(trader, market)
	})
}

// FindPositionHistory loads the row only if it exists.
func (r *Repo) FindPositionHistory(ctx context.Context, trader, market string) (*state.PositionHistory, bool, error) {
	return find(ctx, r, state.KindPositionHistory, state.TraderMarketID(trader, market), func() *state.PositionHistory {
		return state.NewPositionHistory(trader, market)
	})
}

func (r *Repo) LiquidityHistory(ctx context.Context, trader, market string) (*state.LiquidityHistory, error) {
	return getOrCreate(ctx, r, state.KindLiquidityHistory, state.TraderMarketID(trader, market), func() *state.LiquidityHistory {
		return state.NewLiquidityHistory(trader, market)
	})
}

func (r *Repo) DaySummary(ctx context.Context, trader string, dayIndex int64) (*state.DaySummary, error) {
	return getOrCreate(ctx, r, state.KindDaySummary, state.DaySummaryID(trader, dayIndex), func() *state.DaySummary {
		return state.NewDaySummary(trader, dayIndex)
	})
}

// Candle returns the bucket, opening it at priceX96 when absent. created
// reports whether the bucket is new.
func (r *Repo) Candle(ctx context.Context, market string, resolution, bucketStart int64, priceX96 *big.Int) (c *state.Candle, created bool, err error) {
	c, existed, err := load(ctx, r, state.KindCandle, state.CandleID(market, resolution, bucketStart), func() *state.Candle {
		return state.NewCandle(market, resolution, bucketStart, priceX96)
	})
	return c, !existed && err == nil, err
}

func (r *Repo) AppliedPage(ctx context.Context, page uint64) (*state.AppliedPage, error) {
	return getOrCreate(ctx, r, state.KindAppliedPage, state.AppliedPageID(page), func() *state.AppliedPage {
		return state.NewAppliedPage(page)
	})
}

func (r *Repo) Checkpoint(ctx context.Context) (*state.Checkpoint, error) {
	return getOrCreate(ctx, r, state.KindCheckpoint, state.CheckpointID, state.NewCheckpoint)
}

// Entities returns every entity in the unit of work in (kind, id) order.
func (r *Repo) Entities() []state.Entity {
	keys := append([]docKey(nil), r.order...)
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].kind != keys[j].kind {
			return keys[i].kind < keys[j].kind
		}
		return keys[i].id < keys[j].id
	})
	out := make([]state.Entity, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.loaded[k])
	}
	return out
}

// Flush writes every entity in the unit of work in (kind, id) order and
// returns them in that order.
func (r *Repo) Flush(ctx context.Context) ([]state.Entity, error) {
	out := r.Entities()
	for _, e := range out {
		if err := r.tx.Put(ctx, e.EntityKind(), e.EntityID(), e); err != nil {
			return nil, err
		}
	}
	return out, nil
}
