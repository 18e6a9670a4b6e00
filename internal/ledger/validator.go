package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"

	"PerpIndexer/internal/event"
	fpmath "PerpIndexer/internal/math"
	"PerpIndexer/internal/state"
	"PerpIndexer/internal/store"
)

// Mismatch is an account whose replayed balance disagrees with the stored
// entity value.
type Mismatch struct {
	Account string `json:"account"`
	Derived string `json:"derived"`
	Stored  string `json:"stored"`
}

// Report is the outcome of a reconciliation run.
type Report struct {
	Healthy        bool       `json:"healthy"`
	EventsReplayed int        `json:"eventsReplayed"`
	Batches        int        `json:"batches"`
	Journals       int        `json:"journals"`
	LastOrderKey   uint64     `json:"lastOrderKey"`
	GlobalBalance  string     `json:"globalBalance"`
	PoolNet        string     `json:"poolNet"` // Σ market pool accounts
	Mismatches     []Mismatch `json:"mismatches,omitempty"`
}

// InvariantValidator replays the event log through the journal generator
// and checks the resulting balances against the stored entities.
type InvariantValidator struct {
	reader store.Reader
	gen    *JournalGenerator
}

func NewInvariantValidator(reader store.Reader, gen *JournalGenerator) *InvariantValidator {
	return &InvariantValidator{reader: reader, gen: gen}
}

// Replay rebuilds the ledger from every stored EventLog in chain order.
func (v *InvariantValidator) Replay(ctx context.Context) (*BalanceTracker, *Report, error) {
	recs, err := v.reader.List(ctx, state.KindEventLog, "")
	if err != nil {
		return nil, nil, fmt.Errorf("list event logs: %w", err)
	}
	logs := make([]state.EventLog, 0, len(recs))
	for _, rec := range recs {
		var l state.EventLog
		if err := json.Unmarshal(rec.Body, &l); err != nil {
			return nil, nil, fmt.Errorf("decode event log %s: %w", rec.ID, err)
		}
		logs = append(logs, l)
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].OrderKey < logs[j].OrderKey })

	tracker := NewBalanceTracker()
	rep := &Report{}
	for _, l := range logs {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		rep.EventsReplayed++
		rep.LastOrderKey = l.OrderKey

		evt, err := decodePayload(l)
		if err != nil {
			return nil, nil, err
		}
		if evt == nil {
			continue
		}
		batch, err := v.gen.Generate(evt)
		if err != nil {
			return nil, nil, fmt.Errorf("journal %s: %w", l.ID, err)
		}
		if batch == nil {
			continue
		}
		if err := tracker.ApplyBatch(batch); err != nil {
			return nil, nil, fmt.Errorf("apply %s: %w", l.ID, err)
		}
		rep.Batches++
	}
	rep.Journals = tracker.Journals()
	return tracker, rep, nil
}

// Reconcile replays the log and compares every derived balance with the
// store: trader collateral, the protocol fee and insurance fund balances,
// and the external account against TVL.
func (v *InvariantValidator) Reconcile(ctx context.Context) (*Report, error) {
	tracker, rep, err := v.Replay(ctx)
	if err != nil {
		return nil, err
	}

	check := func(key AccountKey, stored *big.Int) {
		derived := tracker.GetBalance(key)
		if stored == nil {
			stored = new(big.Int)
		}
		if derived.Cmp(stored) != 0 {
			rep.Mismatches = append(rep.Mismatches, Mismatch{
				Account: key.AccountPath(),
				Derived: derived.String(),
				Stored:  stored.String(),
			})
		}
	}

	traders, err := v.reader.List(ctx, state.KindTrader, "")
	if err != nil {
		return nil, fmt.Errorf("list traders: %w", err)
	}
	seen := make(map[AccountKey]bool, len(traders))
	for _, rec := range traders {
		var tr state.Trader
		if err := json.Unmarshal(rec.Body, &tr); err != nil {
			return nil, fmt.Errorf("decode trader %s: %w", rec.ID, err)
		}
		key := TraderAccount(tr.Address)
		seen[key] = true
		check(key, tr.CollateralBalance)
	}
	// A journaled trader without a stored row is a mismatch too.
	for _, key := range tracker.Accounts() {
		if key.Scope == AccountScopeTrader && !seen[key] {
			check(key, nil)
		}
	}

	var p state.Protocol
	if _, err := v.reader.Get(ctx, state.KindProtocol, state.ProtocolID, &p); err != nil {
		return nil, fmt.Errorf("load protocol: %w", err)
	}
	check(ProtocolFeeAccount(), p.ProtocolFee)
	check(InsuranceFundAccount(), p.InsuranceFundBalance)
	check(ExternalAccount(), new(big.Int).Neg(fpmath.Clone(p.TotalValueLocked)))

	global := tracker.ComputeGlobalBalance()
	if global.Sign() != 0 {
		rep.Mismatches = append(rep.Mismatches, Mismatch{Account: "global", Derived: global.String(), Stored: "0"})
	}
	rep.GlobalBalance = global.String()
	rep.PoolNet = tracker.ScopeTotal(AccountScopeMarket).String()
	rep.Healthy = len(rep.Mismatches) == 0
	return rep, nil
}

// decodePayload restores the collateral-moving events from their log
// payload. Other kinds return nil.
func decodePayload(l state.EventLog) (event.Event, error) {
	et, ok := event.ParseEventType(l.Kind)
	if !ok {
		return nil, fmt.Errorf("event log %s: unknown kind %q", l.ID, l.Kind)
	}
	var evt event.Event
	switch et {
	case event.EventTypeDeposited:
		evt = &event.Deposited{}
	case event.EventTypeWithdrawn:
		evt = &event.Withdrawn{}
	case event.EventTypeInsuranceFundTransferred:
		evt = &event.InsuranceFundTransferred{}
	case event.EventTypeProtocolFeeTransferred:
		evt = &event.ProtocolFeeTransferred{}
	case event.EventTypePositionChanged:
		evt = &event.PositionChanged{}
	case event.EventTypePositionLiquidated:
		evt = &event.PositionLiquidated{}
	case event.EventTypeLiquidityRemovedExchange:
		evt = &event.LiquidityRemovedExchange{}
	default:
		return nil, nil
	}
	if err := json.Unmarshal(l.Payload, evt); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", l.ID, err)
	}
	return evt, nil
}

// Solvency is the protocol's balance sheet as stored.
type Solvency struct {
	Traders          int      `json:"traders"`
	TotalCollateral  *big.Int `json:"totalCollateral"`
	BadDebt          *big.Int `json:"badDebt"` // Σ max(0, -collateral)
	ProtocolFee      *big.Int `json:"protocolFee"`
	InsuranceFund    *big.Int `json:"insuranceFund"`
	TotalValueLocked *big.Int `json:"totalValueLocked"`
	// PoolNet is TVL minus every claim on it. Trading pnl, fees and
	// liquidation rewards flow against market pools, so it is the pools'
	// aggregate position; it is zero only while no trade has settled.
	PoolNet *big.Int `json:"poolNet"`
}

// ComputeSolvency sums the stored trader and protocol balances.
func ComputeSolvency(ctx context.Context, r store.Reader) (*Solvency, error) {
	recs, err := r.List(ctx, state.KindTrader, "")
	if err != nil {
		return nil, fmt.Errorf("list traders: %w", err)
	}
	s := &Solvency{
		TotalCollateral: new(big.Int),
		BadDebt:         new(big.Int),
	}
	for _, rec := range recs {
		var tr state.Trader
		if err := json.Unmarshal(rec.Body, &tr); err != nil {
			return nil, fmt.Errorf("decode trader %s: %w", rec.ID, err)
		}
		s.Traders++
		s.TotalCollateral = fpmath.Add(s.TotalCollateral, tr.CollateralBalance)
		s.BadDebt = fpmath.Add(s.BadDebt, tr.BadDebt())
	}

	var p state.Protocol
	if _, err := r.Get(ctx, state.KindProtocol, state.ProtocolID, &p); err != nil {
		return nil, fmt.Errorf("load protocol: %w", err)
	}
	s.ProtocolFee = fpmath.Clone(p.ProtocolFee)
	s.InsuranceFund = fpmath.Clone(p.InsuranceFundBalance)
	s.TotalValueLocked = fpmath.Clone(p.TotalValueLocked)

	claims := fpmath.Add(fpmath.Add(s.TotalCollateral, s.ProtocolFee), s.InsuranceFund)
	s.PoolNet = fpmath.Sub(s.TotalValueLocked, claims)
	return s, nil
}
