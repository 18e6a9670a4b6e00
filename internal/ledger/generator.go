package ledger

import (
	"PerpIndexer/internal/core"
	"PerpIndexer/internal/event"
)

// JournalGenerator turns the collateral-moving chain events into balanced
// journal batches. It mirrors the engine's collateral bookkeeping: every
// balance the engine changes is the debit or credit side of a journal, and
// the other side is the account the value came from.
type JournalGenerator struct {
	feeSource AccountKey
}

// NewJournalGenerator takes the engine's protocol fee debit setting so that
// ProtocolFeeTransferred draws from the same account the engine debits.
func NewJournalGenerator(protocolFeeDebit string) *JournalGenerator {
	src := ProtocolFeeAccount()
	if protocolFeeDebit == core.FeeDebitInsuranceFund {
		src = InsuranceFundAccount()
	}
	return &JournalGenerator{feeSource: src}
}

// Generate returns the batch for evt, or nil when the event moves no
// collateral (market, liquidity-share and parameter events, or a trade with
// zero pnl and fee).
func (jg *JournalGenerator) Generate(evt event.Event) (*Batch, error) {
	if err := evt.Validate(); err != nil {
		return nil, err
	}
	meta := evt.Meta()
	b := newBatch(meta.LogID(), meta.OrderKey(), meta.TimestampMs())

	switch ev := evt.(type) {
	// external:chain → trader:collateral
	case *event.Deposited:
		b.post(TraderAccount(ev.Trader), ExternalAccount(), ev.Amount, JournalTypeDeposit)

	case *event.Withdrawn:
		b.post(ExternalAccount(), TraderAccount(ev.Trader), ev.Amount, JournalTypeWithdrawal)

	case *event.InsuranceFundTransferred:
		b.post(TraderAccount(ev.Trader), InsuranceFundAccount(), ev.Amount, JournalTypeInsuranceFundTransfer)

	case *event.ProtocolFeeTransferred:
		b.post(TraderAccount(ev.Trader), jg.feeSource, ev.Amount, JournalTypeProtocolFeeTransfer)

	case *event.PositionChanged:
		pool := MarketAccount(ev.Market)
		b.post(TraderAccount(ev.Trader), pool, ev.RealizedPnl, JournalTypeTradePnL)
		b.post(ProtocolFeeAccount(), pool, ev.ProtocolFee, JournalTypeTradeFee)

	case *event.PositionLiquidated:
		pool := MarketAccount(ev.Market)
		b.post(TraderAccount(ev.Trader), pool, ev.RealizedPnl, JournalTypeTradePnL)
		b.post(pool, TraderAccount(ev.Trader), ev.LiquidationPenalty, JournalTypeLiquidationPenalty)
		b.post(TraderAccount(ev.Liquidator), pool, ev.LiquidationReward, JournalTypeLiquidationReward)
		b.post(InsuranceFundAccount(), pool, ev.InsuranceFundReward, JournalTypeInsuranceFundReward)
		b.post(ProtocolFeeAccount(), pool, ev.ProtocolFee, JournalTypeTradeFee)

	case *event.LiquidityRemovedExchange:
		b.post(TraderAccount(ev.Trader), MarketAccount(ev.Market), ev.RealizedPnl, JournalTypeMakerPnL)
	}

	if len(b.Journals) == 0 {
		return nil, nil
	}
	return b, b.Validate()
}
