package ledger

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeInsuranceFundTransfer
	JournalTypeProtocolFeeTransfer
	JournalTypeTradePnL
	JournalTypeTradeFee
	JournalTypeLiquidationPenalty
	JournalTypeLiquidationReward
	JournalTypeInsuranceFundReward
	JournalTypeMakerPnL
)

var journalTypeNames = [...]string{
	JournalTypeDeposit:               "deposit",
	JournalTypeWithdrawal:            "withdrawal",
	JournalTypeInsuranceFundTransfer: "insurance_fund_transfer",
	JournalTypeProtocolFeeTransfer:   "protocol_fee_transfer",
	JournalTypeTradePnL:              "trade_pnl",
	JournalTypeTradeFee:              "trade_fee",
	JournalTypeLiquidationPenalty:    "liquidation_penalty",
	JournalTypeLiquidationReward:     "liquidation_reward",
	JournalTypeInsuranceFundReward:   "insurance_fund_reward",
	JournalTypeMakerPnL:              "maker_pnl",
}

func (t JournalType) String() string {
	if t >= 0 && int(t) < len(journalTypeNames) {
		return journalTypeNames[t]
	}
	return "journal_type(" + strconv.Itoa(int(t)) + ")"
}

// journalNamespace seeds the name-based ids below, so replaying the same
// event always yields the same batch and journal ids.
var journalNamespace = uuid.MustParse("6f1d8c2e-3b4a-4d5e-9f60-718293a4b5c6")

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups the entries of one event
	EventRef      string      // Log id of the source event
	OrderKey      uint64      // Chain order of the source event
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	Amount        *big.Int    // Collateral units, ALWAYS positive
	JournalType   JournalType // Entry type
	Timestamp     int64       // Block time, ms
}

// Batch represents the balanced set of journal entries of one event
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	OrderKey  uint64
	Timestamp int64
	Journals  []Journal
}

func newBatch(ref string, orderKey uint64, ts int64) *Batch {
	return &Batch{
		BatchID:   uuid.NewSHA1(journalNamespace, []byte(ref)),
		EventRef:  ref,
		OrderKey:  orderKey,
		Timestamp: ts,
	}
}

// post appends a transfer of amount from credit to debit. A negative amount
// moves the other way; zero posts nothing.
func (b *Batch) post(debit, credit AccountKey, amount *big.Int, typ JournalType) {
	if amount == nil || amount.Sign() == 0 {
		return
	}
	amt := new(big.Int).Set(amount)
	if amt.Sign() < 0 {
		debit, credit = credit, debit
		amt.Neg(amt)
	}
	n := len(b.Journals)
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.NewSHA1(journalNamespace, []byte(b.EventRef+"/"+strconv.Itoa(n))),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		OrderKey:      b.OrderKey,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        amt,
		JournalType:   typ,
		Timestamp:     b.Timestamp,
	})
}

// Validate ensures the batch is well-formed.
// Each journal entry is a balanced transfer by construction (a single
// positive amount moves from credit account to debit account), so
// Σ debits == Σ credits holds per entry. Multi-leg events such as a
// liquidation use several entries under one batch id.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.Sign() <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %v", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}
