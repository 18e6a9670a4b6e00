package ledger

import (
	"fmt"
	"math/big"
	"sort"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]*big.Int
	journals int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*big.Int),
	}
}

func (bt *BalanceTracker) add(key AccountKey, delta *big.Int, neg bool) {
	bal, ok := bt.balances[key]
	if !ok {
		bal = new(big.Int)
		bt.balances[key] = bal
	}
	if neg {
		bal.Sub(bal, delta)
	} else {
		bal.Add(bal, delta)
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.add(j.DebitAccount, j.Amount, false)
	bt.add(j.CreditAccount, j.Amount, true)
	bt.journals++
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns a copy of the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *big.Int {
	if bal, ok := bt.balances[key]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// Journals reports how many entries have been applied.
func (bt *BalanceTracker) Journals() int { return bt.journals }

// Accounts returns every account that has seen a journal, ordered by path.
func (bt *BalanceTracker) Accounts() []AccountKey {
	keys := make([]AccountKey, 0, len(bt.balances))
	for k := range bt.balances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
	return keys
}

// ScopeTotal sums the balances of every account in scope.
func (bt *BalanceTracker) ScopeTotal(scope AccountScope) *big.Int {
	total := new(big.Int)
	for k, bal := range bt.balances {
		if k.Scope == scope {
			total.Add(total, bal)
		}
	}
	return total
}

// ComputeGlobalBalance sums every account; a consistent ledger sums to zero.
func (bt *BalanceTracker) ComputeGlobalBalance() *big.Int {
	total := new(big.Int)
	for _, bal := range bt.balances {
		total.Add(total, bal)
	}
	return total
}
