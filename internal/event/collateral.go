// internal/event/collateral.go
package event

import "math/big"

type Deposited struct {
	Envelope
	Trader string   `json:"trader"`
	Amount *big.Int `json:"amount"`
}

func (d *Deposited) EventType() EventType { return EventTypeDeposited }

func (d *Deposited) MarketAddress() string { return "" }

func (d *Deposited) Validate() error {
	if err := check(d.Envelope, amounts(namedInt{"amount", d.Amount}), addrs(namedAddr{"trader", d.Trader})); err != nil {
		return err
	}
	return nonNegative("amount", d.Amount)
}

type Withdrawn struct {
	Envelope
	Trader string   `json:"trader"`
	Amount *big.Int `json:"amount"`
}

func (w *Withdrawn) EventType() EventType { return EventTypeWithdrawn }

func (w *Withdrawn) MarketAddress() string { return "" }

func (w *Withdrawn) Validate() error {
	if err := check(w.Envelope, amounts(namedInt{"amount", w.Amount}), addrs(namedAddr{"trader", w.Trader})); err != nil {
		return err
	}
	return nonNegative("amount", w.Amount)
}

// InsuranceFundTransferred moves funds from the insurance fund to a trader.
type InsuranceFundTransferred struct {
	Envelope
	Trader string   `json:"trader"`
	Amount *big.Int `json:"amount"`
}

func (i *InsuranceFundTransferred) EventType() EventType {
	return EventTypeInsuranceFundTransferred
}

func (i *InsuranceFundTransferred) MarketAddress() string { return "" }

func (i *InsuranceFundTransferred) Validate() error {
	return check(i.Envelope, amounts(namedInt{"amount", i.Amount}), addrs(namedAddr{"trader", i.Trader}))
}

// ProtocolFeeTransferred moves accrued protocol fees to a trader account.
type ProtocolFeeTransferred struct {
	Envelope
	Trader string   `json:"trader"`
	Amount *big.Int `json:"amount"`
}

func (p *ProtocolFeeTransferred) EventType() EventType {
	return EventTypeProtocolFeeTransferred
}

func (p *ProtocolFeeTransferred) MarketAddress() string { return "" }

func (p *ProtocolFeeTransferred) Validate() error {
	return check(p.Envelope, amounts(namedInt{"amount", p.Amount}), addrs(namedAddr{"trader", p.Trader}))
}
