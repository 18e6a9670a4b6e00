package ledger

import (
	"fmt"
	"strings"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeTrader AccountScope = iota
	AccountScopeSystem
	AccountScopeMarket
	AccountScopeExternal
)

func (s AccountScope) String() string {
	switch s {
	case AccountScopeTrader:
		return "trader"
	case AccountScopeSystem:
		return "system"
	case AccountScopeMarket:
		return "market"
	case AccountScopeExternal:
		return "external"
	default:
		return fmt.Sprintf("scope(%d)", uint8(s))
	}
}

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	SubTypeCollateral AccountSubType = iota

	SubTypeProtocolFee
	SubTypeInsuranceFund

	// Counterparty of every trade: the market's pool and makers.
	SubTypePool

	// Collateral token held outside the exchange contract.
	SubTypeChain
)

var subTypeNames = map[AccountSubType]string{
	SubTypeCollateral:    "collateral",
	SubTypeProtocolFee:   "protocol_fee",
	SubTypeInsuranceFund: "insurance_fund",
	SubTypePool:          "pool",
	SubTypeChain:         "chain",
}

func (s AccountSubType) String() string {
	if n, ok := subTypeNames[s]; ok {
		return n
	}
	return fmt.Sprintf("subtype(%d)", uint8(s))
}

// AccountKey identifies one balance in the reconciliation ledger. Entity is
// a lowercase address for trader and market accounts and empty otherwise.
// There is a single collateral asset, so the key carries none.
type AccountKey struct {
	Scope   AccountScope
	Entity  string
	SubType AccountSubType
}

func TraderAccount(address string) AccountKey {
	return AccountKey{Scope: AccountScopeTrader, Entity: strings.ToLower(address), SubType: SubTypeCollateral}
}

func MarketAccount(address string) AccountKey {
	return AccountKey{Scope: AccountScopeMarket, Entity: strings.ToLower(address), SubType: SubTypePool}
}

func ProtocolFeeAccount() AccountKey {
	return AccountKey{Scope: AccountScopeSystem, SubType: SubTypeProtocolFee}
}

func InsuranceFundAccount() AccountKey {
	return AccountKey{Scope: AccountScopeSystem, SubType: SubTypeInsuranceFund}
}

func ExternalAccount() AccountKey {
	return AccountKey{Scope: AccountScopeExternal, SubType: SubTypeChain}
}

// AccountPath returns the human-readable account path:
//
//	trader:{address}:collateral
//	market:{address}:pool
//	system:protocol_fee
//	external:chain
func (k AccountKey) AccountPath() string {
	if k.Entity == "" {
		return k.Scope.String() + ":" + k.SubType.String()
	}
	return k.Scope.String() + ":" + k.Entity + ":" + k.SubType.String()
}

func (k AccountKey) String() string { return k.AccountPath() }

// less orders keys by path for deterministic reports.
func (k AccountKey) less(o AccountKey) bool {
	return k.AccountPath() < o.AccountPath()
}
