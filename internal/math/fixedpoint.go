// internal/math/fixedpoint.go
package math

import (
	"errors"
	"math/big"
	"sync"
)

// Q96 is the fixed-point scale used by every X96 field (2^96).
var Q96 = new(big.Int).Lsh(big.NewInt(1), 96)

var ErrDivisionByZero = errors.New("division by zero")

// scratch big.Ints for intermediate products
var scratchPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getScratch() *big.Int {
	return scratchPool.Get().(*big.Int)
}

func putScratch(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	scratchPool.Put(v)
}

// NewQ96 returns a fresh copy of Q96 that callers may mutate.
func NewQ96() *big.Int {
	return new(big.Int).Set(Q96)
}

// Zero returns a fresh zero value.
func Zero() *big.Int {
	return new(big.Int)
}

// MulDiv computes a*b/c with an unbounded intermediate product.
// The quotient truncates toward zero, matching integer division on the chain side.
func MulDiv(a, b, c *big.Int) (*big.Int, error) {
	if c == nil || c.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	product := getScratch()
	defer putScratch(product)

	product.Mul(orZero(a), orZero(b))
	// Quo truncates toward zero; Div would be Euclidean.
	return new(big.Int).Quo(product, c), nil
}

// Neg returns -v as a new value.
func Neg(v *big.Int) *big.Int {
	return new(big.Int).Neg(orZero(v))
}

// Abs returns |v| as a new value.
func Abs(v *big.Int) *big.Int {
	return new(big.Int).Abs(orZero(v))
}

// Add returns a+b as a new value. Nil operands count as zero.
func Add(a, b *big.Int) *big.Int {
	return new(big.Int).Add(orZero(a), orZero(b))
}

// Sub returns a-b as a new value. Nil operands count as zero.
func Sub(a, b *big.Int) *big.Int {
	return new(big.Int).Sub(orZero(a), orZero(b))
}

// Max returns a copy of the larger operand.
func Max(a, b *big.Int) *big.Int {
	if orZero(a).Cmp(orZero(b)) >= 0 {
		return new(big.Int).Set(orZero(a))
	}
	return new(big.Int).Set(orZero(b))
}

// Min returns a copy of the smaller operand.
func Min(a, b *big.Int) *big.Int {
	if orZero(a).Cmp(orZero(b)) <= 0 {
		return new(big.Int).Set(orZero(a))
	}
	return new(big.Int).Set(orZero(b))
}

// ShareToBalance converts a share count to a natural-unit balance using the
// market growth factor: share * baseBalancePerShareX96 / Q96.
func ShareToBalance(share, baseBalancePerShareX96 *big.Int) *big.Int {
	out, _ := MulDiv(share, baseBalancePerShareX96, Q96) // Q96 is never zero
	return out
}

// EntryPriceX96 returns quote/base scaled by Q96.
// A zero base balance has no entry price and yields ErrDivisionByZero.
func EntryPriceX96(quoteBalance, baseBalance *big.Int) (*big.Int, error) {
	return MulDiv(quoteBalance, Q96, baseBalance)
}

// SharePriceToMarkX96 converts a share price into a base price:
// sharePriceX96 * Q96 / baseBalancePerShareX96.
func SharePriceToMarkX96(sharePriceX96, baseBalancePerShareX96 *big.Int) (*big.Int, error) {
	return MulDiv(sharePriceX96, Q96, baseBalancePerShareX96)
}

// Clone copies v, mapping nil to zero.
func Clone(v *big.Int) *big.Int {
	return new(big.Int).Set(orZero(v))
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
