// Package verify validates funded escrow state against the quoted terms
// before settlement work begins.
package verify

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/etchpay/internal/contract"
	"github.com/mbd888/etchpay/internal/wei"
)

var (
	ErrNotFunded        = errors.New("verify: escrow not funded")
	ErrSenderMismatch   = errors.New("verify: escrow payer does not match claimed sender")
	ErrAlreadyFulfilled = errors.New("verify: escrow already fulfilled")
	ErrZeroValue        = errors.New("verify: escrow holds no value")
)

// ValueMismatchError reports an escrow whose value differs from the quoted
// price. Settlement is economically justified only by the exact quoted
// payment, so overfunding is rejected the same as underfunding.
type ValueMismatchError struct {
	Expected *big.Int
	Actual   *big.Int
}

func (e *ValueMismatchError) Error() string {
	return fmt.Sprintf("verify: escrow value %s does not match quoted price %s",
		wei.Format(e.Actual), wei.Format(e.Expected))
}

// Escrow checks a funded escrow against who claims to have funded it and the
// price they were quoted. Checks run in a fixed order so callers can rely on
// the first failure being the most fundamental one: existence, then payer,
// then fulfillment state, then value.
func Escrow(state *contract.EscrowState, sender common.Address, expected *big.Int) error {
	if state == nil || !state.Exists() {
		return ErrNotFunded
	}
	if state.Payer != sender {
		return ErrSenderMismatch
	}
	if state.Fulfilled {
		return ErrAlreadyFulfilled
	}
	if state.Value == nil || state.Value.Sign() == 0 {
		return ErrZeroValue
	}
	if state.Value.Cmp(expected) != 0 {
		return &ValueMismatchError{
			Expected: new(big.Int).Set(expected),
			Actual:   new(big.Int).Set(state.Value),
		}
	}
	return nil
}
