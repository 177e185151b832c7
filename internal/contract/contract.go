// Package contract binds the on-chain settlement contract: calldata packing
// for its functions, decoding of the escrows(id) view, and translation of
// custom-error reverts into the ledger package's sentinel errors.
package contract

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/etchpay/internal/ledger"
)

// settlementABI is the full surface of the deployed settlement contract.
const settlementABI = `[
	{"type":"function","name":"fund","stateMutability":"payable","inputs":[{"name":"id","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"fulfill","stateMutability":"nonpayable","inputs":[{"name":"id","type":"bytes32"},{"name":"payload","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"id","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"emergencyWithdraw","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"setWorker","stateMutability":"nonpayable","inputs":[{"name":"worker","type":"address"}],"outputs":[]},
	{"type":"function","name":"setOwner","stateMutability":"nonpayable","inputs":[{"name":"owner","type":"address"}],"outputs":[]},
	{"type":"function","name":"escrows","stateMutability":"view","inputs":[{"name":"id","type":"bytes32"}],"outputs":[{"name":"value","type":"uint128"},{"name":"createdAt","type":"uint64"},{"name":"fulfilled","type":"bool"},{"name":"payer","type":"address"}]},
	{"type":"error","name":"AlreadyExists","inputs":[]},
	{"type":"error","name":"NotWorker","inputs":[]},
	{"type":"error","name":"AlreadyFulfilled","inputs":[]},
	{"type":"error","name":"NotSender","inputs":[]},
	{"type":"error","name":"TooEarly","inputs":[]},
	{"type":"error","name":"NotOwner","inputs":[]}
]`

// solidityErrorSelector is the 4-byte selector of Error(string), the revert
// shape produced by require() with a reason string.
var solidityErrorSelector = []byte{0x08, 0xc3, 0x79, 0xa0}

// EscrowState is the decoded result of the escrows(id) view. A state with
// the zero payer address represents a non-existent record.
type EscrowState struct {
	Value     *big.Int
	CreatedAt uint64
	Fulfilled bool
	Payer     common.Address
}

// Exists reports whether the escrow record is live on chain.
func (s *EscrowState) Exists() bool {
	return s != nil && s.Payer != (common.Address{})
}

// Binding packs and unpacks calls against one deployed settlement contract.
type Binding struct {
	address common.Address
	abi     abi.ABI
	revErrs map[[4]byte]error // custom-error selector -> ledger sentinel
}

// New parses the settlement ABI and binds it to the contract address.
func New(address common.Address) (*Binding, error) {
	parsed, err := abi.JSON(strings.NewReader(settlementABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse settlement ABI: %w", err)
	}

	b := &Binding{
		address: address,
		abi:     parsed,
		revErrs: make(map[[4]byte]error),
	}

	for name, sentinel := range map[string]error{
		"AlreadyExists":    ledger.ErrAlreadyExists,
		"NotWorker":        ledger.ErrNotWorker,
		"AlreadyFulfilled": ledger.ErrAlreadyFulfilled,
		"NotSender":        ledger.ErrNotSender,
		"TooEarly":         ledger.ErrTooEarly,
		"NotOwner":         ledger.ErrNotOwner,
	} {
		abiErr, ok := parsed.Errors[name]
		if !ok {
			return nil, fmt.Errorf("settlement ABI missing error %s", name)
		}
		var sel [4]byte
		copy(sel[:], abiErr.ID[:4])
		b.revErrs[sel] = sentinel
	}

	return b, nil
}

// Address returns the bound contract address.
func (b *Binding) Address() common.Address {
	return b.address
}

// PackFund builds calldata for fund(id). The escrow amount rides as tx value.
func (b *Binding) PackFund(id common.Hash) ([]byte, error) {
	return b.abi.Pack("fund", id)
}

// PackFulfill builds calldata for fulfill(id, payload). The payload is the
// prepared (encoded) blob; the contract stores only its presence, the chain
// stores the bytes.
func (b *Binding) PackFulfill(id common.Hash, payload []byte) ([]byte, error) {
	return b.abi.Pack("fulfill", id, payload)
}

// PackWithdraw builds calldata for withdraw(id).
func (b *Binding) PackWithdraw(id common.Hash) ([]byte, error) {
	return b.abi.Pack("withdraw", id)
}

// PackEscrows builds calldata for the escrows(id) view.
func (b *Binding) PackEscrows(id common.Hash) ([]byte, error) {
	return b.abi.Pack("escrows", id)
}

// UnpackEscrows decodes the return data of the escrows(id) view.
func (b *Binding) UnpackEscrows(data []byte) (*EscrowState, error) {
	out, err := b.abi.Unpack("escrows", data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack escrows result: %w", err)
	}
	if len(out) != 4 {
		return nil, fmt.Errorf("escrows returned %d values, want 4", len(out))
	}

	state := &EscrowState{}
	var ok bool
	if state.Value, ok = out[0].(*big.Int); !ok {
		return nil, errors.New("escrows: value field has unexpected type")
	}
	if state.CreatedAt, ok = out[1].(uint64); !ok {
		return nil, errors.New("escrows: createdAt field has unexpected type")
	}
	if state.Fulfilled, ok = out[2].(bool); !ok {
		return nil, errors.New("escrows: fulfilled field has unexpected type")
	}
	if state.Payer, ok = out[3].(common.Address); !ok {
		return nil, errors.New("escrows: payer field has unexpected type")
	}
	return state, nil
}

// DecodeRevert maps raw revert data onto the ledger's sentinel errors.
// Error(string) reverts surface the reason text; anything unrecognized is
// reported as an opaque revert rather than guessed at.
func (b *Binding) DecodeRevert(data []byte) error {
	if len(data) < 4 {
		return errors.New("execution reverted")
	}

	var sel [4]byte
	copy(sel[:], data[:4])
	if sentinel, ok := b.revErrs[sel]; ok {
		return sentinel
	}

	if bytes.Equal(data[:4], solidityErrorSelector) {
		if reason, err := abi.UnpackRevert(data); err == nil {
			return fmt.Errorf("execution reverted: %s", reason)
		}
	}

	return fmt.Errorf("execution reverted with unknown error selector 0x%x", sel)
}
