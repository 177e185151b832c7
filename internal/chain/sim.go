package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/etchpay/internal/contract"
	"github.com/mbd888/etchpay/internal/ledger"
)

// Sim replaces the RPC path with an in-process ledger for local development.
// Settlement is instantaneous: submit commits the fulfillment directly and
// fabricates a deterministic transaction hash.
type Sim struct {
	ledger *ledger.Ledger
	worker common.Address
	nonce  atomic.Uint64
}

// NewSim creates a simulated backend. The ledger's worker role is assigned to
// a fixed address so submissions pass authorization.
func NewSim() *Sim {
	worker := common.HexToAddress("0x00000000000000000000000000000000e7c4a9ed")
	owner := common.HexToAddress("0x000000000000000000000000000000000000a11e")
	l := ledger.New(owner, worker, func(to common.Address, amount *big.Int) error {
		return nil // payouts always land in the sim
	})
	return &Sim{ledger: l, worker: worker}
}

// Address returns the simulated worker address
func (s *Sim) Address() string {
	return s.worker.Hex()
}

// Fund seeds an escrow record, standing in for the payer's funding
// transaction. Used by the dev-only funding endpoint.
func (s *Sim) Fund(id common.Hash, payer common.Address, amount *big.Int) error {
	return s.ledger.Fund(payer, id, amount)
}

// Escrow reads the simulated escrow record for id
func (s *Sim) Escrow(_ context.Context, id common.Hash) (*contract.EscrowState, error) {
	rec := s.ledger.Escrow(id)
	if !rec.Exists() {
		return &contract.EscrowState{Value: big.NewInt(0)}, nil
	}
	return &contract.EscrowState{
		Value:     rec.Value,
		CreatedAt: rec.CreatedAt,
		Fulfilled: rec.Fulfilled,
		Payer:     rec.Payer,
	}, nil
}

// SubmitEtch commits the fulfillment immediately
func (s *Sim) SubmitEtch(_ context.Context, id common.Hash, payload []byte) (string, error) {
	if err := s.ledger.Fulfill(s.worker, id); err != nil {
		return "", &SubmitError{Op: "send", Err: err}
	}
	return s.txHash(id, payload), nil
}

// WaitForReceipt succeeds instantly with the next simulated block number
func (s *Sim) WaitForReceipt(_ context.Context, txHash string) (*EtchResult, error) {
	return &EtchResult{
		TxHash:      txHash,
		BlockNumber: s.nonce.Add(1),
		GasUsed:     baseGasLimit,
	}, nil
}

// ReceiptStatus always reports mined and successful; the sim has no mempool
func (s *Sim) ReceiptStatus(_ context.Context, _ string) (bool, bool, error) {
	return true, true, nil
}

func (s *Sim) txHash(id common.Hash, payload []byte) string {
	seq := s.nonce.Add(1)
	return crypto.Keccak256Hash(id.Bytes(), payload, []byte(fmt.Sprintf("%d", seq))).Hex()
}
