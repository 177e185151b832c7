// Package chain handles all blockchain interactions for escrow settlement
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/mbd888/etchpay/internal/contract"
	"github.com/mbd888/etchpay/internal/retry"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrTxReverted        = errors.New("chain: transaction reverted")
	ErrReceiptTimeout    = errors.New("chain: timed out waiting for receipt")
	ErrDuplicateSubmit   = errors.New("chain: transaction already known to the network")
)

// SubmitError wraps settlement submission failures with context
type SubmitError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *SubmitError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// EthClient abstracts a go-ethereum RPC client for testing and pooling
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Source yields a working RPC client and absorbs per-call health reports.
// The endpoint pool implements it.
type Source interface {
	Select(ctx context.Context) (EthClient, string, error)
	Report(url string, err error)
}

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

const (
	// ReceiptPollInterval between receipt checks
	ReceiptPollInterval = 2 * time.Second

	// ReceiptPollAttempts bounds receipt polling (roughly 24s total)
	ReceiptPollAttempts = 12

	// baseGasLimit covers the fulfill state transition and worker payout
	baseGasLimit = uint64(120_000)

	// gasPerPayloadByte covers calldata costs when estimation fails
	gasPerPayloadByte = uint64(16)
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Config for creating a new chain client
type Config struct {
	PrivateKey string // Hex string, with or without 0x prefix
	ChainID    int64
}

// EtchResult contains details of a mined settlement transaction
type EtchResult struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
}

// Client signs and submits settlement transactions as the worker role
type Client struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	binding    *contract.Binding
	source     Source
}

// New creates a chain client from the worker key and a client source
func New(cfg Config, binding *contract.Binding, source Source) (*Client, error) {
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("chain ID required")
	}
	if source == nil {
		return nil, fmt.Errorf("client source required")
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	return &Client{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKey),
		chainID:    big.NewInt(cfg.ChainID),
		binding:    binding,
		source:     source,
	}, nil
}

// Address returns the worker's address
func (c *Client) Address() string {
	return c.address.Hex()
}

// Escrow reads the on-chain escrow record for id
func (c *Client) Escrow(ctx context.Context, id common.Hash) (*contract.EscrowState, error) {
	client, url, err := c.source.Select(ctx)
	if err != nil {
		return nil, err
	}

	data, err := c.binding.PackEscrows(id)
	if err != nil {
		return nil, fmt.Errorf("failed to pack escrows call: %w", err)
	}

	to := c.binding.Address()
	result, err := client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	c.source.Report(url, err)
	if err != nil {
		if reason, ok := c.revertReason(err); ok {
			return nil, fmt.Errorf("escrows call reverted: %w", reason)
		}
		return nil, fmt.Errorf("failed to call escrows: %w", err)
	}

	return c.binding.UnpackEscrows(result)
}

// ReceiptStatus checks whether a transaction has been mined. found is false
// while the transaction is still pending or unknown to the endpoint; that is
// not an error.
func (c *Client) ReceiptStatus(ctx context.Context, txHash string) (found bool, success bool, err error) {
	client, url, err := c.source.Select(ctx)
	if err != nil {
		return false, false, err
	}

	receipt, err := client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		c.source.Report(url, nil)
		return false, false, nil
	}
	c.source.Report(url, err)
	if err != nil {
		return false, false, fmt.Errorf("failed to get receipt: %w", err)
	}

	return true, receipt.Status == types.ReceiptStatusSuccessful, nil
}

// SubmitEtch signs and sends the settlement transaction carrying the prepared
// payload and the fulfill call. Returns the transaction hash on acceptance.
// A duplicate-submission signal surfaces as ErrDuplicateSubmit; the caller
// must reconcile against ledger state instead of guessing the hash.
func (c *Client) SubmitEtch(ctx context.Context, id common.Hash, payload []byte) (string, error) {
	client, url, err := c.source.Select(ctx)
	if err != nil {
		return "", err
	}

	data, err := c.binding.PackFulfill(id, payload)
	if err != nil {
		return "", &SubmitError{Op: "pack", Err: err}
	}

	nonce, err := client.PendingNonceAt(ctx, c.address)
	if err != nil {
		c.source.Report(url, err)
		return "", &SubmitError{Op: "nonce", Err: err}
	}

	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		c.source.Report(url, err)
		return "", &SubmitError{Op: "gas_price", Err: err}
	}

	to := c.binding.Address()
	gasLimit, err := client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &to,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// A decodable revert means the settlement itself would fail on chain;
		// surface the contract's verdict instead of sending a doomed tx.
		if reason, ok := c.revertReason(err); ok {
			c.source.Report(url, nil)
			return "", &SubmitError{Op: "estimate", Err: reason}
		}
		// Use a payload-sized default if estimation fails
		gasLimit = baseGasLimit + gasPerPayloadByte*uint64(len(payload))
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return "", &SubmitError{Op: "sign", Err: err}
	}

	if err := client.SendTransaction(ctx, signedTx); err != nil {
		if IsDuplicate(err) {
			// The mempool already has an equivalent transaction; health-wise
			// the endpoint answered fine.
			c.source.Report(url, nil)
			return "", fmt.Errorf("%w: %v", ErrDuplicateSubmit, err)
		}
		c.source.Report(url, err)
		return "", &SubmitError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}
	c.source.Report(url, nil)

	return signedTx.Hash().Hex(), nil
}

// WaitForReceipt polls for the settlement receipt at a fixed interval.
// A reverted transaction returns ErrTxReverted; polling exhaustion returns
// ErrReceiptTimeout.
func (c *Client) WaitForReceipt(ctx context.Context, txHash string) (*EtchResult, error) {
	hash := common.HexToHash(txHash)
	var result *EtchResult

	err := retry.DoFixed(ctx, ReceiptPollAttempts, ReceiptPollInterval, func() error {
		client, url, err := c.source.Select(ctx)
		if err != nil {
			return err
		}

		receipt, err := client.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			c.source.Report(url, nil)
			return fmt.Errorf("%w: tx %s", ErrReceiptTimeout, txHash)
		}
		c.source.Report(url, err)
		if err != nil {
			return err
		}

		if receipt.Status != types.ReceiptStatusSuccessful {
			return retry.Permanent(&SubmitError{Op: "confirm", TxHash: txHash, Err: ErrTxReverted})
		}

		result = &EtchResult{
			TxHash:      txHash,
			BlockNumber: receipt.BlockNumber.Uint64(),
			GasUsed:     receipt.GasUsed,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// revertReason extracts revert data attached to an RPC error and decodes it
// through the contract binding. Geth-style endpoints attach the data as a
// hex string via rpc.DataError; anything else reports no reason.
func (c *Client) revertReason(err error) (error, bool) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil, false
	}
	encoded, ok := dataErr.ErrorData().(string)
	if !ok {
		return nil, false
	}
	data, decErr := hexutil.Decode(encoded)
	if decErr != nil || len(data) == 0 {
		return nil, false
	}
	return c.binding.DecodeRevert(data), true
}

// duplicateSignals are the provider error substrings that mean "an equivalent
// transaction is already in the mempool". Matched case-insensitively.
// "replacement transaction underpriced" is deliberately absent: that is a
// nonce collision, not a duplicate of this transaction.
var duplicateSignals = []string{
	"already known",
	"alreadyknown",
	"known transaction",
	"transaction already imported",
	"already_exists",
}

// IsDuplicate reports whether a send error is a mempool-duplicate signal
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, signal := range duplicateSignals {
		if strings.Contains(msg, signal) {
			return true
		}
	}
	return false
}
