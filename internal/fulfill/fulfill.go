// Package fulfill orchestrates the off-chain side of a settlement: quote
// validation, escrow confirmation and verification, payload preparation,
// transaction submission, and confirmation. Each stage yields an explicit
// outcome instead of panicking, and every failure is classified by whether
// the payer can safely recover their funds through on-chain withdrawal.
package fulfill

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/etchpay/internal/chain"
	"github.com/mbd888/etchpay/internal/contract"
	"github.com/mbd888/etchpay/internal/feed"
	"github.com/mbd888/etchpay/internal/logging"
	"github.com/mbd888/etchpay/internal/metrics"
	"github.com/mbd888/etchpay/internal/prepare"
	"github.com/mbd888/etchpay/internal/quote"
	"github.com/mbd888/etchpay/internal/retry"
	"github.com/mbd888/etchpay/internal/traces"
	"github.com/mbd888/etchpay/internal/verify"
)

var (
	// ErrInFlight means another request already holds the escrow's lock.
	// The caller should wait for that request to finish, not withdraw.
	ErrInFlight = errors.New("fulfill: a request for this escrow is already in progress")

	// ErrQuoteExpired means the quote is unknown or past its TTL
	ErrQuoteExpired = errors.New("fulfill: quote expired or unknown, request a new quote")

	// ErrFundingNotConfirmed means the funding transaction never produced a
	// usable receipt and no escrow record was found
	ErrFundingNotConfirmed = errors.New("fulfill: funding transaction could not be confirmed")

	// ErrNotSettled means a duplicate submission was reported but the escrow
	// never flipped to fulfilled within the reconciliation window
	ErrNotSettled = errors.New("fulfill: settlement not confirmed within the reconciliation window")
)

// Backend is the chain surface the orchestrator needs. Both the RPC client
// and the dev-mode simulator satisfy it.
type Backend interface {
	Escrow(ctx context.Context, id common.Hash) (*contract.EscrowState, error)
	SubmitEtch(ctx context.Context, id common.Hash, payload []byte) (string, error)
	WaitForReceipt(ctx context.Context, txHash string) (*chain.EtchResult, error)
	ReceiptStatus(ctx context.Context, txHash string) (found bool, success bool, err error)
}

// Locks guards against concurrent requests for the same escrow. TryAcquire
// returns a holder token that Release requires, so a lease can only be freed
// by the acquisition that created it.
type Locks interface {
	TryAcquire(ctx context.Context, id string) (token string, acquired bool, err error)
	Release(ctx context.Context, id, token string) error
}

// Quotes resolves and consumes price quotes
type Quotes interface {
	Lookup(ctx context.Context, id string) (*quote.Quote, error)
	Redeem(ctx context.Context, id string) error
}

// Request is one fulfillment attempt
type Request struct {
	Data         []byte
	Sender       common.Address
	EscrowID     common.Hash
	EscrowTxHash string
	QuoteID      string
}

// Result is the terminal answer for a request. CanWithdraw=true is a promise
// that the payer may safely call withdraw once the delay elapses; it is never
// false unless the escrow was positively confirmed absent or fulfilled.
type Result struct {
	Success     bool
	EscrowID    string
	TxHash      string
	DataRef     string
	Err         error
	CanWithdraw bool
	ExpectedWei *big.Int
	ActualWei   *big.Int
}

// Orchestrator drives fulfillment requests through the settlement stages
type Orchestrator struct {
	backend  Backend
	locks    Locks
	quotes   Quotes
	preparer prepare.Preparer
	feed     *feed.Service

	deadline time.Duration

	confirmInterval   time.Duration
	confirmAttempts   int
	reconcileInterval time.Duration
	reconcileWindow   time.Duration
}

// Option configures the orchestrator
type Option func(*Orchestrator)

// WithDeadline caps the end-to-end time for one request
func WithDeadline(d time.Duration) Option {
	return func(o *Orchestrator) { o.deadline = d }
}

// WithFeed attaches a settlement feed for completed fulfillments
func WithFeed(f *feed.Service) Option {
	return func(o *Orchestrator) { o.feed = f }
}

// WithConfirmPolicy overrides receipt confirmation polling
func WithConfirmPolicy(interval time.Duration, attempts int) Option {
	return func(o *Orchestrator) {
		o.confirmInterval = interval
		o.confirmAttempts = attempts
	}
}

// WithReconcilePolicy overrides duplicate-submission reconciliation polling
func WithReconcilePolicy(interval, window time.Duration) Option {
	return func(o *Orchestrator) {
		o.reconcileInterval = interval
		o.reconcileWindow = window
	}
}

// New creates an orchestrator over the given collaborators
func New(backend Backend, locks Locks, quotes Quotes, preparer prepare.Preparer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		backend:           backend,
		locks:             locks,
		quotes:            quotes,
		preparer:          preparer,
		deadline:          2 * time.Minute,
		confirmInterval:   2 * time.Second,
		confirmAttempts:   12,
		reconcileInterval: 3 * time.Second,
		reconcileWindow:   60 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// stage outcomes
type outcome int

const (
	outcomeAdvance outcome = iota
	outcomeDone            // short-circuit success without a new settlement tx
	outcomeReject          // user error with no withdrawal implication
	outcomeWithdrawable
	outcomeFatal
)

type stageResult struct {
	outcome  outcome
	err      error
	expected *big.Int
	actual   *big.Int
}

func advance() stageResult { return stageResult{outcome: outcomeAdvance} }

func done() stageResult { return stageResult{outcome: outcomeDone} }

func reject(err error) stageResult { return stageResult{outcome: outcomeReject, err: err} }

func withdrawable(err error) stageResult {
	return stageResult{outcome: outcomeWithdrawable, err: err}
}

// run carries per-request state between stages
type run struct {
	o        *Orchestrator
	req      *Request
	quote    *quote.Quote
	prepared *prepare.Result
	txHash   string
	gasUsed  uint64
}

// Run executes one fulfillment request to a terminal result. The escrow lock
// is released exactly once on every exit path, including panics and deadline
// expiry.
func (o *Orchestrator) Run(ctx context.Context, req *Request) (result *Result) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()

	escrowID := req.EscrowID.Hex()
	ctx = logging.WithEscrowID(ctx, escrowID)
	ctx, span := traces.StartSpan(ctx, "fulfill.run", traces.EscrowID(escrowID))
	defer span.End()

	defer func() {
		metrics.FulfillmentDuration.Observe(time.Since(start).Seconds())
		metrics.FulfillmentsTotal.WithLabelValues(outcomeLabel(result)).Inc()
	}()

	token, acquired, err := o.locks.TryAcquire(ctx, escrowID)
	if err != nil {
		return o.failWithBias(ctx, req, fmt.Errorf("lock acquisition failed: %w", err))
	}
	if !acquired {
		logging.L(ctx).Info("rejecting concurrent fulfillment request")
		return &Result{EscrowID: escrowID, Err: ErrInFlight}
	}

	// Release must survive deadline expiry, and must run even when a stage
	// panics. The recover defer below runs first and converts the panic into
	// a biased failure result; this defer then drops the lock.
	defer func() {
		releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer releaseCancel()
		if err := o.locks.Release(releaseCtx, escrowID, token); err != nil {
			logging.L(ctx).Error("failed to release escrow lock", "error", err)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			logging.L(ctx).Error("panic during fulfillment", "panic", r)
			result = o.failWithBias(ctx, req, fmt.Errorf("internal error: %v", r))
		}
	}()

	r := &run{o: o, req: req}
	stages := []struct {
		name string
		fn   func(context.Context) stageResult
	}{
		{"validate_quote", r.validateQuote},
		{"confirm_funding", r.confirmFunding},
		{"verify_escrow", r.verifyEscrow},
		{"prepare_data", r.prepareData},
		{"submit", r.submit},
		{"await_confirmation", r.awaitConfirmation},
	}

	for _, stage := range stages {
		stageCtx, stageSpan := traces.StartSpan(ctx, "fulfill."+stage.name, traces.Stage(stage.name))
		sr := stage.fn(stageCtx)
		stageSpan.End()

		switch sr.outcome {
		case outcomeAdvance:
			continue
		case outcomeDone:
			return r.success(ctx)
		case outcomeReject:
			logging.L(ctx).Info("fulfillment rejected", "stage", stage.name, "error", sr.err)
			return &Result{EscrowID: escrowID, Err: sr.err}
		case outcomeWithdrawable:
			logging.L(ctx).Warn("fulfillment failed, withdrawal available",
				"stage", stage.name, "error", sr.err)
			return &Result{
				EscrowID:    escrowID,
				Err:         sr.err,
				CanWithdraw: true,
				ExpectedWei: sr.expected,
				ActualWei:   sr.actual,
			}
		default:
			return o.failWithBias(ctx, req, sr.err)
		}
	}

	return r.success(ctx)
}

func (r *run) success(ctx context.Context) *Result {
	if r.req.QuoteID != "" {
		if err := r.o.quotes.Redeem(ctx, r.req.QuoteID); err != nil {
			logging.L(ctx).Warn("failed to redeem quote", "quote_id", r.req.QuoteID, "error", err)
		}
	}

	result := &Result{
		Success:  true,
		EscrowID: r.req.EscrowID.Hex(),
		TxHash:   r.txHash,
	}
	if r.prepared != nil {
		result.DataRef = r.prepared.DataRef
		metrics.EtchedBytesTotal.Add(float64(len(r.prepared.Payload)))
	}
	if r.gasUsed > 0 {
		metrics.SettlementGasUsed.Observe(float64(r.gasUsed))
	}

	if r.o.feed != nil && r.txHash != "" {
		amount := ""
		if r.quote != nil {
			amount = r.quote.PriceWei.String()
		}
		r.o.feed.Publish(ctx, &feed.Settlement{
			EscrowID:  result.EscrowID,
			Payer:     r.req.Sender.Hex(),
			AmountWei: amount,
			TxHash:    r.txHash,
			DataRef:   result.DataRef,
			SettledAt: time.Now().UTC(),
		})
	}

	logging.L(ctx).Info("fulfillment complete", "tx_hash", r.txHash, "data_ref", result.DataRef)
	return result
}

// validateQuote resolves the quote. A missing quote is only a plain rejection
// when the payer's funding transaction verifiably did not land; if it landed,
// or the chain cannot be asked, the payer keeps the withdrawal path.
func (r *run) validateQuote(ctx context.Context) stageResult {
	q, err := r.o.quotes.Lookup(ctx, r.req.QuoteID)
	if err == nil {
		r.quote = q
		return advance()
	}
	if !errors.Is(err, quote.ErrNotFound) {
		return stageResult{outcome: outcomeFatal, err: fmt.Errorf("quote lookup failed: %w", err)}
	}

	found, success, statusErr := r.o.backend.ReceiptStatus(ctx, r.req.EscrowTxHash)
	if statusErr != nil {
		return withdrawable(fmt.Errorf("%w (funding status unknown: %v)", ErrQuoteExpired, statusErr))
	}
	if found && success {
		return withdrawable(ErrQuoteExpired)
	}
	return reject(ErrQuoteExpired)
}

// confirmFunding polls the funding transaction receipt. When no receipt
// arrives within the polling budget, the escrow record itself is the
// tiebreaker: its existence makes this a withdrawable failure, its absence a
// plain submission failure.
func (r *run) confirmFunding(ctx context.Context) stageResult {
	var confirmed, reverted bool
	err := retry.DoFixed(ctx, r.o.confirmAttempts, r.o.confirmInterval, func() error {
		found, success, err := r.o.backend.ReceiptStatus(ctx, r.req.EscrowTxHash)
		if err != nil {
			metrics.FulfillmentStageRetries.WithLabelValues("confirm_funding").Inc()
			return err
		}
		if !found {
			metrics.FulfillmentStageRetries.WithLabelValues("confirm_funding").Inc()
			return fmt.Errorf("funding receipt not yet available")
		}
		confirmed = success
		reverted = !success
		return nil
	})

	if err == nil && confirmed {
		return advance()
	}

	state, stateErr := r.o.backend.Escrow(ctx, r.req.EscrowID)
	if stateErr != nil {
		// The escrow record could not be read, so funds may be sitting in it.
		// Only a positive "absent" verdict justifies denying withdrawal.
		return withdrawable(fmt.Errorf("%w (escrow state unknown: %v)", ErrFundingNotConfirmed, stateErr))
	}
	if state.Exists() {
		if reverted {
			// The referenced tx reverted but the escrow is funded; a
			// different transaction must have funded it. Proceed.
			return advance()
		}
		return withdrawable(ErrFundingNotConfirmed)
	}
	if reverted {
		return reject(fmt.Errorf("fulfill: funding transaction reverted"))
	}
	return reject(ErrFundingNotConfirmed)
}

// verifyEscrow reads the on-chain record and asserts the quoted terms. An
// already-fulfilled escrow short-circuits to success: duplicate requests for
// completed work report success rather than re-attempting payment.
func (r *run) verifyEscrow(ctx context.Context) stageResult {
	state, err := r.o.backend.Escrow(ctx, r.req.EscrowID)
	if err != nil {
		return withdrawable(fmt.Errorf("escrow state unavailable: %w", err))
	}

	err = verify.Escrow(state, r.req.Sender, r.quote.PriceWei)
	switch {
	case err == nil:
		return advance()
	case errors.Is(err, verify.ErrAlreadyFulfilled):
		logging.L(ctx).Info("escrow already fulfilled, reporting success")
		return done()
	case errors.Is(err, verify.ErrNotFunded):
		// Positively confirmed absent: withdrawal has nothing to recover
		return reject(err)
	default:
		var mismatch *verify.ValueMismatchError
		if errors.As(err, &mismatch) {
			return stageResult{
				outcome:  outcomeWithdrawable,
				err:      err,
				expected: mismatch.Expected,
				actual:   mismatch.Actual,
			}
		}
		return withdrawable(err)
	}
}

// prepareData encodes the payload. The escrow already holds the payer's
// funds, so any failure here leaves them on the withdrawal path.
func (r *run) prepareData(ctx context.Context) stageResult {
	prepared, err := r.o.preparer.Prepare(ctx, r.req.Data)
	if err != nil {
		return withdrawable(fmt.Errorf("payload preparation failed: %w", err))
	}
	r.prepared = prepared
	return advance()
}

// submit sends the settlement transaction. A duplicate-submission signal is
// not fatal: some equivalent transaction is already in flight, so reconcile
// against the on-chain fulfilled flag instead of guessing its hash.
func (r *run) submit(ctx context.Context) stageResult {
	txHash, err := r.o.backend.SubmitEtch(ctx, r.req.EscrowID, r.prepared.Payload)
	if err == nil {
		r.txHash = txHash
		return advance()
	}
	if errors.Is(err, chain.ErrDuplicateSubmit) {
		logging.L(ctx).Info("duplicate submission reported, reconciling against ledger state")
		return r.reconcile(ctx)
	}
	return withdrawable(fmt.Errorf("settlement submission failed: %w", err))
}

// reconcile polls the escrow's fulfilled flag until it flips or the window
// elapses
func (r *run) reconcile(ctx context.Context) stageResult {
	deadline := time.Now().Add(r.o.reconcileWindow)
	ticker := time.NewTicker(r.o.reconcileInterval)
	defer ticker.Stop()

	for {
		state, err := r.o.backend.Escrow(ctx, r.req.EscrowID)
		if err == nil && state.Fulfilled {
			return done()
		}
		if err != nil {
			metrics.FulfillmentStageRetries.WithLabelValues("reconcile").Inc()
		}

		if time.Now().After(deadline) {
			// The in-flight transaction may still land later; the payer's
			// recovery path remains the withdrawal timer.
			return withdrawable(ErrNotSettled)
		}
		select {
		case <-ctx.Done():
			return withdrawable(fmt.Errorf("%w: %v", ErrNotSettled, ctx.Err()))
		case <-ticker.C:
		}
	}
}

// awaitConfirmation waits for the settlement receipt
func (r *run) awaitConfirmation(ctx context.Context) stageResult {
	result, err := r.o.backend.WaitForReceipt(ctx, r.txHash)
	if err != nil {
		return withdrawable(fmt.Errorf("settlement confirmation failed: %w", err))
	}
	r.gasUsed = result.GasUsed
	return advance()
}

// failWithBias answers an unexpected failure. It makes a best-effort check of
// the escrow record on a fresh context; unless the escrow is positively
// absent or fulfilled, the answer promises withdrawability, because a false
// "cannot withdraw" can permanently strand the payer's funds.
func (o *Orchestrator) failWithBias(ctx context.Context, req *Request, err error) *Result {
	result := &Result{EscrowID: req.EscrowID.Hex(), Err: err, CanWithdraw: true}

	checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	state, stateErr := o.backend.Escrow(checkCtx, req.EscrowID)
	if stateErr == nil && (!state.Exists() || state.Fulfilled) {
		result.CanWithdraw = false
	}
	return result
}

func outcomeLabel(result *Result) string {
	switch {
	case result == nil:
		return "fatal"
	case result.Success:
		return "done"
	case errors.Is(result.Err, ErrInFlight):
		return "contention"
	case result.CanWithdraw:
		return "withdrawable"
	default:
		return "rejected"
	}
}
