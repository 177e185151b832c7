package fulfill

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/etchpay/internal/chain"
	"github.com/mbd888/etchpay/internal/contract"
	"github.com/mbd888/etchpay/internal/feed"
	"github.com/mbd888/etchpay/internal/prepare"
	"github.com/mbd888/etchpay/internal/proclock"
	"github.com/mbd888/etchpay/internal/quote"
	"github.com/mbd888/etchpay/internal/verify"
)

var (
	testSender   = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	testEscrowID = common.HexToHash("0xabc123")
	testPrice    = big.NewInt(2_000_000_000_000_000)
)

// mockBackend is a configurable chain backend
type mockBackend struct {
	mu          sync.Mutex
	escrowFn    func(id common.Hash) (*contract.EscrowState, error)
	submitFn    func(id common.Hash, payload []byte) (string, error)
	waitFn      func(txHash string) (*chain.EtchResult, error)
	receiptFn   func(txHash string) (bool, bool, error)
	submitCalls int
}

func (m *mockBackend) Escrow(_ context.Context, id common.Hash) (*contract.EscrowState, error) {
	if m.escrowFn != nil {
		return m.escrowFn(id)
	}
	return fundedEscrow(), nil
}

func (m *mockBackend) SubmitEtch(_ context.Context, id common.Hash, payload []byte) (string, error) {
	m.mu.Lock()
	m.submitCalls++
	m.mu.Unlock()
	if m.submitFn != nil {
		return m.submitFn(id, payload)
	}
	return "0xsettlement", nil
}

func (m *mockBackend) WaitForReceipt(_ context.Context, txHash string) (*chain.EtchResult, error) {
	if m.waitFn != nil {
		return m.waitFn(txHash)
	}
	return &chain.EtchResult{TxHash: txHash, BlockNumber: 5, GasUsed: 90_000}, nil
}

func (m *mockBackend) ReceiptStatus(_ context.Context, txHash string) (bool, bool, error) {
	if m.receiptFn != nil {
		return m.receiptFn(txHash)
	}
	return true, true, nil
}

func (m *mockBackend) submits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitCalls
}

func fundedEscrow() *contract.EscrowState {
	return &contract.EscrowState{
		Value:     new(big.Int).Set(testPrice),
		CreatedAt: 1_700_000_000,
		Payer:     testSender,
	}
}

// mockLocks tracks acquire/release calls
type mockLocks struct {
	mu       sync.Mutex
	denied   bool
	err      error
	releases int
}

func (m *mockLocks) TryAcquire(_ context.Context, _ string) (string, bool, error) {
	if m.err != nil {
		return "", false, m.err
	}
	if m.denied {
		return "", false, nil
	}
	return "pl_test", true, nil
}

func (m *mockLocks) Release(_ context.Context, _, _ string) error {
	m.mu.Lock()
	m.releases++
	m.mu.Unlock()
	return nil
}

func (m *mockLocks) released() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releases
}

// mockQuotes resolves a single known quote
type mockQuotes struct {
	quote    *quote.Quote
	redeemed int
}

func (m *mockQuotes) Lookup(_ context.Context, id string) (*quote.Quote, error) {
	if m.quote == nil || m.quote.ID != id {
		return nil, quote.ErrNotFound
	}
	return m.quote, nil
}

func (m *mockQuotes) Redeem(_ context.Context, _ string) error {
	m.redeemed++
	return nil
}

// panicPreparer simulates an internal programming error mid-saga
type panicPreparer struct{}

func (panicPreparer) Prepare(_ context.Context, _ []byte) (*prepare.Result, error) {
	panic("boom")
}

func testRequest() *Request {
	return &Request{
		Data:         []byte("etch me"),
		Sender:       testSender,
		EscrowID:     testEscrowID,
		EscrowTxHash: "0xfunding",
		QuoteID:      "qt_test",
	}
}

func newTestOrchestrator(backend *mockBackend, locks Locks, quotes *mockQuotes, opts ...Option) *Orchestrator {
	base := []Option{
		WithDeadline(5 * time.Second),
		WithConfirmPolicy(time.Millisecond, 3),
		WithReconcilePolicy(time.Millisecond, 20*time.Millisecond),
	}
	return New(backend, locks, quotes, prepare.NewKeccak(0), append(base, opts...)...)
}

func defaultMocks() (*mockBackend, *mockLocks, *mockQuotes) {
	return &mockBackend{}, &mockLocks{}, &mockQuotes{
		quote: &quote.Quote{ID: "qt_test", PriceWei: new(big.Int).Set(testPrice), IssuedAt: time.Now()},
	}
}

func TestRunHappyPath(t *testing.T) {
	backend, locks, quotes := defaultMocks()
	store := feed.NewMemoryStore()
	o := newTestOrchestrator(backend, locks, quotes, WithFeed(feed.NewService(store, nil)))

	result := o.Run(context.Background(), testRequest())
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.TxHash != "0xsettlement" {
		t.Errorf("txHash = %s", result.TxHash)
	}
	if result.DataRef == "" {
		t.Error("expected a data reference")
	}
	if locks.released() != 1 {
		t.Errorf("lock released %d times, want exactly 1", locks.released())
	}
	if quotes.redeemed != 1 {
		t.Errorf("quote redeemed %d times, want 1", quotes.redeemed)
	}

	settlements, _ := store.Recent(context.Background(), 10)
	if len(settlements) != 1 {
		t.Fatalf("feed holds %d settlements, want 1", len(settlements))
	}
	if settlements[0].TxHash != "0xsettlement" {
		t.Errorf("feed txHash = %s", settlements[0].TxHash)
	}
}

func TestRunContention(t *testing.T) {
	backend, locks, quotes := defaultMocks()
	locks.denied = true
	o := newTestOrchestrator(backend, locks, quotes)

	result := o.Run(context.Background(), testRequest())
	if !errors.Is(result.Err, ErrInFlight) {
		t.Fatalf("got %v, want ErrInFlight", result.Err)
	}
	// Contention carries no withdrawal implication: the other request owns
	// the escrow right now.
	if result.CanWithdraw {
		t.Error("contention must not promise withdrawability")
	}
	if locks.released() != 0 {
		t.Errorf("never-acquired lock released %d times", locks.released())
	}
	if backend.submits() != 0 {
		t.Error("contention must not reach submission")
	}
}

func TestRunQuoteExpiredWithConfirmedFunding(t *testing.T) {
	backend, locks, _ := defaultMocks()
	quotes := &mockQuotes{} // no quotes known
	o := newTestOrchestrator(backend, locks, quotes)

	result := o.Run(context.Background(), testRequest())
	if !errors.Is(result.Err, ErrQuoteExpired) {
		t.Fatalf("got %v, want ErrQuoteExpired", result.Err)
	}
	// The payer verifiably paid; they must not be stuck
	if !result.CanWithdraw {
		t.Error("confirmed funding with expired quote must be withdrawable")
	}
	if locks.released() != 1 {
		t.Errorf("lock released %d times, want 1", locks.released())
	}
}

func TestRunQuoteExpiredWithoutFunding(t *testing.T) {
	backend, locks, _ := defaultMocks()
	backend.receiptFn = func(_ string) (bool, bool, error) { return false, false, nil }
	quotes := &mockQuotes{}
	o := newTestOrchestrator(backend, locks, quotes)

	result := o.Run(context.Background(), testRequest())
	if !errors.Is(result.Err, ErrQuoteExpired) {
		t.Fatalf("got %v, want ErrQuoteExpired", result.Err)
	}
	if result.CanWithdraw {
		t.Error("unverified funding should direct the caller to re-quote, not withdraw")
	}
	if locks.released() != 1 {
		t.Errorf("lock released %d times, want 1", locks.released())
	}
}

func TestRunValueMismatch(t *testing.T) {
	backend, locks, quotes := defaultMocks()
	backend.escrowFn = func(_ common.Hash) (*contract.EscrowState, error) {
		state := fundedEscrow()
		state.Value = big.NewInt(1_000_000_000_000_000) // half the quoted price
		return state, nil
	}
	o := newTestOrchestrator(backend, locks, quotes)

	result := o.Run(context.Background(), testRequest())
	var mismatch *verify.ValueMismatchError
	if !errors.As(result.Err, &mismatch) {
		t.Fatalf("got %v, want ValueMismatchError", result.Err)
	}
	if !result.CanWithdraw {
		t.Error("value mismatch on a funded escrow must be withdrawable")
	}
	if result.ExpectedWei.Cmp(testPrice) != 0 {
		t.Errorf("expected = %s", result.ExpectedWei)
	}
	if result.ActualWei.Cmp(big.NewInt(1_000_000_000_000_000)) != 0 {
		t.Errorf("actual = %s", result.ActualWei)
	}
	if backend.submits() != 0 {
		t.Error("mismatched escrow must never be settled")
	}
}

func TestRunAlreadyFulfilledShortCircuits(t *testing.T) {
	backend, locks, quotes := defaultMocks()
	backend.escrowFn = func(_ common.Hash) (*contract.EscrowState, error) {
		state := fundedEscrow()
		state.Fulfilled = true
		return state, nil
	}
	o := newTestOrchestrator(backend, locks, quotes)

	result := o.Run(context.Background(), testRequest())
	if !result.Success {
		t.Fatalf("duplicate request for completed work must report success, got %+v", result)
	}
	if backend.submits() != 0 {
		t.Error("already-fulfilled escrow must not be re-settled")
	}
	if locks.released() != 1 {
		t.Errorf("lock released %d times, want 1", locks.released())
	}
}

func TestRunEscrowAbsent(t *testing.T) {
	backend, locks, quotes := defaultMocks()
	backend.escrowFn = func(_ common.Hash) (*contract.EscrowState, error) {
		return &contract.EscrowState{Value: big.NewInt(0)}, nil
	}
	o := newTestOrchestrator(backend, locks, quotes)

	result := o.Run(context.Background(), testRequest())
	if !errors.Is(result.Err, verify.ErrNotFunded) {
		t.Fatalf("got %v, want ErrNotFunded", result.Err)
	}
	// Positively confirmed absent: nothing to withdraw
	if result.CanWithdraw {
		t.Error("absent escrow must not promise withdrawability")
	}
	if locks.released() != 1 {
		t.Errorf("lock released %d times, want 1", locks.released())
	}
}

func TestRunChainUnavailableAtVerify(t *testing.T) {
	backend, locks, quotes := defaultMocks()
	calls := 0
	backend.escrowFn = func(_ common.Hash) (*contract.EscrowState, error) {
		calls++
		return nil, errors.New("all endpoints failed")
	}
	o := newTestOrchestrator(backend, locks, quotes)

	result := o.Run(context.Background(), testRequest())
	if result.Success {
		t.Fatal("expected failure")
	}
	if !result.CanWithdraw {
		t.Error("chain-unavailable must default to withdrawable")
	}
	if backend.submits() != 0 {
		t.Error("no transaction may be submitted when the chain is unreachable")
	}
	if locks.released() != 1 {
		t.Errorf("lock released %d times, want 1", locks.released())
	}
}

func TestRunChainUnavailableAtFundingConfirm(t *testing.T) {
	backend, locks, quotes := defaultMocks()
	backend.receiptFn = func(_ string) (bool, bool, error) {
		return false, false, errors.New("all endpoints failed")
	}
	backend.escrowFn = func(_ common.Hash) (*contract.EscrowState, error) {
		return nil, errors.New("all endpoints failed")
	}
	o := newTestOrchestrator(backend, locks, quotes)

	result := o.Run(context.Background(), testRequest())
	if result.Success {
		t.Fatal("expected failure")
	}
	if !errors.Is(result.Err, ErrFundingNotConfirmed) {
		t.Fatalf("got %v, want ErrFundingNotConfirmed", result.Err)
	}
	// Neither the receipt nor the escrow record could be read; the funds may
	// be on chain, so withdrawal must stay open.
	if !result.CanWithdraw {
		t.Error("unreadable escrow state must default to withdrawable")
	}
	if backend.submits() != 0 {
		t.Error("no transaction may be submitted when the chain is unreachable")
	}
	if locks.released() != 1 {
		t.Errorf("lock released %d times, want 1", locks.released())
	}
}

func TestRunQuoteExpiredChainUnavailable(t *testing.T) {
	backend, locks, _ := defaultMocks()
	backend.receiptFn = func(_ string) (bool, bool, error) {
		return false, false, errors.New("all endpoints failed")
	}
	quotes := &mockQuotes{}
	o := newTestOrchestrator(backend, locks, quotes)

	result := o.Run(context.Background(), testRequest())
	if !errors.Is(result.Err, ErrQuoteExpired) {
		t.Fatalf("got %v, want ErrQuoteExpired", result.Err)
	}
	// The funding tx could not be checked either way, so the payer may have
	// paid; only a positive "did not land" justifies a plain rejection.
	if !result.CanWithdraw {
		t.Error("unknown funding status must keep the withdrawal path open")
	}
	if locks.released() != 1 {
		t.Errorf("lock released %d times, want 1", locks.released())
	}
}

func TestRunDuplicateSubmitReconciles(t *testing.T) {
	backend, locks, quotes := defaultMocks()
	var fulfilled bool
	var polls int
	backend.escrowFn = func(_ common.Hash) (*contract.EscrowState, error) {
		state := fundedEscrow()
		state.Fulfilled = fulfilled
		polls++
		if polls >= 3 {
			// The competing transaction lands while we poll
			fulfilled = true
		}
		return state, nil
	}
	backend.submitFn = func(_ common.Hash, _ []byte) (string, error) {
		return "", chain.ErrDuplicateSubmit
	}
	o := newTestOrchestrator(backend, locks, quotes)

	result := o.Run(context.Background(), testRequest())
	if !result.Success {
		t.Fatalf("reconciled duplicate must report success, got %+v", result)
	}
	// No hash was ever returned for the competing transaction
	if result.TxHash != "" {
		t.Errorf("txHash = %s, want empty (hash unknown)", result.TxHash)
	}
}

func TestRunDuplicateSubmitWindowElapses(t *testing.T) {
	backend, locks, quotes := defaultMocks()
	backend.submitFn = func(_ common.Hash, _ []byte) (string, error) {
		return "", chain.ErrDuplicateSubmit
	}
	o := newTestOrchestrator(backend, locks, quotes)

	result := o.Run(context.Background(), testRequest())
	if !errors.Is(result.Err, ErrNotSettled) {
		t.Fatalf("got %v, want ErrNotSettled", result.Err)
	}
	if !result.CanWithdraw {
		t.Error("unresolved duplicate must leave the withdrawal path open")
	}
}

func TestRunSubmissionFailure(t *testing.T) {
	backend, locks, quotes := defaultMocks()
	backend.submitFn = func(_ common.Hash, _ []byte) (string, error) {
		return "", errors.New("insufficient funds for gas")
	}
	o := newTestOrchestrator(backend, locks, quotes)

	result := o.Run(context.Background(), testRequest())
	if result.Success {
		t.Fatal("expected failure")
	}
	if !result.CanWithdraw {
		t.Error("failed submission must be withdrawable")
	}
}

func TestRunRevertedSettlement(t *testing.T) {
	backend, locks, quotes := defaultMocks()
	backend.waitFn = func(_ string) (*chain.EtchResult, error) {
		return nil, chain.ErrTxReverted
	}
	o := newTestOrchestrator(backend, locks, quotes)

	result := o.Run(context.Background(), testRequest())
	if result.Success {
		t.Fatal("expected failure")
	}
	if !result.CanWithdraw {
		t.Error("reverted settlement must be withdrawable")
	}
	if locks.released() != 1 {
		t.Errorf("lock released %d times, want 1", locks.released())
	}
}

func TestRunPanicReleasesLock(t *testing.T) {
	backend, locks, quotes := defaultMocks()
	o := New(backend, locks, quotes, panicPreparer{},
		WithDeadline(5*time.Second),
		WithConfirmPolicy(time.Millisecond, 3),
	)

	result := o.Run(context.Background(), testRequest())
	if result == nil {
		t.Fatal("panic must still produce a result")
	}
	if result.Success {
		t.Fatal("panic must not report success")
	}
	// The escrow exists and is unfulfilled, so the bias keeps withdrawal open
	if !result.CanWithdraw {
		t.Error("internal error with live escrow must be withdrawable")
	}
	if locks.released() != 1 {
		t.Errorf("lock released %d times after panic, want exactly 1", locks.released())
	}
}

func TestRunConcurrentSameEscrow(t *testing.T) {
	backend, _, quotes := defaultMocks()
	locks := proclock.New(proclock.NewMemoryStore(), time.Minute)

	// Park the first request inside settlement confirmation so the second
	// request observes the held lock.
	entered := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	backend.waitFn = func(txHash string) (*chain.EtchResult, error) {
		once.Do(func() { close(entered) })
		<-proceed
		return &chain.EtchResult{TxHash: txHash, BlockNumber: 5, GasUsed: 90_000}, nil
	}
	o := newTestOrchestrator(backend, locks, quotes)

	var first *Result
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = o.Run(context.Background(), testRequest())
	}()

	<-entered
	second := o.Run(context.Background(), testRequest())
	close(proceed)
	wg.Wait()

	if !first.Success {
		t.Errorf("first request should win: %+v", first)
	}
	if !errors.Is(second.Err, ErrInFlight) {
		t.Errorf("second request should observe contention, got %v", second.Err)
	}
	if second.CanWithdraw {
		t.Error("contention must not promise withdrawability")
	}

	// The winner's release freed the lease for later requests
	if _, ok, _ := locks.TryAcquire(context.Background(), testEscrowID.Hex()); !ok {
		t.Error("lock still held after both requests finished")
	}
}
