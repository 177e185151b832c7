package rpcpool

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/etchpay/internal/chain"
)

// stubClient is a minimal EthClient whose liveness is controlled by blockErr
type stubClient struct {
	blockErr error
	closed   bool
}

func (s *stubClient) BlockNumber(_ context.Context) (uint64, error) {
	if s.blockErr != nil {
		return 0, s.blockErr
	}
	return 100, nil
}

func (s *stubClient) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	return 0, nil
}

func (s *stubClient) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (s *stubClient) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}

func (s *stubClient) SendTransaction(_ context.Context, _ *types.Transaction) error {
	return nil
}

func (s *stubClient) TransactionReceipt(_ context.Context, _ common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

func (s *stubClient) CallContract(_ context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return nil, nil
}

func (s *stubClient) Close() { s.closed = true }

func dialerFor(clients map[string]*stubClient, dialErrs map[string]error) Dialer {
	return func(_ context.Context, url string) (chain.EthClient, error) {
		if err, ok := dialErrs[url]; ok {
			return nil, err
		}
		return clients[url], nil
	}
}

func TestNewRequiresEndpoints(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrNoEndpoints) {
		t.Errorf("expected ErrNoEndpoints, got %v", err)
	}
	if _, err := New([]string{"", "  "}); !errors.Is(err, ErrNoEndpoints) {
		t.Errorf("expected ErrNoEndpoints for blank urls, got %v", err)
	}
}

func TestSelectHealthy(t *testing.T) {
	clients := map[string]*stubClient{"http://a:8545": {}}
	p, err := New([]string{"http://a:8545"}, WithDialer(dialerFor(clients, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	client, url, err := p.Select(context.Background())
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if url != "http://a:8545" {
		t.Errorf("url = %s", url)
	}
	if client != clients["http://a:8545"] {
		t.Error("returned wrong client")
	}
}

func TestSelectFailsOver(t *testing.T) {
	clients := map[string]*stubClient{
		"http://a:8545": {blockErr: errors.New("connection refused")},
		"http://b:8545": {},
	}
	p, err := New([]string{"http://a:8545", "http://b:8545"}, WithDialer(dialerFor(clients, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, url, err := p.Select(context.Background())
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if url != "http://b:8545" {
		t.Errorf("expected failover to b, got %s", url)
	}
}

func TestSelectAllFailedListsReasons(t *testing.T) {
	clients := map[string]*stubClient{
		"http://a:8545": {blockErr: errors.New("connection refused")},
	}
	dialErrs := map[string]error{
		"http://b:8545": errors.New("no such host"),
	}
	p, err := New([]string{"http://a:8545", "http://b:8545"}, WithDialer(dialerFor(clients, dialErrs)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, _, err = p.Select(context.Background())
	if err == nil {
		t.Fatal("expected error when all endpoints fail")
	}
	for _, want := range []string{"http://a:8545", "connection refused", "http://b:8545", "no such host"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("aggregate error missing %q: %v", want, err)
		}
	}
}

func TestSelectPrefersRecentSuccess(t *testing.T) {
	clients := map[string]*stubClient{
		"http://a:8545": {},
		"http://b:8545": {},
	}
	p, err := New([]string{"http://a:8545", "http://b:8545"}, WithDialer(dialerFor(clients, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	now := time.Now()
	p.now = func() time.Time { return now }

	// b succeeded more recently than a
	p.Report("http://a:8545", nil)
	now = now.Add(10 * time.Second)
	p.Report("http://b:8545", nil)

	_, url, err := p.Select(context.Background())
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if url != "http://b:8545" {
		t.Errorf("expected most recently successful endpoint, got %s", url)
	}
}

func TestReportFailureDemotes(t *testing.T) {
	clients := map[string]*stubClient{
		"http://a:8545": {},
		"http://b:8545": {},
	}
	p, err := New([]string{"http://a:8545", "http://b:8545"}, WithDialer(dialerFor(clients, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Same lastSuccess (zero); failures break the tie
	p.Report("http://a:8545", errors.New("timeout"))

	_, url, err := p.Select(context.Background())
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if url != "http://b:8545" {
		t.Errorf("expected failing endpoint to be demoted, got %s", url)
	}
}

func TestFreshEndpointSkipsProbe(t *testing.T) {
	// Probe would fail, but a recent success should bypass it
	clients := map[string]*stubClient{
		"http://a:8545": {blockErr: errors.New("probe should not run")},
	}
	p, err := New([]string{"http://a:8545"}, WithDialer(dialerFor(clients, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Report("http://a:8545", nil)

	_, url, err := p.Select(context.Background())
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if url != "http://a:8545" {
		t.Errorf("url = %s", url)
	}
}

func TestCloseReleasesClients(t *testing.T) {
	clients := map[string]*stubClient{"http://a:8545": {}}
	p, err := New([]string{"http://a:8545"}, WithDialer(dialerFor(clients, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, _, err := p.Select(context.Background()); err != nil {
		t.Fatalf("Select: %v", err)
	}

	p.Close()
	if !clients["http://a:8545"].closed {
		t.Error("client not closed")
	}
}
