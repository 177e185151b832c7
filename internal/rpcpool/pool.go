// Package rpcpool maintains a set of upstream RPC endpoints with per-endpoint
// health tracking and failover selection.
package rpcpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/etchpay/internal/chain"
	"github.com/mbd888/etchpay/internal/metrics"
)

var ErrNoEndpoints = errors.New("rpcpool: no endpoints configured")

const (
	// probeTimeout bounds the liveness check on a candidate endpoint
	probeTimeout = 5 * time.Second

	// freshWindow is how long a successful call vouches for an endpoint
	// without re-probing
	freshWindow = 30 * time.Second
)

// Dialer opens a client for an endpoint URL. Overridable for tests.
type Dialer func(ctx context.Context, url string) (chain.EthClient, error)

func defaultDialer(ctx context.Context, url string) (chain.EthClient, error) {
	return ethclient.DialContext(ctx, url)
}

// endpoint tracks per-URL connection and health state
type endpoint struct {
	url         string
	client      chain.EthClient
	lastSuccess time.Time
	failures    int
	lastErr     error
}

// Pool selects among configured endpoints, preferring the one with the most
// recent success and the fewest consecutive failures. Candidates that have
// not succeeded recently are probed with a BlockNumber call before use.
type Pool struct {
	mu        sync.Mutex
	endpoints []*endpoint
	dial      Dialer
	now       func() time.Time
}

// Option configures the pool
type Option func(*Pool)

// WithDialer overrides how endpoint clients are opened
func WithDialer(d Dialer) Option {
	return func(p *Pool) { p.dial = d }
}

// New creates a pool over the given endpoint URLs
func New(urls []string, opts ...Option) (*Pool, error) {
	if len(urls) == 0 {
		return nil, ErrNoEndpoints
	}
	p := &Pool{
		dial: defaultDialer,
		now:  time.Now,
	}
	for _, url := range urls {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		p.endpoints = append(p.endpoints, &endpoint{url: url})
	}
	if len(p.endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Select returns a client for the healthiest endpoint. Endpoints are tried
// in health order; each candidate without a recent success is probed first.
// When every endpoint fails, the error lists each endpoint's reason.
func (p *Pool) Select(ctx context.Context) (chain.EthClient, string, error) {
	p.mu.Lock()
	ranked := make([]*endpoint, len(p.endpoints))
	copy(ranked, p.endpoints)
	sort.SliceStable(ranked, func(i, j int) bool {
		if !ranked[i].lastSuccess.Equal(ranked[j].lastSuccess) {
			return ranked[i].lastSuccess.After(ranked[j].lastSuccess)
		}
		return ranked[i].failures < ranked[j].failures
	})
	p.mu.Unlock()

	var failed []string
	for i, ep := range ranked {
		client, err := p.ensure(ctx, ep)
		if err == nil {
			err = p.probe(ctx, ep, client)
		}
		if err == nil {
			if i > 0 {
				metrics.RPCFailoversTotal.Inc()
			}
			return client, ep.url, nil
		}
		p.Report(ep.url, err)
		failed = append(failed, fmt.Sprintf("%s: %v", ep.url, err))
	}

	return nil, "", fmt.Errorf("rpcpool: all endpoints failed: %s", strings.Join(failed, "; "))
}

// Report records the outcome of a call made against url. A nil err marks the
// endpoint healthy; a non-nil err counts against it in future selection.
func (p *Pool) Report(url string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ep := range p.endpoints {
		if ep.url != url {
			continue
		}
		if err == nil {
			ep.lastSuccess = p.now()
			ep.failures = 0
			ep.lastErr = nil
			metrics.RPCRequestsTotal.WithLabelValues(ep.url, "ok").Inc()
		} else {
			ep.failures++
			ep.lastErr = err
			metrics.RPCRequestsTotal.WithLabelValues(ep.url, "error").Inc()
		}
		return
	}
}

// Close releases all dialed clients
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ep := range p.endpoints {
		if ep.client != nil {
			ep.client.Close()
			ep.client = nil
		}
	}
}

func (p *Pool) ensure(ctx context.Context, ep *endpoint) (chain.EthClient, error) {
	p.mu.Lock()
	client := ep.client
	p.mu.Unlock()
	if client != nil {
		return client, nil
	}

	client, err := p.dial(ctx, ep.url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	p.mu.Lock()
	if ep.client == nil {
		ep.client = client
	} else {
		// Another caller dialed first
		client.Close()
		client = ep.client
	}
	p.mu.Unlock()
	return client, nil
}

func (p *Pool) probe(ctx context.Context, ep *endpoint, client chain.EthClient) error {
	p.mu.Lock()
	fresh := p.now().Sub(ep.lastSuccess) < freshWindow
	p.mu.Unlock()
	if fresh {
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if _, err := client.BlockNumber(probeCtx); err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	p.Report(ep.url, nil)
	return nil
}
