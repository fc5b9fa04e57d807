package client

import (
	"context"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
)

// Pool holds the endpoints of one chain and the clients dialed for them.
// Clients are dialed lazily on first use and cached. Pool is safe for
// concurrent use.
type Pool struct {
	chainID   uint64
	endpoints []string
	dial      Dialer

	mu      sync.Mutex
	clients map[string]Client

	randMu sync.Mutex
	rand   *rand.Rand
}

// NewPool creates a pool over endpoints. rng drives endpoint selection and
// may be seeded for reproducible ordering.
func NewPool(chainID uint64, endpoints []string, dial Dialer, rng *rand.Rand) *Pool {
	eps := make([]string, len(endpoints))
	copy(eps, endpoints)
	return &Pool{
		chainID:   chainID,
		endpoints: eps,
		dial:      dial,
		clients:   make(map[string]Client),
		rand:      rng,
	}
}

func (p *Pool) ChainID() uint64 {
	return p.chainID
}

func (p *Pool) Endpoints() []string {
	eps := make([]string, len(p.endpoints))
	copy(eps, p.endpoints)
	return eps
}

// Pick returns n distinct endpoints chosen uniformly at random, in random
// order. n is clamped to the number of endpoints.
func (p *Pool) Pick(n int) []string {
	if n > len(p.endpoints) {
		n = len(p.endpoints)
	}
	if n <= 0 {
		return nil
	}
	eps := p.Endpoints()
	p.randMu.Lock()
	defer p.randMu.Unlock()
	// partial Fisher-Yates over the first n slots
	for i := 0; i < n; i++ {
		j := i + p.rand.Intn(len(eps)-i)
		eps[i], eps[j] = eps[j], eps[i]
	}
	return eps[:n]
}

// Client returns the cached client for url, dialing it outside the pool lock
// if needed. Dial failures are not cached.
func (p *Pool) Client(ctx context.Context, url string) (Client, error) {
	p.mu.Lock()
	c, ok := p.clients[url]
	p.mu.Unlock()
	if ok {
		return c, nil
	}

	dialed, err := p.dial(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, "dial endpoint %s", url)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[url]; ok {
		// lost a race with a concurrent dial of the same endpoint
		dialed.Close()
		return c, nil
	}
	p.clients[url] = dialed
	return dialed, nil
}

// Close closes every dialed client.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for url, c := range p.clients {
		c.Close()
		delete(p.clients, url)
	}
}
