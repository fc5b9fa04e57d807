package txmanager

import (
	"context"
	"sync"

	"github.com/celer-network/txservice/types"
	gethCommon "github.com/ethereum/go-ethereum/common"
)

// nonceLoader fetches the signer's next pending nonce from the chain.
type nonceLoader func(ctx context.Context) (uint64, error)

// nonceManager hands out nonces for the engine's signer, one sequence per chain.
//
// A reservation holds the chain's lock until it is committed or released, so
// concurrent dispatches receive contiguous nonces in submission order. While a
// chain is gap-blocked, fresh reservations wait for the gap to be filled.
type nonceManager struct {
	address gethCommon.Address
	logger  types.Logger

	mu     sync.Mutex
	chains map[uint64]*chainNonces
}

type chainNonces struct {
	// held from reserve until commit or release
	lock sync.Mutex

	loaded bool
	next   uint64

	gateMu  sync.Mutex
	blocked map[uint64]struct{}
	// closed when blocked becomes empty
	gateOpen chan struct{}
}

func newNonceManager(address gethCommon.Address, logger types.Logger) *nonceManager {
	return &nonceManager{
		address: address,
		logger:  logger,
		chains:  make(map[uint64]*chainNonces),
	}
}

func (nm *nonceManager) chain(chainID uint64) *chainNonces {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	c, ok := nm.chains[chainID]
	if !ok {
		c = &chainNonces{blocked: make(map[uint64]struct{})}
		nm.chains[chainID] = c
	}
	return c
}

// nonceLease is a reserved nonce. Exactly one of commit or release must be
// called; release after commit is a no-op so it can be deferred.
type nonceLease struct {
	chainID uint64
	nonce   uint64
	c       *chainNonces
	done    bool
}

// reserve waits until the chain is not gap-blocked, then locks the chain and
// returns its next nonce, loading it with load on first use or after a resync.
func (nm *nonceManager) reserve(ctx context.Context, chainID uint64, load nonceLoader) (*nonceLease, error) {
	c := nm.chain(chainID)
	for {
		if err := c.waitOpen(ctx); err != nil {
			return nil, err
		}
		c.lock.Lock()
		if !c.isBlocked() {
			break
		}
		// a gap was opened between the wait and the lock
		c.lock.Unlock()
	}
	if !c.loaded {
		next, err := load(ctx)
		if err != nil {
			c.lock.Unlock()
			return nil, err
		}
		nm.logger.Debugw("TxManager: loaded nonce from chain",
			"chainID", chainID,
			"address", nm.address.Hex(),
			"nonce", next,
		)
		c.next = next
		c.loaded = true
	}
	return &nonceLease{chainID: chainID, nonce: c.next, c: c}, nil
}

// commit consumes the nonce and unlocks the chain.
func (l *nonceLease) commit() {
	if l.done {
		return
	}
	l.done = true
	l.c.next = l.nonce + 1
	l.c.lock.Unlock()
}

// release returns the nonce unused and unlocks the chain.
func (l *nonceLease) release() {
	if l.done {
		return
	}
	l.done = true
	l.c.lock.Unlock()
}

// resync discards the local counter so the next reservation reloads it from
// the chain, then unlocks the chain.
func (l *nonceLease) resync() {
	if l.done {
		return
	}
	l.done = true
	l.c.loaded = false
	l.c.lock.Unlock()
}

// resync forces the chain's nonce to be reloaded on next use.
func (nm *nonceManager) resync(chainID uint64) {
	c := nm.chain(chainID)
	c.lock.Lock()
	c.loaded = false
	c.lock.Unlock()
}

// block marks nonce as abandoned; fresh reservations on the chain wait until
// it is unblocked.
func (nm *nonceManager) block(chainID, nonce uint64) {
	c := nm.chain(chainID)
	c.gateMu.Lock()
	defer c.gateMu.Unlock()
	if len(c.blocked) == 0 {
		c.gateOpen = make(chan struct{})
	}
	c.blocked[nonce] = struct{}{}
}

func (nm *nonceManager) unblock(chainID, nonce uint64) {
	c := nm.chain(chainID)
	c.gateMu.Lock()
	defer c.gateMu.Unlock()
	if _, ok := c.blocked[nonce]; !ok {
		return
	}
	delete(c.blocked, nonce)
	if len(c.blocked) == 0 {
		close(c.gateOpen)
	}
}

func (nm *nonceManager) isBlocked(chainID uint64) bool {
	return nm.chain(chainID).isBlocked()
}

func (c *chainNonces) isBlocked() bool {
	c.gateMu.Lock()
	defer c.gateMu.Unlock()
	return len(c.blocked) > 0
}

func (c *chainNonces) waitOpen(ctx context.Context) error {
	for {
		c.gateMu.Lock()
		if len(c.blocked) == 0 {
			c.gateMu.Unlock()
			return nil
		}
		open := c.gateOpen
		c.gateMu.Unlock()
		select {
		case <-open:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
