package testing

import (
	"context"
	"math/big"
	"sync"

	"github.com/celer-network/txservice/client"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// FakeChain simulates the state shared by every endpoint of one chain. Hooks
// script endpoint failures; with no hooks set every endpoint accepts every
// transaction and no receipt is ever found until Mine is called.
type FakeChain struct {
	mu sync.Mutex

	chainID  *big.Int
	gasPrice *big.Int
	head     uint64
	pending  map[common.Address]uint64
	sent     []SentTx
	receipts map[common.Hash]*types.Receipt
	polls    map[common.Hash]int
	clients  map[string]*FakeClient

	// SendHook, if set, may reject a broadcast to url by returning an error.
	SendHook func(url string, tx *types.Transaction) error
	// ReceiptHook, if set, replaces the receipt lookup. poll counts the
	// lookups of hash so far, starting at 1.
	ReceiptHook func(url string, hash common.Hash, poll int) (*types.Receipt, error)
	// BlockNumberHook, if set, may fail a head request to url.
	BlockNumberHook func(url string) error
	// CallHook answers CallContract for url.
	CallHook func(url string, msg ethereum.CallMsg) ([]byte, error)
	// GasPriceHook, if set, may fail a gas price request to url.
	GasPriceHook func(url string) error
}

// SentTx is a transaction accepted by an endpoint of the fake chain.
type SentTx struct {
	URL  string
	Tx   *types.Transaction
	From common.Address
}

func NewFakeChain(chainID uint64) *FakeChain {
	return &FakeChain{
		chainID:  new(big.Int).SetUint64(chainID),
		gasPrice: big.NewInt(2000000000),
		head:     100,
		pending:  make(map[common.Address]uint64),
		receipts: make(map[common.Hash]*types.Receipt),
		polls:    make(map[common.Hash]int),
		clients:  make(map[string]*FakeClient),
	}
}

// Dialer returns a client.Dialer handing out this chain's fake endpoints.
func (c *FakeChain) Dialer() client.Dialer {
	return func(_ context.Context, url string) (client.Client, error) {
		return c.Endpoint(url), nil
	}
}

// Endpoint returns the fake client for url, creating it on first use.
func (c *FakeChain) Endpoint(url string) *FakeClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	fc, ok := c.clients[url]
	if !ok {
		fc = &FakeClient{url: url, chain: c}
		c.clients[url] = fc
	}
	return fc
}

func (c *FakeChain) SetGasPrice(price *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gasPrice = new(big.Int).Set(price)
}

func (c *FakeChain) SetPendingNonce(address common.Address, nonce uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[address] = nonce
}

func (c *FakeChain) Head() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

func (c *FakeChain) AdvanceHead(blocks uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head += blocks
}

// Mine records a receipt for hash in the current head block.
func (c *FakeChain) Mine(hash common.Hash, status uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[hash] = NewReceipt(hash, c.head, status)
}

// Sent returns the accepted transactions in the order they were accepted.
func (c *FakeChain) Sent() []SentTx {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentTx(nil), c.sent...)
}

// Polls returns how many times a receipt for hash was requested.
func (c *FakeChain) Polls(hash common.Hash) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polls[hash]
}

// NewReceipt builds a minimal receipt mined in block.
func NewReceipt(hash common.Hash, block uint64, status uint64) *types.Receipt {
	return &types.Receipt{
		TxHash:            hash,
		BlockHash:         common.BigToHash(new(big.Int).SetUint64(block)),
		BlockNumber:       new(big.Int).SetUint64(block),
		Status:            status,
		GasUsed:           21000,
		EffectiveGasPrice: big.NewInt(1),
	}
}

// FakeClient is one endpoint of a FakeChain.
type FakeClient struct {
	url   string
	chain *FakeChain

	mu     sync.Mutex
	closed bool
}

var _ client.Client = (*FakeClient)(nil)

func (f *FakeClient) URL() string { return f.url }

func (f *FakeClient) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.chain.chainID), nil
}

func (f *FakeClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if hook := f.chain.SendHook; hook != nil {
		if err := hook(f.url, tx); err != nil {
			return err
		}
	}
	from, err := types.Sender(types.LatestSignerForChainID(f.chain.chainID), tx)
	if err != nil {
		return err
	}
	c := f.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, SentTx{URL: f.url, Tx: tx, From: from})
	if tx.Nonce()+1 > c.pending[from] {
		c.pending[from] = tx.Nonce() + 1
	}
	return nil
}

func (f *FakeClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	if hook := f.chain.GasPriceHook; hook != nil {
		if err := hook(f.url); err != nil {
			return nil, err
		}
	}
	f.chain.mu.Lock()
	defer f.chain.mu.Unlock()
	return new(big.Int).Set(f.chain.gasPrice), nil
}

func (f *FakeClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}

func (f *FakeClient) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	f.chain.mu.Lock()
	defer f.chain.mu.Unlock()
	return f.chain.pending[account], nil
}

func (f *FakeClient) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c := f.chain
	c.mu.Lock()
	c.polls[hash]++
	poll := c.polls[hash]
	receipt, ok := c.receipts[hash]
	c.mu.Unlock()

	if hook := c.ReceiptHook; hook != nil {
		return hook(f.url, hash, poll)
	}
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (f *FakeClient) BlockNumber(context.Context) (uint64, error) {
	if hook := f.chain.BlockNumberHook; hook != nil {
		if err := hook(f.url); err != nil {
			return 0, err
		}
	}
	return f.chain.Head(), nil
}

func (f *FakeClient) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if hook := f.chain.CallHook; hook != nil {
		return hook(f.url, msg)
	}
	return nil, nil
}

func (f *FakeClient) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *FakeClient) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
