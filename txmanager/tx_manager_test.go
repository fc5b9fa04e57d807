package txmanager_test

import (
	"context"
	"math/big"
	"math/rand"
	"net/url"
	"sort"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/celer-network/txservice/client"
	esTesting "github.com/celer-network/txservice/internal/testing"
	"github.com/celer-network/txservice/store"
	"github.com/celer-network/txservice/store/models"
	"github.com/celer-network/txservice/txmanager"
	"github.com/celer-network/txservice/types"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ethereum "github.com/ethereum/go-ethereum"
	gethCommon "github.com/ethereum/go-ethereum/common"
	gethTypes "github.com/ethereum/go-ethereum/core/types"
)

const testChainID = uint64(883)

type harness struct {
	txm      txmanager.TxManager
	chain    *esTesting.FakeChain
	config   *types.ChainConfig
	ledger   store.Ledger
	signer   client.Signer
	registry *prometheus.Registry
}

func newHarness(t *testing.T, config *types.ChainConfig, chain *esTesting.FakeChain) *harness {
	t.Helper()

	h := &harness{
		chain:    chain,
		config:   config,
		ledger:   esTesting.NewLedger(t),
		signer:   esTesting.NewSigner(t),
		registry: prometheus.NewRegistry(),
	}
	txm, err := txmanager.NewTxManager(
		esTesting.NewConfig(t, config),
		h.signer,
		h.ledger,
		txmanager.WithDialer(chain.Dialer()),
		txmanager.WithRandSource(rand.NewSource(1)),
		txmanager.WithRegisterer(h.registry),
	)
	require.NoError(t, err)
	require.NoError(t, txm.Start())
	t.Cleanup(func() { _ = txm.Stop() })
	h.txm = txm
	return h
}

// results collects terminal results delivered to a ResultHandler.
type results struct {
	ch chan txmanager.Result
}

func newResults() *results {
	return &results{ch: make(chan txmanager.Result, 16)}
}

func (r *results) handle(result txmanager.Result) {
	r.ch <- result
}

func (r *results) wait(t *testing.T) txmanager.Result {
	t.Helper()
	select {
	case result := <-r.ch:
		return result
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a terminal result")
	}
	return txmanager.Result{}
}

func (h *harness) rpcFailures(t *testing.T, op string) int {
	t.Helper()
	families, err := h.registry.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, family := range families {
		if family.GetName() != "txservice_rpc_failures_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "op" && label.GetValue() == op {
					total += metric.GetCounter().GetValue()
				}
			}
		}
	}
	return int(total)
}

func (h *harness) sentAt(nonce uint64) []esTesting.SentTx {
	var sent []esTesting.SentTx
	for _, s := range h.chain.Sent() {
		if s.Tx.Nonce() == nonce {
			sent = append(sent, s)
		}
	}
	return sent
}

func connectionRefused(endpoint string) error {
	return &url.Error{Op: "Post", URL: endpoint, Err: syscall.ECONNREFUSED}
}

// sendRecorder scripts SendTransaction: the first failures calls fail with
// failWith, the rest are accepted.
type sendRecorder struct {
	mu       sync.Mutex
	urls     []string
	failures int
	failWith func(url string) error
}

func (s *sendRecorder) hook(endpoint string, _ *gethTypes.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls = append(s.urls, endpoint)
	if len(s.urls) <= s.failures {
		return s.failWith(endpoint)
	}
	return nil
}

func (s *sendRecorder) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.urls...)
}

func TestTxManager_NewTxManagerRejectsInvalidConfig(t *testing.T) {
	config := esTesting.NewChainConfig(testChainID, esTesting.Endpoints(2)...)
	config.PriceBumpFraction = 1.5
	config.PriceMin = big.NewInt(20)
	config.PriceMax = big.NewInt(10)

	_, err := txmanager.NewTxManager(esTesting.NewConfig(t, config), esTesting.NewSigner(t), esTesting.NewLedger(t))
	require.Error(t, err)
	var configErr *types.ConfigError
	require.True(t, errors.As(err, &configErr))
	assert.Equal(t, testChainID, configErr.ChainID)
	assert.Contains(t, err.Error(), "priceBumpFraction")
	assert.Contains(t, err.Error(), "exceeds priceMax")
}

func TestTxManager_DispatchRequiresStartAndKnownChain(t *testing.T) {
	config := esTesting.NewChainConfig(testChainID, esTesting.Endpoints(1)...)
	chain := esTesting.NewFakeChain(testChainID)
	txm, err := txmanager.NewTxManager(esTesting.NewConfig(t, config), esTesting.NewSigner(t), esTesting.NewLedger(t),
		txmanager.WithDialer(chain.Dialer()))
	require.NoError(t, err)

	_, err = txm.Dispatch(context.Background(), esTesting.NewIntent(testChainID), nil)
	assert.Equal(t, txmanager.ErrNotStarted, err)

	require.NoError(t, txm.Start())
	defer txm.Stop()
	_, err = txm.Dispatch(context.Background(), esTesting.NewIntent(1), nil)
	assert.True(t, errors.Is(err, txmanager.ErrUnknownChain))
	assert.Empty(t, chain.Sent())
}

func TestTxManager_Dispatch_FailsOverToNextEndpoint(t *testing.T) {
	const k = 2
	config := esTesting.NewChainConfig(testChainID, esTesting.Endpoints(4)...)
	config.DispatchTimeout = time.Second
	chain := esTesting.NewFakeChain(testChainID)
	recorder := &sendRecorder{failures: k, failWith: connectionRefused}
	chain.SendHook = recorder.hook
	h := newHarness(t, config, chain)

	tx, err := h.txm.Dispatch(context.Background(), esTesting.NewIntent(testChainID), nil)
	require.NoError(t, err)

	calls := recorder.calls()
	require.Len(t, calls, k+1)
	seen := map[string]bool{}
	for _, endpoint := range calls {
		assert.False(t, seen[endpoint], "endpoint %s tried twice", endpoint)
		seen[endpoint] = true
	}
	assert.Equal(t, calls[k], tx.Endpoint)
	assert.Equal(t, k, h.rpcFailures(t, "send_transaction"))

	assert.Equal(t, models.TxStateSubmitted, tx.State)
	assert.Equal(t, uint64(0), tx.Nonce)
	sent := chain.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, sent[0].Tx.Hash(), tx.Hash)
	assert.Equal(t, h.signer.Address(), sent[0].From)

	tracked, err := h.txm.Txs()
	require.NoError(t, err)
	require.Len(t, tracked, 1)
	assert.Equal(t, tx.Hash, tracked[0].Hash)
}

func TestTxManager_Dispatch_AllEndpointsFail(t *testing.T) {
	config := esTesting.NewChainConfig(testChainID, esTesting.Endpoints(3)...)
	config.DispatchTimeout = time.Second
	chain := esTesting.NewFakeChain(testChainID)
	recorder := &sendRecorder{failures: 3, failWith: connectionRefused}
	chain.SendHook = recorder.hook
	h := newHarness(t, config, chain)

	_, err := h.txm.Dispatch(context.Background(), esTesting.NewIntent(testChainID), nil)
	var failure *txmanager.DispatchFailure
	require.True(t, errors.As(err, &failure))
	rpcFailures := failure.RPCFailures()
	require.Len(t, rpcFailures, 3)
	endpoints := map[string]bool{}
	for _, rpcErr := range rpcFailures {
		endpoints[rpcErr.Endpoint] = true
	}
	assert.Len(t, endpoints, 3)
	require.NotNil(t, failure.Tx)
	assert.Equal(t, uint64(0), failure.Tx.Nonce)

	tracked, err := h.txm.Txs()
	require.NoError(t, err)
	assert.Empty(t, tracked, "a failed dispatch must not be recorded")

	// the unused nonce is handed out again
	tx, err := h.txm.Dispatch(context.Background(), esTesting.NewIntent(testChainID), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), tx.Nonce)
}

func TestTxManager_Dispatch_InvalidTransactionAborts(t *testing.T) {
	config := esTesting.NewChainConfig(testChainID, esTesting.Endpoints(3)...)
	chain := esTesting.NewFakeChain(testChainID)
	recorder := &sendRecorder{failures: 3, failWith: func(string) error {
		return errors.New("insufficient funds for gas * price + value")
	}}
	chain.SendHook = recorder.hook
	h := newHarness(t, config, chain)

	_, err := h.txm.Dispatch(context.Background(), esTesting.NewIntent(testChainID), nil)
	var invalid *txmanager.InvalidTransaction
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "insufficient funds", invalid.Reason)
	assert.Len(t, recorder.calls(), 1, "a non retryable error must not be tried elsewhere")

	tracked, err := h.txm.Txs()
	require.NoError(t, err)
	assert.Empty(t, tracked)
}

func TestTxManager_Dispatch_FatalNodeErrorAborts(t *testing.T) {
	config := esTesting.NewChainConfig(testChainID, esTesting.Endpoints(3)...)
	chain := esTesting.NewFakeChain(testChainID)
	recorder := &sendRecorder{failures: 3, failWith: func(string) error {
		return errors.New("exceeds block gas limit")
	}}
	chain.SendHook = recorder.hook
	h := newHarness(t, config, chain)

	_, err := h.txm.Dispatch(context.Background(), esTesting.NewIntent(testChainID), nil)
	var invalid *txmanager.InvalidTransaction
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "fatal node error", invalid.Reason)
	assert.Len(t, recorder.calls(), 1)

	// the nonce was not consumed
	recorder.failures = 0
	tx, err := h.txm.Dispatch(context.Background(), esTesting.NewIntent(testChainID), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), tx.Nonce)
}

func TestTxManager_Dispatch_TimeoutBumpsPriceOnSameEndpoint(t *testing.T) {
	config := esTesting.NewChainConfig(testChainID, esTesting.Endpoints(3)...)
	config.DispatchTimeout = time.Second
	chain := esTesting.NewFakeChain(testChainID)
	chain.SetGasPrice(big.NewInt(2000000000))
	recorder := &sendRecorder{failures: 2, failWith: func(string) error { return context.DeadlineExceeded }}
	chain.SendHook = recorder.hook
	h := newHarness(t, config, chain)

	tx, err := h.txm.Dispatch(context.Background(), esTesting.NewIntent(testChainID), nil)
	require.NoError(t, err)

	calls := recorder.calls()
	require.Len(t, calls, 3)
	assert.Equal(t, calls[0], calls[1])
	assert.Equal(t, calls[0], calls[2])
	assert.Equal(t, calls[0], tx.Endpoint)

	assert.Equal(t, "2420000000", tx.GasPrice.String())
	assert.Equal(t, 2, tx.Bumps)
	// timed out broadcasts may still be mined, so their hashes are kept
	assert.Len(t, tx.AttemptHashes, 3)
	assert.Equal(t, tx.AttemptHashes[2], tx.Hash)
	assert.Equal(t, 0, h.rpcFailures(t, "send_transaction"))
}

func TestTxManager_ReportsTheMinedAttemptHash(t *testing.T) {
	config := esTesting.NewChainConfig(testChainID, esTesting.Endpoints(2)...)
	config.PendingTimeoutBlocks = 1000
	chain := esTesting.NewFakeChain(testChainID)
	recorder := &sendRecorder{failures: 2, failWith: func(string) error { return context.DeadlineExceeded }}
	chain.SendHook = recorder.hook
	h := newHarness(t, config, chain)
	res := newResults()

	submitted, err := h.txm.Dispatch(context.Background(), esTesting.NewIntent(testChainID), res.handle)
	require.NoError(t, err)
	require.Len(t, submitted.AttemptHashes, 3)
	first := submitted.AttemptHashes[0]
	require.NotEqual(t, first, submitted.Hash)

	// the first, timed out broadcast is the one that lands
	chain.Mine(first, gethTypes.ReceiptStatusSuccessful)

	result := res.wait(t)
	require.NoError(t, result.Err)
	assert.Equal(t, models.TxStateConfirmed, result.Tx.State)
	assert.Equal(t, first, result.Tx.Hash)
	require.NotNil(t, result.Tx.Receipt)
	assert.Equal(t, first, result.Tx.Receipt.TxHash)

	tracked, err := h.txm.Txs()
	require.NoError(t, err)
	assert.Empty(t, tracked)
}

func TestTxManager_Dispatch_TimeoutExhaustion(t *testing.T) {
	config := esTesting.NewChainConfig(testChainID, esTesting.Endpoints(2)...)
	chain := esTesting.NewFakeChain(testChainID)
	recorder := &sendRecorder{failures: 100, failWith: func(string) error { return context.DeadlineExceeded }}
	chain.SendHook = recorder.hook
	h := newHarness(t, config, chain)

	_, err := h.txm.Dispatch(context.Background(), esTesting.NewIntent(testChainID), nil)
	var failure *txmanager.DispatchFailure
	require.True(t, errors.As(err, &failure))
	calls := recorder.calls()
	require.Len(t, calls, config.MaxRetries+1)
	for _, endpoint := range calls {
		assert.Equal(t, calls[0], endpoint)
	}
	assert.Empty(t, failure.RPCFailures())
	assert.LessOrEqual(t, failure.Tx.GasPrice.Cmp(config.PriceMax), 0)
}

func TestTxManager_Dispatch_ConcurrentNoncesAreUniqueAndContiguous(t *testing.T) {
	config := esTesting.NewChainConfig(testChainID, esTesting.Endpoints(3)...)
	config.DispatchTimeout = time.Second
	chain := esTesting.NewFakeChain(testChainID)
	h := newHarness(t, config, chain)
	chain.SetPendingNonce(h.signer.Address(), 12)

	const n = 25
	nonces := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := h.txm.Dispatch(context.Background(), esTesting.NewIntent(testChainID), nil)
			if assert.NoError(t, err) {
				nonces <- tx.Nonce
			}
		}()
	}
	wg.Wait()
	close(nonces)

	var got []uint64
	for nonce := range nonces {
		got = append(got, nonce)
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	require.Len(t, got, n)
	for i, nonce := range got {
		assert.Equal(t, uint64(12+i), nonce)
	}

	tracked, err := h.txm.Txs()
	require.NoError(t, err)
	require.Len(t, tracked, n)
	for i := 1; i < len(tracked); i++ {
		assert.Less(t, tracked[i-1].Nonce, tracked[i].Nonce, "ledger is nonce ordered")
	}
}

func TestTxManager_ConfirmedScenario(t *testing.T) {
	config := esTesting.NewChainConfig(testChainID, esTesting.Endpoints(3)...)
	config.ConfirmationsRequired = 1
	config.MaxRetries = 3
	config.PriceMin = big.NewInt(1000000000)
	config.PriceMax = big.NewInt(10000000000)
	config.PriceBumpFraction = 0.1

	chain := esTesting.NewFakeChain(testChainID)
	chain.ReceiptHook = func(_ string, hash gethCommon.Hash, poll int) (*gethTypes.Receipt, error) {
		if poll < 2 {
			return nil, ethereum.NotFound
		}
		return esTesting.NewReceipt(hash, chain.Head(), gethTypes.ReceiptStatusSuccessful), nil
	}
	h := newHarness(t, config, chain)
	res := newResults()

	submitted, err := h.txm.Dispatch(context.Background(), esTesting.NewIntent(testChainID), res.handle)
	require.NoError(t, err)
	assert.Equal(t, models.TxStateSubmitted, submitted.State)

	result := res.wait(t)
	require.NoError(t, result.Err)
	assert.Equal(t, models.TxStateConfirmed, result.Tx.State)
	assert.Equal(t, uint64(1), result.Tx.Confirmations)
	assert.NotEqual(t, gethCommon.Hash{}, result.Tx.Hash)
	assert.Equal(t, submitted.Hash, result.Tx.Hash)
	require.NotNil(t, result.Tx.Receipt)
	assert.True(t, result.Tx.Receipt.Succeeded())
	assert.Equal(t, 2, chain.Polls(submitted.Hash))
	assert.Len(t, chain.Sent(), 1)

	_, err = h.ledger.Get(submitted.Hash)
	assert.Equal(t, store.ErrNotFound, err)
}

func TestTxManager_RevertedScenario(t *testing.T) {
	config := esTesting.NewChainConfig(testChainID, esTesting.Endpoints(3)...)
	chain := esTesting.NewFakeChain(testChainID)
	chain.ReceiptHook = func(_ string, hash gethCommon.Hash, poll int) (*gethTypes.Receipt, error) {
		if poll < 2 {
			return nil, ethereum.NotFound
		}
		return esTesting.NewReceipt(hash, chain.Head(), gethTypes.ReceiptStatusFailed), nil
	}
	h := newHarness(t, config, chain)
	res := newResults()

	submitted, err := h.txm.Dispatch(context.Background(), esTesting.NewIntent(testChainID), res.handle)
	require.NoError(t, err)

	result := res.wait(t)
	require.NoError(t, result.Err, "a revert is an outcome, not an error")
	assert.Equal(t, models.TxStateReverted, result.Tx.State)
	assert.Len(t, chain.Sent(), 1, "a reverted transaction is not retried")

	_, err = h.ledger.Get(submitted.Hash)
	assert.Equal(t, store.ErrNotFound, err)
}

func TestTxManager_WaitsForRequiredConfirmations(t *testing.T) {
	config := esTesting.NewChainConfig(testChainID, esTesting.Endpoints(2)...)
	config.ConfirmationsRequired = 3
	chain := esTesting.NewFakeChain(testChainID)
	chain.SendHook = func(_ string, tx *gethTypes.Transaction) error {
		chain.Mine(tx.Hash(), gethTypes.ReceiptStatusSuccessful)
		return nil
	}
	h := newHarness(t, config, chain)
	res := newResults()

	submitted, err := h.txm.Dispatch(context.Background(), esTesting.NewIntent(testChainID), res.handle)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		tracked, err := h.txm.Txs()
		return err == nil && len(tracked) == 1 &&
			tracked[0].State == models.TxStateMined && tracked[0].Confirmations == 1
	}, time.Second, 5*time.Millisecond)

	chain.AdvanceHead(2)
	result := res.wait(t)
	require.NoError(t, result.Err)
	assert.Equal(t, models.TxStateConfirmed, result.Tx.State)
	assert.Equal(t, uint64(3), result.Tx.Confirmations)
	assert.Equal(t, submitted.Hash, result.Tx.Hash)
	assert.Len(t, chain.Sent(), 1)
}

func TestTxManager_PollErrorsExhaustRetryBudget(t *testing.T) {
	config := esTesting.NewChainConfig(testChainID, esTesting.Endpoints(2)...)
	chain := esTesting.NewFakeChain(testChainID)
	chain.BlockNumberHook = func(endpoint string) error { return connectionRefused(endpoint) }
	h := newHarness(t, config, chain)
	res := newResults()

	submitted, err := h.txm.Dispatch(context.Background(), esTesting.NewIntent(testChainID), res.handle)
	require.NoError(t, err)

	result := res.wait(t)
	assert.Equal(t, models.TxStateFailed, result.Tx.State)
	var rpcErr *txmanager.RPCFailure
	require.True(t, errors.As(result.Err, &rpcErr))
	assert.Equal(t, config.MaxRetries, h.rpcFailures(t, "block_number"))
	assert.Len(t, chain.Sent(), 1)

	_, err = h.ledger.Get(submitted.Hash)
	assert.Equal(t, store.ErrNotFound, err)
}

func TestTxManager_PollErrorsCountAcrossSuccessfulPolls(t *testing.T) {
	config := esTesting.NewChainConfig(testChainID, esTesting.Endpoints(2)...)
	config.PendingTimeoutBlocks = 1000
	chain := esTesting.NewFakeChain(testChainID)
	var mu sync.Mutex
	polls := 0
	// every other poll fails
	chain.BlockNumberHook = func(endpoint string) error {
		mu.Lock()
		defer mu.Unlock()
		polls++
		if polls%2 == 1 {
			return connectionRefused(endpoint)
		}
		return nil
	}
	h := newHarness(t, config, chain)
	res := newResults()

	_, err := h.txm.Dispatch(context.Background(), esTesting.NewIntent(testChainID), res.handle)
	require.NoError(t, err)

	result := res.wait(t)
	assert.Equal(t, models.TxStateFailed, result.Tx.State)
	var rpcErr *txmanager.RPCFailure
	require.True(t, errors.As(result.Err, &rpcErr))
	assert.Equal(t, config.MaxRetries, h.rpcFailures(t, "block_number"))
}

func TestTxManager_StuckTransactionIsRepricedUpToCeiling(t *testing.T) {
	config := esTesting.NewChainConfig(testChainID, esTesting.Endpoints(2)...)
	config.PriceMin = big.NewInt(1000000000)
	config.PriceMax = big.NewInt(3000000000)
	chain := esTesting.NewFakeChain(testChainID)
	chain.SetGasPrice(big.NewInt(2000000000))
	h := newHarness(t, config, chain)
	// the gap filler is mined as soon as it is broadcast
	chain.SendHook = func(_ string, tx *gethTypes.Transaction) error {
		if tx.To() != nil && *tx.To() == h.signer.Address() {
			chain.Mine(tx.Hash(), gethTypes.ReceiptStatusSuccessful)
		}
		return nil
	}
	res := newResults()

	submitted, err := h.txm.Dispatch(context.Background(), esTesting.NewIntent(testChainID), res.handle)
	require.NoError(t, err)

	result := res.wait(t)
	assert.Equal(t, models.TxStateFailed, result.Tx.State)
	assert.True(t, errors.Is(result.Err, txmanager.ErrPriceCeiling))
	var invalid *txmanager.InvalidTransaction
	require.True(t, errors.As(result.Err, &invalid))
	assert.Equal(t, submitted.ID, result.Tx.ID, "re-pricing keeps the transaction identity")
	assert.Equal(t, 4, result.Tx.Bumps)

	// 2e9, then four 10% bumps, then the filler at the ceiling
	want := []string{"2000000000", "2200000000", "2420000000", "2662000000", "2928200000", "3000000000"}
	require.Eventually(t, func() bool { return len(h.sentAt(0)) == len(want) }, time.Second, 5*time.Millisecond)
	sent := h.sentAt(0)
	for i, s := range sent {
		assert.Equal(t, want[i], s.Tx.GasPrice().String())
		assert.LessOrEqual(t, s.Tx.GasPrice().Cmp(config.PriceMax), 0)
		if i > 0 {
			assert.GreaterOrEqual(t, s.Tx.GasPrice().Cmp(sent[i-1].Tx.GasPrice()), 0)
		}
	}
	filler := sent[len(sent)-1].Tx
	assert.Equal(t, h.signer.Address(), *filler.To())
	assert.Equal(t, 0, filler.Value().Sign())
	assert.Equal(t, config.GapFillGasLimit, filler.Gas())

	// once the filler is confirmed the chain moves on
	require.Eventually(t, func() bool {
		tracked, err := h.txm.Txs()
		return err == nil && len(tracked) == 0
	}, time.Second, 5*time.Millisecond)
	next, err := h.txm.Dispatch(context.Background(), esTesting.NewIntent(testChainID), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next.Nonce)
}

func TestTxManager_GapFillBlocksLaterDispatches(t *testing.T) {
	config := esTesting.NewChainConfig(testChainID, esTesting.Endpoints(2)...)
	config.ConfirmationsRequired = 2
	config.PendingTimeoutBlocks = 2
	config.PriceMin = big.NewInt(3000000000)
	config.PriceMax = big.NewInt(3000000000)
	chain := esTesting.NewFakeChain(testChainID)
	h := newHarness(t, config, chain)
	// the filler is mined right away but stays one confirmation short
	chain.SendHook = func(_ string, tx *gethTypes.Transaction) error {
		if tx.To() != nil && *tx.To() == h.signer.Address() {
			chain.Mine(tx.Hash(), gethTypes.ReceiptStatusSuccessful)
		}
		return nil
	}
	res := newResults()

	_, err := h.txm.Dispatch(context.Background(), esTesting.NewIntent(testChainID), res.handle)
	require.NoError(t, err)

	result := res.wait(t)
	assert.True(t, errors.Is(result.Err, txmanager.ErrPriceCeiling))
	require.Len(t, h.sentAt(0), 2)

	dispatched := make(chan *models.Tx, 1)
	go func() {
		tx, err := h.txm.Dispatch(context.Background(), esTesting.NewIntent(testChainID), nil)
		if assert.NoError(t, err) {
			dispatched <- tx
		}
	}()

	assert.Never(t, func() bool { return len(dispatched) > 0 }, 100*time.Millisecond, 5*time.Millisecond)
	assert.Empty(t, h.sentAt(1))

	chain.AdvanceHead(1)
	select {
	case tx := <-dispatched:
		assert.Equal(t, uint64(1), tx.Nonce)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch was not released after the gap filler confirmed")
	}
}

func TestTxManager_StopReleasesDispatchWaitingOnGap(t *testing.T) {
	config := esTesting.NewChainConfig(testChainID, esTesting.Endpoints(2)...)
	config.ConfirmationsRequired = 2
	config.PendingTimeoutBlocks = 2
	config.PriceMin = big.NewInt(3000000000)
	config.PriceMax = big.NewInt(3000000000)
	chain := esTesting.NewFakeChain(testChainID)
	h := newHarness(t, config, chain)
	// the filler is mined but never gets its second confirmation
	chain.SendHook = func(_ string, tx *gethTypes.Transaction) error {
		if tx.To() != nil && *tx.To() == h.signer.Address() {
			chain.Mine(tx.Hash(), gethTypes.ReceiptStatusSuccessful)
		}
		return nil
	}
	res := newResults()

	_, err := h.txm.Dispatch(context.Background(), esTesting.NewIntent(testChainID), res.handle)
	require.NoError(t, err)
	result := res.wait(t)
	require.True(t, errors.Is(result.Err, txmanager.ErrPriceCeiling))

	dispatchErr := make(chan error, 1)
	go func() {
		_, err := h.txm.Dispatch(context.Background(), esTesting.NewIntent(testChainID), nil)
		dispatchErr <- err
	}()
	assert.Never(t, func() bool { return len(dispatchErr) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	require.NoError(t, h.txm.Stop())
	select {
	case err := <-dispatchErr:
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch waiting on the nonce gap outlived Stop")
	}
	assert.Empty(t, h.sentAt(1))
}

func TestTxManager_StopLeavesLedgerIntact(t *testing.T) {
	config := esTesting.NewChainConfig(testChainID, esTesting.Endpoints(2)...)
	config.DispatchTimeout = time.Hour
	chain := esTesting.NewFakeChain(testChainID)
	h := newHarness(t, config, chain)
	res := newResults()

	submitted, err := h.txm.Dispatch(context.Background(), esTesting.NewIntent(testChainID), res.handle)
	require.NoError(t, err)

	require.NoError(t, h.txm.Stop())
	result := res.wait(t)
	assert.True(t, errors.Is(result.Err, context.Canceled))

	tracked, err := h.ledger.Get(submitted.Hash)
	require.NoError(t, err)
	assert.Equal(t, models.TxStateSubmitted, tracked.State)

	_, err = h.txm.Dispatch(context.Background(), esTesting.NewIntent(testChainID), nil)
	assert.Equal(t, txmanager.ErrNotStarted, err)

	// nothing monitors the entry any more
	pruned, err := h.txm.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)
	_, err = h.ledger.Get(submitted.Hash)
	assert.Equal(t, store.ErrNotFound, err)
}

func TestTxManager_PruneKeepsMonitoredTransactions(t *testing.T) {
	config := esTesting.NewChainConfig(testChainID, esTesting.Endpoints(2)...)
	config.DispatchTimeout = time.Hour
	chain := esTesting.NewFakeChain(testChainID)
	h := newHarness(t, config, chain)

	// entries written by an earlier process sharing the ledger
	leftover := esTesting.NewSubmittedTx(t, testChainID, h.signer.Address(), 40)
	finished := esTesting.NewSubmittedTx(t, testChainID, h.signer.Address(), 41)
	finished.State = models.TxStateConfirmed
	require.NoError(t, h.ledger.Add(leftover))
	require.NoError(t, h.ledger.Add(finished))

	submitted, err := h.txm.Dispatch(context.Background(), esTesting.NewIntent(testChainID), nil)
	require.NoError(t, err)

	pruned, err := h.txm.Prune()
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)

	tracked, err := h.txm.Txs()
	require.NoError(t, err)
	require.Len(t, tracked, 1)
	assert.Equal(t, submitted.ID, tracked[0].ID)
}

func TestTxManager_Read(t *testing.T) {
	endpoints := esTesting.Endpoints(3)
	config := esTesting.NewChainConfig(testChainID, endpoints...)
	config.Quorum = 2
	chain := esTesting.NewFakeChain(testChainID)
	h := newHarness(t, config, chain)
	call := models.CallIntent{ChainID: testChainID, To: esTesting.NewAddress(), Data: []byte{0xde, 0xad}}

	t.Run("returns once a quorum agrees", func(t *testing.T) {
		chain.CallHook = func(endpoint string, msg ethereum.CallMsg) ([]byte, error) {
			if endpoint == endpoints[0] {
				return nil, connectionRefused(endpoint)
			}
			return append([]byte{0x01}, msg.Data...), nil
		}
		response, err := h.txm.Read(context.Background(), call)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x01, 0xde, 0xad}, response)
	})

	t.Run("disagreement fails", func(t *testing.T) {
		chain.CallHook = func(endpoint string, _ ethereum.CallMsg) ([]byte, error) {
			return []byte(endpoint), nil
		}
		_, err := h.txm.Read(context.Background(), call)
		var failure *txmanager.DispatchFailure
		require.True(t, errors.As(err, &failure))
	})

	t.Run("execution error aborts", func(t *testing.T) {
		chain.CallHook = func(string, ethereum.CallMsg) ([]byte, error) {
			return nil, errors.New("execution reverted")
		}
		_, err := h.txm.Read(context.Background(), call)
		var invalid *txmanager.InvalidTransaction
		require.True(t, errors.As(err, &invalid))
	})

	t.Run("all endpoints down", func(t *testing.T) {
		chain.CallHook = func(endpoint string, _ ethereum.CallMsg) ([]byte, error) {
			return nil, connectionRefused(endpoint)
		}
		_, err := h.txm.Read(context.Background(), call)
		var failure *txmanager.DispatchFailure
		require.True(t, errors.As(err, &failure))
		assert.Len(t, failure.RPCFailures(), 3)
	})
}

func TestStartStopOnce(t *testing.T) {
	var once txmanager.StartStopOnce
	assert.Error(t, once.StopOnce("svc", func() error { return nil }))

	require.Error(t, once.StartOnce("svc", func() error { return errors.New("boom") }))
	assert.Equal(t, txmanager.StartStopOnce_Unstarted, once.State())

	require.NoError(t, once.StartOnce("svc", func() error { return nil }))
	assert.Equal(t, "started", once.State().String())
	assert.Error(t, once.StartOnce("svc", func() error { return nil }))

	require.NoError(t, once.StopOnce("svc", func() error { return nil }))
	err := once.StopOnce("svc", func() error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "it is stopped")
}
