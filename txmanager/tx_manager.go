package txmanager

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/celer-network/txservice/client"
	"github.com/celer-network/txservice/store"
	"github.com/celer-network/txservice/store/models"
	"github.com/celer-network/txservice/types"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/celer-network/txservice/txmanager"

// Result is the terminal outcome of a dispatched transaction. Err is nil for
// Confirmed and Reverted transactions; a revert is an outcome, not a failure.
type Result struct {
	Tx  *models.Tx
	Err error
}

// ResultHandler receives the Result of a dispatched transaction, once, from
// the goroutine that monitored it.
type ResultHandler func(Result)

// ResultNotifier publishes terminal results outside the process.
type ResultNotifier interface {
	Notify(ctx context.Context, result Result) error
}

type TxManager interface {
	Start() error

	Stop() error

	// Dispatch broadcasts intent and returns a snapshot of the submitted
	// transaction without waiting for confirmation. handler, if not nil, is
	// called with the terminal Result.
	Dispatch(ctx context.Context, intent models.Intent, handler ResultHandler) (*models.Tx, error)

	// Read performs a side-effect free contract call with endpoint failover.
	Read(ctx context.Context, call models.CallIntent) ([]byte, error)

	// Txs returns the transactions currently tracked, ordered by chain and nonce.
	Txs() ([]*models.Tx, error)

	// Prune drops ledger entries no running dispatch or monitor owns: terminal
	// leftovers, entries of monitors cancelled by Stop and entries written by
	// an earlier process sharing a persistent ledger.
	Prune() (int, error)
}

type txManager struct {
	config      *types.Config
	pools       map[uint64]*client.Pool
	ledger      *lockedLedger
	owned       *ownedSet
	broadcaster *broadcaster
	confirmer   *confirmer
	notifier    ResultNotifier
	logger      types.Logger
	tracer      trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	StartStopOnce
}

var _ TxManager = (*txManager)(nil)

type options struct {
	dialer     client.Dialer
	rand       *rand.Rand
	notifier   ResultNotifier
	registerer prometheus.Registerer
	tracer     trace.Tracer
}

// Option configures optional collaborators of a TxManager.
type Option func(*options)

// WithDialer replaces the ethclient based dialer, mostly for tests.
func WithDialer(dialer client.Dialer) Option {
	return func(o *options) { o.dialer = dialer }
}

// WithRandSource seeds endpoint selection so that it is reproducible.
func WithRandSource(src rand.Source) Option {
	return func(o *options) { o.rand = rand.New(src) }
}

func WithNotifier(notifier ResultNotifier) Option {
	return func(o *options) { o.notifier = notifier }
}

// WithRegisterer registers the engine's metrics with reg instead of a
// private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) { o.tracer = tracer }
}

// NewTxManager validates config and builds an engine signing with signer and
// tracking in-flight transactions in ledger. An invalid config is reported as
// a *types.ConfigError.
func NewTxManager(
	config *types.Config,
	signer client.Signer,
	ledger store.Ledger,
	opts ...Option,
) (TxManager, error) {
	if config == nil {
		return nil, &types.ConfigError{Err: errors.New("config is nil")}
	}
	if signer == nil || ledger == nil {
		return nil, errors.New("NewTxManager: signer and ledger are required")
	}
	for _, chain := range config.Chains {
		if chain != nil {
			chain.ApplyDefaults()
		}
	}
	if err := types.Validate(config); err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialer == nil {
		o.dialer = client.NewDialer(config.Logger)
	}
	if o.rand == nil {
		o.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if o.registerer == nil {
		o.registerer = prometheus.NewRegistry()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}

	// every pool gets its own generator, derived in chain id order so that a
	// seeded source gives reproducible selection
	chainIDs := make([]uint64, 0, len(config.Chains))
	for chainID := range config.Chains {
		chainIDs = append(chainIDs, chainID)
	}
	sort.Slice(chainIDs, func(i, j int) bool { return chainIDs[i] < chainIDs[j] })
	pools := make(map[uint64]*client.Pool, len(chainIDs))
	for _, chainID := range chainIDs {
		rng := rand.New(rand.NewSource(o.rand.Int63()))
		pools[chainID] = client.NewPool(chainID, config.Chains[chainID].Endpoints, o.dialer, rng)
	}

	locked := newLockedLedger(ledger)
	owned := newOwnedSet()
	metrics := NewMetrics(o.registerer)
	nonces := newNonceManager(signer.Address(), config.Logger)
	b := &broadcaster{
		config:  config,
		pools:   pools,
		signer:  signer,
		nonces:  nonces,
		ledger:  locked,
		owned:   owned,
		metrics: metrics,
		tracer:  o.tracer,
		logger:  config.Logger,
	}
	txm := &txManager{
		config:      config,
		pools:       pools,
		ledger:      locked,
		owned:       owned,
		broadcaster: b,
		notifier:    o.notifier,
		logger:      config.Logger,
		tracer:      o.tracer,
	}
	txm.confirmer = &confirmer{
		config:      config,
		pools:       pools,
		broadcaster: b,
		nonces:      nonces,
		ledger:      locked,
		metrics:     metrics,
		tracer:      o.tracer,
		logger:      config.Logger,
		track:       txm.track,
	}
	return txm, nil
}

func (txm *txManager) Start() error {
	return txm.StartOnce("TxManager", func() error {
		txm.ctx, txm.cancel = context.WithCancel(context.Background())
		txm.logger.Infow("TxManager: started", "chains", len(txm.config.Chains))
		return nil
	})
}

// Stop cancels every monitor, waits for them to return and closes endpoint
// connections. Ledger entries of unfinished transactions are kept.
func (txm *txManager) Stop() error {
	return txm.StopOnce("TxManager", func() error {
		txm.cancel()
		txm.wg.Wait()
		for _, pool := range txm.pools {
			pool.Close()
		}
		txm.logger.Infow("TxManager: stopped")
		return nil
	})
}

func (txm *txManager) Dispatch(ctx context.Context, intent models.Intent, handler ResultHandler) (*models.Tx, error) {
	if txm.State() != StartStopOnce_Started {
		return nil, ErrNotStarted
	}
	// a dispatch waiting on a nonce gap must not outlive the engine
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(txm.ctx, cancel)
	defer stop()

	tx, err := txm.broadcaster.Dispatch(ctx, intent, nil)
	if err != nil {
		txm.logger.Warnw("TxManager: dispatch failed",
			"chainID", intent.ChainID,
			"to", intent.To.Hex(),
			"err", err,
		)
		return nil, err
	}
	txm.track(tx.Clone(), handler)
	return tx, nil
}

// track runs a monitor for tx in its own goroutine.
func (txm *txManager) track(tx *models.Tx, handler ResultHandler) {
	txm.wg.Add(1)
	go func() {
		defer txm.wg.Done()
		result := txm.confirmer.Monitor(txm.ctx, tx)
		txm.owned.remove(tx.ID)
		if txm.notifier != nil && txm.ctx.Err() == nil {
			if err := txm.notifier.Notify(txm.ctx, result); err != nil {
				txm.logger.Errorw("TxManager: failed to publish result",
					"txID", result.Tx.ID,
					"err", err,
				)
			}
		}
		if handler != nil {
			handler(result)
		}
	}()
}

func (txm *txManager) Txs() ([]*models.Tx, error) {
	return txm.ledger.Txs()
}

func (txm *txManager) Prune() (int, error) {
	return txm.ledger.PruneOrphans(func(tx *models.Tx) bool {
		return txm.owned.has(tx.ID)
	})
}
