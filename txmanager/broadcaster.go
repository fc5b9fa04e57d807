package txmanager

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/celer-network/txservice/client"
	"github.com/celer-network/txservice/store/models"
	"github.com/celer-network/txservice/types"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	ethereum "github.com/ethereum/go-ethereum"
	gethTypes "github.com/ethereum/go-ethereum/core/types"
)

// broadcaster assigns nonce, gas price and gas limit to a transaction, signs
// it and gets it accepted by at least one endpoint of the chain.
//
// This does not guarantee inclusion. Responsibility for following the
// transaction to a terminal state falls on the confirmer.
//
// What broadcaster does guarantee is:
// - nonces for fresh transactions are handed out contiguously per chain
// - the gas price of a transaction never decreases and never exceeds PriceMax
// - exactly one ledger insertion for a successful broadcast and none otherwise
type broadcaster struct {
	config  *types.Config
	pools   map[uint64]*client.Pool
	signer  client.Signer
	nonces  *nonceManager
	ledger  *lockedLedger
	owned   *ownedSet
	metrics *Metrics
	tracer  trace.Tracer
	logger  types.Logger
}

// retriesExhausted ends an attempt on an endpoint that kept timing out or
// rejecting the price until the retry budget or the price ceiling ran out.
type retriesExhausted struct {
	Endpoint string
	Bumps    int
	Err      error
}

func (e *retriesExhausted) Error() string {
	return fmt.Sprintf("gave up on %s after %d price bump(s): %v", e.Endpoint, e.Bumps, e.Err)
}

func (e *retriesExhausted) Unwrap() error { return e.Err }

// Dispatch broadcasts intent. When prev is set the call re-broadcasts prev at
// its nonce and (already bumped) gas price, and the new entry supersedes prev
// in the ledger.
//
// It fails with *InvalidTransaction for errors no endpoint will get past, and
// with *DispatchFailure when every endpoint of the working set failed.
func (b *broadcaster) Dispatch(ctx context.Context, intent models.Intent, prev *models.Tx) (_ *models.Tx, err error) {
	config := b.config.Chain(intent.ChainID)
	pool, ok := b.pools[intent.ChainID]
	if config == nil || !ok {
		return nil, errors.Wrapf(ErrUnknownChain, "chain %d", intent.ChainID)
	}
	chainLabel := strconv.FormatUint(intent.ChainID, 10)

	ctx, span := b.tracer.Start(ctx, "txmanager.dispatch", trace.WithAttributes(
		attribute.Int64("chain.id", int64(intent.ChainID)),
		attribute.Bool("tx.resubmit", prev != nil),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	working := pool.Pick(config.TargetEndpointsPerAttempt)
	tx := b.newTx(intent, prev)
	// a fresh transaction is owned from here on; on success ownership passes
	// to its monitor
	if b.owned.add(tx.ID) {
		defer func() {
			if err != nil {
				b.owned.remove(tx.ID)
			}
		}()
	}
	var errs []error

	var lease *nonceLease
	switch {
	case prev != nil:
	case intent.Nonce != nil:
		tx.Nonce = *intent.Nonce
	default:
		lease, err = b.nonces.reserve(ctx, intent.ChainID, func(ctx context.Context) (uint64, error) {
			return b.loadNonce(ctx, config, pool, working, &errs)
		})
		if err != nil {
			if len(errs) > 0 {
				return nil, newDispatchFailure(errs, tx)
			}
			return nil, errors.Wrap(err, "could not reserve nonce")
		}
		defer lease.release()
		tx.Nonce = lease.nonce
	}
	span.SetAttributes(attribute.Int64("tx.nonce", int64(tx.Nonce)))

	if tx.GasPrice == nil {
		answered, err := b.eachEndpoint(ctx, config, pool, working, "suggest_gas_price", &errs,
			func(ctx context.Context, ethClient client.Client) error {
				price, err := FetchBoundedPrice(ctx, ethClient, config)
				if err != nil {
					return err
				}
				tx.GasPrice = price
				return nil
			})
		if err != nil {
			return nil, err
		}
		if !answered {
			return nil, newDispatchFailure(errs, tx)
		}
	}

	if tx.GasLimit == 0 {
		answered, err := b.eachEndpoint(ctx, config, pool, working, "estimate_gas", &errs,
			func(ctx context.Context, ethClient client.Client) error {
				to := tx.To
				limit, err := ethClient.EstimateGas(ctx, ethereum.CallMsg{
					From:     tx.From,
					To:       &to,
					GasPrice: tx.GasPrice,
					Value:    tx.Value,
					Data:     tx.Data,
				})
				if err != nil {
					if client.IsNetworkError(err) || client.IsTimeout(err) {
						return &RPCFailure{Endpoint: ethClient.URL(), Err: err}
					}
					return newInvalidTransaction("gas estimation failed", err, tx)
				}
				tx.GasLimit = limit
				return nil
			})
		if err != nil {
			return nil, err
		}
		if !answered {
			return nil, newDispatchFailure(errs, tx)
		}
	}

	for _, url := range working {
		ethClient, dialErr := pool.Client(ctx, url)
		if dialErr != nil {
			errs = append(errs, b.rpcFailure(chainLabel, url, "dial", dialErr))
			continue
		}
		sendErr := b.submit(ctx, ethClient, config, tx, prev != nil)
		if sendErr == nil {
			tx.State = models.TxStateSubmitted
			tx.Endpoint = url
			tx.BroadcastAt = time.Now()
			tx.Attempts++
			if lease != nil {
				lease.commit()
			}
			b.record(prev, tx)
			b.metrics.Dispatched.WithLabelValues(chainLabel).Inc()
			span.SetAttributes(
				attribute.String("tx.hash", tx.Hash.Hex()),
				attribute.String("tx.endpoint", url),
			)
			return tx.Clone(), nil
		}
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "dispatch cancelled")
		}

		var rpcErr *RPCFailure
		if errors.As(sendErr, &rpcErr) {
			b.countRPCFailure(chainLabel, url, "send_transaction")
			errs = append(errs, sendErr)
			continue
		}

		var exhausted *retriesExhausted
		if errors.As(sendErr, &exhausted) {
			// a timed out broadcast may still land, so trust the chain over our counter
			errs = append(errs, sendErr)
			if lease != nil {
				lease.resync()
			}
			return nil, newDispatchFailure(errs, tx)
		}

		var nodeErr *client.SendError
		if lease != nil && errors.As(sendErr, &nodeErr) && nodeErr.IsNonceTooLowError() {
			lease.resync()
		}
		return nil, sendErr
	}
	return nil, newDispatchFailure(errs, tx)
}

func (b *broadcaster) newTx(intent models.Intent, prev *models.Tx) *models.Tx {
	if prev != nil {
		tx := prev.Clone()
		tx.Error = ""
		return tx
	}
	value := new(big.Int)
	if intent.Value != nil {
		value.Set(intent.Value)
	}
	return &models.Tx{
		ID:        uuid.New(),
		ChainID:   intent.ChainID,
		From:      b.signer.Address(),
		To:        intent.To,
		Data:      append([]byte(nil), intent.Data...),
		Value:     value,
		GasLimit:  intent.GasLimit,
		State:     models.TxStatePending,
		CreatedAt: time.Now(),
	}
}

// submit signs and sends tx to one endpoint. Timeouts and underpriced
// rejections are retried on the same endpoint at a bumped price, since the
// timed out broadcast may already sit in that endpoint's mempool.
func (b *broadcaster) submit(ctx context.Context, ethClient client.Client, config *types.ChainConfig, tx *models.Tx, resubmit bool) error {
	chainLabel := strconv.FormatUint(tx.ChainID, 10)
	bumps := 0
	for {
		signedTx, err := b.sign(tx)
		if err != nil {
			return newInvalidTransaction("signing failed", err, tx)
		}
		sendErr := sendTransaction(ctx, ethClient, signedTx, config.RequestTimeout, b.logger)
		if sendErr == nil {
			tx.AddAttemptHash(signedTx.Hash())
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch {
		case sendErr.IsTransactionAlreadyInMempool():
			b.logger.Debugw("TxManager: transaction already in mempool",
				"txHash", signedTx.Hash(),
				"nodeErr", sendErr.Error(),
			)
			tx.AddAttemptHash(signedTx.Hash())
			return nil

		case sendErr.IsNonceTooLowError() && resubmit:
			// an earlier broadcast at this nonce was accepted
			b.logger.Infow("TxManager: nonce already used by an earlier attempt",
				"txID", tx.ID,
				"nonce", tx.Nonce,
				"nodeErr", sendErr.Error(),
			)
			return nil

		case sendErr.IsNetworkError():
			return &RPCFailure{Endpoint: ethClient.URL(), Err: sendErr}

		case sendErr.IsTimeout(), sendErr.IsReplacementUnderpriced(),
			sendErr.IsTerminallyUnderpriced(), sendErr.IsTemporarilyUnderpriced():
			if sendErr.IsTimeout() {
				tx.AddAttemptHash(signedTx.Hash())
			}
			if bumps >= config.MaxRetries {
				return &retriesExhausted{Endpoint: ethClient.URL(), Bumps: bumps, Err: sendErr}
			}
			bumped, ok, err := nextPrice(tx.GasPrice, config)
			if err != nil {
				return err
			}
			if !ok {
				return &retriesExhausted{
					Endpoint: ethClient.URL(),
					Bumps:    bumps,
					Err:      errors.Wrap(ErrPriceCeiling, sendErr.Error()),
				}
			}
			b.logger.Warnw("TxManager: bumping gas price and resubmitting to the same endpoint",
				"txID", tx.ID,
				"endpoint", ethClient.URL(),
				"nonce", tx.Nonce,
				"oldGasPrice", tx.GasPrice.String(),
				"newGasPrice", bumped.String(),
				"nodeErr", sendErr.Error(),
			)
			tx.GasPrice = bumped
			tx.Bumps++
			bumps++
			b.metrics.PriceBumps.WithLabelValues(chainLabel).Inc()

		case sendErr.IsInsufficientEth():
			return newInvalidTransaction("insufficient funds", sendErr, tx)

		case sendErr.Fatal():
			// no endpoint will ever accept this transaction as built
			return newInvalidTransaction("fatal node error", sendErr, tx)

		default:
			return newInvalidTransaction("rejected by endpoint", sendErr, tx)
		}
	}
}

func (b *broadcaster) sign(tx *models.Tx) (_ *gethTypes.Transaction, err error) {
	defer WrapIfError(&err, "sign failed")

	if tx.GasPrice == nil || tx.GasLimit == 0 {
		return nil, errors.Errorf("transaction %v has no gas price or gas limit", tx.ID)
	}
	unsigned := gethTypes.NewTransaction(tx.Nonce, tx.To, tx.Value, tx.GasLimit, tx.GasPrice, tx.Data)
	signed, err := b.signer.SignTx(unsigned, new(big.Int).SetUint64(tx.ChainID))
	if err != nil {
		return nil, errors.Wrapf(err, "error using account %s to sign transaction %v", tx.From.Hex(), tx.ID)
	}
	return signed, nil
}

// sendTransaction broadcasts the signed transaction to one endpoint and
// classifies the outcome.
func sendTransaction(ctx context.Context, ethClient client.Client, signedTx *gethTypes.Transaction, timeout time.Duration, logger types.Logger) *client.SendError {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := ethClient.SendTransaction(ctx, signedTx)

	logger.Debugw("TxManager: Broadcasting transaction",
		"endpoint", ethClient.URL(),
		"txHash", signedTx.Hash(),
		"nonce", signedTx.Nonce(),
		"gasPriceWei", signedTx.GasPrice().String(),
		"err", err,
	)
	return client.NewSendError(err)
}

// record writes a successful broadcast to the ledger.
func (b *broadcaster) record(prev, tx *models.Tx) {
	var err error
	if prev != nil {
		err = b.ledger.Replace(prev, tx)
	} else {
		err = b.ledger.Add(tx)
	}
	if err != nil {
		b.logger.Errorw("TxManager: could not record broadcast transaction in ledger",
			"txID", tx.ID,
			"txHash", tx.Hash,
			"err", err,
		)
	}
}

func (b *broadcaster) loadNonce(ctx context.Context, config *types.ChainConfig, pool *client.Pool, working []string, errs *[]error) (uint64, error) {
	var nonce uint64
	answered, err := b.eachEndpoint(ctx, config, pool, working, "pending_nonce_at", errs,
		func(ctx context.Context, ethClient client.Client) error {
			n, err := ethClient.PendingNonceAt(ctx, b.signer.Address())
			if err != nil {
				return &RPCFailure{Endpoint: ethClient.URL(), Err: err}
			}
			nonce = n
			return nil
		})
	if err != nil {
		return 0, err
	}
	if !answered {
		return 0, errors.New("no endpoint returned a pending nonce")
	}
	return nonce, nil
}

// eachEndpoint calls fn against the working set in order until it succeeds.
// *RPCFailure results are collected in errs and move on to the next endpoint;
// any other error aborts. answered is false when every endpoint failed.
func (b *broadcaster) eachEndpoint(
	ctx context.Context,
	config *types.ChainConfig,
	pool *client.Pool,
	working []string,
	op string,
	errs *[]error,
	fn func(ctx context.Context, ethClient client.Client) error,
) (answered bool, err error) {
	chainLabel := strconv.FormatUint(config.ChainID, 10)
	for _, url := range working {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		ethClient, err := pool.Client(ctx, url)
		if err != nil {
			*errs = append(*errs, b.rpcFailure(chainLabel, url, "dial", err))
			continue
		}
		reqCtx, cancel := withRequestTimeout(ctx, config)
		err = fn(reqCtx, ethClient)
		cancel()
		if err == nil {
			return true, nil
		}
		var rpcErr *RPCFailure
		if errors.As(err, &rpcErr) {
			b.countRPCFailure(chainLabel, url, op)
			b.logger.Warnw("TxManager: endpoint failed, trying next",
				"op", op,
				"endpoint", url,
				"err", err,
			)
			*errs = append(*errs, err)
			continue
		}
		return false, err
	}
	return false, nil
}

func (b *broadcaster) rpcFailure(chainLabel, url, op string, err error) *RPCFailure {
	b.countRPCFailure(chainLabel, url, op)
	return &RPCFailure{Endpoint: url, Err: err}
}

func (b *broadcaster) countRPCFailure(chainLabel, url, op string) {
	b.metrics.RPCFailures.WithLabelValues(chainLabel, url, op).Inc()
}

func withRequestTimeout(ctx context.Context, config *types.ChainConfig) (context.Context, context.CancelFunc) {
	if config.RequestTimeout > 0 {
		return context.WithTimeout(ctx, config.RequestTimeout)
	}
	return context.WithCancel(ctx)
}
