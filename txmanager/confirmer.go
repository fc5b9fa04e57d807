package txmanager

import (
	"context"
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
	gethCommon "github.com/ethereum/go-ethereum/common"
)

// confirmer follows one broadcast transaction until it is Confirmed, Reverted
// or Failed. Each monitored transaction is owned by exactly one goroutine; the
// ledger only ever receives copies.
//
// A transaction that sees no receipt for StuckAfter polls is re-broadcast at a
// bumped price. Once the price cannot be raised within PriceMax it is
// abandoned and its nonce is filled by a zero value self-transfer, holding
// back fresh dispatches on the chain until the filler is terminal.
type confirmer struct {
	config      *types.Config
	pools       map[uint64]*client.Pool
	broadcaster *broadcaster
	nonces      *nonceManager
	ledger      *lockedLedger
	metrics     *Metrics
	tracer      trace.Tracer
	logger      types.Logger

	// track monitors tx in a new goroutine
	track func(tx *models.Tx, handler ResultHandler)
}

type watchOutcome int

const (
	watchTerminal watchOutcome = iota
	watchStuck
	watchExhausted
)

// Monitor blocks until tx reaches a terminal state or ctx is cancelled. On
// cancellation the ledger entry is left as it is.
func (c *confirmer) Monitor(ctx context.Context, tx *models.Tx) Result {
	config := c.config.Chain(tx.ChainID)
	chainLabel := strconv.FormatUint(tx.ChainID, 10)

	ctx, span := c.tracer.Start(ctx, "txmanager.monitor", trace.WithAttributes(
		attribute.Int64("chain.id", int64(tx.ChainID)),
		attribute.String("tx.id", tx.ID.String()),
		attribute.Int64("tx.nonce", int64(tx.Nonce)),
		attribute.Bool("tx.gap_fill", tx.GapFill),
	))
	defer span.End()

	c.metrics.InFlight.WithLabelValues(chainLabel).Inc()
	defer c.metrics.InFlight.WithLabelValues(chainLabel).Dec()

	result := c.monitor(ctx, config, tx)
	span.SetAttributes(attribute.String("tx.state", string(result.Tx.State)))
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Error())
	}
	return result
}

func (c *confirmer) monitor(ctx context.Context, config *types.ChainConfig, tx *models.Tx) Result {
	for {
		outcome, err := c.watch(ctx, config, tx)
		if ctx.Err() != nil {
			return c.stopped(ctx, tx)
		}

		switch outcome {
		case watchTerminal:
			return c.finish(tx, nil)

		case watchExhausted:
			tx.State = models.TxStateFailed
			return c.finish(tx, err)

		case watchStuck:
			if tx.GapFill {
				tx.State = models.TxStateFailed
				return c.finish(tx, newInvalidTransaction("gap filling transaction was not mined", ErrPriceCeiling, tx))
			}
			bumped, ok, err := nextPrice(tx.GasPrice, config)
			if err != nil {
				tx.State = models.TxStateFailed
				return c.finish(tx, err)
			}
			if !ok {
				c.abandon(ctx, config, tx)
				tx.State = models.TxStateFailed
				return c.finish(tx, newInvalidTransaction("abandoned", ErrPriceCeiling, tx))
			}

			c.logger.Warnw("TxManager: transaction is stuck, re-broadcasting at a higher price",
				"txID", tx.ID,
				"txHash", tx.Hash,
				"nonce", tx.Nonce,
				"oldGasPrice", tx.GasPrice.String(),
				"newGasPrice", bumped.String(),
			)
			prev := tx.Clone()
			prev.GasPrice = bumped
			prev.Bumps++
			c.metrics.PriceBumps.WithLabelValues(strconv.FormatUint(tx.ChainID, 10)).Inc()

			next, err := c.broadcaster.Dispatch(ctx, prev.Intent(), prev)
			if err != nil {
				if ctx.Err() != nil {
					return c.stopped(ctx, tx)
				}
				c.nonces.resync(tx.ChainID)
				tx.State = models.TxStateFailed
				return c.finish(tx, err)
			}
			tx = next
		}
	}
}

// watch polls until the transaction is terminal, the poll error budget runs
// out, or too many polls in a row found no receipt.
func (c *confirmer) watch(ctx context.Context, config *types.ChainConfig, tx *models.Tx) (watchOutcome, error) {
	waits, retries := 0, 0
	var lastErr error
	sleeper := newBackoffSleeper(config.DispatchTimeout, maxPollBackoff*config.DispatchTimeout)

	for tx.Confirmations < config.ConfirmationsRequired && retries < config.MaxRetries && waits < config.StuckAfter() {
		receipt, head, err := c.poll(ctx, config, tx)
		if ctx.Err() != nil {
			return watchStuck, ctx.Err()
		}
		if err != nil {
			retries++
			lastErr = err
			c.logger.Warnw("TxManager: failed to poll for receipt",
				"txID", tx.ID,
				"txHash", tx.Hash,
				"retries", retries,
				"err", err,
			)
			if err := sleeper.Sleep(ctx); err != nil {
				return watchStuck, err
			}
			continue
		}
		sleeper.Reset()

		if receipt == nil {
			waits++
			if tx.State == models.TxStateMined {
				// the block holding the receipt was reorged out
				tx.State = models.TxStateSubmitted
				tx.Receipt = nil
				tx.Confirmations = 0
				c.publish(tx)
			}
			if err := sleep(ctx, config.DispatchTimeout); err != nil {
				return watchStuck, err
			}
			continue
		}

		if receipt.TxHash != tx.Hash {
			c.adoptHash(tx, receipt.TxHash)
		}
		tx.Receipt = receipt
		tx.Confirmations = confirmations(head, receipt.BlockNumber)
		if !receipt.Succeeded() {
			tx.State = models.TxStateReverted
			return watchTerminal, nil
		}
		if tx.Confirmations >= config.ConfirmationsRequired {
			tx.State = models.TxStateConfirmed
			return watchTerminal, nil
		}
		tx.State = models.TxStateMined
		c.publish(tx)
		if err := sleep(ctx, config.DispatchTimeout); err != nil {
			return watchStuck, err
		}
	}

	if retries >= config.MaxRetries {
		return watchExhausted, lastErr
	}
	return watchStuck, nil
}

// maxPollBackoff caps the poll error backoff at this many DispatchTimeouts.
const maxPollBackoff = 8

// poll asks one endpoint for the chain head and for a receipt of any of the
// transaction's broadcasts, newest first.
func (c *confirmer) poll(ctx context.Context, config *types.ChainConfig, tx *models.Tx) (*models.Receipt, uint64, error) {
	pool := c.pools[tx.ChainID]
	chainLabel := strconv.FormatUint(tx.ChainID, 10)
	url := pool.Pick(1)[0]

	ethClient, err := pool.Client(ctx, url)
	if err != nil {
		return nil, 0, c.broadcaster.rpcFailure(chainLabel, url, "dial", err)
	}
	reqCtx, cancel := withRequestTimeout(ctx, config)
	defer cancel()

	head, err := ethClient.BlockNumber(reqCtx)
	if err != nil {
		return nil, 0, c.broadcaster.rpcFailure(chainLabel, url, "block_number", err)
	}

	hashes := tx.AttemptHashes
	if len(hashes) == 0 {
		hashes = []gethCommon.Hash{tx.Hash}
	}
	for i := len(hashes) - 1; i >= 0; i-- {
		gethReceipt, err := ethClient.TransactionReceipt(reqCtx, hashes[i])
		if errors.Is(err, ethereum.NotFound) || (err == nil && gethReceipt == nil) {
			continue
		}
		if err != nil {
			return nil, 0, c.broadcaster.rpcFailure(chainLabel, url, "transaction_receipt", err)
		}
		receipt, err := models.NewReceipt(gethReceipt)
		if err != nil {
			return nil, 0, c.broadcaster.rpcFailure(chainLabel, url, "transaction_receipt", err)
		}
		return receipt, head, nil
	}
	return nil, head, nil
}

func confirmations(head, block uint64) uint64 {
	if head < block {
		return 0
	}
	return head - block + 1
}

// abandon gap-blocks the chain at tx's nonce and broadcasts a zero value
// self-transfer at PriceMax to fill it. The filler carries tx's broadcast
// hashes so that tx being mined after all also resolves the gap.
func (c *confirmer) abandon(ctx context.Context, config *types.ChainConfig, tx *models.Tx) {
	c.nonces.block(tx.ChainID, tx.Nonce)

	filler := &models.Tx{
		ID:            uuid.New(),
		ChainID:       tx.ChainID,
		From:          tx.From,
		To:            tx.From,
		Value:         new(big.Int),
		GasLimit:      config.GapFillGasLimit,
		Nonce:         tx.Nonce,
		GasPrice:      new(big.Int).Set(config.PriceMax),
		Hash:          tx.Hash,
		AttemptHashes: append([]gethCommon.Hash(nil), tx.AttemptHashes...),
		State:         models.TxStatePending,
		GapFill:       true,
		CreatedAt:     time.Now(),
	}
	c.logger.Warnw("TxManager: abandoning transaction at price ceiling, filling its nonce",
		"txID", tx.ID,
		"txHash", tx.Hash,
		"nonce", tx.Nonce,
		"gasPrice", tx.GasPrice.String(),
		"fillerID", filler.ID,
	)

	sent, err := c.broadcaster.Dispatch(ctx, filler.Intent(), filler)
	if err != nil {
		c.logger.Errorw("TxManager: could not broadcast gap filling transaction",
			"txID", tx.ID,
			"nonce", tx.Nonce,
			"err", err,
		)
		c.nonces.resync(tx.ChainID)
		c.nonces.unblock(tx.ChainID, tx.Nonce)
		return
	}
	c.metrics.GapFills.WithLabelValues(strconv.FormatUint(tx.ChainID, 10)).Inc()
	c.track(sent, nil)
}

// adoptHash makes hash, an earlier broadcast that got mined, the hash tx is
// reported and tracked under.
func (c *confirmer) adoptHash(tx *models.Tx, hash gethCommon.Hash) {
	prev := tx.Clone()
	tx.Hash = hash
	c.logger.Infow("TxManager: an earlier broadcast of the transaction was mined",
		"txID", tx.ID,
		"latestHash", prev.Hash,
		"minedHash", hash,
	)
	if err := c.ledger.Replace(prev, tx); err != nil {
		c.logger.Warnw("TxManager: could not re-key ledger entry to the mined hash",
			"txID", tx.ID,
			"txHash", hash,
			"err", err,
		)
	}
}

// publish records a non-terminal state change in the ledger.
func (c *confirmer) publish(tx *models.Tx) {
	if err := c.ledger.Update(tx); err != nil {
		c.logger.Warnw("TxManager: could not update ledger entry",
			"txID", tx.ID,
			"txHash", tx.Hash,
			"state", tx.State,
			"err", err,
		)
	}
}

// finish removes a terminal transaction from the ledger and releases the
// chain if it was filling a gap.
func (c *confirmer) finish(tx *models.Tx, err error) Result {
	if err != nil {
		tx.Error = err.Error()
	}
	if rmErr := c.ledger.Remove(tx); rmErr != nil {
		c.logger.Errorw("TxManager: could not remove terminal transaction from ledger",
			"txID", tx.ID,
			"txHash", tx.Hash,
			"err", rmErr,
		)
	}
	if tx.GapFill {
		if tx.State == models.TxStateFailed {
			c.nonces.resync(tx.ChainID)
		}
		c.nonces.unblock(tx.ChainID, tx.Nonce)
	}

	chainLabel := strconv.FormatUint(tx.ChainID, 10)
	c.metrics.Terminal.WithLabelValues(chainLabel, string(tx.State)).Inc()
	c.metrics.ConfirmationLatency.WithLabelValues(chainLabel).Observe(time.Since(tx.CreatedAt).Seconds())

	c.logger.Infow("TxManager: transaction reached terminal state",
		"txID", tx.ID,
		"txHash", tx.Hash,
		"nonce", tx.Nonce,
		"state", tx.State,
		"confirmations", tx.Confirmations,
		"gapFill", tx.GapFill,
		"err", err,
	)
	return Result{Tx: tx.Clone(), Err: err}
}

func (c *confirmer) stopped(ctx context.Context, tx *models.Tx) Result {
	c.logger.Infow("TxManager: monitoring stopped",
		"txID", tx.ID,
		"txHash", tx.Hash,
		"state", tx.State,
	)
	return Result{Tx: tx.Clone(), Err: errors.Wrap(ctx.Err(), "monitoring stopped")}
}
