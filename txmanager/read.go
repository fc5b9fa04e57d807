package txmanager

import (
	"bytes"
	"context"
	"strconv"

	"github.com/celer-network/txservice/client"
	"github.com/celer-network/txservice/store/models"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	ethereum "github.com/ethereum/go-ethereum"
)

// Read calls the contract on the working set of endpoints in turn until Quorum
// of them returned byte-identical responses. Endpoint failures move on to the
// next endpoint; an execution error aborts with *InvalidTransaction.
func (txm *txManager) Read(ctx context.Context, call models.CallIntent) (_ []byte, err error) {
	config := txm.config.Chain(call.ChainID)
	pool, ok := txm.pools[call.ChainID]
	if config == nil || !ok {
		return nil, errors.Wrapf(ErrUnknownChain, "chain %d", call.ChainID)
	}
	chainLabel := strconv.FormatUint(call.ChainID, 10)

	ctx, span := txm.tracer.Start(ctx, "txmanager.read", trace.WithAttributes(
		attribute.Int64("chain.id", int64(call.ChainID)),
		attribute.String("call.to", call.To.Hex()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	quorum := config.Quorum
	if quorum < 1 {
		quorum = 1
	}
	to := call.To
	msg := ethereum.CallMsg{To: &to, Data: call.Data}

	type agreement struct {
		response []byte
		count    int
	}
	var agreements []*agreement
	var errs []error
	for _, url := range pool.Pick(config.TargetEndpointsPerAttempt) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		ethClient, dialErr := pool.Client(ctx, url)
		if dialErr != nil {
			errs = append(errs, txm.broadcaster.rpcFailure(chainLabel, url, "dial", dialErr))
			continue
		}
		reqCtx, cancel := withRequestTimeout(ctx, config)
		response, callErr := ethClient.CallContract(reqCtx, msg, call.BlockNumber)
		cancel()
		if callErr != nil {
			if client.IsNetworkError(callErr) || client.IsTimeout(callErr) {
				errs = append(errs, txm.broadcaster.rpcFailure(chainLabel, url, "call_contract", callErr))
				continue
			}
			return nil, &InvalidTransaction{Reason: "call failed", Err: callErr}
		}

		var match *agreement
		for _, a := range agreements {
			if bytes.Equal(a.response, response) {
				match = a
				break
			}
		}
		if match == nil {
			match = &agreement{response: response}
			agreements = append(agreements, match)
		}
		match.count++
		if match.count >= quorum {
			return match.response, nil
		}
	}
	if len(agreements) > 0 {
		errs = append(errs, errors.Errorf("no response reached a quorum of %d among %d distinct response(s)", quorum, len(agreements)))
	}
	return nil, &DispatchFailure{Errors: errs}
}
