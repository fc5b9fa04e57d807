package txmanager

import (
	"fmt"
	"strings"

	"github.com/celer-network/txservice/store/models"
	"github.com/pkg/errors"
)

var (
	// ErrPriceCeiling is wrapped by the InvalidTransaction reported for a
	// transaction abandoned at the price ceiling.
	ErrPriceCeiling = errors.New("price ceiling reached")
	ErrUnknownChain = errors.New("unknown chain")
	ErrNotStarted   = errors.New("TxManager is not started")
)

// RPCFailure is an endpoint failing at the transport or server level.
type RPCFailure struct {
	Endpoint string
	Err      error
}

func (e *RPCFailure) Error() string {
	return fmt.Sprintf("rpc failure on %s: %v", e.Endpoint, e.Err)
}

func (e *RPCFailure) Unwrap() error { return e.Err }
func (e *RPCFailure) Cause() error  { return e.Err }

// InvalidTransaction is a transaction no endpoint will ever accept, or one that
// hit a policy limit. It is never retried.
type InvalidTransaction struct {
	Reason string
	Err    error
	Tx     *models.Tx
}

func (e *InvalidTransaction) Error() string {
	if e.Err == nil {
		return "invalid transaction: " + e.Reason
	}
	return fmt.Sprintf("invalid transaction: %s: %v", e.Reason, e.Err)
}

func (e *InvalidTransaction) Unwrap() error { return e.Err }
func (e *InvalidTransaction) Cause() error  { return e.Err }

// DispatchFailure aggregates the per-endpoint errors of an attempt in which no
// endpoint succeeded. Tx is the transaction as far as it was built.
type DispatchFailure struct {
	Errors []error
	Tx     *models.Tx
}

func (e *DispatchFailure) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("dispatch failed after %d error(s): [%s]", len(e.Errors), strings.Join(msgs, "; "))
}

// Unwrap exposes every underlying error to errors.Is and errors.As.
func (e *DispatchFailure) Unwrap() []error { return e.Errors }

// RPCFailures returns the endpoint failures among Errors.
func (e *DispatchFailure) RPCFailures() []*RPCFailure {
	var failures []*RPCFailure
	for _, err := range e.Errors {
		var rpcErr *RPCFailure
		if errors.As(err, &rpcErr) {
			failures = append(failures, rpcErr)
		}
	}
	return failures
}

func newInvalidTransaction(reason string, err error, tx *models.Tx) *InvalidTransaction {
	return &InvalidTransaction{Reason: reason, Err: err, Tx: tx.Clone()}
}

func newDispatchFailure(errs []error, tx *models.Tx) *DispatchFailure {
	return &DispatchFailure{Errors: errs, Tx: tx.Clone()}
}
