package client

import (
	"context"
	"io"
	"net"
	"net/url"
	"regexp"
	"syscall"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
)

// Node error messages, matched case-insensitively. Geth and Parity/OpenEthereum
// phrase the same condition differently.
var (
	nonceTooLow = regexp.MustCompile(`(?i)(nonce too low|transaction nonce is too low|oldnonce)`)
	// Geth returns "already known" or "known transaction: <hash>"
	transactionAlreadyInMempool = regexp.MustCompile(`(?i)(already known|known transaction|alreadyknown|transaction with the same hash was already imported)`)
	replacementUnderpriced      = regexp.MustCompile(`(?i)(replacement transaction underpriced|replacement_underpriced)`)
	terminallyUnderpriced       = regexp.MustCompile(`(?i)(^transaction underpriced$|fee too low|max fee per gas less than block base fee)`)
	temporarilyUnderpriced      = regexp.MustCompile(`(?i)(transaction underpriced\. there are too many transactions in the queue|gas price too low to replace)`)
	insufficientEth             = regexp.MustCompile(`(?i)(insufficient funds|insufficient balance)`)
	parityReceiptTooEarly       = regexp.MustCompile(`(?i)missing required field`)
	fatal                       = regexp.MustCompile(`(?i)(exceeds block gas limit|invalid sender|negative value|oversized data|gas uint64 overflow|intrinsic gas too low|nonce too high|invalid chain id|execution reverted|tx fee .* exceeds the configured cap)`)
)

// Server-side JSON-RPC error codes that indicate the endpoint, not the
// transaction, is at fault.
var serverErrorCodes = map[int]bool{
	-32603: true, // internal error
	-32005: true, // limit exceeded
	-32099: true,
	-32098: true,
}

// SendError wraps an error returned by an ethereum node so it can be classified.
type SendError struct {
	fatal bool
	err   error
}

func (s *SendError) Error() string {
	return s.err.Error()
}

func (s *SendError) Cause() error {
	return s.err
}

func (s *SendError) Unwrap() error {
	return s.err
}

// NewSendError returns nil for a nil error so callers can write
// `if sendErr := NewSendError(err); sendErr != nil`.
func NewSendError(e error) *SendError {
	if e == nil {
		return nil
	}
	return &SendError{err: errors.WithStack(e), fatal: isFatalSendError(e)}
}

func NewFatalSendError(e error) *SendError {
	if e == nil {
		return nil
	}
	return &SendError{err: errors.WithStack(e), fatal: true}
}

func isFatalSendError(err error) bool {
	if err == nil {
		return false
	}
	return fatal.MatchString(errors.Cause(err).Error())
}

// Fatal indicates whether the error should be considered fatal or not
// Fatal errors mean that no matter how many times the send is retried, no node
// will ever accept it
func (s *SendError) Fatal() bool {
	return s != nil && s.fatal
}

func (s *SendError) matches(re *regexp.Regexp) bool {
	if s == nil || s.err == nil {
		return false
	}
	return re.MatchString(errors.Cause(s.err).Error())
}

func (s *SendError) IsNonceTooLowError() bool {
	return s.matches(nonceTooLow)
}

// IsTransactionAlreadyInMempool means the node already has this exact transaction.
func (s *SendError) IsTransactionAlreadyInMempool() bool {
	return s.matches(transactionAlreadyInMempool)
}

func (s *SendError) IsReplacementUnderpriced() bool {
	return s.matches(replacementUnderpriced)
}

func (s *SendError) IsTerminallyUnderpriced() bool {
	return s.matches(terminallyUnderpriced)
}

func (s *SendError) IsTemporarilyUnderpriced() bool {
	return s.matches(temporarilyUnderpriced)
}

func (s *SendError) IsInsufficientEth() bool {
	return s.matches(insufficientEth)
}

// IsTimeout reports whether the endpoint failed to answer in time. A timed out
// send is ambiguous: the node may or may not have accepted the transaction.
func (s *SendError) IsTimeout() bool {
	if s == nil {
		return false
	}
	return IsTimeout(s.err)
}

// IsNetworkError reports a transport or server-class failure of the endpoint.
func (s *SendError) IsNetworkError() bool {
	if s == nil {
		return false
	}
	return IsNetworkError(s.err)
}

// IsTimeout reports whether err is a deadline or a network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// IsNetworkError reports whether err originates from the transport or the
// endpoint's server rather than from the request itself. Timeouts are not
// network errors for the purposes of classification.
func IsNetworkError(err error) bool {
	if err == nil || IsTimeout(err) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, rpc.ErrClientQuit) {
		return true
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == 429
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return serverErrorCodes[rpcErr.ErrorCode()]
	}
	return false
}

// IsParityQueriedReceiptTooEarly returns true if the error is due to Parity
// returning an incomplete receipt for a transaction still in the mempool.
func IsParityQueriedReceiptTooEarly(e error) bool {
	return e != nil && parityReceiptTooEarly.MatchString(e.Error())
}
