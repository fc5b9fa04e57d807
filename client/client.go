package client

import (
	"context"
	"math/big"

	esTypes "github.com/celer-network/txservice/types"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
)

//go:generate mockery --name Client --output ../internal/mocks/ --case=underscore

// Client is the subset of an ethereum node's RPC surface the engine needs from
// a single endpoint.
type Client interface {
	// URL identifies the endpoint in logs and errors.
	URL() string

	ChainID(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)

	Close()
}

// GethClient is an interface that represents go-ethereum's own ethclient
// https://github.com/ethereum/go-ethereum/blob/master/ethclient/ethclient.go
type GethClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Impl implements Client on top of a go-ethereum ethclient for one endpoint.
type Impl struct {
	GethClient
	url    string
	logger esTypes.Logger
}

var _ Client = (*Impl)(nil)

// Dialer opens a Client for an endpoint URL.
type Dialer func(ctx context.Context, url string) (Client, error)

// NewDialer returns a Dialer backed by ethclient.DialContext.
func NewDialer(logger esTypes.Logger) Dialer {
	return func(ctx context.Context, url string) (Client, error) {
		return Dial(ctx, url, logger)
	}
}

// Dial connects to an http(s) or ws(s) endpoint.
func Dial(ctx context.Context, url string, logger esTypes.Logger) (*Impl, error) {
	logger.Debugw("eth.Client#Dial(...)", "url", url)
	gethClient, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, "could not dial %s", url)
	}
	return NewImpl(gethClient, url, logger), nil
}

// NewImpl wraps an already connected geth client.
func NewImpl(gethClient GethClient, url string, logger esTypes.Logger) *Impl {
	return &Impl{GethClient: gethClient, url: url, logger: logger}
}

func (client *Impl) URL() string {
	return client.url
}

func (client *Impl) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	client.logger.Debugw("eth.Client#SendTransaction(...)",
		"url", client.url,
		"txHash", tx.Hash(),
		"nonce", tx.Nonce(),
		"gasPrice", tx.GasPrice(),
	)
	return client.GethClient.SendTransaction(ctx, tx)
}

// TransactionReceipt wraps the GethClient's `TransactionReceipt` method so that we can ignore the
// error that arises when we're talking to a Parity node that has no receipt yet.
func (client *Impl) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	client.logger.Debugw("eth.Client#TransactionReceipt(...)",
		"url", client.url,
		"txHash", txHash,
	)
	receipt, err := client.GethClient.TransactionReceipt(ctx, txHash)
	if IsParityQueriedReceiptTooEarly(err) {
		return nil, ethereum.NotFound
	}
	return receipt, err
}

func (client *Impl) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	client.logger.Debugw("eth.Client#PendingNonceAt(...)",
		"url", client.url,
		"account", account,
	)
	return client.GethClient.PendingNonceAt(ctx, account)
}

func (client *Impl) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	client.logger.Debugw("eth.Client#SuggestGasPrice()", "url", client.url)
	return client.GethClient.SuggestGasPrice(ctx)
}

func (client *Impl) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	client.logger.Debugw("eth.Client#EstimateGas(...)",
		"url", client.url,
		"to", call.To,
	)
	return client.GethClient.EstimateGas(ctx, call)
}

func (client *Impl) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	client.logger.Debugw("eth.Client#CallContract(...)",
		"url", client.url,
		"to", msg.To,
		"blockNumber", blockNumber,
	)
	return client.GethClient.CallContract(ctx, msg, blockNumber)
}
