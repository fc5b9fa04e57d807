package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type TxState string

const (
	TxStatePending   = TxState("pending")
	TxStateSubmitted = TxState("submitted")
	TxStateMined     = TxState("mined")
	TxStateConfirmed = TxState("confirmed")
	TxStateReverted  = TxState("reverted")
	TxStateFailed    = TxState("failed")
)

// IsTerminal reports whether no further transition out of s is possible.
func (s TxState) IsTerminal() bool {
	return s == TxStateConfirmed || s == TxStateReverted || s == TxStateFailed
}

// Intent is what a caller asks the engine to put on chain. It is not modified
// once handed to the engine.
type Intent struct {
	ChainID  uint64
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
	// Nonce pins the transaction to a specific nonce, used when filling a gap
	Nonce *uint64
}

// CallIntent describes a side-effect-free contract call.
type CallIntent struct {
	ChainID     uint64
	To          common.Address
	Data        []byte
	BlockNumber *big.Int
}

type Receipt struct {
	TxHash            common.Hash
	BlockHash         common.Hash
	BlockNumber       uint64
	TransactionIndex  uint
	Status            uint64
	GasUsed           uint64
	EffectiveGasPrice *big.Int
}

// Succeeded reports whether the transaction executed successfully on chain.
func (r *Receipt) Succeeded() bool {
	return r.Status == gethTypes.ReceiptStatusSuccessful
}

// NewReceipt copies the fields the engine cares about out of a geth receipt.
func NewReceipt(r *gethTypes.Receipt) (*Receipt, error) {
	if r == nil {
		return nil, errors.New("receipt is nil")
	}
	if r.BlockNumber == nil {
		return nil, errors.Errorf("receipt for %s was missing block number", r.TxHash.Hex())
	}
	receipt := &Receipt{
		TxHash:           r.TxHash,
		BlockHash:        r.BlockHash,
		BlockNumber:      r.BlockNumber.Uint64(),
		TransactionIndex: r.TransactionIndex,
		Status:           r.Status,
		GasUsed:          r.GasUsed,
	}
	if r.EffectiveGasPrice != nil {
		receipt.EffectiveGasPrice = new(big.Int).Set(r.EffectiveGasPrice)
	}
	return receipt, nil
}

// Tx is a transaction tracked by the engine from dispatch until it reaches a
// terminal state. The nonce is assigned once; the gas price only ever goes up.
type Tx struct {
	ID      uuid.UUID
	ChainID uint64

	From     common.Address
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64

	Nonce    uint64
	GasPrice *big.Int

	// Hash of the most recent broadcast. AttemptHashes holds every hash ever
	// broadcast for this nonce, oldest first, any of which may end up mined.
	Hash          common.Hash
	AttemptHashes []common.Hash
	Endpoint      string

	State         TxState
	Confirmations uint64
	Attempts      int
	Bumps         int
	Error         string
	Receipt       *Receipt
	GapFill       bool

	CreatedAt   time.Time
	BroadcastAt time.Time
}

func (tx *Tx) GetError() error {
	if tx.Error == "" {
		return nil
	}
	return errors.New(tx.Error)
}

// Clone returns a deep copy that shares no mutable memory with tx.
func (tx *Tx) Clone() *Tx {
	if tx == nil {
		return nil
	}
	cp := *tx
	cp.Data = append([]byte(nil), tx.Data...)
	cp.Value = copyBig(tx.Value)
	cp.GasPrice = copyBig(tx.GasPrice)
	cp.AttemptHashes = append([]common.Hash(nil), tx.AttemptHashes...)
	if tx.Receipt != nil {
		r := *tx.Receipt
		r.EffectiveGasPrice = copyBig(tx.Receipt.EffectiveGasPrice)
		cp.Receipt = &r
	}
	return &cp
}

// AddAttemptHash records hash as the current broadcast, keeping history unique.
func (tx *Tx) AddAttemptHash(hash common.Hash) {
	tx.Hash = hash
	for _, h := range tx.AttemptHashes {
		if h == hash {
			return
		}
	}
	tx.AttemptHashes = append(tx.AttemptHashes, hash)
}

// Intent rebuilds the intent this transaction was created from, pinned to its nonce.
func (tx *Tx) Intent() Intent {
	nonce := tx.Nonce
	return Intent{
		ChainID:  tx.ChainID,
		To:       tx.To,
		Data:     append([]byte(nil), tx.Data...),
		Value:    copyBig(tx.Value),
		GasLimit: tx.GasLimit,
		Nonce:    &nonce,
	}
}

func copyBig(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}

// WeiPerEth is amount of Wei currency units in one Eth.
var WeiPerEth = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
