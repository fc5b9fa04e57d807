package tendermint

import (
	"encoding/binary"
	"math/big"
	"time"

	esStore "github.com/celer-network/txservice/store"
	"github.com/celer-network/txservice/store/models"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// txRecord is the persisted form of models.Tx. Big integers are stored as
// decimal strings since msgpack has no native representation for them.
type txRecord struct {
	ID            [16]byte
	ChainID       uint64
	From          common.Address
	To            common.Address
	Data          []byte
	Value         string
	GasLimit      uint64
	Nonce         uint64
	GasPrice      string
	Hash          common.Hash
	AttemptHashes []common.Hash
	Endpoint      string
	State         string
	Confirmations uint64
	Attempts      int
	Bumps         int
	Error         string
	Receipt       *receiptRecord
	GapFill       bool
	CreatedAt     int64
	BroadcastAt   int64
}

type receiptRecord struct {
	TxHash            common.Hash
	BlockHash         common.Hash
	BlockNumber       uint64
	TransactionIndex  uint
	Status            uint64
	GasUsed           uint64
	EffectiveGasPrice string
}

func txKey(chainID, nonce uint64, hash common.Hash) []byte {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], chainID)
	binary.BigEndian.PutUint64(buf[8:], nonce)
	return concatKeys(buf[:], hash.Bytes())
}

func (store *TMStore) Add(tx *models.Tx) error {
	has, err := store.nsHash.Has(tx.Hash.Bytes())
	if err != nil {
		return errors.Wrap(err, "could not check hash index")
	}
	if has {
		return esStore.ErrDuplicateHash
	}
	return store.put(tx)
}

func (store *TMStore) Update(tx *models.Tx) error {
	key, err := store.nsHash.Get(tx.Hash.Bytes())
	if err != nil {
		return errors.Wrap(err, "could not read hash index")
	}
	if key == nil {
		return esStore.ErrNotFound
	}
	newKey := txKey(tx.ChainID, tx.Nonce, tx.Hash)
	if string(newKey) != string(key) {
		if err := store.nsTx.Delete(key); err != nil {
			return errors.Wrap(err, "could not delete stale entry")
		}
	}
	return store.put(tx)
}

func (store *TMStore) put(tx *models.Tx) error {
	val, err := encode(toRecord(tx))
	if err != nil {
		return err
	}
	key := txKey(tx.ChainID, tx.Nonce, tx.Hash)
	batch := store.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(concatKeys(prefixTx, key), val); err != nil {
		return errors.Wrap(err, "could not store tx")
	}
	if err := batch.Set(concatKeys(prefixTxHash, tx.Hash.Bytes()), key); err != nil {
		return errors.Wrap(err, "could not store hash index")
	}
	return errors.Wrap(batch.Write(), "could not write batch")
}

func (store *TMStore) Remove(tx *models.Tx) error {
	key, err := store.nsHash.Get(tx.Hash.Bytes())
	if err != nil {
		return errors.Wrap(err, "could not read hash index")
	}
	if key == nil {
		return nil
	}
	return store.delete(tx.Hash, key)
}

func (store *TMStore) delete(hash common.Hash, key []byte) error {
	batch := store.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(concatKeys(prefixTx, key)); err != nil {
		return errors.Wrap(err, "could not delete tx")
	}
	if err := batch.Delete(concatKeys(prefixTxHash, hash.Bytes())); err != nil {
		return errors.Wrap(err, "could not delete hash index")
	}
	return errors.Wrap(batch.Write(), "could not write batch")
}

func (store *TMStore) Get(hash common.Hash) (*models.Tx, error) {
	key, err := store.nsHash.Get(hash.Bytes())
	if err != nil {
		return nil, errors.Wrap(err, "could not read hash index")
	}
	if key == nil {
		return nil, esStore.ErrNotFound
	}
	var record txRecord
	if err := get(store.nsTx, key, &record); err != nil {
		return nil, err
	}
	return fromRecord(&record)
}

func (store *TMStore) Prune() (int, error) {
	txs, err := store.Txs()
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, tx := range txs {
		if !tx.State.IsTerminal() {
			continue
		}
		if err := store.delete(tx.Hash, txKey(tx.ChainID, tx.Nonce, tx.Hash)); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

func (store *TMStore) Txs() ([]*models.Tx, error) {
	iter, err := store.nsTx.Iterator(nil, nil)
	if err != nil {
		return nil, toCreateIterError(err)
	}
	defer iter.Close()
	var txs []*models.Tx
	for ; iter.Valid(); iter.Next() {
		var record txRecord
		if err := msgpack.Unmarshal(iter.Value(), &record); err != nil {
			return nil, toDecodeTxError(err)
		}
		tx, err := fromRecord(&record)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrap(err, "iteration failed")
	}
	return txs, nil
}

func toRecord(tx *models.Tx) *txRecord {
	record := &txRecord{
		ID:            [16]byte(tx.ID),
		ChainID:       tx.ChainID,
		From:          tx.From,
		To:            tx.To,
		Data:          tx.Data,
		Value:         bigToString(tx.Value),
		GasLimit:      tx.GasLimit,
		Nonce:         tx.Nonce,
		GasPrice:      bigToString(tx.GasPrice),
		Hash:          tx.Hash,
		AttemptHashes: tx.AttemptHashes,
		Endpoint:      tx.Endpoint,
		State:         string(tx.State),
		Confirmations: tx.Confirmations,
		Attempts:      tx.Attempts,
		Bumps:         tx.Bumps,
		Error:         tx.Error,
		GapFill:       tx.GapFill,
		CreatedAt:     unixNano(tx.CreatedAt),
		BroadcastAt:   unixNano(tx.BroadcastAt),
	}
	if r := tx.Receipt; r != nil {
		record.Receipt = &receiptRecord{
			TxHash:            r.TxHash,
			BlockHash:         r.BlockHash,
			BlockNumber:       r.BlockNumber,
			TransactionIndex:  r.TransactionIndex,
			Status:            r.Status,
			GasUsed:           r.GasUsed,
			EffectiveGasPrice: bigToString(r.EffectiveGasPrice),
		}
	}
	return record
}

func fromRecord(record *txRecord) (*models.Tx, error) {
	value, err := stringToBig(record.Value)
	if err != nil {
		return nil, toDecodeTxError(err)
	}
	gasPrice, err := stringToBig(record.GasPrice)
	if err != nil {
		return nil, toDecodeTxError(err)
	}
	tx := &models.Tx{
		ID:            uuid.UUID(record.ID),
		ChainID:       record.ChainID,
		From:          record.From,
		To:            record.To,
		Data:          record.Data,
		Value:         value,
		GasLimit:      record.GasLimit,
		Nonce:         record.Nonce,
		GasPrice:      gasPrice,
		Hash:          record.Hash,
		AttemptHashes: record.AttemptHashes,
		Endpoint:      record.Endpoint,
		State:         models.TxState(record.State),
		Confirmations: record.Confirmations,
		Attempts:      record.Attempts,
		Bumps:         record.Bumps,
		Error:         record.Error,
		GapFill:       record.GapFill,
		CreatedAt:     fromUnixNano(record.CreatedAt),
		BroadcastAt:   fromUnixNano(record.BroadcastAt),
	}
	if r := record.Receipt; r != nil {
		effective, err := stringToBig(r.EffectiveGasPrice)
		if err != nil {
			return nil, toDecodeTxError(err)
		}
		tx.Receipt = &models.Receipt{
			TxHash:            r.TxHash,
			BlockHash:         r.BlockHash,
			BlockNumber:       r.BlockNumber,
			TransactionIndex:  r.TransactionIndex,
			Status:            r.Status,
			GasUsed:           r.GasUsed,
			EffectiveGasPrice: effective,
		}
	}
	return tx, nil
}

func bigToString(x *big.Int) string {
	if x == nil {
		return ""
	}
	return x.String()
}

func stringToBig(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	x, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, errors.Errorf("invalid integer %q", s)
	}
	return x, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
