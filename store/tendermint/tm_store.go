package tendermint

import (
	esStore "github.com/celer-network/txservice/store"
	"github.com/pkg/errors"
	tmdb "github.com/tendermint/tm-db"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	errStrCreateIter = "could not create iterator"
	errStrDecodeTx   = "could not decode tx"
)

var (
	prefixTx     = []byte("tx")
	prefixTxHash = []byte("th")
)

// TMStore is a persistent store.Ledger using Tendermint tm-db. Entries live
// under chainID|nonce|hash so iteration yields them in nonce order; a second
// namespace maps hash to that key.
type TMStore struct {
	db     tmdb.DB
	nsTx   *tmdb.PrefixDB
	nsHash *tmdb.PrefixDB
}

var _ esStore.Ledger = (*TMStore)(nil)

// NewTMStore creates a new TMStore
func NewTMStore(db tmdb.DB) *TMStore {
	return &TMStore{
		db:     db,
		nsTx:   tmdb.NewPrefixDB(db, prefixTx),
		nsHash: tmdb.NewPrefixDB(db, prefixTxHash),
	}
}

// NewGoLevelDBStore opens (or creates) a goleveldb-backed ledger under dir.
func NewGoLevelDBStore(name, dir string) (*TMStore, error) {
	db, err := tmdb.NewGoLevelDB(name, dir)
	if err != nil {
		return nil, errors.Wrap(err, "could not open ledger db")
	}
	return NewTMStore(db), nil
}

func (store *TMStore) Close() error {
	return store.db.Close()
}

// get will retrieve the binary data under the given key from the DB and decode it into the given
// entity. The provided entity needs to be a pointer to an initialized entity of the correct type.
func get(db tmdb.DB, key []byte, entity interface{}) error {
	value, err := db.Get(key)
	if err != nil {
		return errors.Wrap(err, "could not get data")
	}
	if value == nil {
		return esStore.ErrNotFound
	}
	err = msgpack.Unmarshal(value, entity)
	if err != nil {
		return errors.Wrap(err, "could not decode data")
	}
	return nil
}

func encode(entity interface{}) ([]byte, error) {
	val, err := msgpack.Marshal(entity)
	if err != nil {
		return nil, errors.Wrap(err, "could not encode entity")
	}
	return val, nil
}

func concatKeys(parts ...[]byte) []byte {
	var res []byte
	for _, p := range parts {
		res = append(res, p...)
	}
	return res
}

func toCreateIterError(err error) error {
	return errors.Wrap(err, errStrCreateIter)
}

func toDecodeTxError(err error) error {
	return errors.Wrap(err, errStrDecodeTx)
}
