package store

import (
	"github.com/celer-network/txservice/store/models"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicateHash = errors.New("transaction with this hash is already tracked")
)

// Ledger records transactions currently in flight. Entries are keyed by hash
// and kept ordered by (chain id, nonce).
//
// Implementations are not safe for concurrent use; callers serialise access.
// Implementations store copies, so mutating a Tx after Add has no effect
// until Update is called.
type Ledger interface {
	// Add inserts tx. It fails with ErrDuplicateHash if the hash is tracked.
	Add(tx *models.Tx) error

	// Update replaces the entry with the same hash. ErrNotFound if absent.
	Update(tx *models.Tx) error

	// Remove deletes the entry with tx's hash. Removing an absent entry is a no-op.
	Remove(tx *models.Tx) error

	// Get returns a copy of the entry for hash, or ErrNotFound.
	Get(hash common.Hash) (*models.Tx, error)

	// Prune removes every entry in a terminal state and returns how many were removed.
	Prune() (int, error)

	// Txs returns copies of all entries ordered by chain id then nonce.
	Txs() ([]*models.Tx, error)
}
