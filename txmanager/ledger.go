package txmanager

import (
	"sync"

	"github.com/celer-network/txservice/store"
	"github.com/celer-network/txservice/store/models"
	gethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// lockedLedger serialises every access to the underlying ledger, which is not
// safe for concurrent use on its own.
type lockedLedger struct {
	mu     sync.Mutex
	ledger store.Ledger
}

func newLockedLedger(ledger store.Ledger) *lockedLedger {
	return &lockedLedger{ledger: ledger}
}

func (l *lockedLedger) Add(tx *models.Tx) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ledger.Add(tx)
}

func (l *lockedLedger) Update(tx *models.Tx) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ledger.Update(tx)
}

func (l *lockedLedger) Remove(tx *models.Tx) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ledger.Remove(tx)
}

// Replace swaps the entry tracked under prev's hash for tx in one step. It is
// how a re-broadcast with a new hash supersedes the old entry.
func (l *lockedLedger) Replace(prev, tx *models.Tx) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ledger.Remove(prev); err != nil {
		return errors.Wrap(err, "Replace failed to remove previous entry")
	}
	return errors.Wrap(l.ledger.Add(tx), "Replace failed to add new entry")
}

func (l *lockedLedger) Get(hash gethCommon.Hash) (*models.Tx, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ledger.Get(hash)
}

func (l *lockedLedger) Txs() ([]*models.Tx, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ledger.Txs()
}

// PruneOrphans removes terminal entries and every entry owned reports false
// for, such as those left behind by monitors that were stopped.
func (l *lockedLedger) PruneOrphans(owned func(tx *models.Tx) bool) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pruned, err := l.ledger.Prune()
	if err != nil {
		return pruned, err
	}
	txs, err := l.ledger.Txs()
	if err != nil {
		return pruned, err
	}
	for _, tx := range txs {
		if owned(tx) {
			continue
		}
		if err := l.ledger.Remove(tx); err != nil {
			return pruned, errors.Wrapf(err, "could not prune transaction %v", tx.ID)
		}
		pruned++
	}
	return pruned, nil
}

// ownedSet holds the ids of transactions a dispatch or monitor is working on.
// Their ledger entries are never pruned.
type ownedSet struct {
	mu  sync.Mutex
	ids map[uuid.UUID]struct{}
}

func newOwnedSet() *ownedSet {
	return &ownedSet{ids: make(map[uuid.UUID]struct{})}
}

// add reports whether id was not owned yet.
func (o *ownedSet) add(id uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.ids[id]; ok {
		return false
	}
	o.ids[id] = struct{}{}
	return true
}

func (o *ownedSet) remove(id uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.ids, id)
}

func (o *ownedSet) has(id uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.ids[id]
	return ok
}
