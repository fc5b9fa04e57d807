package memory

import (
	"bytes"
	"sort"

	"github.com/celer-network/txservice/store"
	"github.com/celer-network/txservice/store/models"
	"github.com/ethereum/go-ethereum/common"
)

// Ledger is an in-memory store.Ledger backed by a slice sorted by
// (chain id, nonce, hash) and a hash index.
type Ledger struct {
	txs    []*models.Tx
	byHash map[common.Hash]*models.Tx
}

var _ store.Ledger = (*Ledger)(nil)

func NewLedger() *Ledger {
	return &Ledger{byHash: make(map[common.Hash]*models.Tx)}
}

func less(a, b *models.Tx) bool {
	if a.ChainID != b.ChainID {
		return a.ChainID < b.ChainID
	}
	if a.Nonce != b.Nonce {
		return a.Nonce < b.Nonce
	}
	return bytes.Compare(a.Hash[:], b.Hash[:]) < 0
}

func (l *Ledger) Add(tx *models.Tx) error {
	if _, ok := l.byHash[tx.Hash]; ok {
		return store.ErrDuplicateHash
	}
	cp := tx.Clone()
	i := sort.Search(len(l.txs), func(i int) bool { return less(cp, l.txs[i]) })
	l.txs = append(l.txs, nil)
	copy(l.txs[i+1:], l.txs[i:])
	l.txs[i] = cp
	l.byHash[cp.Hash] = cp
	return nil
}

func (l *Ledger) Update(tx *models.Tx) error {
	existing, ok := l.byHash[tx.Hash]
	if !ok {
		return store.ErrNotFound
	}
	if existing.ChainID != tx.ChainID || existing.Nonce != tx.Nonce {
		// Sort key changed, reinsert
		l.remove(tx.Hash)
		return l.Add(tx)
	}
	*existing = *tx.Clone()
	return nil
}

func (l *Ledger) Remove(tx *models.Tx) error {
	l.remove(tx.Hash)
	return nil
}

func (l *Ledger) remove(hash common.Hash) {
	if _, ok := l.byHash[hash]; !ok {
		return
	}
	delete(l.byHash, hash)
	for i, tx := range l.txs {
		if tx.Hash == hash {
			l.txs = append(l.txs[:i], l.txs[i+1:]...)
			return
		}
	}
}

func (l *Ledger) Get(hash common.Hash) (*models.Tx, error) {
	tx, ok := l.byHash[hash]
	if !ok {
		return nil, store.ErrNotFound
	}
	return tx.Clone(), nil
}

func (l *Ledger) Prune() (int, error) {
	kept := l.txs[:0]
	pruned := 0
	for _, tx := range l.txs {
		if tx.State.IsTerminal() {
			delete(l.byHash, tx.Hash)
			pruned++
			continue
		}
		kept = append(kept, tx)
	}
	for i := len(kept); i < len(l.txs); i++ {
		l.txs[i] = nil
	}
	l.txs = kept
	return pruned, nil
}

func (l *Ledger) Txs() ([]*models.Tx, error) {
	txs := make([]*models.Tx, 0, len(l.txs))
	for _, tx := range l.txs {
		txs = append(txs, tx.Clone())
	}
	return txs, nil
}
