package claimsync

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/yourorg/yield-sync/internal/metrics"
	"github.com/yourorg/yield-sync/internal/model"
	"github.com/yourorg/yield-sync/internal/store"
)

// DefaultQueueCap bounds the number of claims kept for reconciliation.
const DefaultQueueCap = 50

// Queue is the persisted list of claims that could not be synced. Entries are
// unique by tx hash and only the most recent cap entries are kept.
type Queue struct {
	store store.Store
	cap   int

	mu    sync.Mutex
	items []model.ClaimRecord
}

// NewQueue restores the queue from st. A nil store keeps it in memory.
func NewQueue(st store.Store, capacity int) (*Queue, error) {
	if capacity <= 0 {
		capacity = DefaultQueueCap
	}
	q := &Queue{store: st, cap: capacity}
	if st != nil {
		if _, err := store.GetJSON(st, store.PendingClaimsKey(), &q.items); err != nil {
			return nil, fmt.Errorf("loading pending claims: %w", err)
		}
	}
	q.trim()
	metrics.PendingClaims.Set(float64(len(q.items)))
	return q, nil
}

// Add appends rec unless a claim with the same tx hash is already queued.
// It reports whether a new entry was created.
func (q *Queue) Add(rec model.ClaimRecord) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.indexOf(rec.TxHash) >= 0 {
		return false, nil
	}
	items := append(append([]model.ClaimRecord(nil), q.items...), rec)
	if err := q.commit(items); err != nil {
		return false, err
	}
	return true, nil
}

// Remove drops the claim with txHash. It reports whether it was queued.
func (q *Queue) Remove(txHash common.Hash) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexOf(txHash)
	if i < 0 {
		return false, nil
	}
	items := make([]model.ClaimRecord, 0, len(q.items)-1)
	items = append(items, q.items[:i]...)
	items = append(items, q.items[i+1:]...)
	if err := q.commit(items); err != nil {
		return false, err
	}
	return true, nil
}

// Contains reports whether txHash is queued.
func (q *Queue) Contains(txHash common.Hash) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.indexOf(txHash) >= 0
}

// List returns a copy of the queued claims, oldest first.
func (q *Queue) List() []model.ClaimRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]model.ClaimRecord(nil), q.items...)
}

// Len returns the number of queued claims.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) indexOf(txHash common.Hash) int {
	for i, rec := range q.items {
		if rec.TxHash == txHash {
			return i
		}
	}
	return -1
}

// commit persists items and installs them only once the write succeeded.
func (q *Queue) commit(items []model.ClaimRecord) error {
	if len(items) > q.cap {
		items = items[len(items)-q.cap:]
	}
	if q.store != nil {
		if err := store.PutJSON(q.store, store.PendingClaimsKey(), items); err != nil {
			return fmt.Errorf("persisting pending claims: %w", err)
		}
	}
	q.items = items
	metrics.PendingClaims.Set(float64(len(items)))
	return nil
}

func (q *Queue) trim() {
	if len(q.items) > q.cap {
		q.items = q.items[len(q.items)-q.cap:]
	}
}
