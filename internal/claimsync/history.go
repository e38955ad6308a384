package claimsync

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/yourorg/yield-sync/internal/model"
	"github.com/yourorg/yield-sync/internal/store"
)

// DefaultHistoryCap bounds the number of claims kept for display.
const DefaultHistoryCap = 50

// History is the persisted list of recent claims and whether each reached
// the ledger. Unlike Queue it keeps synced claims too.
type History struct {
	store store.Store
	cap   int

	mu      sync.Mutex
	entries []model.ClaimEntry
}

// NewHistory restores the history from st. A nil store keeps it in memory.
func NewHistory(st store.Store, capacity int) (*History, error) {
	if capacity <= 0 {
		capacity = DefaultHistoryCap
	}
	h := &History{store: st, cap: capacity}
	if st != nil {
		if _, err := store.GetJSON(st, store.ClaimHistoryKey(), &h.entries); err != nil {
			return nil, fmt.Errorf("loading claim history: %w", err)
		}
	}
	if len(h.entries) > h.cap {
		h.entries = h.entries[len(h.entries)-h.cap:]
	}
	return h, nil
}

// Record stores the latest state of claim. A claim already marked synced
// stays synced.
func (h *History) Record(claim model.ClaimRecord, synced bool, at time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := append([]model.ClaimEntry(nil), h.entries...)
	if i := h.indexOf(claim.TxHash); i >= 0 {
		if entries[i].Synced && !synced {
			return nil
		}
		entries[i].Synced = synced
		entries[i].UpdatedAt = at
	} else {
		entries = append(entries, model.ClaimEntry{Claim: claim, Synced: synced, UpdatedAt: at})
	}
	if len(entries) > h.cap {
		entries = entries[len(entries)-h.cap:]
	}

	if h.store != nil {
		if err := store.PutJSON(h.store, store.ClaimHistoryKey(), entries); err != nil {
			return fmt.Errorf("persisting claim history: %w", err)
		}
	}
	h.entries = entries
	return nil
}

// List returns a copy of the history, oldest first.
func (h *History) List() []model.ClaimEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.ClaimEntry(nil), h.entries...)
}

func (h *History) indexOf(txHash common.Hash) int {
	for i, e := range h.entries {
		if e.Claim.TxHash == txHash {
			return i
		}
	}
	return -1
}
