package notify

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/yourorg/yield-sync/internal/store"
)

// SeenSet is the persisted set of withdrawal ids already announced as completed.
type SeenSet struct {
	store store.Store
	key   string

	mu  sync.Mutex
	ids map[string]struct{}
}

// NewSeenSet loads the set of account from st. A nil store keeps it in memory.
func NewSeenSet(st store.Store, account common.Address) (*SeenSet, error) {
	s := &SeenSet{
		store: st,
		key:   store.CompletionsKey(account.Hex()),
		ids:   make(map[string]struct{}),
	}
	if st == nil {
		return s, nil
	}

	var ids []string
	if _, err := store.GetJSON(st, s.key, &ids); err != nil {
		return nil, fmt.Errorf("loading seen completions: %w", err)
	}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	return s, nil
}

// Has reports whether id was already announced.
func (s *SeenSet) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

// Add records id and persists the set. The id is kept in memory even when
// persisting fails.
func (s *SeenSet) Add(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[id]; ok {
		return nil
	}
	s.ids[id] = struct{}{}
	if s.store == nil {
		return nil
	}

	ids := make([]string, 0, len(s.ids))
	for seen := range s.ids {
		ids = append(ids, seen)
	}
	sort.Strings(ids)
	if err := store.PutJSON(s.store, s.key, ids); err != nil {
		return fmt.Errorf("persisting seen completions: %w", err)
	}
	return nil
}

// Len returns the number of announced ids.
func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
