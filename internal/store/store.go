// Package store persists the client-held state (earnings anchors, the pending
// claim queue, seen completions, the cached configuration) across restarts.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Get when the key has never been written.
var ErrNotFound = errors.New("store: key not found")

// Store is a small durable key/value store.
type Store interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)

// Open creates the store selected by backend. An empty location opens an
// in-memory store.
func Open(backend, location string) (Store, error) {
	switch strings.ToLower(backend) {
	case "", BackendBadger:
		return NewBadger(location)
	case BackendSQLite:
		return NewSQLite(location)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// GetJSON decodes the value at key into v. It reports false when the key is absent.
func GetJSON(s Store, key string, v any) (bool, error) {
	raw, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}

// PutJSON encodes v and stores it at key.
func PutJSON(s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.Put(key, raw)
}

// Key helpers keep the key layout in one place.

func ConfigSnapshotKey() string { return "config/snapshot" }

func AnchorKey(account string) string { return "anchor/" + strings.ToLower(account) }

func PendingClaimsKey() string { return "claims/pending" }

func ClaimHistoryKey() string { return "claims/history" }

func CompletionsKey(account string) string { return "completions/" + strings.ToLower(account) }
