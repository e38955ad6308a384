package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()

	b, err := NewBadger("")
	require.NoError(t, err)
	s, err := NewSQLite("")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = b.Close()
		_ = s.Close()
	})
	return map[string]Store{BackendBadger: b, BackendSQLite: s}
}

func TestStore_GetPutDelete(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get("missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Put("k", []byte("v1")))
			got, err := s.Get("k")
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), got)

			require.NoError(t, s.Put("k", []byte("v2")), "put must overwrite")
			got, err = s.Get("k")
			require.NoError(t, err)
			assert.Equal(t, []byte("v2"), got)

			require.NoError(t, s.Delete("k"))
			_, err = s.Get("k")
			assert.ErrorIs(t, err, ErrNotFound)

			assert.NoError(t, s.Delete("k"), "deleting twice is fine")
		})
	}
}

func TestStore_JSONHelpers(t *testing.T) {
	type payload struct {
		Name  string   `json:"name"`
		Items []string `json:"items"`
	}

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var out payload
			found, err := GetJSON(s, "json", &out)
			require.NoError(t, err)
			assert.False(t, found)

			in := payload{Name: "queue", Items: []string{"a", "b"}}
			require.NoError(t, PutJSON(s, "json", in))

			found, err = GetJSON(s, "json", &out)
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, in, out)

			require.NoError(t, s.Put("json", []byte("{not json")))
			_, err = GetJSON(s, "json", &out)
			assert.Error(t, err)
		})
	}
}

func TestBadger_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := NewBadger(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put(PendingClaimsKey(), []byte("[]")))
	require.NoError(t, s.Close())

	s, err = NewBadger(dir)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(PendingClaimsKey())
	require.NoError(t, err)
	assert.Equal(t, []byte("[]"), got)
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "state.db")

	s, err := NewSQLite(dsn)
	require.NoError(t, err)
	require.NoError(t, s.Put(ConfigSnapshotKey(), []byte("{}")))
	require.NoError(t, s.Close())

	s, err = NewSQLite(dsn)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ConfigSnapshotKey())
	require.NoError(t, err)
	assert.Equal(t, []byte("{}"), got)
}

func TestOpen(t *testing.T) {
	s, err := Open("sqlite", "")
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	s, err = Open("", "")
	require.NoError(t, err)
	assert.IsType(t, &BadgerStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open("redis", "")
	assert.Error(t, err)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "anchor/0xabc", AnchorKey("0xABC"))
	assert.Equal(t, "completions/0xabc", CompletionsKey("0xAbC"))
}
