package rkstate

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// openTestIDs opens an empty index of backend b below dir.
func openTestIDs(t *testing.T, b Backend, dir string) UsedReceiptIDs {
	t.Helper()
	path := ""
	if b != BackendMemory {
		path = filepath.Join(dir, "ids-"+string(b))
	}
	ids, err := OpenUsedReceiptIDs(b, path)
	require.NoError(t, err)
	return ids
}

// reopen closes ids and opens it again from its snapshot data.
func reopen(t *testing.T, ids UsedReceiptIDs) UsedReceiptIDs {
	t.Helper()
	data, err := ids.MarshalState()
	require.NoError(t, err)
	require.NoError(t, ids.Close())
	out, err := UnmarshalUsedReceiptIDs(ids.Backend(), data)
	require.NoError(t, err)
	return out
}

func requireIDs(t *testing.T, ids UsedReceiptIDs, present []string, absent []string) {
	t.Helper()
	for _, id := range present {
		ok, err := ids.Contains(id)
		require.NoError(t, err)
		require.True(t, ok, "expected %q", id)
	}
	for _, id := range absent {
		ok, err := ids.Contains(id)
		require.NoError(t, err)
		require.False(t, ok, "unexpected %q", id)
	}
	n, err := ids.Len()
	require.NoError(t, err)
	require.Equal(t, len(present), n)
}

func TestUsedReceiptIDsBackends(t *testing.T) {
	for _, b := range Backends {
		t.Run(string(b), func(t *testing.T) {
			dir := t.TempDir()
			ids := openTestIDs(t, b, dir)
			require.Equal(t, b, ids.Backend())
			requireIDs(t, ids, nil, []string{"a"})

			require.NoError(t, ids.Add("a"))
			require.NoError(t, ids.Add("b"))
			require.ErrorIs(t, ids.Add("a"), ErrDuplicateReceipt)
			requireIDs(t, ids, []string{"a", "b"}, []string{"c"})

			require.NoError(t, ids.Commit())
			require.ErrorIs(t, ids.Add("b"), ErrDuplicateReceipt)
			require.NoError(t, ids.Add("c"))
			require.NoError(t, ids.Commit())

			ids = reopen(t, ids)
			defer func() { require.NoError(t, ids.Close()) }()
			requireIDs(t, ids, []string{"a", "b", "c"}, []string{"d"})
		})
	}
}

func TestUsedReceiptIDsBulkLoad(t *testing.T) {
	for _, b := range Backends {
		t.Run(string(b), func(t *testing.T) {
			ids := openTestIDs(t, b, t.TempDir())
			require.NoError(t, ids.Add("a"))
			require.NoError(t, ids.Add("b"))
			require.NoError(t, ids.Commit())

			require.NoError(t, ids.BulkLoad([]string{"b", "x"}))
			requireIDs(t, ids, []string{"b", "x"}, []string{"a"})
			require.NoError(t, ids.Add("y"))
			require.NoError(t, ids.Commit())

			ids = reopen(t, ids)
			requireIDs(t, ids, []string{"b", "x", "y"}, []string{"a"})

			require.NoError(t, ids.BulkLoad(nil))
			require.NoError(t, ids.Commit())
			ids = reopen(t, ids)
			defer func() { require.NoError(t, ids.Close()) }()
			requireIDs(t, ids, nil, []string{"a", "b", "x", "y"})
		})
	}
}

func TestUsedReceiptIDsUncommittedChangesAreDropped(t *testing.T) {
	for _, b := range []Backend{BackendSQLite, BackendLevelDB, BackendFile} {
		t.Run(string(b), func(t *testing.T) {
			ids := openTestIDs(t, b, t.TempDir())
			require.NoError(t, ids.Add("a"))
			require.NoError(t, ids.Commit())
			require.NoError(t, ids.Add("b"))
			require.NoError(t, ids.BulkLoad([]string{"z"}))

			ids = reopen(t, ids)
			defer func() { require.NoError(t, ids.Close()) }()
			requireIDs(t, ids, []string{"a"}, []string{"b", "z"})
		})
	}
}

func TestSQLiteIDsConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.db")
	first, err := OpenUsedReceiptIDs(BackendSQLite, path)
	require.NoError(t, err)
	defer first.Close()
	second, err := OpenUsedReceiptIDs(BackendSQLite, path)
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, first.Add("shared"))
	require.NoError(t, second.Add("shared"))
	require.NoError(t, first.Commit())
	require.ErrorIs(t, second.Commit(), ErrDuplicateReceipt)

	ok, err := second.Contains("shared")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLevelDBIDsLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids")
	ids, err := OpenUsedReceiptIDs(BackendLevelDB, path)
	require.NoError(t, err)
	defer ids.Close()

	_, err = OpenUsedReceiptIDs(BackendLevelDB, path)
	require.Error(t, err)
}

func TestUsedReceiptIDsMarshalState(t *testing.T) {
	data, err := newMemoryIDs(nil).MarshalState()
	require.NoError(t, err)
	require.JSONEq(t, `[]`, string(data))

	data, err = newMemoryIDs([]string{"c", "a", "b"}).MarshalState()
	require.NoError(t, err)
	require.Equal(t, `["a","b","c"]`, string(data))

	path := filepath.Join(t.TempDir(), "ids.db")
	ids, err := OpenUsedReceiptIDs(BackendSQLite, path)
	require.NoError(t, err)
	defer ids.Close()
	data, err = ids.MarshalState()
	require.NoError(t, err)
	var loc struct {
		Path string `json:"path"`
	}
	require.NoError(t, json.Unmarshal(data, &loc))
	require.Equal(t, path, loc.Path)
}

func TestOpenUsedReceiptIDsErrors(t *testing.T) {
	_, err := OpenUsedReceiptIDs("redis", "x")
	require.ErrorIs(t, err, ErrUnknownBackend)
	_, err = OpenUsedReceiptIDs(BackendSQLite, "")
	require.Error(t, err)
	_, err = UnmarshalUsedReceiptIDs(BackendFile, json.RawMessage(`[]`))
	require.ErrorIs(t, err, ErrInvalidState)
	require.False(t, Backend("redis").Valid())
	require.True(t, BackendFile.Valid())
}
