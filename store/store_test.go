package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triagewalk/crash"
)

func openTemp(t *testing.T) *DB {
	path := filepath.Join(t.TempDir(), "triage.db")
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func entry(path, hash string) *crash.Entry {
	return &crash.Entry{
		Name:    filepath.Base(path),
		Path:    path,
		Reason:  "SIGSEGV",
		Hash:    hash,
		Command: []string{"/bin/target", path},
		Stack:   []*crash.StackEntry{{Address: 0x401136, Symbol: "crash_here"}},
	}
}

func collect(t *testing.T, db *DB) []*crash.Entry {
	var out []*crash.Entry
	require.NoError(t, db.ForEach(func(e *crash.Entry) error {
		out = append(out, e)
		return nil
	}))
	return out
}

func TestPutForEach(t *testing.T) {
	db := openTemp(t)

	require.NoError(t, db.Put(entry("/c/id:1", "aa.bb")))
	require.NoError(t, db.Put(entry("/c/id:2", "aa.cc")))
	// same path and command replaces
	e := entry("/c/id:1", "aa.bb")
	e.Reason = "SIGABRT"
	require.NoError(t, db.Put(e))

	got := collect(t, db)
	require.Len(t, got, 2)
	reasons := map[string]string{}
	for _, e := range got {
		reasons[e.Path] = e.Reason
	}
	assert.Equal(t, map[string]string{"/c/id:1": "SIGABRT", "/c/id:2": "SIGSEGV"}, reasons)
	assert.Equal(t, uint64(0x401136), got[0].Stack[0].Address)
}

func TestKey(t *testing.T) {
	a := Key("/c/id:1", []string{"/bin/target", "/c/id:1"})
	b := Key("/c/id:1", []string{"/bin/target", "-x", "/c/id:1"})
	assert.Len(t, a, 20)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, Key("/c/id:1", []string{"/bin/target", "/c/id:1"}))
}

func TestReset(t *testing.T) {
	db := openTemp(t)
	require.NoError(t, db.Put(entry("/c/id:1", "aa.bb")))
	require.NoError(t, db.Reset())
	assert.Empty(t, collect(t, db))
	require.NoError(t, db.Put(entry("/c/id:2", "aa.bb")))
	assert.Len(t, collect(t, db), 1)
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triage.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Put(entry("/c/id:1", "aa.bb")))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	assert.Len(t, collect(t, db), 1)
}

func TestFind(t *testing.T) {
	db := openTemp(t)
	require.NoError(t, db.Put(entry("/c/id:1", "aa.bb")))
	require.NoError(t, db.Put(entry("/c/id:2", "aa.cc")))
	require.NoError(t, db.Put(entry("/c/id:3", "dd.bb")))

	found, err := db.Find("aa.bb")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "/c/id:1", found[0].Path)

	found, err = db.Find("aa")
	require.NoError(t, err)
	assert.Len(t, found, 2)

	found, err = db.Find("ff.00")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestForEachStops(t *testing.T) {
	db := openTemp(t)
	require.NoError(t, db.Put(entry("/c/id:1", "aa.bb")))
	require.NoError(t, db.Put(entry("/c/id:2", "aa.cc")))

	stop := errors.New("stop")
	n := 0
	err := db.ForEach(func(*crash.Entry) error {
		n++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, n)
}

func TestOpenReadOnly(t *testing.T) {
	_, err := OpenReadOnly(filepath.Join(t.TempDir(), "missing.db"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "triage.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Put(entry("/c/id:1", "aa.bb")))
	require.NoError(t, db.Close())

	ro, err := OpenReadOnly(path)
	require.NoError(t, err)
	defer ro.Close()
	assert.Len(t, collect(t, ro), 1)
	assert.Error(t, ro.Put(entry("/c/id:2", "aa.bb")))
}
