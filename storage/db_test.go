package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var errAbort = errors.New("abort")

func runDatabaseSuite(t *testing.T, db Database) {
	t.Helper()

	ok, err := db.Has([]byte("a"))
	require.NoError(t, err)
	require.False(t, ok)

	_, err = db.Get([]byte("a"))
	require.Error(t, err)

	require.NoError(t, db.Put([]byte("b"), []byte("two")))
	require.NoError(t, db.Put([]byte("a"), []byte("one")))
	require.NoError(t, db.Put([]byte("c"), []byte("three")))

	value, err := db.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("one"), value)

	ok, err = db.Has([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, db.Put([]byte("a"), []byte("uno")))
	value, err = db.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("uno"), value)

	var keys []string
	require.NoError(t, db.Iterate(func(key, value []byte) error {
		keys = append(keys, string(key))
		return nil
	}))
	require.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestMemDB(t *testing.T) {
	db := NewMemDB()
	defer db.Close()
	runDatabaseSuite(t, db)
}

func TestLevelDB(t *testing.T) {
	db, err := NewLevelDB(t.TempDir())
	require.NoError(t, err)
	defer db.Close()
	runDatabaseSuite(t, db)
}

func TestMemDBCopiesValues(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	value := []byte("original")
	require.NoError(t, db.Put([]byte("k"), value))
	value[0] = 'X'

	stored, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("original"), stored)

	stored[1] = 'Y'
	again, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("original"), again)
}

func TestIterateStopsOnError(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	require.NoError(t, db.Put([]byte("b"), []byte("2")))

	visits := 0
	err := db.Iterate(func(key, value []byte) error {
		visits++
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)
	require.Equal(t, 1, visits)
}
