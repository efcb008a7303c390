package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDB runs the shared test suite against a DB implementation.
func testDB(t *testing.T, db DB) {
	t.Helper()

	t.Run("PutAndGet", func(t *testing.T) {
		require.NoError(t, db.Put([]byte("key1"), []byte("value1")))

		val, err := db.Get([]byte("key1"))
		require.NoError(t, err)
		assert.Equal(t, []byte("value1"), val)
	})

	t.Run("GetNonexistent", func(t *testing.T) {
		_, err := db.Get([]byte("nonexistent"))
		assert.True(t, errors.Is(err, ErrNotFound), "want ErrNotFound, got %v", err)
	})

	t.Run("Has", func(t *testing.T) {
		require.NoError(t, db.Put([]byte("exists"), []byte("yes")))

		ok, err := db.Has([]byte("exists"))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = db.Has([]byte("missing"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, db.Put([]byte("ow"), []byte("first")))
		require.NoError(t, db.Put([]byte("ow"), []byte("second")))

		val, err := db.Get([]byte("ow"))
		require.NoError(t, err)
		assert.Equal(t, []byte("second"), val)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, db.Put([]byte("del"), []byte("value")))
		require.NoError(t, db.Delete([]byte("del")))

		ok, err := db.Has([]byte("del"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ForEachPrefix", func(t *testing.T) {
		require.NoError(t, db.Put([]byte("s/b"), []byte("2")))
		require.NoError(t, db.Put([]byte("s/a"), []byte("1")))
		require.NoError(t, db.Put([]byte("x/a"), []byte("9")))

		var keys []string
		err := db.ForEach([]byte("s/"), func(key, value []byte) error {
			keys = append(keys, string(key))
			return nil
		})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"s/a", "s/b"}, keys)
	})

	t.Run("ForEachStopsOnError", func(t *testing.T) {
		stop := errors.New("stop")
		calls := 0
		err := db.ForEach([]byte("s/"), func(key, value []byte) error {
			calls++
			return stop
		})
		assert.ErrorIs(t, err, stop)
		assert.Equal(t, 1, calls)
	})

	t.Run("BatchCommit", func(t *testing.T) {
		require.NoError(t, db.Put([]byte("b/gone"), []byte("x")))

		batch := NewBatch(db)
		require.NoError(t, batch.Put([]byte("b/one"), []byte("1")))
		require.NoError(t, batch.Put([]byte("b/two"), []byte("2")))
		require.NoError(t, batch.Delete([]byte("b/gone")))

		ok, _ := db.Has([]byte("b/one"))
		assert.False(t, ok, "batch writes must not be visible before commit")

		require.NoError(t, batch.Commit())

		val, err := db.Get([]byte("b/two"))
		require.NoError(t, err)
		assert.Equal(t, []byte("2"), val)

		ok, _ = db.Has([]byte("b/gone"))
		assert.False(t, ok)
	})

	t.Run("BatchDiscard", func(t *testing.T) {
		batch := NewBatch(db)
		require.NoError(t, batch.Put([]byte("b/discarded"), []byte("1")))
		batch.Discard()

		ok, _ := db.Has([]byte("b/discarded"))
		assert.False(t, ok)
	})
}

func TestMemoryDB(t *testing.T) {
	testDB(t, NewMemory())
}

func TestBadgerDB_InMemory(t *testing.T) {
	db, err := NewBadgerInMemory()
	require.NoError(t, err)
	defer db.Close()

	testDB(t, db)
}

func TestBadgerDB_Persists(t *testing.T) {
	dir := t.TempDir()

	db, err := NewBadger(dir)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	require.NoError(t, db.Close())

	db, err = NewBadger(dir)
	require.NoError(t, err)
	defer db.Close()

	val, err := db.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
}

func TestPrefixDB(t *testing.T) {
	inner := NewMemory()
	testDB(t, NewPrefixDB(inner, []byte("ns/")))

	// every write landed under the namespace
	err := inner.ForEach(nil, func(key, _ []byte) error {
		assert.Equal(t, "ns/", string(key[:3]))
		return nil
	})
	require.NoError(t, err)
}

func TestPrefixDB_Isolation(t *testing.T) {
	inner := NewMemory()
	a := NewPrefixDB(inner, []byte("a/"))
	b := NewPrefixDB(inner, []byte("b/"))

	require.NoError(t, a.Put([]byte("k"), []byte("from-a")))

	ok, err := b.Has([]byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)

	val, err := a.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("from-a"), val)
}
