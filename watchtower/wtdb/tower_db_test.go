package wtdb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/CryptoCrowdOnline/electrum-chi/watchtower/blob"
)

func openTestDB(t *testing.T) *TowerDB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "tower.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	return db
}

func TestTowerDBStateUpdates(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	tag := ChannelTag{0x01}
	hint1 := blob.BreachHint{0x11}
	hint2 := blob.BreachHint{0x22}

	_, err := db.GetCurrentCtn(tag)
	require.ErrorIs(t, err, ErrUnknownChannelTag)

	require.NoError(t, db.InsertStateUpdate(tag, 1, hint1, []byte("one")))
	require.NoError(t, db.InsertStateUpdate(tag, 2, hint2, []byte("two")))

	ctn, err := db.GetCurrentCtn(tag)
	require.NoError(t, err)
	require.Equal(t, uint64(2), ctn)

	encBlob, err := db.FindBlob(hint1)
	require.NoError(t, err)
	require.Equal(t, []byte("one"), encBlob)

	_, err = db.FindBlob(blob.BreachHint{0x33})
	require.ErrorIs(t, err, ErrBlobNotFound)
}

func TestTowerDBRejectsRegression(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	tag := ChannelTag{0x02}
	require.NoError(t, db.InsertStateUpdate(
		tag, 5, blob.BreachHint{0x01}, []byte("five"),
	))

	// Neither a replay nor an older state may overwrite the record.
	err := db.InsertStateUpdate(tag, 5, blob.BreachHint{0x02}, []byte("x"))
	require.ErrorIs(t, err, ErrStateRegression)
	err = db.InsertStateUpdate(tag, 4, blob.BreachHint{0x03}, []byte("y"))
	require.ErrorIs(t, err, ErrStateRegression)

	ctn, err := db.GetCurrentCtn(tag)
	require.NoError(t, err)
	require.Equal(t, uint64(5), ctn)

	// Tags advance independently.
	other := ChannelTag{0x03}
	require.NoError(t, db.InsertStateUpdate(
		other, 1, blob.BreachHint{0x04}, []byte("z"),
	))
}

func TestTowerDBPersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "tower.db")

	db, err := Open(dbPath)
	require.NoError(t, err)

	tag := ChannelTag{0x04}
	hint := blob.BreachHint{0x44}
	require.NoError(t, db.InsertStateUpdate(tag, 7, hint, []byte("kept")))
	require.NoError(t, db.Close())

	reopened, err := Open(dbPath)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, reopened.Close())
	}()

	ctn, err := reopened.GetCurrentCtn(tag)
	require.NoError(t, err)
	require.Equal(t, uint64(7), ctn)

	encBlob, err := reopened.FindBlob(hint)
	require.NoError(t, err)
	require.Equal(t, []byte("kept"), encBlob)
}
