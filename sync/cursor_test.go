package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorStoreFirstSight(t *testing.T) {
	db := testDB(t)
	account := testAccount(t, db, "rt")
	store := NewCursorStore(db)

	cursor, err := store.Load(account.ID, "inbox")
	require.NoError(t, err)
	assert.NotZero(t, cursor.ID)
	assert.Nil(t, cursor.DeltaLink)

	// Loading again returns the same row, not a duplicate.
	again, err := store.Load(account.ID, "inbox")
	require.NoError(t, err)
	assert.Equal(t, cursor.ID, again.ID)
}

func TestCursorStoreSaveAndReload(t *testing.T) {
	db := testDB(t)
	account := testAccount(t, db, "rt")
	store := NewCursorStore(db)

	cursor, err := store.Load(account.ID, "inbox")
	require.NoError(t, err)

	require.NoError(t, store.Save(db, cursor.ID, "https://graph.example/delta?token=C1"))

	reloaded, err := store.Load(account.ID, "inbox")
	require.NoError(t, err)
	require.NotNil(t, reloaded.DeltaLink)
	assert.Equal(t, "https://graph.example/delta?token=C1", *reloaded.DeltaLink)
}

func TestCursorStorePerFolderIsolation(t *testing.T) {
	db := testDB(t)
	account := testAccount(t, db, "rt")
	store := NewCursorStore(db)

	inbox, err := store.Load(account.ID, "inbox")
	require.NoError(t, err)
	sent, err := store.Load(account.ID, "sentitems")
	require.NoError(t, err)
	assert.NotEqual(t, inbox.ID, sent.ID)

	require.NoError(t, store.Save(db, inbox.ID, "link-inbox"))

	reloadedSent, err := store.Load(account.ID, "sentitems")
	require.NoError(t, err)
	assert.Nil(t, reloadedSent.DeltaLink)
}

func TestCursorStoreReset(t *testing.T) {
	db := testDB(t)
	account := testAccount(t, db, "rt")
	store := NewCursorStore(db)

	cursor, err := store.Load(account.ID, "inbox")
	require.NoError(t, err)
	require.NoError(t, store.Save(db, cursor.ID, "link"))

	require.NoError(t, store.Reset(account.ID, "inbox"))

	reloaded, err := store.Load(account.ID, "inbox")
	require.NoError(t, err)
	assert.Nil(t, reloaded.DeltaLink)
}
