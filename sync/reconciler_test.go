package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailcoach/models"
)

var noon = time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

func TestReconcilerInsertsAndUpdates(t *testing.T) {
	db := testDB(t)
	account := testAccount(t, db, "rt")
	rec := NewReconciler(testLogger())

	stats, err := rec.Apply(db, account.ID, []*Change{
		upsertChange("m1", "first", "alice@example.com", noon),
		upsertChange("m2", "second", "bob@example.com", noon),
	})
	require.NoError(t, err)
	assert.Equal(t, Stats{Inserted: 2}, stats)

	// Same ids again with new content: pure updates, no duplicates.
	stats, err = rec.Apply(db, account.ID, []*Change{
		upsertChange("m1", "first (edited)", "alice@example.com", noon),
	})
	require.NoError(t, err)
	assert.Equal(t, Stats{Updated: 1}, stats)

	var count int64
	require.NoError(t, db.Model(&models.Email{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)

	var email models.Email
	require.NoError(t, db.Where("message_id = ?", "m1").First(&email).Error)
	assert.Equal(t, "first (edited)", email.Subject)
}

func TestReconcilerIsIdempotent(t *testing.T) {
	db := testDB(t)
	account := testAccount(t, db, "rt")
	rec := NewReconciler(testLogger())

	batch := []*Change{
		upsertChange("m1", "subject", "alice@example.com", noon),
		deleteChange("m9"),
	}

	first, err := rec.Apply(db, account.ID, batch)
	require.NoError(t, err)
	second, err := rec.Apply(db, account.ID, batch)
	require.NoError(t, err)

	assert.Equal(t, Stats{Inserted: 1}, first)
	assert.Equal(t, Stats{Updated: 1}, second)

	var count int64
	require.NoError(t, db.Model(&models.Email{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestReconcilerBatchedDelete(t *testing.T) {
	db := testDB(t)
	account := testAccount(t, db, "rt")
	rec := NewReconciler(testLogger())

	_, err := rec.Apply(db, account.ID, []*Change{
		upsertChange("m1", "a", "x@example.com", noon),
		upsertChange("m2", "b", "x@example.com", noon),
		upsertChange("m3", "c", "x@example.com", noon),
	})
	require.NoError(t, err)

	// Duplicate tombstones for one id must count once.
	stats, err := rec.Apply(db, account.ID, []*Change{
		deleteChange("m1"),
		deleteChange("m2"),
		deleteChange("m1"),
	})
	require.NoError(t, err)
	assert.Equal(t, Stats{Deleted: 2}, stats)

	var count int64
	require.NoError(t, db.Model(&models.Email{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestReconcilerTombstoneForUnknownIDIsNoop(t *testing.T) {
	db := testDB(t)
	account := testAccount(t, db, "rt")
	rec := NewReconciler(testLogger())

	stats, err := rec.Apply(db, account.ID, []*Change{deleteChange("never-seen")})
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestReconcilerUpsertAfterTombstoneWins(t *testing.T) {
	db := testDB(t)
	account := testAccount(t, db, "rt")
	rec := NewReconciler(testLogger())

	_, err := rec.Apply(db, account.ID, []*Change{
		upsertChange("m1", "original", "x@example.com", noon),
	})
	require.NoError(t, err)

	// Provider order: delete then re-create. The final event is an
	// upsert, so the message must survive the batch.
	stats, err := rec.Apply(db, account.ID, []*Change{
		deleteChange("m1"),
		upsertChange("m1", "recreated", "x@example.com", noon),
	})
	require.NoError(t, err)
	assert.Equal(t, Stats{Updated: 1}, stats)

	var email models.Email
	require.NoError(t, db.Where("message_id = ?", "m1").First(&email).Error)
	assert.Equal(t, "recreated", email.Subject)
}

func TestReconcilerTombstoneAfterUpsertDeletes(t *testing.T) {
	db := testDB(t)
	account := testAccount(t, db, "rt")
	rec := NewReconciler(testLogger())

	stats, err := rec.Apply(db, account.ID, []*Change{
		upsertChange("m1", "short lived", "x@example.com", noon),
		deleteChange("m1"),
	})
	require.NoError(t, err)
	assert.Equal(t, Stats{Inserted: 1, Deleted: 1}, stats)

	var count int64
	require.NoError(t, db.Model(&models.Email{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)
}

func TestReconcilerEmptyBatch(t *testing.T) {
	db := testDB(t)
	account := testAccount(t, db, "rt")
	rec := NewReconciler(testLogger())

	stats, err := rec.Apply(db, account.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}
