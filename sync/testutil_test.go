package sync

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"mailcoach/config"
	"mailcoach/models"
	"mailcoach/utils"
)

// testDB opens an isolated in-memory database with the full schema.
func testDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	// One connection only; a pooled second connection would see its own
	// empty in-memory database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, config.MigrateDB(db))
	return db
}

// testAccount stores an account whose refresh token is encrypted with the
// test key.
func testAccount(t *testing.T, db *gorm.DB, refreshToken string) *models.EmailAccount {
	t.Helper()

	config.AppConfig.EncryptionKey = "0123456789abcdef0123456789abcdef"

	user := models.User{Email: "owner@example.com", PasswordHash: "x", IsActive: true}
	require.NoError(t, db.Create(&user).Error)

	encrypted, err := utils.Encrypt(refreshToken)
	require.NoError(t, err)

	account := models.EmailAccount{
		UserID:                user.ID,
		Provider:              models.ProviderOutlook,
		EmailAddress:          "owner@example.com",
		RefreshTokenEncrypted: encrypted,
	}
	require.NoError(t, db.Create(&account).Error)
	return &account
}

func upsertChange(id, subject, author string, received time.Time) *Change {
	return &Change{Upsert: &NormalizedMessage{
		MessageID:  id,
		Subject:    subject,
		Author:     author,
		ReceivedAt: received,
	}}
}

func deleteChange(id string) *Change {
	return &Change{Delete: &Tombstone{MessageID: id}}
}
