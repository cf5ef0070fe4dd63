package models

import (
	"time"

	"gorm.io/gorm"
)

// Mailbox providers we can sync from. Only Outlook (Microsoft Graph) is
// implemented today; the column stays a string so new providers don't need
// a migration.
const (
	ProviderOutlook = "outlook"
)

// EmailAccount is a connected mailbox belonging to a user. The refresh token
// is encrypted at rest and only ever decrypted inside the token manager.
type EmailAccount struct {
	gorm.Model

	UserID       uint   `gorm:"not null;index;uniqueIndex:idx_user_provider_address" json:"user_id"`
	Provider     string `gorm:"not null;uniqueIndex:idx_user_provider_address" json:"provider"`
	EmailAddress string `gorm:"not null;uniqueIndex:idx_user_provider_address" json:"email_address"`

	// OAuth credential state
	RefreshTokenEncrypted string     `gorm:"not null" json:"-"`
	AccessTokenExpiresAt  *time.Time `json:"access_token_expires_at,omitempty"`

	// Sync bookkeeping
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty"`
	LastSyncError *string    `json:"last_sync_error,omitempty"`

	// Relations
	User        User         `json:"-"`
	SyncCursors []SyncCursor `gorm:"foreignKey:AccountID;constraint:OnDelete:CASCADE" json:"-"`
	Emails      []Email      `gorm:"foreignKey:AccountID;constraint:OnDelete:CASCADE" json:"-"`
}

// Sanitize strips credential fields before sending the account over the wire
func (a *EmailAccount) Sanitize() map[string]interface{} {
	return map[string]interface{}{
		"id":             a.ID,
		"provider":       a.Provider,
		"email_address":  a.EmailAddress,
		"last_synced_at": a.LastSyncedAt,
		"created_at":     a.CreatedAt,
	}
}

// SyncCursor stores the provider delta link for one (account, folder) pair.
// A NULL DeltaLink means the folder has never completed a sync and the next
// run starts from the base delta endpoint (full enumeration).
type SyncCursor struct {
	gorm.Model

	AccountID uint    `gorm:"not null;index;uniqueIndex:idx_account_folder" json:"account_id"`
	Folder    string  `gorm:"not null;uniqueIndex:idx_account_folder" json:"folder"`
	DeltaLink *string `json:"-"`

	Account EmailAccount `json:"-"`
}
