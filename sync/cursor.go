package sync

import (
	"gorm.io/gorm"

	"mailcoach/models"
)

// CursorStore reads and writes the per-(account, folder) delta link.
type CursorStore struct {
	db *gorm.DB
}

func NewCursorStore(db *gorm.DB) *CursorStore {
	return &CursorStore{db: db}
}

// Load returns the cursor row for the pair, creating an empty one (NULL
// delta link, meaning full resync) on first sight of the folder.
func (s *CursorStore) Load(accountID uint, folder string) (*models.SyncCursor, error) {
	var cursor models.SyncCursor
	err := s.db.
		Where(models.SyncCursor{AccountID: accountID, Folder: folder}).
		FirstOrCreate(&cursor).Error
	if err != nil {
		return nil, newError(KindPersistence, "cursor.load", err)
	}
	return &cursor, nil
}

// Save writes the new delta link inside the caller's transaction so the
// cursor only advances together with the reconciled batch.
func (s *CursorStore) Save(tx *gorm.DB, cursorID uint, deltaLink string) error {
	err := tx.Model(&models.SyncCursor{}).
		Where("id = ?", cursorID).
		Update("delta_link", deltaLink).Error
	if err != nil {
		return newError(KindPersistence, "cursor.save", err)
	}
	return nil
}

// Reset clears the cursor, forcing the next run to re-enumerate the folder.
func (s *CursorStore) Reset(accountID uint, folder string) error {
	err := s.db.Model(&models.SyncCursor{}).
		Where("account_id = ? AND folder = ?", accountID, folder).
		Update("delta_link", nil).Error
	if err != nil {
		return newError(KindPersistence, "cursor.reset", err)
	}
	return nil
}
