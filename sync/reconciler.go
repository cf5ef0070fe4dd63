package sync

import (
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mailcoach/models"
)

// Stats counts what one reconciliation pass did.
type Stats struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Deleted  int `json:"deleted"`
	Dropped  int `json:"dropped"`
}

func (s *Stats) Add(other Stats) {
	s.Inserted += other.Inserted
	s.Updated += other.Updated
	s.Deleted += other.Deleted
	s.Dropped += other.Dropped
}

// Reconciler applies a normalized change batch to the local store.
type Reconciler struct {
	logger *logrus.Logger
}

func NewReconciler(logger *logrus.Logger) *Reconciler {
	return &Reconciler{logger: logger}
}

// Apply runs inside the caller's transaction. Upserts are applied in
// provider order, keyed by the stable message id. Deletes are deferred to
// one batched statement at the end; the delete set holds only ids whose
// final event in this batch was a tombstone, so an upsert arriving after a
// tombstone resurrects the message, matching the provider's ordering.
func (r *Reconciler) Apply(tx *gorm.DB, accountID uint, changes []*Change) (Stats, error) {
	const op = "reconcile.apply"

	var stats Stats
	deleteSet := make(map[string]struct{})

	for _, change := range changes {
		switch {
		case change.Delete != nil:
			deleteSet[change.Delete.MessageID] = struct{}{}
		case change.Upsert != nil:
			delete(deleteSet, change.Upsert.MessageID)
			inserted, err := r.upsert(tx, accountID, change.Upsert)
			if err != nil {
				return Stats{}, newError(KindPersistence, op, err)
			}
			if inserted {
				stats.Inserted++
			} else {
				stats.Updated++
			}
		}
	}

	if len(deleteSet) > 0 {
		ids := make([]string, 0, len(deleteSet))
		for id := range deleteSet {
			ids = append(ids, id)
		}
		res := tx.Where("account_id = ? AND message_id IN ?", accountID, ids).
			Delete(&models.Email{})
		if res.Error != nil {
			return Stats{}, newError(KindPersistence, op, res.Error)
		}
		// Tombstones for ids we never stored delete zero rows; that is
		// the expected no-op, not an error.
		stats.Deleted = int(res.RowsAffected)
	}

	return stats, nil
}

// upsert inserts the message or overwrites the mutable fields of the
// existing row. Returns true when a new row was created.
func (r *Reconciler) upsert(tx *gorm.DB, accountID uint, msg *NormalizedMessage) (bool, error) {
	var existing models.Email
	err := tx.Where("message_id = ?", msg.MessageID).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		email := models.Email{
			AccountID:      accountID,
			MessageID:      msg.MessageID,
			ConversationID: msg.ConversationID,
			Author:         msg.Author,
			Recipients:     msg.Recipients,
			Subject:        msg.Subject,
			ReceivedAt:     msg.ReceivedAt,
			BodyText:       msg.BodyText,
			BodyHTML:       msg.BodyHTML,
		}
		if err := tx.Create(&email).Error; err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}

	if existing.AccountID != accountID {
		// The provider guarantees message ids are stable per mailbox, so a
		// hit under another account points at corrupt state. Last writer
		// wins; flag it for investigation.
		r.logger.WithFields(logrus.Fields{
			"message_id":  msg.MessageID,
			"existing":    existing.AccountID,
			"reconciling": accountID,
		}).Warn("message id found under a different account")
	}

	updates := map[string]interface{}{
		"account_id":      accountID,
		"conversation_id": msg.ConversationID,
		"author":          msg.Author,
		"recipients":      msg.Recipients,
		"subject":         msg.Subject,
		"received_at":     msg.ReceivedAt,
		"body_text":       msg.BodyText,
		"body_html":       msg.BodyHTML,
	}
	if err := tx.Model(&existing).Updates(updates).Error; err != nil {
		return false, err
	}
	return false, nil
}
