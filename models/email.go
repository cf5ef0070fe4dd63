package models

import (
	"time"

	"gorm.io/gorm"
)

// Email is one synchronized mailbox message. MessageID is the provider's
// stable identifier and is the upsert key for reconciliation; CreatedAt
// (from gorm.Model) is the local insertion time, while ReceivedAt is the
// provider-reported delivery time.
type Email struct {
	gorm.Model

	AccountID uint   `gorm:"not null;index" json:"account_id"`
	MessageID string `gorm:"not null;uniqueIndex" json:"message_id"`

	ConversationID string    `gorm:"index" json:"conversation_id"`
	Author         string    `gorm:"not null;default:'unknown'" json:"author"`
	Recipients     string    `json:"recipients"`
	Subject        string    `gorm:"not null" json:"subject"`
	ReceivedAt     time.Time `gorm:"not null;index" json:"received_at"`

	// Body projections: BodyText is the plain-text rendering used by the
	// external triage pipeline, BodyHTML is the provider's raw HTML.
	BodyText string `gorm:"type:text" json:"body_text"`
	BodyHTML string `gorm:"type:text" json:"-"`

	// Relations
	Account         EmailAccount          `json:"-"`
	Classifications []EmailClassification `gorm:"foreignKey:EmailID;constraint:OnDelete:CASCADE" json:"classifications,omitempty"`
}

// EmailClassification is written by the external triage pipeline; this
// service only stores and reads it. The newest row per email wins.
type EmailClassification struct {
	gorm.Model

	EmailID        uint   `gorm:"not null;index" json:"email_id"`
	Classification string `gorm:"not null" json:"classification"`
	Reasoning      string `gorm:"type:text" json:"reasoning"`
	AIDraft        string `gorm:"type:text" json:"ai_draft"`

	Email Email `json:"-"`
}

// EffectiveClassification returns the most recent classification for an
// email, or nil when it has never been classified.
func EffectiveClassification(db *gorm.DB, emailID uint) (*EmailClassification, error) {
	var c EmailClassification
	err := db.Where("email_id = ?", emailID).Order("created_at DESC").First(&c).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}
