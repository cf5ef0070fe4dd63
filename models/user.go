package models

import (
	"gorm.io/gorm"
)

// User represents a user account in the system
type User struct {
	gorm.Model

	// Authentication fields
	Email        string `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string `gorm:"not null" json:"-"`

	// Profile information
	Name     *string `json:"name,omitempty"`
	Timezone string  `gorm:"default:'UTC'" json:"timezone"`

	// Account status
	IsActive bool `gorm:"default:true" json:"is_active"`

	// Relations
	EmailAccounts []EmailAccount `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"email_accounts,omitempty"`
}

// Sanitize removes sensitive fields before sending the user over the wire
func (u *User) Sanitize() map[string]interface{} {
	return map[string]interface{}{
		"id":        u.ID,
		"email":     u.Email,
		"name":      u.Name,
		"timezone":  u.Timezone,
		"is_active": u.IsActive,
		"created_at": u.CreatedAt,
	}
}
