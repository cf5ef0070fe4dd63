package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"mailcoach/config"
	"mailcoach/models"
	"mailcoach/utils"
)

// PaginatedEmails is the list-endpoint envelope.
type PaginatedEmails struct {
	Data  []models.Email `json:"data"`
	Total int64          `json:"total"`
	Page  int            `json:"page"`
	Limit int            `json:"limit"`
}

// ListEmails returns an account's synced messages, newest first.
func ListEmails(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	accountID := utils.ParseUint(c.Params("id"))

	if _, err := ownedAccount(user, accountID); err != nil {
		return accountLookupError(c, err)
	}

	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}

	var total int64
	if err := config.DB.Model(&models.Email{}).Where("account_id = ?", accountID).Count(&total).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count emails", err)
	}

	var emails []models.Email
	err := config.DB.Where("account_id = ?", accountID).
		Order("received_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&emails).Error
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list emails", err)
	}

	return c.JSON(PaginatedEmails{
		Data:  emails,
		Total: total,
		Page:  page,
		Limit: limit,
	})
}

// GetEmail returns one message with its classification history and the
// effective (most recent) classification.
func GetEmail(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	emailID := utils.ParseUint(c.Params("id"))

	var email models.Email
	err := config.DB.Preload("Classifications").First(&email, emailID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Email not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Database error", err)
	}

	if _, err := ownedAccount(user, email.AccountID); err != nil {
		return accountLookupError(c, err)
	}

	effective, err := models.EffectiveClassification(config.DB, email.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load classification", err)
	}

	return c.JSON(fiber.Map{
		"email":          email,
		"classification": effective,
	})
}

// ownedAccount loads an account and enforces that it belongs to the
// requesting user. Foreign accounts surface as not-found.
func ownedAccount(user *models.User, accountID uint) (*models.EmailAccount, error) {
	var account models.EmailAccount
	err := config.DB.Where("id = ? AND user_id = ?", accountID, user.ID).First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func accountLookupError(c *fiber.Ctx, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Account not found", nil)
	}
	return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Database error", err)
}
