package controller

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/badoux/checkmail"
	"github.com/gofiber/fiber/v2"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"mailcoach/config"
	"mailcoach/models"
	"mailcoach/sync"
	"mailcoach/utils"
)

var microsoftOAuthConfig *oauth2.Config

// oauthConfig is resolved lazily so it picks up settings loaded in main,
// not the zero values present at package init time.
func oauthConfig() *oauth2.Config {
	if microsoftOAuthConfig == nil {
		microsoftOAuthConfig = sync.MicrosoftOAuthConfig(config.AppConfig.Microsoft)
	}
	return microsoftOAuthConfig
}

// ConnectOutlook starts the authorization-code flow for linking a mailbox.
func ConnectOutlook(c *fiber.Ctx) error {
	state, err := utils.GenerateSecureToken()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to generate state token",
		})
	}

	// Store state in HTTP-only secure cookie with short expiry
	cookie := new(fiber.Cookie)
	cookie.Name = "oauth_state"
	cookie.Value = state
	cookie.Expires = time.Now().Add(10 * time.Minute)
	cookie.HTTPOnly = true
	cookie.Secure = true
	cookie.SameSite = "Lax"
	c.Cookie(cookie)

	url := oauthConfig().AuthCodeURL(state, oauth2.AccessTypeOffline)
	return c.Redirect(url, fiber.StatusTemporaryRedirect)
}

// OutlookCallback finishes the flow: verifies state, exchanges the code,
// resolves the mailbox address and stores the encrypted refresh token.
func OutlookCallback(c *fiber.Ctx) error {
	state := c.Query("state")
	cookieState := c.Cookies("oauth_state")

	if state == "" || cookieState == "" || state != cookieState {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid state parameter",
		})
	}
	c.ClearCookie("oauth_state")

	code := c.Query("code")
	if code == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Authorization code not provided",
		})
	}

	token, err := oauthConfig().Exchange(context.Background(), code)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to exchange token: " + err.Error(),
		})
	}
	if token.RefreshToken == "" {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Provider did not return a refresh token",
		})
	}

	address, err := fetchMailboxAddress(token)
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Failed to resolve mailbox address: " + err.Error(),
		})
	}
	if err := checkmail.ValidateFormat(address); err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Provider returned an invalid mailbox address",
		})
	}
	if ok, err := utils.ValidateMXRecords(address); err != nil || !ok {
		utils.LogEvent("mailbox_domain_without_mx", map[string]interface{}{
			"address": address,
		})
	}

	user := c.Locals("user").(*models.User)

	encrypted, err := utils.Encrypt(token.RefreshToken)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to store credentials",
		})
	}

	// Re-link if this mailbox was connected before, otherwise create it
	var account models.EmailAccount
	err = config.DB.Where(
		"user_id = ? AND provider = ? AND email_address = ?",
		user.ID, models.ProviderOutlook, address,
	).First(&account).Error

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		account = models.EmailAccount{
			UserID:                user.ID,
			Provider:              models.ProviderOutlook,
			EmailAddress:          address,
			RefreshTokenEncrypted: encrypted,
			AccessTokenExpiresAt:  &token.Expiry,
		}
		if err := config.DB.Create(&account).Error; err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to create account",
			})
		}
	case err != nil:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Database error",
		})
	default:
		updates := map[string]interface{}{
			"refresh_token_encrypted": encrypted,
			"access_token_expires_at": token.Expiry,
			"last_sync_error":         nil,
		}
		if err := config.DB.Model(&account).Updates(updates).Error; err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to update account",
			})
		}
	}

	utils.LogEvent("mailbox_connected", map[string]interface{}{
		"user_id":    user.ID,
		"account_id": account.ID,
	})

	return c.JSON(utils.SuccessResponse(account.Sanitize()))
}

// fetchMailboxAddress asks Graph who the token belongs to.
func fetchMailboxAddress(token *oauth2.Token) (string, error) {
	client := oauthConfig().Client(context.Background(), token)
	resp, err := client.Get("https://graph.microsoft.com/v1.0/me")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != fiber.StatusOK {
		return "", errors.New("graph /me returned " + resp.Status)
	}

	var me struct {
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		return "", err
	}
	if me.Mail != "" {
		return me.Mail, nil
	}
	return me.UserPrincipalName, nil
}

func ListAccounts(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var accounts []models.EmailAccount
	if err := config.DB.Where("user_id = ?", user.ID).Find(&accounts).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list accounts", err)
	}

	sanitized := make([]map[string]interface{}, 0, len(accounts))
	for i := range accounts {
		sanitized = append(sanitized, accounts[i].Sanitize())
	}
	return c.JSON(utils.SuccessResponse(sanitized))
}

// DeleteAccount removes a mailbox and, through the cascade, its cursors
// and messages.
func DeleteAccount(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	accountID := utils.ParseUint(c.Params("id"))

	var account models.EmailAccount
	err := config.DB.Where("id = ? AND user_id = ?", accountID, user.ID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Account not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Database error", err)
	}

	if err := config.DB.Select("SyncCursors", "Emails").Delete(&account).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete account", err)
	}

	utils.LogEvent("mailbox_disconnected", map[string]interface{}{
		"user_id":    user.ID,
		"account_id": account.ID,
	})
	return c.JSON(fiber.Map{"message": "Account deleted"})
}
