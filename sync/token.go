package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
	"gorm.io/gorm"

	"mailcoach/config"
	"mailcoach/models"
	"mailcoach/utils"
)

// GraphScopes are the delegated permissions the sync engine needs.
// offline_access is what makes the provider hand out refresh tokens.
var GraphScopes = []string{"offline_access", "User.Read", "Mail.Read"}

// MicrosoftOAuthConfig builds the oauth2 client config from app settings.
func MicrosoftOAuthConfig(cfg config.OAuthConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Scopes:       GraphScopes,
		Endpoint:     microsoft.AzureADEndpoint(cfg.TenantID),
	}
}

// Credential is a live access token obtained for one sync run. It is never
// persisted; only the (encrypted) refresh token touches the database.
type Credential struct {
	AccessToken string
	ExpiresAt   time.Time
}

// TokenManager performs the OAuth2 refresh grant and keeps the stored
// refresh token current when the provider rotates it.
type TokenManager struct {
	db     *gorm.DB
	conf   *oauth2.Config
	logger *logrus.Logger
}

func NewTokenManager(db *gorm.DB, conf *oauth2.Config, logger *logrus.Logger) *TokenManager {
	return &TokenManager{db: db, conf: conf, logger: logger}
}

// Refresh exchanges the account's stored refresh token for a fresh access
// token. The exchange is always live: the token source is built without a
// cached access token so every call hits the provider. When the provider
// rotates the refresh token, the new one is encrypted and committed before
// the credential is returned, so a crash mid-sync cannot strand a revoked
// token in the database.
func (m *TokenManager) Refresh(ctx context.Context, account *models.EmailAccount) (*Credential, error) {
	const op = "token.refresh"

	refreshToken, err := utils.Decrypt(account.RefreshTokenEncrypted)
	if err != nil {
		return nil, newError(KindPersistence, op, fmt.Errorf("decrypt refresh token: %w", err))
	}
	if refreshToken == "" {
		return nil, newError(KindAuthExpired, op, errors.New("account has no refresh token"))
	}

	src := m.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classifyTokenError(op, err)
	}

	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		if err := m.persistRotation(account, tok); err != nil {
			return nil, err
		}
		m.logger.WithFields(logrus.Fields{
			"account_id": account.ID,
		}).Debug("refresh token rotated")
	} else if err := m.persistExpiry(account, tok.Expiry); err != nil {
		return nil, err
	}

	return &Credential{AccessToken: tok.AccessToken, ExpiresAt: tok.Expiry}, nil
}

// persistRotation stores the rotated refresh token and the new expiry in a
// single immediate commit, separate from any sync transaction.
func (m *TokenManager) persistRotation(account *models.EmailAccount, tok *oauth2.Token) error {
	const op = "token.persist"

	encrypted, err := utils.Encrypt(tok.RefreshToken)
	if err != nil {
		return newError(KindPersistence, op, fmt.Errorf("encrypt refresh token: %w", err))
	}

	updates := map[string]interface{}{
		"refresh_token_encrypted": encrypted,
		"access_token_expires_at": tok.Expiry,
	}
	if err := m.db.Model(account).Updates(updates).Error; err != nil {
		return newError(KindPersistence, op, err)
	}

	account.RefreshTokenEncrypted = encrypted
	account.AccessTokenExpiresAt = &tok.Expiry
	return nil
}

func (m *TokenManager) persistExpiry(account *models.EmailAccount, expiry time.Time) error {
	const op = "token.persist"

	if err := m.db.Model(account).Update("access_token_expires_at", expiry).Error; err != nil {
		return newError(KindPersistence, op, err)
	}
	account.AccessTokenExpiresAt = &expiry
	return nil
}

// classifyTokenError maps oauth2 exchange failures onto the sync taxonomy.
// invalid_grant (revoked or expired refresh token) and other 4xx responses
// need reauthorization; everything else is worth retrying.
func classifyTokenError(op string, err error) *Error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		code := rerr.Response.StatusCode
		switch {
		case rerr.ErrorCode == "invalid_grant":
			return newError(KindAuthExpired, op, err)
		case code == http.StatusUnauthorized || code == http.StatusForbidden || code == http.StatusBadRequest:
			return newError(KindAuthExpired, op, err)
		case code >= 500 || code == http.StatusTooManyRequests:
			return newError(KindTransient, op, err)
		default:
			return newError(KindProviderRejected, op, err)
		}
	}
	return newError(KindTransient, op, err)
}
