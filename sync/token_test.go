package sync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"mailcoach/models"
	"mailcoach/utils"
)

// fakeTokenEndpoint serves the OAuth2 refresh grant.
func fakeTokenEndpoint(t *testing.T, handler http.HandlerFunc) *oauth2.Config {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &oauth2.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Endpoint: oauth2.Endpoint{
			TokenURL:  srv.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func TestRefreshRotatesAndPersists(t *testing.T) {
	db := testDB(t)
	account := testAccount(t, db, "rt-old")

	var sawRefreshToken string
	conf := fakeTokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		sawRefreshToken = r.Form.Get("refresh_token")
		writeJSON(w, map[string]interface{}{
			"access_token":  "at-fresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "rt-rotated",
		})
	})

	tm := NewTokenManager(db, conf, testLogger())
	cred, err := tm.Refresh(context.Background(), account)
	require.NoError(t, err)

	// The exchange must be live, using the stored token.
	assert.Equal(t, "rt-old", sawRefreshToken)
	assert.Equal(t, "at-fresh", cred.AccessToken)
	assert.False(t, cred.ExpiresAt.IsZero())

	// The rotated token is already committed.
	var reloaded models.EmailAccount
	require.NoError(t, db.First(&reloaded, account.ID).Error)
	stored, err := utils.Decrypt(reloaded.RefreshTokenEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "rt-rotated", stored)
	require.NotNil(t, reloaded.AccessTokenExpiresAt)
}

func TestRefreshWithoutRotationKeepsStoredToken(t *testing.T) {
	db := testDB(t)
	account := testAccount(t, db, "rt-stable")

	conf := fakeTokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"access_token": "at-fresh",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})

	tm := NewTokenManager(db, conf, testLogger())
	_, err := tm.Refresh(context.Background(), account)
	require.NoError(t, err)

	var reloaded models.EmailAccount
	require.NoError(t, db.First(&reloaded, account.ID).Error)
	stored, err := utils.Decrypt(reloaded.RefreshTokenEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "rt-stable", stored)
}

func TestRefreshInvalidGrantIsAuthExpired(t *testing.T) {
	db := testDB(t)
	account := testAccount(t, db, "rt-revoked")

	conf := fakeTokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"token revoked"}`))
	})

	tm := NewTokenManager(db, conf, testLogger())
	_, err := tm.Refresh(context.Background(), account)
	require.Error(t, err)
	assert.True(t, IsAuthExpired(err))

	// The stored token must be untouched on failure.
	var reloaded models.EmailAccount
	require.NoError(t, db.First(&reloaded, account.ID).Error)
	stored, err := utils.Decrypt(reloaded.RefreshTokenEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "rt-revoked", stored)
}

func TestRefreshServerErrorIsTransient(t *testing.T) {
	db := testDB(t)
	account := testAccount(t, db, "rt")

	conf := fakeTokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	tm := NewTokenManager(db, conf, testLogger())
	_, err := tm.Refresh(context.Background(), account)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestRefreshMissingTokenIsAuthExpired(t *testing.T) {
	db := testDB(t)
	account := testAccount(t, db, "")

	conf := fakeTokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no exchange expected without a refresh token")
	})

	tm := NewTokenManager(db, conf, testLogger())
	_, err := tm.Refresh(context.Background(), account)
	require.Error(t, err)
	assert.True(t, IsAuthExpired(err))
}
