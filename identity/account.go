package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidClaims reports an ID token missing the fields an account is built from.
	ErrInvalidClaims = errors.New("id token claims invalid")
	// ErrMissingHomeAccountID reports an account record without a stable identifier.
	ErrMissingHomeAccountID = errors.New("homeAccountId not found")
)

// IDTokenClaims is the subset of ID token claims the application relies on.
// Groups is nil when the claim was absent and non-nil (possibly empty) when
// the provider sent it.
type IDTokenClaims struct {
	Issuer            string                     `json:"iss,omitempty"`
	Subject           string                     `json:"sub,omitempty"`
	ObjectID          string                     `json:"oid,omitempty"`
	TenantID          string                     `json:"tid,omitempty"`
	Nonce             string                     `json:"nonce,omitempty"`
	Name              string                     `json:"name,omitempty"`
	PreferredUsername string                     `json:"preferred_username,omitempty"`
	Email             string                     `json:"email,omitempty"`
	Groups            []string                   `json:"groups"`
	ClaimNames        map[string]string          `json:"_claim_names,omitempty"`
	ClaimSources      map[string]json.RawMessage `json:"_claim_sources,omitempty"`
	ExpiresAt         int64                      `json:"exp,omitempty"`
	IssuedAt          int64                      `json:"iat,omitempty"`
}

// HasGroupsOverage reports the provider's signal that group membership was too
// large to be listed inline.
func (c IDTokenClaims) HasGroupsOverage() bool {
	return c.ClaimNames["groups"] != "" || len(c.ClaimSources) > 0
}

// AccountInfo identifies a signed-in account independent of its tokens.
type AccountInfo struct {
	HomeAccountID  string        `json:"homeAccountId"`
	Environment    string        `json:"environment,omitempty"`
	TenantID       string        `json:"tenantId,omitempty"`
	Username       string        `json:"username,omitempty"`
	LocalAccountID string        `json:"localAccountId,omitempty"`
	Name           string        `json:"name,omitempty"`
	IDTokenClaims  IDTokenClaims `json:"idTokenClaims"`
}

// Account is the snapshot kept in the browser session after sign in.
type Account struct {
	AccountInfo
	AccessToken        string `json:"accessToken"`
	IDToken            string `json:"idToken,omitempty"`
	ExpiresOnTimestamp int64  `json:"expiresOnTimestamp,omitempty"`
}

// AuthResult is returned by code exchange and silent acquisition.
type AuthResult struct {
	Account       *AccountInfo
	AccessToken   string
	IDToken       string
	ExpiresOn     time.Time
	Scopes        []string
	IDTokenClaims IDTokenClaims
	FromCache     bool
}

// AccountFromClaims validates claims at the provider boundary and derives the
// account identity. Entra accounts are keyed "<oid>.<tid>"; other providers
// fall back to the subject.
func AccountFromClaims(claims IDTokenClaims, environment string) (AccountInfo, error) {
	if claims.Subject == "" && claims.ObjectID == "" {
		return AccountInfo{}, fmt.Errorf("%w: sub and oid are both empty", ErrInvalidClaims)
	}

	homeID := claims.Subject
	localID := claims.Subject
	if claims.ObjectID != "" {
		localID = claims.ObjectID
		homeID = claims.ObjectID
		if claims.TenantID != "" {
			homeID = claims.ObjectID + "." + claims.TenantID
		}
	}

	username := claims.PreferredUsername
	if username == "" {
		username = claims.Email
	}

	return AccountInfo{
		HomeAccountID:  homeID,
		Environment:    environment,
		TenantID:       claims.TenantID,
		Username:       username,
		LocalAccountID: localID,
		Name:           claims.Name,
		IDTokenClaims:  claims,
	}, nil
}
