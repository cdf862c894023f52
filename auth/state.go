package auth

import (
	"errors"

	"webtemplate/identity"
	"webtemplate/session"
)

// ErrNoAuthenticationData is returned when a flow step expects a pending sign
// in that the session does not hold.
var ErrNoAuthenticationData = errors.New("authentication data does not exist")

// GetAccount returns the signed-in account, or nil.
func GetAccount(s *session.Session) *identity.Account {
	if s == nil {
		return nil
	}
	return s.Account
}

// SetAccount stores the account snapshot from an authentication result. A
// result without an account leaves the session untouched.
func SetAccount(s *session.Session, result *identity.AuthResult) {
	if s == nil || result == nil || result.Account == nil {
		return
	}
	account := &identity.Account{
		AccountInfo: *result.Account,
		AccessToken: result.AccessToken,
		IDToken:     result.IDToken,
	}
	if !result.ExpiresOn.IsZero() {
		account.ExpiresOnTimestamp = result.ExpiresOn.UnixMilli()
	}
	s.Account = account
}

// DestroyAccount removes the account from the session.
func DestroyAccount(s *session.Session) {
	if s != nil {
		s.Account = nil
	}
}

// GetAuthenticationData returns the pending sign in.
func GetAuthenticationData(s *session.Session) (*session.AuthenticationData, error) {
	if s == nil || s.AuthenticationData == nil {
		return nil, ErrNoAuthenticationData
	}
	return s.AuthenticationData, nil
}

// SetAuthenticationData records a pending sign in, replacing any earlier one.
func SetAuthenticationData(s *session.Session, data session.AuthenticationData) {
	if s != nil {
		s.AuthenticationData = &data
	}
}

// DestroyAuthenticationData drops the pending sign in, if any.
func DestroyAuthenticationData(s *session.Session) {
	if s != nil {
		s.AuthenticationData = nil
	}
}
