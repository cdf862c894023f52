// Package auth runs the browser sign-in flow against the identity provider
// and guards routes on the resulting session state.
package auth

import (
	"context"
	"fmt"
	"log/slog"

	"webtemplate/identity"
)

// DefaultScope is requested on every sign in and refresh.
const DefaultScope = "User.Read"

// SilentOutcome distinguishes a refreshed token from a session the provider
// no longer honours.
type SilentOutcome int

const (
	// Refreshed means Result holds a valid token, cached or renewed.
	Refreshed SilentOutcome = iota + 1
	// NoSession means the provider has no usable session for the account.
	NoSession
)

func (o SilentOutcome) String() string {
	switch o {
	case Refreshed:
		return "refreshed"
	case NoSession:
		return "no_session"
	default:
		return "unknown"
	}
}

// SilentResult is the outcome of AcquireTokenSilent when no error occurred.
type SilentResult struct {
	Outcome SilentOutcome
	Result  *identity.AuthResult
}

// TokenService is what the guards and controllers need from Service.
type TokenService interface {
	AcquireTokenByCode(ctx context.Context, code, sessionID string) (*identity.AuthResult, error)
	AcquireTokenSilent(ctx context.Context, account identity.AccountInfo, sessionID string, scopes ...string) (SilentResult, error)
	ClearCacheForAccount(ctx context.Context, account identity.AccountInfo, sessionID string) error
	GetAuthCodeURL(ctx context.Context, nonce, sessionID string) (string, error)
}

// Service talks to the identity provider on behalf of a browser session.
type Service struct {
	clients ClientSource
	scopes  []string
	logger  *slog.Logger
}

// NewService creates a service requesting scopes, or DefaultScope when empty.
func NewService(clients ClientSource, scopes []string, logger *slog.Logger) *Service {
	if len(scopes) == 0 {
		scopes = []string{DefaultScope}
	}
	return &Service{clients: clients, scopes: scopes, logger: logger}
}

// AcquireTokenByCode redeems the code returned to the callback.
func (s *Service) AcquireTokenByCode(ctx context.Context, code, sessionID string) (*identity.AuthResult, error) {
	client, err := s.primedClient(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return client.AcquireTokenByCode(ctx, code, s.scopes)
}

// AcquireTokenSilent returns a valid token for account, refreshing it when
// needed. scopes defaults to the service scopes.
func (s *Service) AcquireTokenSilent(ctx context.Context, account identity.AccountInfo, sessionID string, scopes ...string) (SilentResult, error) {
	if len(scopes) == 0 {
		scopes = s.scopes
	}
	client, err := s.primedClient(ctx, sessionID)
	if err != nil {
		return SilentResult{}, err
	}
	result, err := client.AcquireTokenSilent(ctx, account, scopes)
	if err != nil {
		return SilentResult{}, err
	}
	if result == nil {
		return SilentResult{Outcome: NoSession}, nil
	}
	return SilentResult{Outcome: Refreshed, Result: result}, nil
}

// ClearCacheForAccount forgets every token cached for account. It only
// touches the token cache, so it works while the provider is unreachable.
func (s *Service) ClearCacheForAccount(ctx context.Context, account identity.AccountInfo, sessionID string) error {
	if err := s.clients.TokenCache(sessionID).RemoveAccount(ctx, account); err != nil {
		return fmt.Errorf("clear token cache: %w", err)
	}
	return nil
}

// GetAuthCodeURL returns the provider sign-in URL bound to nonce.
func (s *Service) GetAuthCodeURL(ctx context.Context, nonce, sessionID string) (string, error) {
	client, err := s.clients.Client(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return client.AuthCodeURL(ctx, nonce, s.scopes)
}

// primedClient returns the session's client after one read of its token
// cache, which loads a distributed cache partition before the token call.
func (s *Service) primedClient(ctx context.Context, sessionID string) (*identity.OIDCClient, error) {
	client, err := s.clients.Client(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := client.TokenCache().Accounts(ctx); err != nil {
		return nil, err
	}
	return client, nil
}
