// Package session provides server-side browser sessions: a typed payload
// persisted in a Store and correlated by a signed cookie.
package session

import (
	"context"
	"encoding/json"

	"webtemplate/identity"
)

// AuthenticationData correlates one in-flight sign in with its callback.
type AuthenticationData struct {
	Nonce                 string `json:"nonce"`
	PostSigninRedirectURI string `json:"postSigninRedirectUri,omitempty"`
}

// Data is the persisted payload. Fields are owned by the features that set
// them; the auth package only touches Account and AuthenticationData.
type Data struct {
	Account            *identity.Account   `json:"account,omitempty"`
	AuthenticationData *AuthenticationData `json:"authenticationData,omitempty"`
	Permissions        map[string]bool     `json:"permissions,omitempty"`
}

// Session is one browser session for the duration of a request.
type Session struct {
	Data

	id        string
	previous  string
	isNew     bool
	destroyed bool
	snapshot  []byte
}

func newSession(id string) *Session {
	return &Session{id: id, isNew: true}
}

func loadSession(id string, raw []byte) (*Session, error) {
	s := &Session{id: id, snapshot: raw}
	if err := json.Unmarshal(raw, &s.Data); err != nil {
		return nil, err
	}
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// IsNew reports whether the session was created by this request.
func (s *Session) IsNew() bool {
	return s.isNew
}

// Destroy discards the session; the store entry and cookie are removed when
// the response is written.
func (s *Session) Destroy() {
	s.destroyed = true
	s.Data = Data{}
}

// IsDestroyed reports whether Destroy was called.
func (s *Session) IsDestroyed() bool {
	return s.destroyed
}

// Renew moves the session to a fresh identifier, keeping its data.
func (s *Session) Renew() {
	if s.previous == "" && !s.isNew {
		s.previous = s.id
	}
	s.id = newID()
}

func (s *Session) marshal() ([]byte, error) {
	return json.Marshal(s.Data)
}

func (s *Session) empty() bool {
	return s.Account == nil && s.AuthenticationData == nil && len(s.Permissions) == 0
}

type contextKey struct{}

// NewContext returns ctx carrying s.
func NewContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the request's session, or nil outside Manager.Middleware.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(contextKey{}).(*Session)
	return s
}
