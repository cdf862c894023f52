package session

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Defaults applied by NewManager.
const (
	DefaultCookieName = "session"
	DefaultMaxAge     = 24 * time.Hour
)

// ManagerConfig configures the session cookie.
type ManagerConfig struct {
	CookieName string
	Secret     string
	MaxAge     time.Duration
	Secure     bool
	SameSite   http.SameSite
	Domain     string
}

// Manager loads the session for each request and writes it back before the
// response headers go out.
type Manager struct {
	cfg    ManagerConfig
	store  Store
	logger *slog.Logger
}

// NewManager builds a manager over store. A secret is required to sign the
// cookie.
func NewManager(cfg ManagerConfig, store Store, logger *slog.Logger) (*Manager, error) {
	if cfg.Secret == "" {
		return nil, errors.New("session secret required")
	}
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.SameSite == 0 {
		cfg.SameSite = http.SameSiteLaxMode
	}
	return &Manager{cfg: cfg, store: store, logger: logger}, nil
}

// Middleware attaches the session to the request context.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := m.load(r)
		cw := &commitWriter{ResponseWriter: w}
		cw.commit = func() { m.commit(r, w, sess) }

		next.ServeHTTP(cw, r.WithContext(NewContext(r.Context(), sess)))
		cw.once.Do(cw.commit)
	})
}

func (m *Manager) load(r *http.Request) *Session {
	cookie, err := r.Cookie(m.cfg.CookieName)
	if err != nil {
		return newSession(newID())
	}
	id, ok := m.unsign(cookie.Value)
	if !ok {
		m.logger.Warn("session cookie signature invalid")
		return newSession(newID())
	}

	raw, err := m.store.Load(r.Context(), id)
	if err != nil {
		m.logger.Error("session load failed", "error", err)
		return newSession(newID())
	}
	if raw == nil {
		return newSession(newID())
	}
	sess, err := loadSession(id, raw)
	if err != nil {
		m.logger.Error("session payload invalid", "error", err)
		return newSession(newID())
	}
	return sess
}

func (m *Manager) commit(r *http.Request, w http.ResponseWriter, sess *Session) {
	ctx := r.Context()

	if sess.previous != "" {
		if err := m.store.Delete(ctx, sess.previous); err != nil {
			m.logger.Error("session delete failed", "error", err)
		}
	}

	if sess.destroyed {
		if !sess.isNew {
			if err := m.store.Delete(ctx, sess.id); err != nil {
				m.logger.Error("session delete failed", "error", err)
			}
		}
		m.clearCookie(w)
		return
	}

	if sess.isNew && sess.empty() {
		return
	}

	data, err := sess.marshal()
	if err != nil {
		m.logger.Error("session encode failed", "error", err)
		return
	}
	if sess.isNew || sess.previous != "" || !bytes.Equal(data, sess.snapshot) {
		err = m.store.Save(ctx, sess.id, data)
	} else {
		err = m.store.Touch(ctx, sess.id)
	}
	if err != nil {
		m.logger.Error("session save failed", "error", err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    m.sign(sess.id),
		Path:     "/",
		Domain:   m.cfg.Domain,
		HttpOnly: true,
		Secure:   m.cfg.Secure,
		SameSite: m.cfg.SameSite,
		MaxAge:   int(m.cfg.MaxAge.Seconds()),
	})
}

func (m *Manager) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    "",
		Path:     "/",
		Domain:   m.cfg.Domain,
		HttpOnly: true,
		Secure:   m.cfg.Secure,
		SameSite: m.cfg.SameSite,
		MaxAge:   -1,
	})
}

func (m *Manager) sign(id string) string {
	return id + "." + m.mac(id)
}

func (m *Manager) unsign(value string) (string, bool) {
	idx := strings.LastIndexByte(value, '.')
	if idx <= 0 {
		return "", false
	}
	id, sig := value[:idx], value[idx+1:]
	if !hmac.Equal([]byte(sig), []byte(m.mac(id))) {
		return "", false
	}
	return id, true
}

func (m *Manager) mac(id string) string {
	h := hmac.New(sha256.New, []byte(m.cfg.Secret))
	h.Write([]byte(id))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// commitWriter persists the session right before the first header write, so
// redirects carry the updated cookie.
type commitWriter struct {
	http.ResponseWriter
	once   sync.Once
	commit func()
}

func (c *commitWriter) WriteHeader(status int) {
	c.once.Do(c.commit)
	c.ResponseWriter.WriteHeader(status)
}

func (c *commitWriter) Write(b []byte) (int, error) {
	c.once.Do(c.commit)
	return c.ResponseWriter.Write(b)
}

func (c *commitWriter) Unwrap() http.ResponseWriter {
	return c.ResponseWriter
}

func newID() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic("session: random source unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}
