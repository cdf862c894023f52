package server

import (
	"net/http"

	"webtemplate/session"
)

// newSessionManager stores sessions in Redis when it is configured and in
// process memory otherwise. Cookies are Secure outside local development.
func (a *App) newSessionManager() (*session.Manager, error) {
	cfg := a.Config
	maxAge := cfg.Session.MaxAge
	if maxAge <= 0 {
		maxAge = session.DefaultMaxAge
	}

	var store session.Store
	if a.Redis != nil {
		store = session.NewRedisStore(a.Redis.Client(), a.Redis.SessionPrefix(), maxAge)
	} else {
		mem := session.NewMemoryStore(maxAge)
		a.closers = append(a.closers, func() error {
			mem.Close()
			return nil
		})
		store = mem
		if cfg.Production() {
			a.Logger.Warn("sessions are held in memory; configure redis for more than one instance")
		}
	}

	return session.NewManager(session.ManagerConfig{
		CookieName: cfg.Session.CookieName,
		Secret:     cfg.Session.Secret,
		MaxAge:     maxAge,
		Secure:     cfg.Production(),
		SameSite:   http.SameSiteLaxMode,
	}, store, a.Logger)
}
