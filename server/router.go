package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"webtemplate/auth"
	"webtemplate/web"
)

// Routes constructs the HTTP router.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(web.LocalsMiddleware)
	r.Use(SecurityHeadersMiddleware)

	r.NotFound(a.handleNotFound)

	// Monitoring responses are never stored.
	r.Group(func(r chi.Router) {
		r.Use(noStore)
		r.Head("/", a.handleHeadHealthCheck)
		r.Get("/health", a.handleHealthCheck)
	})

	if a.DevIDP != nil {
		r.Mount(devIDPPath, a.DevIDP.Routes())
	}

	r.Group(func(r chi.Router) {
		r.Use(NoCacheMiddleware)
		r.Use(a.Sessions.Middleware)
		r.Use(recordAccount)

		if a.Auth != nil {
			r.Use(a.Auth.PendingAuthenticationBoundary)
		} else {
			r.Use(auth.RegisterAuthLocals)
		}

		r.Get("/unauthenticated", a.handleUnauthenticated)

		if a.Auth != nil {
			a.Logger.Info("registering auth routes")
			r.Mount("/auth", a.Auth.Router())

			// all subsequent routes require auth
			r = r.With(a.Auth.AssertIsAuthenticated, a.Auth.AssertGroupAccess)
		}

		r.Get("/", a.handleHome)
		r.Get("/error/firewall-error", a.handleFirewallError)
		r.Get("/api/groups/case-officers/members", auth.Handler(a.handleCaseOfficers, a.handleError).ServeHTTP)
	})

	return r
}

func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
