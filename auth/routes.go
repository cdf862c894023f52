package auth

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// CallbackPath is where the provider returns the browser after sign in.
const CallbackPath = "/auth/redirect"

// Options configures NewRoutesAndGuards.
type Options struct {
	Service      TokenService
	Renderer     Renderer
	ErrorHandler ErrorHandler
	Logger       *slog.Logger
	// SignoutURL is the provider logout endpoint the browser ends on.
	SignoutURL string
	// ApplicationAccessGroups lists the groups allowed past AssertGroupAccess.
	ApplicationAccessGroups []string
}

// RoutesAndGuards bundles the /auth routes with the guards protecting the
// rest of the application.
type RoutesAndGuards struct {
	opts          Options
	authenticated func(http.Handler) http.Handler
	groupAccess   func(http.Handler) http.Handler
}

// NewRoutesAndGuards wires the flow controllers and guards around opts.Service.
func NewRoutesAndGuards(opts Options) *RoutesAndGuards {
	return &RoutesAndGuards{
		opts:          opts,
		authenticated: AssertIsAuthenticated(opts.Service, opts.Logger),
		groupAccess:   AssertGroupAccess(opts.Renderer, opts.Logger, opts.ApplicationAccessGroups...),
	}
}

// Router serves signin, redirect and signout; mount it at /auth.
func (rg *RoutesAndGuards) Router() http.Handler {
	svc := rg.opts.Service
	onError := rg.opts.ErrorHandler

	r := chi.NewRouter()
	r.With(AssertIsUnauthenticated).
		Get("/redirect", Handler(CompleteAuthentication(svc, rg.opts.Logger), onError).ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(RegisterAuthLocals, ClearAuthenticationData)

		r.With(AssertIsUnauthenticated).
			Get("/signin", Handler(StartAuthentication(svc), onError).ServeHTTP)

		signout := Handler(HandleSignout(svc, rg.opts.SignoutURL, rg.opts.Logger), onError).ServeHTTP
		r.Get("/signout", signout)
		r.Get("/signout/", signout)
	})
	return r
}

// AssertIsAuthenticated is the authentication guard bound to the service.
func (rg *RoutesAndGuards) AssertIsAuthenticated(next http.Handler) http.Handler {
	return rg.authenticated(next)
}

// AssertGroupAccess is the group guard bound to the application access groups.
func (rg *RoutesAndGuards) AssertGroupAccess(next http.Handler) http.Handler {
	return rg.groupAccess(next)
}

// PendingAuthenticationBoundary registers the auth locals and clears any
// pending sign in on every request other than the provider callback, so an
// abandoned sign in cannot be completed later.
func (rg *RoutesAndGuards) PendingAuthenticationBoundary(next http.Handler) http.Handler {
	cleared := RegisterAuthLocals(ClearAuthenticationData(next))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == CallbackPath {
			next.ServeHTTP(w, r)
			return
		}
		cleared.ServeHTTP(w, r)
	})
}
