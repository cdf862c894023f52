package auth

import (
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"unicode"

	"webtemplate/session"
	"webtemplate/web"
)

// Renderer renders a named view. A zero status leaves the default in place.
type Renderer interface {
	Render(w http.ResponseWriter, r *http.Request, status int, view string, data map[string]any) error
}

// LocalIsAuthenticated is the view local set by RegisterAuthLocals.
const LocalIsAuthenticated = "isAuthenticated"

// AssertIsAuthenticated requires a signed-in account whose token can be
// silently refreshed. The refresh runs on every request; the provider client
// only goes to the network when the cached access token is near expiry.
func AssertIsAuthenticated(svc TokenService, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := session.FromContext(r.Context())
			account := GetAccount(sess)
			if account == nil {
				http.Redirect(w, r, signinURL(r), http.StatusFound)
				return
			}

			res, err := svc.AcquireTokenSilent(r.Context(), account.AccountInfo, sess.ID())
			if err != nil {
				logger.Info("Failed to refresh authentication. User redirected to sign in",
					"origin", r.URL.RequestURI(), "error", err)
				http.Redirect(w, r, signinURL(r), http.StatusFound)
				return
			}
			if res.Outcome != Refreshed {
				http.Redirect(w, r, "/auth/signout/", http.StatusFound)
				return
			}

			SetAccount(sess, res.Result)
			next.ServeHTTP(w, r)
		})
	}
}

// AssertIsUnauthenticated sends already signed-in users to the root.
func AssertIsUnauthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetAccount(session.FromContext(r.Context())) != nil {
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AssertGroupAccess admits accounts whose groups claim contains any of
// groupIDs. An overage claim is denied: membership cannot be decided from the
// token alone.
func AssertGroupAccess(renderer Renderer, logger *slog.Logger, groupIDs ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			account := GetAccount(session.FromContext(r.Context()))

			if account != nil && account.IDTokenClaims.Groups != nil {
				groups := account.IDTokenClaims.Groups
				for _, id := range groupIDs {
					if id != "" && slices.Contains(groups, id) {
						next.ServeHTTP(w, r)
						return
					}
				}
				logger.Warn("Authorisation failed. User does not belong to any of the expected groups.",
					"actual", groups, "expected", groupIDs)
			} else if account != nil && account.IDTokenClaims.HasGroupsOverage() {
				logger.Error("Authorisation error. User has too many groups: groups overage claim occurred.")
			} else {
				logger.Warn("Authorisation error. User does not belong to any groups.")
			}

			forbidden(w, r, renderer, http.StatusForbidden)
		})
	}
}

// AssertUserHasPermission admits sessions holding the named permission.
//
// The denial renders the 403 view without setting the status, so the
// response is a 200.
func AssertUserHasPermission(renderer Renderer, permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := session.FromContext(r.Context())
			if sess != nil && sess.Permissions[permission] {
				next.ServeHTTP(w, r)
				return
			}
			forbidden(w, r, renderer, 0)
		})
	}
}

// RegisterAuthLocals exposes whether the viewer is signed in to the views.
func RegisterAuthLocals(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account := GetAccount(session.FromContext(r.Context()))
		web.SetLocal(r.Context(), LocalIsAuthenticated, account != nil)
		next.ServeHTTP(w, r)
	})
}

// ClearAuthenticationData drops any pending sign in.
func ClearAuthenticationData(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		DestroyAuthenticationData(session.FromContext(r.Context()))
		next.ServeHTTP(w, r)
	})
}

func forbidden(w http.ResponseWriter, r *http.Request, renderer Renderer, status int) {
	if err := renderer.Render(w, r, status, web.ViewForbidden, nil); err != nil {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	}
}

func signinURL(r *http.Request) string {
	return "/auth/signin?redirect_to=" + escapeRedirect(r.URL.RequestURI())
}

// escapeRedirect query-escapes target but keeps path separators readable.
func escapeRedirect(target string) string {
	return strings.ReplaceAll(url.QueryEscape(target), "%2F", "/")
}

// safeRedirect accepts only local absolute paths. Browsers drop tabs and
// newlines from URLs, so targets holding control characters are refused.
func safeRedirect(target string) string {
	if target == "" || !strings.HasPrefix(target, "/") ||
		strings.HasPrefix(target, "//") || strings.Contains(target, `\`) ||
		strings.ContainsFunc(target, unicode.IsControl) {
		return "/"
	}
	u, err := url.Parse(target)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "/"
	}
	return target
}
