package auth

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"webtemplate/session"
)

const unauthenticatedPath = "/unauthenticated"

// HandlerFunc is an HTTP handler that reports failure instead of writing it.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// ErrorHandler writes the response for an error returned by a HandlerFunc.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// Handler adapts fn, passing its errors to onError.
func Handler(fn HandlerFunc, onError ErrorHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			onError(w, r, err)
		}
	})
}

// StartAuthentication begins a sign in: it binds a fresh nonce to the
// session and sends the browser to the provider.
func StartAuthentication(svc TokenService) HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		sess := session.FromContext(r.Context())
		if sess == nil {
			return errors.New("no session on request")
		}

		nonce := uuid.NewString()
		authURL, err := svc.GetAuthCodeURL(r.Context(), nonce, sess.ID())
		if err != nil {
			return err
		}

		SetAuthenticationData(sess, session.AuthenticationData{
			Nonce:                 nonce,
			PostSigninRedirectURI: safeRedirect(r.URL.Query().Get("redirect_to")),
		})
		http.Redirect(w, r, authURL, http.StatusFound)
		return nil
	}
}

// CompleteAuthentication handles the provider callback. Anything that does
// not match the pending sign in ends on the unauthenticated page; only
// provider and network failures are returned as errors.
func CompleteAuthentication(svc TokenService, logger *slog.Logger) HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		sess := session.FromContext(r.Context())
		if sess == nil {
			return errors.New("no session on request")
		}

		code := r.URL.Query().Get("code")
		if code == "" {
			if providerErr := r.URL.Query().Get("error"); providerErr != "" {
				logger.Warn("sign in rejected by provider", "error", providerErr,
					"description", r.URL.Query().Get("error_description"))
			}
			http.Redirect(w, r, unauthenticatedPath, http.StatusFound)
			return nil
		}

		result, err := svc.AcquireTokenByCode(r.Context(), code, sess.ID())
		if err != nil {
			return err
		}

		pending, err := GetAuthenticationData(sess)
		if err != nil || pending.Nonce == "" || result == nil || result.IDTokenClaims.Nonce != pending.Nonce {
			logger.Warn("sign in callback did not match a pending sign in")
			DestroyAuthenticationData(sess)
			http.Redirect(w, r, unauthenticatedPath, http.StatusFound)
			return nil
		}

		SetAccount(sess, result)
		DestroyAuthenticationData(sess)
		sess.Renew()

		http.Redirect(w, r, safeRedirect(pending.PostSigninRedirectURI), http.StatusFound)
		return nil
	}
}

// HandleSignout forgets the account's tokens, destroys the session and hands
// the browser to the provider's logout endpoint. A token cache that cannot be
// cleared is logged and does not keep the session alive.
func HandleSignout(svc TokenService, signoutURL string, logger *slog.Logger) HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		sess := session.FromContext(r.Context())
		if sess == nil {
			return errors.New("no session on request")
		}

		if account := GetAccount(sess); account != nil {
			if err := svc.ClearCacheForAccount(r.Context(), account.AccountInfo, sess.ID()); err != nil {
				logger.Error("clear token cache on sign out", "error", err,
					"home_account_id", account.HomeAccountID)
			}
		}
		sess.Destroy()

		http.Redirect(w, r, signoutURL, http.StatusFound)
		return nil
	}
}
