package server

import (
	"log/slog"
	"net/url"

	"webtemplate/devidp"
)

func newDevProvider(cfg Config, logger *slog.Logger) (*devidp.Provider, error) {
	return devidp.New(devidp.Config{
		Issuer:       cfg.PublicURL() + devIDPPath,
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		RedirectURIs: []string{cfg.RedirectURI()},
		User:         cfg.Auth.DevUser,
	}, logger.With("component", "devidp"))
}

// signoutURL is where the browser goes after the session is destroyed.
func (a *App) signoutURL() string {
	if a.DevIDP != nil {
		return a.DevIDP.Issuer() + "/logout?" + url.Values{"post_logout_redirect_uri": {"/"}}.Encode()
	}
	return a.Config.Auth.SignoutURL
}
