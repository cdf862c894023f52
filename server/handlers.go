package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"webtemplate/auth"
	"webtemplate/cache"
	"webtemplate/devidp"
	"webtemplate/graph"
	"webtemplate/session"
	"webtemplate/web"
)

// App bundles the dependencies shared by all handlers.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Renderer *web.Renderer
	Sessions *session.Manager
	// Tokens and Auth are nil when authentication is disabled.
	Tokens auth.TokenService
	Auth   *auth.RoutesAndGuards
	// DevIDP is the local provider mounted at /dev/idp, when enabled.
	DevIDP *devidp.Provider
	Groups graph.InitClient
	Redis  *cache.RedisClient

	started time.Time
	closers []func() error
}

// NewApp wires configuration into a ready-to-serve application.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	app := &App{Config: cfg, Logger: logger, started: time.Now()}

	renderer, err := web.NewRenderer(cfg.Server.ServiceName, logger)
	if err != nil {
		return nil, err
	}
	app.Renderer = renderer

	if cfg.Redis.ConnectionString != "" {
		rc, err := cache.NewRedisClient(cfg.Redis.ConnectionString, cfg.Redis.KeyPrefix, logger)
		if err != nil {
			return nil, fmt.Errorf("redis client: %w", err)
		}
		if err := rc.Client().Ping(ctx).Err(); err != nil {
			logger.Warn("redis not reachable at startup", "error", err)
		}
		app.Redis = rc
		app.closers = append(app.closers, rc.Close)
	}

	sessions, err := app.newSessionManager()
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	app.Sessions = sessions

	if !cfg.AuthEnabled() {
		logger.Warn("auth disabled; auth routes and guards skipped")
		app.Groups = graph.BuildInitClient(false, nil, "")
		return app, nil
	}

	if cfg.DevProviderEnabled() {
		idp, err := newDevProvider(cfg, logger)
		if err != nil {
			_ = app.Close()
			return nil, err
		}
		app.DevIDP = idp
		logger.Warn("serving local identity provider", "issuer", idp.Issuer())
	}

	app.Tokens = app.newTokenService()
	app.Auth = auth.NewRoutesAndGuards(auth.Options{
		Service:                 app.Tokens,
		Renderer:                renderer,
		ErrorHandler:            app.handleError,
		Logger:                  logger,
		SignoutURL:              app.signoutURL(),
		ApplicationAccessGroups: cfg.Auth.ApplicationAccessGroups,
	})
	app.Groups = graph.BuildInitClient(true, cache.NewMapCache[[]graph.GroupMember](cfg.Groups.CacheTTL), cfg.Groups.GraphBaseURL)
	return app, nil
}

// Close releases the session store and Redis connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) handleHome(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{}
	if account := auth.GetAccount(session.FromContext(r.Context())); account != nil {
		data["account"] = account.AccountInfo
	}
	if err := a.Renderer.Render(w, r, http.StatusOK, web.ViewHome, data); err != nil {
		a.handleError(w, r, err)
	}
}

func (a *App) handleUnauthenticated(w http.ResponseWriter, r *http.Request) {
	if err := a.Renderer.Render(w, r, http.StatusUnauthorized, web.ViewUnauthenticated, nil); err != nil {
		a.handleError(w, r, err)
	}
}

func (a *App) handleFirewallError(w http.ResponseWriter, r *http.Request) {
	a.Logger.Warn("Firewall error page requested")
	err := a.Renderer.Render(w, r, http.StatusOK, web.ViewError, map[string]any{
		"pageTitle": "Firewall Error",
		"messages":  []string{"Your request was blocked by the firewall."},
	})
	if err != nil {
		a.handleError(w, r, err)
	}
}

func (a *App) handleNotFound(w http.ResponseWriter, r *http.Request) {
	err := a.Renderer.Render(w, r, http.StatusNotFound, web.ViewError, map[string]any{
		"pageTitle": "Page not found",
		"messages": []string{
			"If you typed the web address, check it is correct.",
			"If you pasted the web address, check you copied the entire address.",
		},
	})
	if err != nil {
		http.NotFound(w, r)
	}
}

// handleError is the catch-all for failed handlers.
func (a *App) handleError(w http.ResponseWriter, r *http.Request, err error) {
	message := err.Error()
	if message == "" {
		message = "unknown error"
	}
	a.Logger.Error(message, "error", err, "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()))

	status := http.StatusInternalServerError
	var se statusError
	if errors.As(err, &se) && se.StatusCode() > 399 {
		status = se.StatusCode()
	}
	renderErr := a.Renderer.Render(w, r, status, web.ViewError, map[string]any{
		"pageTitle": "Sorry, there was an error",
		"messages":  []string{message, "Try again later"},
	})
	if renderErr != nil {
		http.Error(w, http.StatusText(status), status)
	}
}

// statusError is an error carrying the HTTP status to respond with.
type statusError interface {
	error
	StatusCode() int
}

type httpError struct {
	status int
	msg    string
}

func (e httpError) Error() string   { return e.msg }
func (e httpError) StatusCode() int { return e.status }

func (a *App) handleHeadHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (a *App) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	redisStatus := "DISABLED"
	if a.Redis != nil {
		redisStatus = "OK"
		if err := a.Redis.Client().Ping(r.Context()).Err(); err != nil {
			a.Logger.Warn("redis connection error", "error", err)
			redisStatus = "ERROR"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "OK",
		"uptime": time.Since(a.started).Seconds(),
		"commit": a.Config.Server.GitSHA,
		"redis":  redisStatus,
	})
}

// handleCaseOfficers lists the members of the case officers group, looked up
// with the signed-in user's token.
func (a *App) handleCaseOfficers(w http.ResponseWriter, r *http.Request) error {
	groupID := a.Config.Groups.CaseOfficers
	if groupID == "" {
		return httpError{status: http.StatusNotFound, msg: "case officers group not configured"}
	}
	lister := a.Groups(r.Context(), session.FromContext(r.Context()))
	if lister == nil {
		return httpError{status: http.StatusServiceUnavailable, msg: "group lookups unavailable without sign in"}
	}
	members, err := lister.ListAllGroupMembers(r.Context(), groupID)
	if err != nil {
		return fmt.Errorf("list case officers: %w", err)
	}
	if members == nil {
		members = []graph.GroupMember{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
