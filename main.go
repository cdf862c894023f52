package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/acme/autocert"
	"gopkg.in/yaml.v3"

	"webtemplate/server"
)

const defaultConfigPath = "./config.yaml"

func main() {
	configPath := flag.String("config", os.Getenv("WEBTEMPLATE_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "", "Logging level (debug, info, warn, error); defaults to LOG_LEVEL")
	flag.StringVar(logLevel, "l", "", "Alias for -log-level")
	flag.Parse()

	logger, err := newLogger(*logLevel, os.Getenv("LOG_LEVEL"))
	if err != nil {
		log.Fatalf("invalid log level: %v", err)
	}

	configFile := *configPath
	if configFile == "" {
		configFile = defaultConfigPath
	}

	if *configCmd != "" {
		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	cfg, err := loadConfig(configFile, *configPath != "", logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *logLevel == "" {
		if logger, err = newLogger(cfg.LogLevel, ""); err != nil {
			log.Fatalf("invalid log level: %v", err)
		}
	}

	if args := flag.Args(); len(args) > 0 && args[0] == "connect" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := connect(ctx, cfg, logger); err != nil {
			logger.Error("provider connectivity failed", "error", err)
			os.Exit(1)
		}
		logger.Info("provider connectivity succeeded")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}
	defer application.Close()

	handler := application.Routes()
	var shutdownFns []func(context.Context) error

	if !cfg.ServeTLS() {
		mode := "dev"
		if cfg.Production() {
			mode = "tls-offload"
		}
		srv := &http.Server{
			Addr:         cfg.ListenAddr(),
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", mode, "addr", srv.Addr, "public_url", cfg.PublicURL())
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "error", err)
			}
		}()
	} else {
		m := &autocert.Manager{
			Cache:      autocert.DirCache(filepath.Join(cfg.Server.SecretsPath, "tls")),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}

		httpRedirect := &http.Server{
			Addr:    cfg.Server.HTTPListenAddr,
			Handler: m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:    cfg.Server.HTTPSListenAddr,
			Handler: handler,
			TLSConfig: &tls.Config{
				GetCertificate: m.GetCertificate,
				MinVersion:     tls.VersionTLS12,
			},
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", httpsSrv.Addr)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("https server error", "error", err)
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// signInURLSource builds the provider sign-in URL for a session.
type signInURLSource interface {
	GetAuthCodeURL(ctx context.Context, nonce, sessionID string) (string, error)
}

// connect checks the configured provider end to end: discovery, then the
// sign-in URL followed to the provider's login page.
func connect(ctx context.Context, cfg server.Config, logger *slog.Logger) error {
	if !cfg.AuthEnabled() {
		return errors.New("auth is disabled")
	}
	if cfg.DevProviderEnabled() {
		return errors.New("the local provider only runs inside the server")
	}
	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer application.Close()
	return runConnect(ctx, application.Tokens, logger, nil)
}

func runConnect(ctx context.Context, svc signInURLSource, logger *slog.Logger, httpClient *http.Client) error {
	authURL, err := svc.GetAuthCodeURL(ctx, uuid.NewString(), "connect-"+uuid.NewString())
	if err != nil {
		return fmt.Errorf("build sign-in url: %w", err)
	}
	logger.Info("connect.start", "auth_url", authURL)

	client := httpClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	originalRedirect := client.CheckRedirect
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		logger.Info("connect.redirect", "step", len(via)+1, "url", req.URL.String())
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		if originalRedirect != nil {
			return originalRedirect(req, via)
		}
		return nil
	}
	defer func() { client.CheckRedirect = originalRedirect }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("connect.result", "status", resp.StatusCode, "effective_url", resp.Request.URL.String())

	switch {
	case resp.StatusCode >= 400:
		return fmt.Errorf("provider returned %s for %s", resp.Status, resp.Request.URL.String())
	case resp.StatusCode >= 300:
		return fmt.Errorf("unexpected additional redirect (status %d)", resp.StatusCode)
	}
	logger.Info("connect.success", "message", "Reached provider login endpoint")
	return nil
}

// loadConfig reads path, or the environment alone when the default path is
// absent.
func loadConfig(path string, explicit bool, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("stat config: %w", err)
		}
		if explicit {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		logger.Debug("no config file, using environment", "path", path)
		return server.LoadConfig("")
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	return writeConfigFile(path, server.DefaultConfig())
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}
	if !cfg.AuthEnabled() || cfg.DevProviderEnabled() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	authority := cfg.ClientConfig().Authority
	if err := validateURL(ctx, authority+"/.well-known/openid-configuration"); err != nil {
		logger.Error("provider URL validation failed", "authority", authority, "error", err)
		return err
	}
	logger.Info("provider URL is accessible", "authority", authority)
	return nil
}

func validateURL(ctx context.Context, urlStr string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

func newLogger(values ...string) (*slog.Logger, error) {
	value := ""
	for _, v := range values {
		if v != "" {
			value = v
			break
		}
	}
	level, err := parseLogLevel(value)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", value, err)
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})), nil
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
