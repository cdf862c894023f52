package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"webtemplate/cache"
	"webtemplate/devidp"
	"webtemplate/identity"
)

// Hardcoded defaults
const (
	DefaultAuthority   = "https://login.microsoftonline.com/common/v2.0"
	DefaultSignoutURL  = "https://login.microsoftonline.com/common/oauth2/v2.0/logout"
	DefaultKeyPrefix   = "manage:"
	DefaultGroupTTL    = 15 * time.Minute
	DefaultServiceName = "Manage template"

	environmentProduction = "production"
	devIDPPath            = "/dev/idp"
)

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Auth     AuthConfig    `yaml:"auth"`
	Session  SessionConfig `yaml:"session"`
	Redis    RedisConfig   `yaml:"redis"`
	Groups   GroupsConfig  `yaml:"groups"`
	LogLevel string        `yaml:"log_level" env:"LOG_LEVEL"`
}

// ServerConfig controls listener, TLS and environment concerns.
type ServerConfig struct {
	// Hostname is the public host (and port) the browser uses.
	Hostname        string    `yaml:"hostname" env:"APP_HOSTNAME"`
	Port            int       `yaml:"port" env:"PORT"`
	Environment     string    `yaml:"environment" env:"APP_ENV"`
	ServiceName     string    `yaml:"service_name"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	SecretsPath     string    `yaml:"secrets_path"`
	GitSHA          string    `yaml:"git_sha" env:"GIT_SHA"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour. With Offload set, TLS ends at a front
// end and production serves plain http on Port.
type TLSConfig struct {
	Domains []string `yaml:"domains" env:"TLS_DOMAINS"`
	Email   string   `yaml:"email" env:"TLS_EMAIL"`
	Offload bool     `yaml:"offload" env:"TLS_OFFLOAD"`
}

// AuthConfig is the Entra app registration and access policy.
type AuthConfig struct {
	Disabled     bool   `yaml:"disabled" env:"AUTH_DISABLED"`
	ClientID     string `yaml:"client_id" env:"AUTH_CLIENT_ID"`
	ClientSecret string `yaml:"client_secret" env:"AUTH_CLIENT_SECRET"`
	TenantID     string `yaml:"tenant_id" env:"AUTH_TENANT_ID"`
	Authority    string `yaml:"authority"`
	SignoutURL   string `yaml:"signout_url"`
	// ApplicationAccessGroups gate every page behind group membership.
	ApplicationAccessGroups []string `yaml:"application_access_groups" env:"AUTH_GROUP_APPLICATION_ACCESS"`
	// DevProvider serves a local OpenID provider at /dev/idp instead of Entra.
	DevProvider bool        `yaml:"dev_provider" env:"AUTH_DEV_PROVIDER"`
	DevUser     devidp.User `yaml:"dev_user"`
}

// SessionConfig configures the session cookie.
type SessionConfig struct {
	Secret     string        `yaml:"secret" env:"SESSION_SECRET"`
	CookieName string        `yaml:"cookie_name"`
	MaxAge     time.Duration `yaml:"max_age"`
}

// RedisConfig enables the shared session store and token cache.
type RedisConfig struct {
	ConnectionString string `yaml:"connection_string" env:"REDIS_CONNECTION_STRING"`
	KeyPrefix        string `yaml:"key_prefix"`
}

// GroupsConfig configures Entra group lookups.
type GroupsConfig struct {
	CaseOfficers string        `yaml:"case_officers" env:"ENTRA_GROUP_ID_CASE_OFFICERS"`
	GraphBaseURL string        `yaml:"graph_base_url"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Hostname:        "localhost:8080",
			Port:            8080,
			Environment:     "development",
			ServiceName:     DefaultServiceName,
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			SecretsPath:     ".secrets",
		},
		Auth: AuthConfig{
			Authority:  DefaultAuthority,
			SignoutURL: DefaultSignoutURL,
		},
		Redis:    RedisConfig{KeyPrefix: DefaultKeyPrefix},
		Groups:   GroupsConfig{CacheTTL: DefaultGroupTTL},
		LogLevel: "info",
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	if _, ok := os.LookupEnv("APP_ENV"); !ok {
		if v, ok := os.LookupEnv("NODE_ENV"); ok {
			cfg.Server.Environment = v
		}
	}
	return nil
}

// Production reports whether the app runs with production safeguards.
func (c Config) Production() bool {
	return strings.EqualFold(c.Server.Environment, environmentProduction)
}

// AuthEnabled reports whether sign in is enforced. AUTH_DISABLED is ignored
// in production.
func (c Config) AuthEnabled() bool {
	return !c.Auth.Disabled || c.Production()
}

// DevProviderEnabled reports whether the local provider stands in for Entra.
func (c Config) DevProviderEnabled() bool {
	return c.Auth.DevProvider && !c.Production()
}

// PublicURL is the scheme and host browsers reach the app on. Local hosts are
// served over plain http.
func (c Config) PublicURL() string {
	scheme := "https"
	if isLocalHost(c.Server.Hostname) {
		scheme = "http"
	}
	return scheme + "://" + strings.TrimSuffix(c.Server.Hostname, "/")
}

// RedirectURI is the provider callback registered with the app.
func (c Config) RedirectURI() string {
	return c.PublicURL() + "/auth/redirect"
}

// ClientConfig resolves the identity client settings, pointing at the local
// provider when it is enabled.
func (c Config) ClientConfig() identity.ClientConfig {
	authority := c.Auth.Authority
	if c.DevProviderEnabled() {
		authority = c.PublicURL() + devIDPPath
	} else if resolved, ok := identity.ResolveAuthority(authority, c.Auth.TenantID); ok {
		authority = resolved
	}
	return identity.ClientConfig{
		Authority:    authority,
		ClientID:     c.Auth.ClientID,
		ClientSecret: c.Auth.ClientSecret,
		RedirectURI:  c.RedirectURI(),
	}
}

// ServeTLS reports whether the app terminates TLS itself through autocert.
func (c Config) ServeTLS() bool {
	return c.Production() && !c.Server.TLS.Offload
}

// ListenAddr is the plain http address used outside production and behind a
// TLS offloading front end.
func (c Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func isLocalHost(hostport string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	return strings.HasPrefix(host, "localhost") || host == "127.0.0.1"
}

// Validate performs sanity checks on the config. The first violation is
// logged and returned.
func (c Config) Validate() error {
	if c.Server.Hostname == "" {
		slog.Error("Missing required configuration", "field", "server.hostname")
		return errors.New("server.hostname is required")
	}
	if strings.Contains(c.Server.Hostname, "://") {
		slog.Error("Invalid configuration value", "field", "server.hostname", "value", c.Server.Hostname, "reason", "must not include a scheme")
		return fmt.Errorf("server.hostname must be a host, got: %s", c.Server.Hostname)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		slog.Error("Invalid configuration value", "field", "server.port", "value", c.Server.Port)
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}

	if c.Session.Secret == "" {
		slog.Error("Missing required configuration", "field", "session.secret")
		return errors.New("session.secret is required")
	}

	if c.Redis.ConnectionString != "" {
		if _, err := cache.ParseRedisConnectionString(c.Redis.ConnectionString); err != nil {
			slog.Error("Invalid redis connection string", "field", "redis.connection_string", "error", err)
			return fmt.Errorf("redis.connection_string: %w", err)
		}
	}

	if c.ServeTLS() && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production unless server.tls.offload is set")
	}
	if c.Auth.DevProvider && c.Production() {
		slog.Error("Invalid configuration value", "field", "auth.dev_provider", "reason", "not allowed in production")
		return errors.New("auth.dev_provider cannot be enabled in production")
	}

	if !c.AuthEnabled() {
		return nil
	}

	if c.Auth.ClientID == "" {
		slog.Error("Missing required auth configuration", "field", "auth.client_id")
		return errors.New("auth.client_id is required")
	}
	if len(c.Auth.ApplicationAccessGroups) == 0 {
		slog.Error("Missing required auth configuration", "field", "auth.application_access_groups")
		return errors.New("auth.application_access_groups must list at least one group")
	}
	if c.DevProviderEnabled() {
		return nil
	}

	required := []struct{ field, value string }{
		{"auth.client_secret", c.Auth.ClientSecret},
		{"auth.tenant_id", c.Auth.TenantID},
	}
	for _, r := range required {
		if r.value == "" {
			slog.Error("Missing required auth configuration", "field", r.field)
			return fmt.Errorf("%s is required", r.field)
		}
	}
	if !strings.HasPrefix(c.Auth.Authority, "https://") {
		slog.Error("Invalid configuration value", "field", "auth.authority", "value", c.Auth.Authority, "reason", "must start with https://")
		return fmt.Errorf("auth.authority must start with https://, got: %s", c.Auth.Authority)
	}
	return nil
}
