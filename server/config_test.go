package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.Session.Secret = "secret"
	cfg.Auth.ClientID = "client-1"
	cfg.Auth.ClientSecret = "client-secret"
	cfg.Auth.TenantID = "tenant-1"
	cfg.Auth.ApplicationAccessGroups = []string{"group-1"}
	return cfg
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, `server:
  hostname: localhost:3000
  port: 3000
auth:
  client_id: from-file
  tenant_id: tenant-file
session:
  max_age: 2h
groups:
  cache_ttl: 5m
`)

	t.Setenv("APP_HOSTNAME", "manage.example.com")
	t.Setenv("PORT", "9090")
	t.Setenv("AUTH_CLIENT_ID", "from-env")
	t.Setenv("AUTH_CLIENT_SECRET", "s3cret")
	t.Setenv("AUTH_GROUP_APPLICATION_ACCESS", "g1,g2")
	t.Setenv("ENTRA_GROUP_ID_CASE_OFFICERS", "co")
	t.Setenv("SESSION_SECRET", "session-secret")
	t.Setenv("REDIS_CONNECTION_STRING", "redis.example.com:6380,password=pw,ssl=True,abortConnect=False")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "manage.example.com", cfg.Server.Hostname)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.Auth.ClientID)
	assert.Equal(t, "tenant-file", cfg.Auth.TenantID)
	assert.Equal(t, []string{"g1", "g2"}, cfg.Auth.ApplicationAccessGroups)
	assert.Equal(t, "co", cfg.Groups.CaseOfficers)
	assert.Equal(t, 5*time.Minute, cfg.Groups.CacheTTL)
	assert.Equal(t, 2*time.Hour, cfg.Session.MaxAge)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, DefaultKeyPrefix, cfg.Redis.KeyPrefix)
	assert.Equal(t, "https://manage.example.com/auth/redirect", cfg.RedirectURI())
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "server:\n  hostnme: typo\n")
	t.Setenv("SESSION_SECRET", "secret")

	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "invalid config")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestNodeEnvIsUsedWithoutAppEnv(t *testing.T) {
	path := writeConfig(t, "auth:\n  disabled: true\n")
	t.Setenv("SESSION_SECRET", "secret")
	t.Setenv("NODE_ENV", "test")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "test", cfg.Server.Environment)
	assert.False(t, cfg.AuthEnabled())
}

func TestAuthDisabledIsIgnoredInProduction(t *testing.T) {
	cfg := validConfig()
	cfg.Auth.Disabled = true
	assert.False(t, cfg.AuthEnabled())

	cfg.Server.Environment = "production"
	assert.True(t, cfg.AuthEnabled())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing hostname", mutate: func(c *Config) { c.Server.Hostname = "" }, wantErr: "server.hostname"},
		{name: "hostname with scheme", mutate: func(c *Config) { c.Server.Hostname = "https://x" }, wantErr: "server.hostname"},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: "server.port"},
		{name: "missing session secret", mutate: func(c *Config) { c.Session.Secret = "" }, wantErr: "session.secret"},
		{name: "bad redis string", mutate: func(c *Config) { c.Redis.ConnectionString = "localhost:6379" }, wantErr: "redis.connection_string"},
		{name: "missing client id", mutate: func(c *Config) { c.Auth.ClientID = "" }, wantErr: "auth.client_id"},
		{name: "missing client secret", mutate: func(c *Config) { c.Auth.ClientSecret = "" }, wantErr: "auth.client_secret"},
		{name: "missing tenant", mutate: func(c *Config) { c.Auth.TenantID = "" }, wantErr: "auth.tenant_id"},
		{name: "missing access groups", mutate: func(c *Config) { c.Auth.ApplicationAccessGroups = nil }, wantErr: "auth.application_access_groups"},
		{name: "plain http authority", mutate: func(c *Config) { c.Auth.Authority = "http://idp" }, wantErr: "auth.authority"},
		{
			name:   "auth disabled skips auth checks",
			mutate: func(c *Config) { c.Auth = AuthConfig{Disabled: true} },
		},
		{
			name: "dev provider needs no secret or tenant",
			mutate: func(c *Config) {
				c.Auth.DevProvider = true
				c.Auth.ClientSecret = ""
				c.Auth.TenantID = ""
			},
		},
		{
			name: "production requires tls domains",
			mutate: func(c *Config) {
				c.Server.Environment = "production"
			},
			wantErr: "server.tls.domains",
		},
		{
			name: "production behind tls offload needs no domains",
			mutate: func(c *Config) {
				c.Server.Environment = "production"
				c.Server.Hostname = "manage.example.com"
				c.Server.TLS.Offload = true
			},
		},
		{
			name: "dev provider not allowed in production",
			mutate: func(c *Config) {
				c.Server.Environment = "production"
				c.Server.TLS.Domains = []string{"manage.example.com"}
				c.Auth.DevProvider = true
			},
			wantErr: "auth.dev_provider",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestServeTLS(t *testing.T) {
	cfg := validConfig()
	assert.False(t, cfg.ServeTLS())

	cfg.Server.Environment = "production"
	assert.True(t, cfg.ServeTLS())

	t.Setenv("TLS_OFFLOAD", "true")
	t.Setenv("APP_ENV", "production")
	t.Setenv("PORT", "3000")
	t.Setenv("SESSION_SECRET", "secret")
	path := writeConfig(t, "server:\n  hostname: manage.example.com\nauth:\n  client_id: c\n  client_secret: s\n  tenant_id: t\n  application_access_groups: [g]\n")
	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, loaded.Production())
	assert.False(t, loaded.ServeTLS())
	assert.Equal(t, ":3000", loaded.ListenAddr())
	assert.Equal(t, "https://manage.example.com/auth/redirect", loaded.RedirectURI())
}

func TestClientConfigResolvesTenantAuthority(t *testing.T) {
	cfg := validConfig()
	cc := cfg.ClientConfig()
	assert.Equal(t, "https://login.microsoftonline.com/tenant-1/v2.0", cc.Authority)
	assert.Equal(t, "client-1", cc.ClientID)
	assert.Equal(t, "client-secret", cc.ClientSecret)
	assert.Equal(t, "http://localhost:8080/auth/redirect", cc.RedirectURI)

	cfg.Auth.DevProvider = true
	assert.Equal(t, "http://localhost:8080/dev/idp", cfg.ClientConfig().Authority)
}

func TestPublicURLScheme(t *testing.T) {
	tests := map[string]string{
		"localhost":          "http://localhost",
		"localhost:3000":     "http://localhost:3000",
		"127.0.0.1:8080":     "http://127.0.0.1:8080",
		"manage.example.com": "https://manage.example.com",
	}
	for host, want := range tests {
		cfg := validConfig()
		cfg.Server.Hostname = host
		assert.Equal(t, want, cfg.PublicURL(), host)
	}
}
