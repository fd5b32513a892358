// Package config loads the service configuration from YAML with
// environment-variable overrides. Env wins over file, file wins over
// defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App struct {
		// dev | staging | prod
		Env string `yaml:"env"`
	} `yaml:"app"`

	Server struct {
		Addr               string   `yaml:"addr"`
		CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
		ReadTimeout        string   `yaml:"read_timeout"`
		WriteTimeout       string   `yaml:"write_timeout"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`  // debug | info | warn | error
		Format string `yaml:"format"` // json | console
	} `yaml:"log"`

	KV struct {
		Kind  string `yaml:"kind"` // memory | redis
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"kv"`

	Cache struct {
		DefaultTTL string `yaml:"default_ttl"`
	} `yaml:"cache"`

	Storage struct {
		Driver   string `yaml:"driver"` // kv | postgres
		Postgres struct {
			DSN             string `yaml:"dsn"`
			MaxConns        int    `yaml:"max_conns"`
			ConnMaxLifetime string `yaml:"conn_max_lifetime"`
		} `yaml:"postgres"`
	} `yaml:"storage"`

	Tokens struct {
		Issuer         string `yaml:"issuer"`
		AccessTTL      string `yaml:"access_ttl"`
		SigningKeyFile string `yaml:"signing_key_file"` // PEM, P-256
		KeyID          string `yaml:"key_id"`
	} `yaml:"tokens"`

	Resolver struct {
		DirectoryURL string `yaml:"directory_url"`
		Timeout      string `yaml:"timeout"`
		CacheTTL     string `yaml:"cache_ttl"`
		NegativeTTL  string `yaml:"negative_ttl"`
	} `yaml:"resolver"`

	Verify struct {
		ExpectedIssuer   string `yaml:"expected_issuer"`
		ExpectedAudience string `yaml:"expected_audience"`
		ClockTolerance   string `yaml:"clock_tolerance"`
	} `yaml:"verify"`

	OAuth struct {
		CodeTTL         string   `yaml:"code_ttl"`
		RefreshTTL      string   `yaml:"refresh_ttl"`
		SessionTTL      string   `yaml:"session_ttl"`
		MaxRedirectURIs int      `yaml:"max_redirect_uris"`
		DefaultScopes   []string `yaml:"default_scopes"`
	} `yaml:"oauth"`

	Authz struct {
		RoleCacheTTL string `yaml:"role_cache_ttl"`
	} `yaml:"authz"`

	Trust struct {
		Weights struct {
			Authentication int `yaml:"authentication"`
			Device         int `yaml:"device"`
			Behavior       int `yaml:"behavior"`
			Network        int `yaml:"network"`
		} `yaml:"weights"`
		MinScore        int    `yaml:"min_score"`
		ServiceMinScore int    `yaml:"service_min_score"`
		FreshSessionAge string `yaml:"fresh_session_age"`
		EventWindow     string `yaml:"event_window"`
	} `yaml:"trust"`

	MFA struct {
		Issuer          string `yaml:"issuer"`
		PendingTTL      string `yaml:"pending_ttl"`
		BackupCodes     int    `yaml:"backup_codes"`
		MaxAttempts     int    `yaml:"max_attempts"`
		AttemptWindow   string `yaml:"attempt_window"`
		LockoutDuration string `yaml:"lockout_duration"`
	} `yaml:"mfa"`

	Rate struct {
		Enabled     bool   `yaml:"enabled"`
		Window      string `yaml:"window"`
		MaxRequests int    `yaml:"max_requests"`

		Token struct {
			Limit  int    `yaml:"limit"`
			Window string `yaml:"window"`
		} `yaml:"token"`

		MFAVerify struct {
			Limit  int    `yaml:"limit"`
			Window string `yaml:"window"`
		} `yaml:"mfa_verify"`
	} `yaml:"rate"`
}

// Load reads the YAML at path (the file may be absent, leaving defaults
// plus env), applies defaults and env overrides, and validates duration
// strings.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, err
		}
	}

	// sane defaults
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == "" {
		c.Server.ReadTimeout = "10s"
	}
	if c.Server.WriteTimeout == "" {
		c.Server.WriteTimeout = "30s"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.KV.Kind == "" {
		c.KV.Kind = "memory"
	}
	if c.KV.Redis.Prefix == "" {
		c.KV.Redis.Prefix = "idc"
	}
	if c.Cache.DefaultTTL == "" {
		c.Cache.DefaultTTL = "2m"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "kv"
	}
	if c.Tokens.Issuer == "" {
		c.Tokens.Issuer = "https://auth.localhost"
	}
	if c.Tokens.AccessTTL == "" {
		c.Tokens.AccessTTL = "15m"
	}
	if c.Tokens.KeyID == "" {
		c.Tokens.KeyID = "primary"
	}
	if c.Resolver.Timeout == "" {
		c.Resolver.Timeout = "5s"
	}
	if c.Resolver.CacheTTL == "" {
		c.Resolver.CacheTTL = "5m"
	}
	if c.Resolver.NegativeTTL == "" {
		c.Resolver.NegativeTTL = "30s"
	}
	if c.Verify.ClockTolerance == "" {
		c.Verify.ClockTolerance = "60s"
	}
	if c.OAuth.CodeTTL == "" {
		c.OAuth.CodeTTL = "10m"
	}
	if c.OAuth.RefreshTTL == "" {
		c.OAuth.RefreshTTL = "720h" // 30d
	}
	if c.OAuth.SessionTTL == "" {
		c.OAuth.SessionTTL = "24h"
	}
	if c.OAuth.MaxRedirectURIs == 0 {
		c.OAuth.MaxRedirectURIs = 10
	}
	if c.Authz.RoleCacheTTL == "" {
		c.Authz.RoleCacheTTL = "30s"
	}
	if c.Trust.Weights.Authentication == 0 && c.Trust.Weights.Device == 0 &&
		c.Trust.Weights.Behavior == 0 && c.Trust.Weights.Network == 0 {
		c.Trust.Weights.Authentication = 40
		c.Trust.Weights.Device = 25
		c.Trust.Weights.Behavior = 20
		c.Trust.Weights.Network = 15
	}
	if c.Trust.MinScore == 0 {
		c.Trust.MinScore = 60
	}
	if c.Trust.ServiceMinScore == 0 {
		c.Trust.ServiceMinScore = 50
	}
	if c.Trust.FreshSessionAge == "" {
		c.Trust.FreshSessionAge = "15m"
	}
	if c.Trust.EventWindow == "" {
		c.Trust.EventWindow = "24h"
	}
	if c.MFA.Issuer == "" {
		c.MFA.Issuer = "identity-core"
	}
	if c.MFA.PendingTTL == "" {
		c.MFA.PendingTTL = "10m"
	}
	if c.MFA.BackupCodes == 0 {
		c.MFA.BackupCodes = 8
	}
	if c.MFA.MaxAttempts == 0 {
		c.MFA.MaxAttempts = 5
	}
	if c.MFA.AttemptWindow == "" {
		c.MFA.AttemptWindow = "15m"
	}
	if c.MFA.LockoutDuration == "" {
		c.MFA.LockoutDuration = "30m"
	}
	if c.Rate.Window == "" {
		c.Rate.Window = "1m"
	}
	if c.Rate.MaxRequests == 0 {
		c.Rate.MaxRequests = 120
	}
	if c.Rate.Token.Limit == 0 {
		c.Rate.Token.Limit = 30
	}
	if c.Rate.Token.Window == "" {
		c.Rate.Token.Window = "1m"
	}
	if c.Rate.MFAVerify.Limit == 0 {
		c.Rate.MFAVerify.Limit = 10
	}
	if c.Rate.MFAVerify.Window == "" {
		c.Rate.MFAVerify.Window = "1m"
	}

	c.applyEnvOverrides()

	for name, s := range map[string]string{
		"server.read_timeout":     c.Server.ReadTimeout,
		"server.write_timeout":    c.Server.WriteTimeout,
		"cache.default_ttl":       c.Cache.DefaultTTL,
		"tokens.access_ttl":       c.Tokens.AccessTTL,
		"resolver.timeout":        c.Resolver.Timeout,
		"resolver.cache_ttl":      c.Resolver.CacheTTL,
		"resolver.negative_ttl":   c.Resolver.NegativeTTL,
		"verify.clock_tolerance":  c.Verify.ClockTolerance,
		"oauth.code_ttl":          c.OAuth.CodeTTL,
		"oauth.refresh_ttl":       c.OAuth.RefreshTTL,
		"oauth.session_ttl":       c.OAuth.SessionTTL,
		"authz.role_cache_ttl":    c.Authz.RoleCacheTTL,
		"trust.fresh_session_age": c.Trust.FreshSessionAge,
		"trust.event_window":      c.Trust.EventWindow,
		"mfa.pending_ttl":         c.MFA.PendingTTL,
		"mfa.attempt_window":      c.MFA.AttemptWindow,
		"mfa.lockout_duration":    c.MFA.LockoutDuration,
		"rate.window":             c.Rate.Window,
		"rate.token.window":       c.Rate.Token.Window,
		"rate.mfa_verify.window":  c.Rate.MFAVerify.Window,
	} {
		if _, err := time.ParseDuration(s); err != nil {
			return nil, fmt.Errorf("config %s: %w", name, err)
		}
	}
	if c.Storage.Postgres.ConnMaxLifetime != "" {
		if _, err := time.ParseDuration(c.Storage.Postgres.ConnMaxLifetime); err != nil {
			return nil, fmt.Errorf("config storage.postgres.conn_max_lifetime: %w", err)
		}
	}

	sum := c.Trust.Weights.Authentication + c.Trust.Weights.Device +
		c.Trust.Weights.Behavior + c.Trust.Weights.Network
	if sum != 100 {
		return nil, fmt.Errorf("config trust.weights must sum to 100, got %d", sum)
	}

	if strings.EqualFold(c.App.Env, "prod") && c.Storage.Driver == "postgres" && c.Storage.Postgres.DSN == "" {
		return nil, fmt.Errorf("config storage.postgres.dsn required in prod")
	}

	return &c, nil
}

// Duration returns a parsed duration string. Call only after Load has
// validated it.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// ---- env helpers ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}

func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}

func getEnvCSV(key string) ([]string, bool) {
	if s, ok := getEnvStr(key); ok {
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, true
	}
	return nil, false
}

func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvStr("APP_ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}

	if v, ok := getEnvStr("SERVER_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvCSV("SERVER_CORS_ALLOWED_ORIGINS"); ok {
		c.Server.CORSAllowedOrigins = v
	}

	if v, ok := getEnvStr("LOG_LEVEL"); ok {
		c.Log.Level = strings.ToLower(v)
	}
	if v, ok := getEnvStr("LOG_FORMAT"); ok {
		c.Log.Format = strings.ToLower(v)
	}

	if v, ok := getEnvStr("KV_KIND"); ok {
		c.KV.Kind = v
	}
	if v, ok := getEnvStr("REDIS_ADDR"); ok {
		c.KV.Redis.Addr = v
	}
	if v, ok := getEnvStr("REDIS_PASSWORD"); ok {
		c.KV.Redis.Password = v
	}
	if v, ok := getEnvInt("REDIS_DB"); ok {
		c.KV.Redis.DB = v
	}
	if v, ok := getEnvStr("REDIS_PREFIX"); ok {
		c.KV.Redis.Prefix = v
	}

	if v, ok := getEnvStr("STORAGE_DRIVER"); ok {
		c.Storage.Driver = v
	}
	if v, ok := getEnvStr("POSTGRES_DSN"); ok {
		c.Storage.Postgres.DSN = v
	}
	if v, ok := getEnvInt("POSTGRES_MAX_CONNS"); ok {
		c.Storage.Postgres.MaxConns = v
	}

	if v, ok := getEnvStr("TOKEN_ISSUER"); ok {
		c.Tokens.Issuer = v
	}
	if v, ok := getEnvStr("TOKEN_ACCESS_TTL"); ok {
		c.Tokens.AccessTTL = v
	}
	if v, ok := getEnvStr("TOKEN_SIGNING_KEY_FILE"); ok {
		c.Tokens.SigningKeyFile = v
	}
	if v, ok := getEnvStr("TOKEN_KEY_ID"); ok {
		c.Tokens.KeyID = v
	}

	if v, ok := getEnvStr("RESOLVER_DIRECTORY_URL"); ok {
		c.Resolver.DirectoryURL = v
	}
	if v, ok := getEnvStr("RESOLVER_TIMEOUT"); ok {
		c.Resolver.Timeout = v
	}

	if v, ok := getEnvStr("VERIFY_EXPECTED_ISSUER"); ok {
		c.Verify.ExpectedIssuer = v
	}
	if v, ok := getEnvStr("VERIFY_EXPECTED_AUDIENCE"); ok {
		c.Verify.ExpectedAudience = v
	}

	if v, ok := getEnvStr("OAUTH_CODE_TTL"); ok {
		c.OAuth.CodeTTL = v
	}
	if v, ok := getEnvStr("OAUTH_REFRESH_TTL"); ok {
		c.OAuth.RefreshTTL = v
	}
	if v, ok := getEnvCSV("OAUTH_DEFAULT_SCOPES"); ok {
		c.OAuth.DefaultScopes = v
	}

	if v, ok := getEnvInt("TRUST_MIN_SCORE"); ok {
		c.Trust.MinScore = v
	}
	if v, ok := getEnvInt("TRUST_SERVICE_MIN_SCORE"); ok {
		c.Trust.ServiceMinScore = v
	}

	if v, ok := getEnvStr("MFA_ISSUER"); ok {
		c.MFA.Issuer = v
	}
	if v, ok := getEnvInt("MFA_MAX_ATTEMPTS"); ok {
		c.MFA.MaxAttempts = v
	}
	if v, ok := getEnvStr("MFA_LOCKOUT_DURATION"); ok {
		c.MFA.LockoutDuration = v
	}

	if v, ok := getEnvBool("RATE_ENABLED"); ok {
		c.Rate.Enabled = v
	}
	if v, ok := getEnvInt("RATE_MAX_REQUESTS"); ok {
		c.Rate.MaxRequests = v
	}
	if v, ok := getEnvStr("RATE_WINDOW"); ok {
		c.Rate.Window = v
	}
	if v, ok := getEnvInt("RATE_TOKEN_LIMIT"); ok {
		c.Rate.Token.Limit = v
	}
	if v, ok := getEnvInt("RATE_MFA_VERIFY_LIMIT"); ok {
		c.Rate.MFAVerify.Limit = v
	}
}
