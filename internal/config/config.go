package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "BEACON"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "beacon.db"
	defaultLogLevel        = "info"
	defaultCookieName      = "beacon_session"
	defaultSessionIssuer   = "beacon-auth"
	defaultProfileEndpoint = "https://api.github.com/user"
	defaultSessionTTLHours = 120
	defaultFreshnessHours  = 120
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress          string
	SessionSigningSecret string
	SessionIssuer        string
	SessionCookieName    string
	SessionCookieSecure  bool
	SessionTTL           time.Duration
	FreshnessWindow      time.Duration
	IDPAudience          string
	IDPJWKSURL           string
	IDPAllowedIssuers    []string
	ProfileEndpoint      string
	AllowedOrigins       []string
	DatabasePath         string
	LogLevel             string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.cookie_secure", false)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.ttl_hours", defaultSessionTTLHours)
	configViper.SetDefault("session.freshness_hours", defaultFreshnessHours)
	configViper.SetDefault("profile.endpoint", defaultProfileEndpoint)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		SessionCookieName:    configViper.GetString("session.cookie_name"),
		SessionCookieSecure:  configViper.GetBool("session.cookie_secure"),
		SessionTTL:           time.Duration(configViper.GetInt("session.ttl_hours")) * time.Hour,
		FreshnessWindow:      time.Duration(configViper.GetInt("session.freshness_hours")) * time.Hour,
		IDPAudience:          configViper.GetString("idp.audience"),
		IDPJWKSURL:           configViper.GetString("idp.jwks_url"),
		IDPAllowedIssuers:    configViper.GetStringSlice("idp.allowed_issuers"),
		ProfileEndpoint:      configViper.GetString("profile.endpoint"),
		AllowedOrigins:       configViper.GetStringSlice("cors.allowed_origins"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.IDPAudience) == "" {
		return fmt.Errorf("idp.audience is required")
	}
	if strings.TrimSpace(c.IDPJWKSURL) == "" {
		return fmt.Errorf("idp.jwks_url is required")
	}
	if len(c.IDPAllowedIssuers) == 0 {
		return fmt.Errorf("idp.allowed_issuers is required")
	}
	if strings.TrimSpace(c.ProfileEndpoint) == "" {
		return fmt.Errorf("profile.endpoint is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session.ttl_hours must be positive")
	}
	if c.FreshnessWindow <= 0 {
		return fmt.Errorf("session.freshness_hours must be positive")
	}
	return nil
}
