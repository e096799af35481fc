package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix                   = "IRONBOOKS"
	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultDatabasePath         = "ironbooks.db"
	defaultLogLevel             = "info"
	defaultLogFormat            = "json"
	defaultCookieName           = "app_session"
	defaultSessionIssuer        = "tauth"
	defaultImpersonationSlotKey = "ironbooks.impersonation"
	defaultProfileCacheSize     = 512
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress          string
	TAuthSigningKey      string
	TAuthIssuer          string
	TAuthCookieName      string
	DatabasePath         string
	LogLevel             string
	LogFormat            string
	ImpersonationSlotKey string
	ProfileCacheSize     int
	AllowedOrigins       []string
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
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultSessionIssuer)
	configViper.SetDefault("impersonation.storage_key", defaultImpersonationSlotKey)
	configViper.SetDefault("profiles.cache_size", defaultProfileCacheSize)
	configViper.SetDefault("cors.allowed_origins", []string{"*"})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		TAuthSigningKey:      configViper.GetString("tauth.signing_secret"),
		TAuthIssuer:          configViper.GetString("tauth.issuer"),
		TAuthCookieName:      configViper.GetString("tauth.cookie_name"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            configViper.GetString("log.format"),
		ImpersonationSlotKey: configViper.GetString("impersonation.storage_key"),
		ProfileCacheSize:     configViper.GetInt("profiles.cache_size"),
		AllowedOrigins:       normalizeOrigins(configViper.GetStringSlice("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	if strings.TrimSpace(c.ImpersonationSlotKey) == "" {
		return fmt.Errorf("impersonation.storage_key is required")
	}
	if c.ProfileCacheSize <= 0 {
		return fmt.Errorf("profiles.cache_size must be positive")
	}
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("cors.allowed_origins must list at least one origin")
	}
	return nil
}

// normalizeOrigins accepts both list values and a comma-separated env string.
func normalizeOrigins(raw []string) []string {
	origins := make([]string, 0, len(raw))
	for _, entry := range raw {
		for _, origin := range strings.Split(entry, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}
