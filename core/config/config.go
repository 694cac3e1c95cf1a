package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type ServerConfig struct {
	Host        string
	Port        int
	BaseURL     string
	DeployURL   string
	Environment string // development | staging | production
	LogLevel    string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret string
}

type CalendarConfig struct {
	// EncryptionSecret feeds the token vault's key derivation. Required for
	// any provider operation that touches stored tokens.
	EncryptionSecret string
	SyncWindowDays   int
	SyncCron         string
	CalDAVBaseURL    string
}

// OAuthClientConfig holds one provider's registered application credentials.
type OAuthClientConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Calendar CalendarConfig

	// oauthClients is keyed by provider tag (google, outlook, apple).
	oauthClients map[string]OAuthClientConfig
}

// OAuthClient returns the registered credentials for a provider tag. The
// second return is false when neither client id nor secret is configured.
func (c *Config) OAuthClient(provider string) (OAuthClientConfig, bool) {
	cc, ok := c.oauthClients[strings.ToLower(provider)]
	return cc, ok
}

var (
	instance *Config
	mu       sync.RWMutex
)

// Load reads configuration from the environment. In non-production a .env
// file is honored when present. Safe to call once at startup.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", 7070)
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("CALENDAR_SYNC_WINDOW_DAYS", 30)
	v.SetDefault("CALENDAR_SYNC_CRON", "@every 15m")
	v.SetDefault("APPLE_CALDAV_BASE_URL", "https://caldav.icloud.com")

	if v.GetString("ENVIRONMENT") != "production" {
		// Missing .env is fine; the environment itself may be fully set.
		_ = godotenv.Load()
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:        v.GetString("SERVER_HOST"),
			Port:        v.GetInt("SERVER_PORT"),
			BaseURL:     v.GetString("APP_BASE_URL"),
			DeployURL:   v.GetString("DEPLOY_URL"),
			Environment: v.GetString("ENVIRONMENT"),
			LogLevel:    v.GetString("LOG_LEVEL"),
		},
		Database: DatabaseConfig{
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetInt("DB_PORT"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			DBName:   v.GetString("DB_NAME"),
			SSLMode:  v.GetString("DB_SSLMODE"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("JWT_SECRET"),
		},
		Calendar: CalendarConfig{
			EncryptionSecret: v.GetString("TOKEN_ENCRYPTION_SECRET"),
			SyncWindowDays:   v.GetInt("CALENDAR_SYNC_WINDOW_DAYS"),
			SyncCron:         v.GetString("CALENDAR_SYNC_CRON"),
			CalDAVBaseURL:    v.GetString("APPLE_CALDAV_BASE_URL"),
		},
		oauthClients: map[string]OAuthClientConfig{},
	}

	for _, provider := range []string{"google", "outlook", "apple"} {
		prefix := strings.ToUpper(provider)
		cc := OAuthClientConfig{
			ClientID:     v.GetString(prefix + "_CLIENT_ID"),
			ClientSecret: v.GetString(prefix + "_CLIENT_SECRET"),
			RedirectURI:  v.GetString(prefix + "_REDIRECT_URI"),
		}
		if cc.ClientID != "" || cc.ClientSecret != "" || cc.RedirectURI != "" {
			cfg.oauthClients[provider] = cc
		}
	}

	mu.Lock()
	instance = cfg
	mu.Unlock()
	return cfg, nil
}

// Get returns the process config. Panics when Load has not run.
func Get() *Config {
	cfg, ok := GetSafe()
	if !ok {
		panic("config: Get called before Load")
	}
	return cfg
}

// GetSafe returns the process config and whether it has been loaded.
func GetSafe() (*Config, bool) {
	mu.RLock()
	defer mu.RUnlock()
	return instance, instance != nil
}

// SetForTest replaces the singleton; tests only.
func SetForTest(cfg *Config) {
	mu.Lock()
	instance = cfg
	mu.Unlock()
}

// NewTestConfig builds a config without touching the environment; tests only.
func NewTestConfig(clients map[string]OAuthClientConfig) *Config {
	if clients == nil {
		clients = map[string]OAuthClientConfig{}
	}
	return &Config{oauthClients: clients}
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}
