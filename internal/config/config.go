/**
 * @description
 * Configuration for the collections console. Settings come from environment
 * variables, optionally from a .env file in the given directory.
 *
 * @dependencies
 * - github.com/spf13/viper: configuration loading.
 */

package config

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	SessionStoreMemory = "memory"
	SessionStoreFile   = "file"
	SessionStoreRedis  = "redis"

	CacheStoreSQLite   = "sqlite"
	CacheStorePostgres = "postgres"
)

// Config holds all the configuration variables for the console.
type Config struct {
	BackendBaseURL        string `mapstructure:"BACKEND_BASE_URL"`
	HTTPTimeoutSeconds    int    `mapstructure:"HTTP_TIMEOUT_SECONDS"`
	RefreshTimeoutSeconds int    `mapstructure:"REFRESH_TIMEOUT_SECONDS"`

	SessionStore         string `mapstructure:"SESSION_STORE"`
	SessionDir           string `mapstructure:"SESSION_DIR"`
	SessionEncryptionKey string `mapstructure:"SESSION_ENCRYPTION_KEY"`
	SessionTTLMinutes    int    `mapstructure:"SESSION_TTL_MINUTES"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix       string `mapstructure:"REDIS_KEY_PREFIX"`

	CacheStore      string `mapstructure:"CACHE_STORE"`
	CacheSQLitePath string `mapstructure:"CACHE_SQLITE_PATH"`
	DatabaseURL     string `mapstructure:"DATABASE_URL"`

	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	EventsExchange string `mapstructure:"EVENTS_EXCHANGE"`

	SlackBotToken          string `mapstructure:"SLACK_BOT_TOKEN"`
	SlackEscalationChannel string `mapstructure:"SLACK_ESCALATION_CHANNEL"`

	ViewServerHost string `mapstructure:"VIEW_SERVER_HOST"`
	ViewServerPort string `mapstructure:"VIEW_SERVER_PORT"`
	// ViewServerOrigins is a comma separated list of extra browser origins
	// allowed to call the view server.
	ViewServerOrigins   string `mapstructure:"VIEW_SERVER_ALLOWED_ORIGINS"`
	AutoRefreshSchedule string `mapstructure:"AUTO_REFRESH_SCHEDULE"`
	WatchDir            string `mapstructure:"WATCH_DIR"`
	UseDummyCalls       bool   `mapstructure:"USE_DUMMY_CALLS"`
}

// HTTPTimeout is the per-request timeout of the backend clients.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// RefreshTimeout bounds one token refresh exchange.
func (c Config) RefreshTimeout() time.Duration {
	return time.Duration(c.RefreshTimeoutSeconds) * time.Second
}

// SessionTTL is the idle lifetime of a session kept in Redis.
func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}

// AllowedOrigins splits ViewServerOrigins.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.ViewServerOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

// LoadConfig reads configuration from environment variables and an optional
// .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("BACKEND_BASE_URL", "http://localhost:8000")
	viper.SetDefault("HTTP_TIMEOUT_SECONDS", 60)
	viper.SetDefault("REFRESH_TIMEOUT_SECONDS", 15)
	viper.SetDefault("SESSION_STORE", SessionStoreFile)
	viper.SetDefault("SESSION_TTL_MINUTES", 30)
	viper.SetDefault("REDIS_KEY_PREFIX", "collections")
	viper.SetDefault("CACHE_STORE", CacheStoreSQLite)
	viper.SetDefault("EVENTS_EXCHANGE", "collections_events")
	viper.SetDefault("VIEW_SERVER_HOST", "127.0.0.1")
	viper.SetDefault("VIEW_SERVER_PORT", "8090")
	viper.SetDefault("USE_DUMMY_CALLS", false)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("BACKEND_BASE_URL", "BACKEND_BASE_URL", "API_BASE_URL")
	_ = viper.BindEnv("HTTP_TIMEOUT_SECONDS")
	_ = viper.BindEnv("REFRESH_TIMEOUT_SECONDS")
	_ = viper.BindEnv("SESSION_STORE")
	_ = viper.BindEnv("SESSION_DIR")
	_ = viper.BindEnv("SESSION_ENCRYPTION_KEY")
	_ = viper.BindEnv("SESSION_TTL_MINUTES")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("CACHE_STORE")
	_ = viper.BindEnv("CACHE_SQLITE_PATH")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("SLACK_BOT_TOKEN")
	_ = viper.BindEnv("SLACK_ESCALATION_CHANNEL")
	_ = viper.BindEnv("VIEW_SERVER_HOST")
	_ = viper.BindEnv("VIEW_SERVER_PORT")
	_ = viper.BindEnv("VIEW_SERVER_ALLOWED_ORIGINS")
	_ = viper.BindEnv("AUTO_REFRESH_SCHEDULE")
	_ = viper.BindEnv("WATCH_DIR")
	_ = viper.BindEnv("USE_DUMMY_CALLS")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	normalize(&config)
	return
}

func normalize(config *Config) {
	config.BackendBaseURL = strings.TrimSuffix(strings.TrimSpace(config.BackendBaseURL), "/")
	if config.BackendBaseURL == "" {
		config.BackendBaseURL = "http://localhost:8000"
	}
	if config.HTTPTimeoutSeconds <= 0 {
		config.HTTPTimeoutSeconds = 60
	}
	if config.RefreshTimeoutSeconds <= 0 {
		config.RefreshTimeoutSeconds = 15
	}
	if config.SessionTTLMinutes <= 0 {
		config.SessionTTLMinutes = 30
	}

	config.SessionStore = strings.ToLower(strings.TrimSpace(config.SessionStore))
	switch config.SessionStore {
	case SessionStoreMemory, SessionStoreFile, SessionStoreRedis:
	default:
		log.Printf("level=warn component=config msg=\"unknown SESSION_STORE; using file\" value=%q", config.SessionStore)
		config.SessionStore = SessionStoreFile
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	if config.SessionStore == SessionStoreRedis && config.RedisURL == "" {
		log.Printf("level=warn component=config msg=\"SESSION_STORE=redis without REDIS_URL; using file\"")
		config.SessionStore = SessionStoreFile
	}
	config.RedisKeyPrefix = strings.TrimSpace(config.RedisKeyPrefix)
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "collections"
	}
	if strings.TrimSpace(config.SessionDir) == "" {
		config.SessionDir = defaultSessionDir()
	}

	config.CacheStore = strings.ToLower(strings.TrimSpace(config.CacheStore))
	switch config.CacheStore {
	case CacheStoreSQLite, CacheStorePostgres:
	default:
		log.Printf("level=warn component=config msg=\"unknown CACHE_STORE; using sqlite\" value=%q", config.CacheStore)
		config.CacheStore = CacheStoreSQLite
	}
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	if config.CacheStore == CacheStorePostgres && config.DatabaseURL == "" {
		log.Printf("level=warn component=config msg=\"CACHE_STORE=postgres without DATABASE_URL; using sqlite\"")
		config.CacheStore = CacheStoreSQLite
	}
	if strings.TrimSpace(config.CacheSQLitePath) == "" {
		config.CacheSQLitePath = defaultCachePath()
	}

	config.EventsExchange = strings.TrimSpace(config.EventsExchange)
	if config.EventsExchange == "" {
		config.EventsExchange = "collections_events"
	}
	config.SlackEscalationChannel = strings.TrimSpace(config.SlackEscalationChannel)
	config.AutoRefreshSchedule = strings.TrimSpace(config.AutoRefreshSchedule)
	config.WatchDir = strings.TrimSpace(config.WatchDir)
	config.ViewServerHost = strings.TrimSpace(config.ViewServerHost)
	if config.ViewServerHost == "" {
		config.ViewServerHost = "127.0.0.1"
	}
	config.ViewServerPort = strings.TrimPrefix(strings.TrimSpace(config.ViewServerPort), ":")
	if config.ViewServerPort == "" {
		config.ViewServerPort = "8090"
	}
}

// defaultSessionDir is per login session where the platform has one, so the
// session is gone after a reboot.
func defaultSessionDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "collections")
	}
	return filepath.Join(os.TempDir(), "collections-"+currentUser())
}

func defaultCachePath() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "collections", "cache.db")
	}
	return filepath.Join(os.TempDir(), "collections-cache.db")
}

func currentUser() string {
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "default"
}
