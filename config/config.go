// Package config loads process settings from the environment and an
// optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	AuthRequired = "required"
	AuthDisabled = "disabled"

	BackendTables = "tables"
	BackendMongo  = "mongo"

	ProviderAuth0    = "auth0"
	ProviderFirebase = "firebase"
	ProviderHS256    = "hs256"

	FeedAuto  = "auto"
	FeedRedis = "redis"
	FeedMongo = "mongo"
	FeedLocal = "local"
)

// Config holds every process setting. Keys map to upper-case environment
// variables, e.g. store_backend is read from STORE_BACKEND.
type Config struct {
	Port            int           `mapstructure:"port" validate:"gt=0,lt=65536"`
	StreamPort      int           `mapstructure:"stream_port" validate:"gt=0,lt=65536"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`

	StoreBackend            string `mapstructure:"store_backend" validate:"oneof=tables mongo"`
	StorageConnectionString string `mapstructure:"storage_connection_string" validate:"required_if=StoreBackend tables"`
	TasksTable              string `mapstructure:"tasks_table" validate:"required_if=StoreBackend tables"`
	UsersTable              string `mapstructure:"users_table" validate:"required_if=StoreBackend tables"`
	MongoURI                string `mapstructure:"mongo_uri" validate:"required_if=StoreBackend mongo"`
	MongoDatabase           string `mapstructure:"mongo_database" validate:"required"`

	RedisConnectionString string        `mapstructure:"redis_connection_string"`
	ChangeFeed            string        `mapstructure:"change_feed" validate:"oneof=auto redis mongo local"`
	ChangeChannel         string        `mapstructure:"change_channel" validate:"required"`
	CacheTTL              time.Duration `mapstructure:"cache_ttl" validate:"gte=0"`
	DomainEventsQueue     string        `mapstructure:"domain_events_queue"`

	AuthMode            string        `mapstructure:"auth_mode" validate:"oneof=required disabled"`
	AuthProvider        string        `mapstructure:"auth_provider" validate:"oneof=auth0 firebase hs256"`
	Auth0Domain         string        `mapstructure:"auth0_domain"`
	Auth0Audience       string        `mapstructure:"auth0_audience"`
	AuthCredentialsFile string        `mapstructure:"auth_credentials_file"`
	AuthSharedSecret    string        `mapstructure:"auth_shared_secret"`
	AuthAudience        string        `mapstructure:"auth_audience"`
	AuthIssuer          string        `mapstructure:"auth_issuer"`
	JWKSCacheTTL        time.Duration `mapstructure:"jwks_cache_ttl" validate:"gte=0"`

	VerboseErrors   bool `mapstructure:"verbose_errors"`
	InitialSnapshot bool `mapstructure:"initial_snapshot"`
	DeltaQueue      int  `mapstructure:"delta_queue" validate:"gt=0"`

	Debug     bool   `mapstructure:"debug"`
	LogLevel  string `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=text json"`
}

var defaults = map[string]any{
	"port":                      3000,
	"stream_port":               9000,
	"shutdown_timeout":          10 * time.Second,
	"store_backend":             BackendTables,
	"storage_connection_string": "",
	"tasks_table":               "Tasks",
	"users_table":               "Users",
	"mongo_uri":                 "",
	"mongo_database":            "task_management",
	"redis_connection_string":   "",
	"change_feed":               FeedAuto,
	"change_channel":            "tasks:changes",
	"cache_ttl":                 5 * time.Minute,
	"domain_events_queue":       "",
	"auth_mode":                 AuthRequired,
	"auth_provider":             ProviderAuth0,
	"auth0_domain":              "",
	"auth0_audience":            "",
	"auth_credentials_file":     "",
	"auth_shared_secret":        "",
	"auth_audience":             "",
	"auth_issuer":               "",
	"jwks_cache_ttl":            15 * time.Minute,
	"verbose_errors":            false,
	"initial_snapshot":          false,
	"delta_queue":               64,
	"debug":                     false,
	"log_level":                 "info",
	"log_format":                "text",
}

// Load reads configuration. Environment variables override values from
// configFile, which may be empty.
func Load(configFile string) (Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	c.AuthMode = strings.ToLower(strings.TrimSpace(c.AuthMode))
	c.AuthProvider = strings.ToLower(strings.TrimSpace(c.AuthProvider))
	c.ChangeFeed = strings.ToLower(strings.TrimSpace(c.ChangeFeed))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.Debug {
		c.LogLevel = "debug"
	}
}

// Validate checks struct constraints and the settings that depend on each
// other.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.AuthMode == AuthRequired {
		switch c.AuthProvider {
		case ProviderAuth0:
			if c.Auth0Domain == "" || c.Auth0Audience == "" {
				return errors.New("invalid config: AUTH0_DOMAIN and AUTH0_AUDIENCE are required for auth0")
			}
		case ProviderFirebase:
			if c.AuthCredentialsFile == "" {
				return errors.New("invalid config: AUTH_CREDENTIALS_FILE is required for firebase")
			}
		case ProviderHS256:
			if c.AuthSharedSecret == "" {
				return errors.New("invalid config: AUTH_SHARED_SECRET is required for hs256")
			}
		}
	}
	switch c.ChangeFeed {
	case FeedRedis:
		if c.RedisConnectionString == "" {
			return errors.New("invalid config: REDIS_CONNECTION_STRING is required for the redis change feed")
		}
	case FeedMongo:
		if c.StoreBackend != BackendMongo {
			return errors.New("invalid config: the mongo change feed needs STORE_BACKEND=mongo")
		}
	}
	if c.DomainEventsQueue != "" && c.StorageConnectionString == "" {
		return errors.New("invalid config: DOMAIN_EVENTS_QUEUE needs STORAGE_CONNECTION_STRING")
	}
	return nil
}

// ResolvedFeed returns the change feed to run when ChangeFeed is auto.
func (c Config) ResolvedFeed() string {
	if c.ChangeFeed != FeedAuto {
		return c.ChangeFeed
	}
	switch {
	case c.StoreBackend == BackendMongo:
		return FeedMongo
	case c.RedisConnectionString != "":
		return FeedRedis
	default:
		return FeedLocal
	}
}
