// Package config loads settings from calsync.yaml, .env and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"clinic-calendar-sync/pkg/auth"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config holds every setting of the service.
type Config struct {
	LogLevel string      `mapstructure:"log_level"`
	OAuth    OAuthConfig `mapstructure:"oauth"`
	Calendar Calendar    `mapstructure:"calendar"`
	Store    StoreConfig `mapstructure:"store"`
	Sync     SyncConfig  `mapstructure:"sync"`
	MCP      MCPConfig   `mapstructure:"mcp"`
}

// OAuthConfig locates the OAuth client and bounds the loopback flow.
type OAuthConfig struct {
	ClientID        string        `mapstructure:"client_id"`
	ClientSecret    string        `mapstructure:"client_secret"`
	CredentialsFile string        `mapstructure:"credentials_file"`
	SecretProject   string        `mapstructure:"secret_project"`
	SecretName      string        `mapstructure:"secret_name"`
	PortLow         int           `mapstructure:"port_low"`
	PortHigh        int           `mapstructure:"port_high"`
	FlowTTL         time.Duration `mapstructure:"flow_ttl"`
}

// Calendar names the provider calendar appointments are written to.
type Calendar struct {
	Name string `mapstructure:"name"`
}

// StoreConfig selects the persistence backends.
type StoreConfig struct {
	Backend          string `mapstructure:"backend"`
	DatabaseURL      string `mapstructure:"database_url"`
	RedisURL         string `mapstructure:"redis_url"`
	FirestoreProject string `mapstructure:"firestore_project"`
}

// SyncConfig tunes the orchestrator and scheduler.
type SyncConfig struct {
	Parallelism int           `mapstructure:"parallelism"`
	Schedule    string        `mapstructure:"schedule"`
	PullWindow  time.Duration `mapstructure:"pull_window"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`
	LockTTL     time.Duration `mapstructure:"lock_ttl"`
}

// MCPConfig configures the serve command.
type MCPConfig struct {
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	APIKey           string `mapstructure:"api_key"`
	FirestoreProject string `mapstructure:"firestore_project"`
}

// ClientSource returns where the OAuth client is loaded from.
func (c *Config) ClientSource() auth.ClientSource {
	return auth.ClientSource{
		SecretProject:   c.OAuth.SecretProject,
		SecretName:      c.OAuth.SecretName,
		CredentialsFile: c.OAuth.CredentialsFile,
		ClientID:        c.OAuth.ClientID,
		ClientSecret:    c.OAuth.ClientSecret,
	}
}

// envBindings maps keys to the unprefixed variables commonly set by deployments.
var envBindings = map[string][]string{
	"oauth.client_id":         {"CALSYNC_OAUTH_CLIENT_ID", "GOOGLE_CLIENT_ID"},
	"oauth.client_secret":     {"CALSYNC_OAUTH_CLIENT_SECRET", "GOOGLE_CLIENT_SECRET"},
	"oauth.secret_project":    {"CALSYNC_OAUTH_SECRET_PROJECT", "SECRET_PROJECT"},
	"oauth.secret_name":       {"CALSYNC_OAUTH_SECRET_NAME", "SECRET_NAME"},
	"store.database_url":      {"CALSYNC_STORE_DATABASE_URL", "DATABASE_URL"},
	"store.redis_url":         {"CALSYNC_STORE_REDIS_URL", "REDIS_URL"},
	"store.firestore_project": {"CALSYNC_STORE_FIRESTORE_PROJECT", "FIRESTORE_PROJECT"},
	"mcp.firestore_project":   {"CALSYNC_MCP_FIRESTORE_PROJECT", "FIRESTORE_PROJECT"},
	"mcp.api_key":             {"CALSYNC_MCP_API_KEY", "MCP_API_KEY"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("oauth.credentials_file", auth.DefaultCredentialsFile())
	v.SetDefault("oauth.port_low", 8000)
	v.SetDefault("oauth.port_high", 9000)
	v.SetDefault("oauth.flow_ttl", 10*time.Minute)

	v.SetDefault("calendar.name", "Clinic Appointments")

	// Empty selects postgres when a database URL is configured.
	v.SetDefault("store.backend", "")

	v.SetDefault("sync.parallelism", 4)
	v.SetDefault("sync.schedule", "@every 1m")
	v.SetDefault("sync.pull_window", 7*24*time.Hour)
	v.SetDefault("sync.stale_after", 30*time.Minute)
	v.SetDefault("sync.lock_ttl", 10*time.Minute)

	v.SetDefault("mcp.host", "localhost")
	v.SetDefault("mcp.port", 8080)
}

// Load reads .env (if present), then calsync.yaml from ., ./config or
// $HOME/.clinic-calendar-sync, then the environment. An explicit file path
// overrides the search.
func Load(file string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Msg("Failed to load .env file")
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CALSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, vars := range envBindings {
		if err := v.BindEnv(append([]string{key}, vars...)...); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("calsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.clinic-calendar-sync")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		log.Debug().Msg("Config file not found, using environment variables and defaults")
	} else {
		log.Debug().Str("file", v.ConfigFileUsed()).Msg("Using config file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendMemory
		if cfg.Store.DatabaseURL != "" {
			cfg.Store.Backend = BackendPostgres
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and required combinations.
func (c *Config) Validate() error {
	var problems []string

	if c.OAuth.PortLow <= 0 || c.OAuth.PortHigh > 65535 || c.OAuth.PortLow > c.OAuth.PortHigh {
		problems = append(problems, fmt.Sprintf("invalid oauth port range %d-%d", c.OAuth.PortLow, c.OAuth.PortHigh))
	}
	if c.OAuth.FlowTTL <= 0 {
		problems = append(problems, "oauth.flow_ttl must be positive")
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.backend postgres requires DATABASE_URL")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown store.backend %q", c.Store.Backend))
	}
	if c.Sync.Parallelism <= 0 {
		problems = append(problems, "sync.parallelism must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
