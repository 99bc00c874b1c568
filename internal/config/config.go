package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "WRITERSROOM"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "writersroom.db"
	defaultLogLevel     = "info"
	defaultCookieName   = "writersroom_session"
	defaultTokenIssuer  = "writersroom-sync"
	defaultAudience     = "writersroom-api"
	defaultTokenTTL     = 12 * time.Hour

	defaultMaxUpdateBytes  = 1 << 20
	defaultPersistAttempts = 3
	defaultPersistBackoff  = 250 * time.Millisecond
	defaultIdleGrace       = 5 * time.Minute
	defaultSessionTimeout  = 30 * time.Minute

	defaultMaterializeSpec = "*/5 * * * *"
	defaultCompactSpec     = "13 * * * *"
	defaultDivergenceSpec  = "43 3 * * *"
	defaultPurgeSpec       = "7 4 * * *"

	defaultCompactThreshold = int64(500)
	defaultCompactMinAge    = time.Hour
	defaultRetention        = 30 * 24 * time.Hour
	defaultJobBudget        = 5 * time.Minute

	defaultSnapshotCacheSize = 256
	defaultSnapshotCacheTTL  = 30 * time.Second
)

// AppConfig captures runtime configuration for the sync server.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string

	AuthSigningSecret string
	AuthIssuer        string
	AuthAudience      string
	AuthCookieName    string
	AuthTokenTTL      time.Duration

	MaxUpdateBytes  int
	PersistAttempts int
	PersistBackoff  time.Duration
	IdleGrace       time.Duration
	SessionTimeout  time.Duration

	MaterializeSpec string
	CompactSpec     string
	DivergenceSpec  string
	PurgeSpec       string

	CompactThreshold int64
	CompactMinAge    time.Duration
	Retention        time.Duration
	JobBudget        time.Duration

	SnapshotCacheSize int
	SnapshotCacheTTL  time.Duration

	BroadcastPeers []string
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

	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)

	configViper.SetDefault("sync.max_update_bytes", defaultMaxUpdateBytes)
	configViper.SetDefault("sync.persist_attempts", defaultPersistAttempts)
	configViper.SetDefault("sync.persist_backoff", defaultPersistBackoff)
	configViper.SetDefault("sync.idle_grace", defaultIdleGrace)
	configViper.SetDefault("sync.session_timeout", defaultSessionTimeout)

	configViper.SetDefault("jobs.materialize_spec", defaultMaterializeSpec)
	configViper.SetDefault("jobs.compact_spec", defaultCompactSpec)
	configViper.SetDefault("jobs.divergence_spec", defaultDivergenceSpec)
	configViper.SetDefault("jobs.purge_spec", defaultPurgeSpec)
	configViper.SetDefault("jobs.budget", defaultJobBudget)

	configViper.SetDefault("compaction.threshold", defaultCompactThreshold)
	configViper.SetDefault("compaction.min_age", defaultCompactMinAge)
	configViper.SetDefault("compaction.retention", defaultRetention)

	configViper.SetDefault("snapshot.cache_size", defaultSnapshotCacheSize)
	configViper.SetDefault("snapshot.cache_ttl", defaultSnapshotCacheTTL)

	configViper.SetDefault("broadcast.peers", []string{})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),

		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthAudience:      configViper.GetString("auth.audience"),
		AuthCookieName:    configViper.GetString("auth.cookie_name"),
		AuthTokenTTL:      configViper.GetDuration("auth.token_ttl"),

		MaxUpdateBytes:  configViper.GetInt("sync.max_update_bytes"),
		PersistAttempts: configViper.GetInt("sync.persist_attempts"),
		PersistBackoff:  configViper.GetDuration("sync.persist_backoff"),
		IdleGrace:       configViper.GetDuration("sync.idle_grace"),
		SessionTimeout:  configViper.GetDuration("sync.session_timeout"),

		MaterializeSpec: configViper.GetString("jobs.materialize_spec"),
		CompactSpec:     configViper.GetString("jobs.compact_spec"),
		DivergenceSpec:  configViper.GetString("jobs.divergence_spec"),
		PurgeSpec:       configViper.GetString("jobs.purge_spec"),
		JobBudget:       configViper.GetDuration("jobs.budget"),

		CompactThreshold: configViper.GetInt64("compaction.threshold"),
		CompactMinAge:    configViper.GetDuration("compaction.min_age"),
		Retention:        configViper.GetDuration("compaction.retention"),

		SnapshotCacheSize: configViper.GetInt("snapshot.cache_size"),
		SnapshotCacheTTL:  configViper.GetDuration("snapshot.cache_ttl"),

		BroadcastPeers: configViper.GetStringSlice("broadcast.peers"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.AuthTokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.MaxUpdateBytes <= 0 {
		return fmt.Errorf("sync.max_update_bytes must be positive")
	}
	if c.CompactThreshold <= 0 {
		return fmt.Errorf("compaction.threshold must be positive")
	}
	return nil
}
