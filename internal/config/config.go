package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the node runtime parameters.
type Config struct {
	HTTPAddress         string         `mapstructure:"http_address"`
	LogLevel            string         `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration  `mapstructure:"shutdown_grace_period"`
	Admin               AdminConfig    `mapstructure:"admin"`
	Database            DatabaseConfig `mapstructure:"database"`
	Redis               RedisConfig    `mapstructure:"redis"`
	Auth                AuthConfig     `mapstructure:"auth"`
	Session             SessionConfig  `mapstructure:"session"`
	Keystore            KeystoreConfig `mapstructure:"keystore"`
}

// AdminConfig configures the metrics and health listener. An empty address disables it.
type AdminConfig struct {
	Address           string        `mapstructure:"address"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

// DatabaseConfig selects the storage backend. Driver "memory" keeps everything in process.
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// RedisConfig enables the cross-node delivery relay when Address is set.
type RedisConfig struct {
	Address       string `mapstructure:"address"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// AuthConfig describes token validation. The HMAC secret itself is read from SecretEnv.
type AuthConfig struct {
	SecretEnv string        `mapstructure:"secret_env"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// SessionConfig tunes realtime connections.
type SessionConfig struct {
	SendBuffer    int           `mapstructure:"send_buffer"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	PingInterval  time.Duration `mapstructure:"ping_interval"`
	MaxFrameBytes int64         `mapstructure:"max_frame_bytes"`
}

// KeystoreConfig describes how the client keystore backend is initialized.
type KeystoreConfig struct {
	Backend       string `mapstructure:"backend"`
	Path          string `mapstructure:"path"`
	PassphraseEnv string `mapstructure:"passphrase_env"`
}

// Keystore backends.
const (
	KeystoreFile   = "file"
	KeystoreBadger = "badger"
	KeystoreMemory = "memory"
)

// DriverMemory selects the in-process store.
const DriverMemory = "memory"

const (
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultAdminAddress        = "127.0.0.1:9090"
	defaultReadHeaderTimeout   = 5 * time.Second
	defaultDatabaseDriver      = "sqlite3"
	defaultDatabaseDSN         = "file:data/sealroom.db?_busy_timeout=5000"
	defaultSecretEnv           = "SEALROOM_AUTH_SECRET"
	defaultTokenTTL            = time.Hour
	defaultSendBuffer          = 32
	defaultWriteTimeout        = 10 * time.Second
	defaultPingInterval        = 30 * time.Second
	defaultMaxFrameBytes       = 1 << 20
	defaultKeystoreBackend     = KeystoreFile
	defaultPassphraseEnv       = "SEALROOM_KEYSTORE_PASSPHRASE"
	defaultKeystorePath        = "data/keystore.json"
)

var durationKeys = map[string]time.Duration{
	"shutdown_grace_period":     defaultShutdownGracePeriod,
	"admin.read_header_timeout": defaultReadHeaderTimeout,
	"auth.token_ttl":            defaultTokenTTL,
	"session.write_timeout":     defaultWriteTimeout,
	"session.ping_interval":     defaultPingInterval,
}

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with SEALROOM_ and can override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SEALROOM")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("http_address", defaultHTTPAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("admin.address", defaultAdminAddress)
	v.SetDefault("database.driver", defaultDatabaseDriver)
	v.SetDefault("database.dsn", defaultDatabaseDSN)
	v.SetDefault("database.max_open_conns", 0)
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.channel_prefix", "")
	v.SetDefault("auth.secret_env", defaultSecretEnv)
	v.SetDefault("auth.issuer", "")
	v.SetDefault("session.send_buffer", defaultSendBuffer)
	v.SetDefault("session.max_frame_bytes", defaultMaxFrameBytes)
	v.SetDefault("keystore.backend", defaultKeystoreBackend)
	v.SetDefault("keystore.path", defaultKeystorePath)
	v.SetDefault("keystore.passphrase_env", defaultPassphraseEnv)
	for key, def := range durationKeys {
		v.SetDefault(key, def.String())
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	durations := map[string]*time.Duration{
		"shutdown_grace_period":     &cfg.ShutdownGracePeriod,
		"admin.read_header_timeout": &cfg.Admin.ReadHeaderTimeout,
		"auth.token_ttl":            &cfg.Auth.TokenTTL,
		"session.write_timeout":     &cfg.Session.WriteTimeout,
		"session.ping_interval":     &cfg.Session.PingInterval,
	}
	for key, dst := range durations {
		dur, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if dur < 0 {
			return Config{}, fmt.Errorf("invalid %s: must not be negative", key)
		}
		*dst = dur
	}

	if cfg.HTTPAddress == "" {
		cfg.HTTPAddress = defaultHTTPAddress
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.Auth.SecretEnv == "" {
		cfg.Auth.SecretEnv = defaultSecretEnv
	}
	if cfg.Keystore.PassphraseEnv == "" {
		cfg.Keystore.PassphraseEnv = defaultPassphraseEnv
	}
	if cfg.Keystore.Path == "" {
		cfg.Keystore.Path = defaultKeystorePath
	}

	switch cfg.Database.Driver {
	case "postgres", "sqlite3", DriverMemory:
	default:
		return Config{}, fmt.Errorf("unsupported database.driver %q", cfg.Database.Driver)
	}
	switch cfg.Keystore.Backend {
	case KeystoreFile, KeystoreBadger, KeystoreMemory:
	default:
		return Config{}, fmt.Errorf("unsupported keystore.backend %q", cfg.Keystore.Backend)
	}
	if cfg.Session.SendBuffer < 0 || cfg.Session.MaxFrameBytes < 0 {
		return Config{}, fmt.Errorf("session buffers must not be negative")
	}

	return cfg, nil
}

// AuthSecret fetches the token signing secret from the configured environment variable.
func (c Config) AuthSecret() ([]byte, error) {
	env := c.Auth.SecretEnv
	if env == "" {
		env = defaultSecretEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return nil, fmt.Errorf("auth secret env %s is empty", env)
	}
	return []byte(val), nil
}

// Passphrase fetches the keystore passphrase from the configured environment variable.
func (c Config) Passphrase() (string, error) {
	env := c.Keystore.PassphraseEnv
	if env == "" {
		env = defaultPassphraseEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return "", fmt.Errorf("keystore passphrase env %s is empty", env)
	}
	return val, nil
}

// split out for testing.
var getenv = os.Getenv
