package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// Config holds all configuration for the records client
type Config struct {
	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Ledger (EVM contract) configuration
	Ledger LedgerConfig `mapstructure:"ledger"`

	// Off-chain document store configuration
	Store StoreConfig `mapstructure:"store"`

	// Wallet configuration
	Wallet WalletConfig `mapstructure:"wallet"`

	// JWT configuration
	JWT JWTConfig `mapstructure:"jwt"`

	// Encryption configuration
	Encryption EncryptionConfig `mapstructure:"encryption"`

	// Retrieve flow tuning
	Retrieve RetrieveConfig `mapstructure:"retrieve"`

	// Logging configuration
	LogLevel string `mapstructure:"log_level"`

	// Monitoring configuration
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"`

	// Browser origins allowed to call the API. Empty means same-origin only.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LedgerConfig holds the contract endpoint and transaction settings
type LedgerConfig struct {
	RPCURL           string `mapstructure:"rpc_url"`
	ContractAddress  string `mapstructure:"contract_address"`
	ChainID          int64  `mapstructure:"chain_id"`
	GasLimit         uint64 `mapstructure:"gas_limit"`
	ConfirmTimeout   int    `mapstructure:"confirm_timeout"`
	HistoryFromBlock uint64 `mapstructure:"history_from_block"`
}

// StoreConfig selects and configures the document store backend
type StoreConfig struct {
	Backend  string         `mapstructure:"backend"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	LevelDB  LevelDBConfig  `mapstructure:"leveldb"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
}

// PostgresConfig holds database configuration
type PostgresConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
}

// LevelDBConfig holds the embedded store location
type LevelDBConfig struct {
	Path string `mapstructure:"path"`
}

// BreakerConfig tunes the circuit breaker guarding the store
type BreakerConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	MaxRequests      uint32 `mapstructure:"max_requests"`
	Interval         int    `mapstructure:"interval"`
	Timeout          int    `mapstructure:"timeout"`
	FailureThreshold uint32 `mapstructure:"failure_threshold"`
}

// WalletConfig describes where the signing identity comes from
type WalletConfig struct {
	KeystoreFile string `mapstructure:"keystore_file"`
	Passphrase   string `mapstructure:"passphrase"`
	PrivateKey   string `mapstructure:"private_key"`
}

// JWTConfig holds the bearer token settings for the HTTP API
type JWTConfig struct {
	SecretKey      string `mapstructure:"secret_key"`
	AccessTokenTTL int    `mapstructure:"access_token_ttl"`
	Issuer         string `mapstructure:"issuer"`
	Audience       string `mapstructure:"audience"`
}

// EncryptionConfig holds encryption configuration
type EncryptionConfig struct {
	MasterSecret     string `mapstructure:"master_secret"`
	LegacyPassphrase string `mapstructure:"legacy_passphrase"`
}

// RetrieveConfig tunes the per-entry fan-out
type RetrieveConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	MetricsPath    string  `mapstructure:"metrics_path"`
	HealthPath     string  `mapstructure:"health_path"`
	HealthTimeout  int     `mapstructure:"health_timeout"`
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	SamplingRate   float64 `mapstructure:"sampling_rate"`
	Environment    string  `mapstructure:"environment"`
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom loads configuration, reading the given file when path is not empty
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/medrex")
	}

	setDefaults(v)

	// MEDREX_LEDGER_RPC_URL overrides ledger.rpc_url
	v.SetEnvPrefix("medrex")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	overrideWithEnv(&config)

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 120)
	v.SetDefault("server.idle_timeout", 120)
	v.SetDefault("server.allowed_origins", []string{})

	// JWT defaults
	v.SetDefault("jwt.secret_key", "")
	v.SetDefault("jwt.access_token_ttl", 3600)
	v.SetDefault("jwt.issuer", "medrex-records")
	v.SetDefault("jwt.audience", "medrex-records-api")

	// Ledger defaults
	v.SetDefault("ledger.rpc_url", "http://127.0.0.1:8545")
	v.SetDefault("ledger.chain_id", 11155111)
	v.SetDefault("ledger.gas_limit", 0)
	v.SetDefault("ledger.confirm_timeout", 300)
	v.SetDefault("ledger.history_from_block", 0)

	// Store defaults
	v.SetDefault("store.backend", "leveldb")
	v.SetDefault("store.leveldb.path", "./data/records")
	v.SetDefault("store.postgres.host", "localhost")
	v.SetDefault("store.postgres.port", 5432)
	v.SetDefault("store.postgres.name", "medrex")
	v.SetDefault("store.postgres.user", "medrex")
	v.SetDefault("store.postgres.ssl_mode", "require")
	v.SetDefault("store.postgres.max_open_conns", 25)
	v.SetDefault("store.postgres.max_idle_conns", 5)
	v.SetDefault("store.postgres.conn_max_lifetime", 300)
	v.SetDefault("store.breaker.enabled", true)
	v.SetDefault("store.breaker.max_requests", 1)
	v.SetDefault("store.breaker.interval", 60)
	v.SetDefault("store.breaker.timeout", 30)
	v.SetDefault("store.breaker.failure_threshold", 5)

	// Keys without a useful default still need registering so that
	// AutomaticEnv values reach Unmarshal.
	v.SetDefault("ledger.contract_address", "")
	v.SetDefault("store.postgres.password", "")
	v.SetDefault("wallet.keystore_file", "")
	v.SetDefault("wallet.passphrase", "")
	v.SetDefault("wallet.private_key", "")
	v.SetDefault("encryption.master_secret", "")
	v.SetDefault("encryption.legacy_passphrase", "")

	// Retrieve defaults
	v.SetDefault("retrieve.concurrency", 4)

	// Monitoring defaults
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.metrics_path", "/metrics")
	v.SetDefault("monitoring.health_path", "/health")
	v.SetDefault("monitoring.health_timeout", 10)
	v.SetDefault("monitoring.tracing_enabled", false)
	v.SetDefault("monitoring.otlp_endpoint", "localhost:4318")
	v.SetDefault("monitoring.sampling_rate", 1.0)
	v.SetDefault("monitoring.environment", "development")

	// Logging defaults
	v.SetDefault("log_level", "info")
}

// overrideWithEnv applies the conventional unprefixed variables
func overrideWithEnv(config *Config) {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if secret := os.Getenv("ENCRYPTION_KEY"); secret != "" {
		config.Encryption.MasterSecret = secret
	}

	if jwtSecret := os.Getenv("JWT_SECRET_KEY"); jwtSecret != "" {
		config.JWT.SecretKey = jwtSecret
	}

	if key := os.Getenv("WALLET_PRIVATE_KEY"); key != "" {
		config.Wallet.PrivateKey = key
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		config.LogLevel = logLevel
	}
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Encryption.MasterSecret == "" {
		return fmt.Errorf("encryption master secret is required")
	}

	if !common.IsHexAddress(config.Ledger.ContractAddress) {
		return fmt.Errorf("invalid contract address: %q", config.Ledger.ContractAddress)
	}

	if config.Ledger.ChainID <= 0 {
		return fmt.Errorf("invalid chain id: %d", config.Ledger.ChainID)
	}

	switch config.Store.Backend {
	case "postgres":
		if config.Store.Postgres.Password == "" {
			return fmt.Errorf("database password is required")
		}
	case "leveldb":
		if config.Store.LevelDB.Path == "" {
			return fmt.Errorf("leveldb path is required")
		}
	default:
		return fmt.Errorf("unknown store backend: %q", config.Store.Backend)
	}

	if config.Retrieve.Concurrency <= 0 {
		return fmt.Errorf("retrieve concurrency must be positive")
	}

	if config.JWT.AccessTokenTTL <= 0 {
		return fmt.Errorf("jwt access token ttl must be positive")
	}

	if config.Monitoring.HealthTimeout <= 0 {
		return fmt.Errorf("health check timeout must be positive")
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	return nil
}
