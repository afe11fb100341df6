// Package config loads the settlement daemon configuration from a yaml file
// and SETTLEMENT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const envPrefix = "SETTLEMENT"

// secretKeys are masked by Dump.
var secretKeys = [][2]string{
	{"auth", "jwt_secret"},
	{"auth", "admin_totp_secret"},
	{"redis", "password"},
	{"ledger", "dsn"},
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

type AuthConfig struct {
	JWTSecret string   `mapstructure:"jwt_secret" validate:"required,min=16"`
	Issuer    string   `mapstructure:"issuer" validate:"required"`
	Audience  []string `mapstructure:"audience" validate:"required,min=1"`
	// AdminTOTPSecret, when set, requires an X-TOTP-Code header on admin routes.
	AdminTOTPSecret string `mapstructure:"admin_totp_secret"`
}

type StorageConfig struct {
	// Path of the badger directory. Empty runs in memory.
	Path       string        `mapstructure:"path"`
	GCInterval time.Duration `mapstructure:"gc_interval" validate:"gt=0"`
}

type LedgerConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=sqlite postgres"`
	DSN    string `mapstructure:"dsn" validate:"required"`

	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	StatsInterval   time.Duration `mapstructure:"stats_interval" validate:"gt=0"`
}

type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addrs     []string      `mapstructure:"addrs" validate:"required_if=Enabled true"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db" validate:"gte=0"`
	MarkerTTL time.Duration `mapstructure:"marker_ttl" validate:"gt=0"`
}

type KafkaConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Brokers     []string `mapstructure:"brokers" validate:"required_if=Enabled true"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
}

type StreamConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	ReplaySize int  `mapstructure:"replay_size" validate:"gte=0"`
}

type TelemetryConfig struct {
	ServiceName  string `mapstructure:"service_name" validate:"required"`
	TraceStdout  bool   `mapstructure:"trace_stdout"`
	MetricStdout bool   `mapstructure:"metric_stdout"`
}

type SettlementConfig struct {
	Admin        string   `mapstructure:"admin" validate:"required"`
	Custody      string   `mapstructure:"custody" validate:"required,nefield=Admin"`
	FeeRecipient string   `mapstructure:"fee_recipient"`
	Arbitrators  []string `mapstructure:"arbitrators" validate:"dive,required"`
	// AutoInitialize initializes the engine at startup when it has no admin yet.
	AutoInitialize bool `mapstructure:"auto_initialize"`
}

// Config is the complete daemon configuration.
type Config struct {
	LogLevel   string           `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Stream     StreamConfig     `mapstructure:"stream"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Settlement SettlementConfig `mapstructure:"settlement"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("auth.issuer", "nftsettle")
	v.SetDefault("auth.audience", []string{"nftsettle-api"})

	v.SetDefault("storage.path", "data/records")
	v.SetDefault("storage.gc_interval", 10*time.Minute)

	v.SetDefault("ledger.driver", "sqlite")
	v.SetDefault("ledger.dsn", "data/ledger.db")
	v.SetDefault("ledger.max_open_conns", 50)
	v.SetDefault("ledger.max_idle_conns", 10)
	v.SetDefault("ledger.conn_max_lifetime", time.Hour)
	v.SetDefault("ledger.stats_interval", 30*time.Second)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addrs", []string{"localhost:6379"})
	v.SetDefault("redis.marker_ttl", time.Minute)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})

	v.SetDefault("stream.enabled", true)
	v.SetDefault("stream.replay_size", 1024)

	v.SetDefault("telemetry.service_name", "nftsettle")
	v.SetDefault("telemetry.trace_stdout", false)
	v.SetDefault("telemetry.metric_stdout", false)

	v.SetDefault("settlement.custody", "escrow")
	v.SetDefault("settlement.auto_initialize", true)
}

// Manager loads and validates the configuration.
type Manager struct {
	configPath string
	logger     *zap.Logger
	viper      *viper.Viper
	validate   *validator.Validate

	mutex  sync.RWMutex
	config *Config
}

func NewManager(configPath string, logger *zap.Logger) *Manager {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return &Manager{
		configPath: configPath,
		logger:     logger.Named("config"),
		viper:      v,
		validate:   validator.New(),
	}
}

// Load reads the config file, if any, overlays the environment and
// validates the result. A missing file leaves defaults and environment.
func (m *Manager) Load() (*Config, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.configPath != "" {
		if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
			m.logger.Warn("Configuration file not found, using defaults", zap.String("path", m.configPath))
		} else {
			m.viper.SetConfigFile(m.configPath)
		}
	} else {
		m.viper.SetConfigName("settlement")
		m.viper.SetConfigType("yaml")
		m.viper.AddConfigPath(".")
		m.viper.AddConfigPath("./configs")
		m.viper.AddConfigPath("/etc/nftsettle")
	}

	if m.configPath == "" || m.viper.ConfigFileUsed() != "" {
		if err := m.viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read configuration file: %w", err)
			}
			m.logger.Warn("Configuration file not found, using defaults")
		}
	}
	m.bindEnv()

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := m.validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	m.config = &cfg

	m.logger.Info("Configuration loaded",
		zap.String("file", m.viper.ConfigFileUsed()),
		zap.String("ledger_driver", cfg.Ledger.Driver),
		zap.Bool("redis", cfg.Redis.Enabled),
		zap.Bool("kafka", cfg.Kafka.Enabled))
	return &cfg, nil
}

// bindEnv registers keys that have no default so AutomaticEnv sees them
// during Unmarshal.
func (m *Manager) bindEnv() {
	for _, key := range []string{
		"auth.jwt_secret", "auth.admin_totp_secret",
		"redis.password", "redis.db", "kafka.topic_prefix",
		"settlement.admin", "settlement.fee_recipient", "settlement.arbitrators",
	} {
		_ = m.viper.BindEnv(key)
	}
}

// Current returns the last loaded configuration.
func (m *Manager) Current() *Config {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.config
}

// Dump writes the effective settings as yaml with secrets masked. Call it
// after Load.
func (m *Manager) Dump(w io.Writer) error {
	m.mutex.RLock()
	settings := m.viper.AllSettings()
	m.mutex.RUnlock()

	for _, key := range secretKeys {
		section, ok := settings[key[0]].(map[string]interface{})
		if !ok {
			continue
		}
		if v, ok := section[key[1]]; ok && v != "" {
			section[key[1]] = "********"
		}
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(settings); err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	return enc.Close()
}
