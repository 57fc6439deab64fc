package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all service configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Venue        VenueConfig        `mapstructure:"venue"`
	Feed         FeedConfig         `mapstructure:"feed"`
	Backfill     BackfillConfig     `mapstructure:"backfill"`
	Evaluation   EvaluationConfig   `mapstructure:"evaluation"`
	Notification NotificationConfig `mapstructure:"notification"`
	Execution    ExecutionConfig    `mapstructure:"execution"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"readTimeout"`
	WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"maxOpenConns"`
	MaxIdleConns    int           `mapstructure:"maxIdleConns"`
	ConnMaxLifetime time.Duration `mapstructure:"connMaxLifetime"`
}

// VenueConfig holds the historical market-data API configuration
type VenueConfig struct {
	Name           string        `mapstructure:"name"`
	BaseURL        string        `mapstructure:"baseURL"`
	Timeout        time.Duration `mapstructure:"timeout"`
	WeightBudget   int           `mapstructure:"weightBudget"`
	WeightWindow   time.Duration `mapstructure:"weightWindow"`
	BlockThreshold float64       `mapstructure:"blockThreshold"`
	UsageHeader    string        `mapstructure:"usageHeader"`
}

// FeedConfig holds the realtime push feed configuration
type FeedConfig struct {
	URL              string        `mapstructure:"url"`
	APIKey           string        `mapstructure:"apiKey"`
	ReconnectDelay   time.Duration `mapstructure:"reconnectDelay"`
	HandshakeTimeout time.Duration `mapstructure:"handshakeTimeout"`
}

// BackfillConfig holds historical backfill configuration
type BackfillConfig struct {
	ProbeStep       time.Duration `mapstructure:"probeStep"`
	MaxLookback     time.Duration `mapstructure:"maxLookback"`
	PageSize        int           `mapstructure:"pageSize"`
	EndRefreshPages int           `mapstructure:"endRefreshPages"`
	EndRefreshAfter time.Duration `mapstructure:"endRefreshAfter"`
	MaxRetries      uint64        `mapstructure:"maxRetries"`
}

// EvaluationConfig holds rule-evaluation scheduler configuration
type EvaluationConfig struct {
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
}

// NotificationConfig holds the Kafka notification sink configuration
type NotificationConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// ExecutionConfig holds the trade-execution collaborator configuration
type ExecutionConfig struct {
	BaseURL string        `mapstructure:"baseURL"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// LoadConfig loads the configuration from config files and environment
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	setDefaults(v)

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8085)
	v.SetDefault("server.readTimeout", "15s")
	v.SetDefault("server.writeTimeout", "15s")
	v.SetDefault("server.shutdownTimeout", "10s")

	// Database defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "marketsync")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.maxOpenConns", 25)
	v.SetDefault("database.maxIdleConns", 5)
	v.SetDefault("database.connMaxLifetime", "5m")

	// Venue API defaults
	v.SetDefault("venue.name", "binance")
	v.SetDefault("venue.baseURL", "https://api.binance.com")
	v.SetDefault("venue.timeout", "30s")
	v.SetDefault("venue.weightBudget", 1200)
	v.SetDefault("venue.weightWindow", "1m")
	v.SetDefault("venue.blockThreshold", 0.9)
	v.SetDefault("venue.usageHeader", "X-MBX-USED-WEIGHT-1M")

	// Feed defaults
	v.SetDefault("feed.url", "wss://feed.example.com/ws")
	v.SetDefault("feed.reconnectDelay", "5s")
	v.SetDefault("feed.handshakeTimeout", "10s")

	// Backfill defaults
	v.SetDefault("backfill.probeStep", "168h") // one week
	v.SetDefault("backfill.maxLookback", "87600h")
	v.SetDefault("backfill.pageSize", 1000)
	v.SetDefault("backfill.endRefreshPages", 10)
	v.SetDefault("backfill.endRefreshAfter", "30s")
	v.SetDefault("backfill.maxRetries", 5)

	// Evaluation defaults
	v.SetDefault("evaluation.sweepInterval", "60s")

	// Notification defaults
	v.SetDefault("notification.brokers", []string{"localhost:9092"})
	v.SetDefault("notification.topic", "rule-notifications")

	// Execution defaults
	v.SetDefault("execution.baseURL", "http://localhost:8090")
	v.SetDefault("execution.timeout", "10s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
}

// DSN returns the Postgres connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}
