package config

import (
	"fmt"
	"sync"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type AppConfig struct {
	Server    ServerConfig
	Auth      AuthConfig
	Redis     RedisConfig
	Postgres  PostgresConfig
	Kafka     KafkaConfig
	WebSocket WebSocketConfig
	Store     StoreConfig
	Metrics   MetricsConfig
	Telemetry TelemetryConfig
}

type ServerConfig struct {
	Port         int
	ReadTimeout  int // Seconds
	WriteTimeout int // Seconds
}

type AuthConfig struct {
	JWTSecret         string
	TokenQueryParam   string
	RevocationListKey string
}

type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	PoolSize    int
	PoolTimeout int // Seconds
}

type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type KafkaConfig struct {
	Enabled     bool
	Brokers     []string
	GroupID     string
	CommitTopic string
}

type WebSocketConfig struct {
	MaxConnections   int
	MessageSizeLimit int64
	PingInterval     int // Seconds
	ActivityTimeout  int // Seconds
	WriteTimeout     int // Seconds
	WriteRetries     int
	KeepAlive        bool
}

type StoreConfig struct {
	Timeout int // Seconds, bound on a single durable-store round trip
}

type MetricsConfig struct {
	Enabled bool
	Port    int
	Path    string
}

type TelemetryConfig struct {
	Enabled        bool
	ServiceName    string
	JaegerEndpoint string
}

var (
	instance *AppConfig
	once     sync.Once
)

func Initialize(env string) error {
	var initErr error
	once.Do(func() {
		// A local .env is a development convenience; absence is fine.
		_ = godotenv.Load()

		viper.SetConfigName(fmt.Sprintf("config.%s", env))
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")

		viper.AutomaticEnv()
		viper.SetEnvPrefix("METACONNECT")

		setDefaults()
		bindEnvVars()

		if err := viper.ReadInConfig(); err != nil {
			initErr = fmt.Errorf("config file error: %w", err)
			return
		}

		if err := viper.Unmarshal(&instance); err != nil {
			initErr = fmt.Errorf("config unmarshal error: %w", err)
			return
		}

		if err := instance.Validate(); err != nil {
			initErr = fmt.Errorf("config validation failed: %w", err)
			return
		}
	})
	return initErr
}

func Get() *AppConfig {
	return instance
}

func (c *PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}
