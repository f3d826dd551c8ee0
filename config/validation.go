package config

import (
	"errors"

	"github.com/spf13/viper"
)

func (c *AppConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}

	if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "default-secret" {
		return errors.New("auth.jwtSecret must be set to a strong secret")
	}
	if c.Auth.TokenQueryParam == "" {
		return errors.New("auth.tokenQueryParam must be configured")
	}

	if c.Redis.Address == "" {
		return errors.New("redis address must be specified")
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("kafka brokers must be specified when the bridge ingest is enabled")
		}
		if c.Kafka.GroupID == "" {
			return errors.New("kafka groupID must be specified when the bridge ingest is enabled")
		}
		if c.Kafka.CommitTopic == "" {
			return errors.New("kafka commitTopic must be specified when the bridge ingest is enabled")
		}
	}

	if c.WebSocket.MaxConnections < 1 {
		return errors.New("max connections must be positive")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.ActivityTimeout {
		return errors.New("ping interval should be less than activity timeout")
	}
	if c.WebSocket.WriteTimeout < 1 {
		return errors.New("write timeout must be at least 1 second")
	}

	if c.Store.Timeout < 1 {
		return errors.New("store timeout must be at least 1 second")
	}

	return nil
}

func bindEnvVars() {
	// Server
	viper.BindEnv("server.port", "METACONNECT_PORT")

	// Auth
	viper.BindEnv("auth.jwtSecret", "METACONNECT_AUTH_JWT_SECRET")
	viper.BindEnv("auth.tokenQueryParam", "METACONNECT_AUTH_TOKEN_PARAM")
	viper.BindEnv("auth.revocationListKey", "METACONNECT_AUTH_REVOCATION_KEY")

	// Redis
	viper.BindEnv("redis.address", "METACONNECT_REDIS_ADDRESS")
	viper.BindEnv("redis.password", "METACONNECT_REDIS_PASSWORD")

	// Postgres
	viper.BindEnv("postgres.host", "METACONNECT_PG_HOST")
	viper.BindEnv("postgres.port", "METACONNECT_PG_PORT")
	viper.BindEnv("postgres.user", "METACONNECT_PG_USER")
	viper.BindEnv("postgres.password", "METACONNECT_PG_PASSWORD")
	viper.BindEnv("postgres.dbname", "METACONNECT_PG_DBNAME")

	// Kafka
	viper.BindEnv("kafka.enabled", "METACONNECT_KAFKA_ENABLED")
	viper.BindEnv("kafka.brokers", "METACONNECT_KAFKA_BROKERS")
	viper.BindEnv("kafka.groupID", "METACONNECT_KAFKA_GROUPID")
	viper.BindEnv("kafka.commitTopic", "METACONNECT_KAFKA_COMMIT_TOPIC")

	// WebSocket
	viper.BindEnv("websocket.maxConnections", "METACONNECT_MAX_CONNECTIONS")
	viper.BindEnv("websocket.pingInterval", "METACONNECT_PING_INTERVAL")
	viper.BindEnv("websocket.activityTimeout", "METACONNECT_ACTIVITY_TIMEOUT")
	viper.BindEnv("websocket.writeTimeout", "METACONNECT_WRITE_TIMEOUT")

	// Telemetry
	viper.BindEnv("telemetry.enabled", "METACONNECT_TELEMETRY_ENABLED")
	viper.BindEnv("telemetry.jaegerEndpoint", "METACONNECT_JAEGER_ENDPOINT")
}
