// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Config holds all configuration for the mkutano binaries.
type Config struct {
	Server    ServerConfig
	Remote    RemoteConfig
	Buffer    BufferConfig
	Sync      SyncConfig
	Auth      AuthConfig
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Chaos     ChaosConfig
}

type ServerConfig struct {
	Port       int
	RemotePort int
}

// RemoteConfig points at the remote data service. An empty URL runs the
// capture API against an in-memory store.
type RemoteConfig struct {
	URL             string
	Token           string
	Timeout         time.Duration
	HealthPath      string
	ProbeInterval   time.Duration
	BreakerFailures int
	BreakerTimeout  time.Duration
}

type BufferConfig struct {
	Path        string
	Namespace   string
	MaxAttempts int
	Retention   time.Duration
}

type SyncConfig struct {
	Interval      time.Duration
	MinGap        time.Duration
	ItemTimeout   time.Duration
	StatsInterval time.Duration
	ShareValue    string
}

type AuthConfig struct {
	JWTSecret string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	DBName   string
	SSLMode  string
}

// ChaosConfig sizes the fault injection game day.
type ChaosConfig struct {
	Writes      int
	Seed        int
	ItemTimeout time.Duration
	Observe     time.Duration
	SampleEvery time.Duration
	Pause       time.Duration
}

type TelemetryConfig struct {
	ServiceName  string
	OTLPEndpoint string
	Insecure     bool
}

// GetDSN returns the database connection string.
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.DBName, c.SSLMode,
	)
}

// Load reads the configuration from environment variables.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:       getEnvAsInt("SERVER_PORT", 8080),
			RemotePort: getEnvAsInt("REMOTE_PORT", 8081),
		},
		Remote: RemoteConfig{
			URL:             getEnv("REMOTE_URL", ""),
			Token:           getEnv("REMOTE_TOKEN", ""),
			Timeout:         getEnvAsDuration("REMOTE_TIMEOUT", 10*time.Second),
			HealthPath:      getEnv("REMOTE_HEALTH_PATH", "/healthz"),
			ProbeInterval:   getEnvAsDuration("REMOTE_PROBE_INTERVAL", 10*time.Second),
			BreakerFailures: getEnvAsInt("REMOTE_BREAKER_FAILURES", 5),
			BreakerTimeout:  getEnvAsDuration("REMOTE_BREAKER_TIMEOUT", 30*time.Second),
		},
		Buffer: BufferConfig{
			Path:        getEnv("BUFFER_PATH", "data/mkutano_offline_data.json"),
			Namespace:   getEnv("BUFFER_NAMESPACE", "mkutano_offline_data"),
			MaxAttempts: getEnvAsInt("BUFFER_MAX_ATTEMPTS", 5),
			Retention:   getEnvAsDuration("BUFFER_RETENTION", 7*24*time.Hour),
		},
		Sync: SyncConfig{
			Interval:      getEnvAsDuration("SYNC_INTERVAL", 30*time.Second),
			MinGap:        getEnvAsDuration("SYNC_MIN_GAP", 2*time.Second),
			ItemTimeout:   getEnvAsDuration("SYNC_ITEM_TIMEOUT", 15*time.Second),
			StatsInterval: getEnvAsDuration("SYNC_STATS_INTERVAL", 5*time.Second),
			ShareValue:    getEnv("SHARE_VALUE", "0"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", "your-secret-key-here"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Username: getEnv("DB_USERNAME", "mkutano"),
			Password: getEnv("DB_PASSWORD", "dev_password_change_in_prod"),
			DBName:   getEnv("DB_NAME", "mkutano"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Telemetry: TelemetryConfig{
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "mkutano"),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Insecure:     getEnvAsBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		},
		Chaos: ChaosConfig{
			Writes:      getEnvAsInt("CHAOS_WRITES", 50),
			Seed:        getEnvAsInt("CHAOS_SEED", 1),
			ItemTimeout: getEnvAsDuration("CHAOS_ITEM_TIMEOUT", 200*time.Millisecond),
			Observe:     getEnvAsDuration("CHAOS_OBSERVE", 3*time.Second),
			SampleEvery: getEnvAsDuration("CHAOS_SAMPLE_EVERY", 250*time.Millisecond),
			Pause:       getEnvAsDuration("CHAOS_PAUSE", time.Second),
		},
	}
}

// SetupDatabase connects to PostgreSQL and sizes the pool.
func SetupDatabase(cfg *Config) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.Database.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	return db, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
