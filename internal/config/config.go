// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	LevelDB   LevelDBConfig   `yaml:"leveldb"`
	Engine    EngineConfig    `yaml:"engine"`
	Warehouse WarehouseConfig `yaml:"warehouse"`
	Build     BuildConfig     `yaml:"build"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string `yaml:"port"`
	ReadTimeout     int    `yaml:"readTimeout"`
	WriteTimeout    int    `yaml:"writeTimeout"`
	RateLimit       int    `yaml:"rateLimit"`       // requests per client per window
	RateLimitWindow int    `yaml:"rateLimitWindow"` // window length in seconds
}

// PostgresConfig holds PostgreSQL configuration
type PostgresConfig struct {
	URL string `yaml:"-"`
}

// RabbitMQConfig holds the optional task event publisher configuration.
// Events are disabled entirely when URL is empty.
type RabbitMQConfig struct {
	URL         string `yaml:"url"`
	EventsQueue string `yaml:"eventsQueue"`
}

// LevelDBConfig holds LevelDB cache configuration
type LevelDBConfig struct {
	Path string `yaml:"path"`
}

// EngineConfig describes how the generation engine subprocess is invoked
type EngineConfig struct {
	Command    string `yaml:"command"`    // interpreter or binary, e.g. "python3"
	Script     string `yaml:"script"`     // entry script passed as the first argument
	WorkingDir string `yaml:"workingDir"` // cwd for the engine process
}

// WarehouseConfig holds the base directory for generated project outputs
type WarehouseConfig struct {
	Dir string `yaml:"dir"`
}

// BuildConfig holds APK build (workflow runner) configuration
type BuildConfig struct {
	ActCommand string `yaml:"actCommand"`
	TimeoutMin int    `yaml:"timeoutMin"`
}

// Default configuration values
const (
	DefaultServerPort         = "8000"
	DefaultServerReadTimeout  = 30
	DefaultServerWriteTimeout = 30
	DefaultRateLimit          = 100
	DefaultRateLimitWindow    = 60
	DefaultLevelDBPath        = "./data/leveldb"
	DefaultEventsQueue        = "chatdev.task-events"
	DefaultEngineCommand      = "python3"
	DefaultEngineScript       = "run.py"
	DefaultWarehouseDir       = "WareHouse"
	DefaultActCommand         = "act"
	DefaultBuildTimeoutMin    = 30
)

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an environment variable as integer or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// Load creates a new configuration from an optional YAML file with
// environment variable overrides. A missing file is not an error; the
// environment and defaults cover everything the file would.
func Load(configPath string) (*Config, error) {
	var config Config

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &config); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	// Check mandatory environment variables
	postgresURL := os.Getenv("CHATDEV_POSTGRES_URL")
	if postgresURL == "" {
		return nil, fmt.Errorf("CHATDEV_POSTGRES_URL environment variable is required")
	}

	// Override/set configuration with environment variables and defaults
	config.Server = ServerConfig{
		Port:            getEnv("CHATDEV_SERVER_PORT", DefaultServerPort),
		ReadTimeout:     getEnvInt("CHATDEV_SERVER_READ_TIMEOUT", DefaultServerReadTimeout),
		WriteTimeout:    getEnvInt("CHATDEV_SERVER_WRITE_TIMEOUT", DefaultServerWriteTimeout),
		RateLimit:       getEnvInt("CHATDEV_RATE_LIMIT", DefaultRateLimit),
		RateLimitWindow: getEnvInt("CHATDEV_RATE_LIMIT_WINDOW", DefaultRateLimitWindow),
	}

	config.Postgres = PostgresConfig{
		URL: postgresURL,
	}

	// RabbitMQ is optional: no URL means lifecycle events are disabled
	config.RabbitMQ = RabbitMQConfig{
		URL:         getEnv("CHATDEV_RABBITMQ_URL", config.RabbitMQ.URL),
		EventsQueue: getEnv("CHATDEV_RABBITMQ_EVENTS_QUEUE", DefaultEventsQueue),
	}

	config.LevelDB = LevelDBConfig{
		Path: getEnv("CHATDEV_LEVELDB_PATH", DefaultLevelDBPath),
	}

	config.Engine = EngineConfig{
		Command:    getEnv("CHATDEV_ENGINE_COMMAND", firstNonEmpty(config.Engine.Command, DefaultEngineCommand)),
		Script:     getEnv("CHATDEV_ENGINE_SCRIPT", firstNonEmpty(config.Engine.Script, DefaultEngineScript)),
		WorkingDir: getEnv("CHATDEV_ENGINE_WORKING_DIR", config.Engine.WorkingDir),
	}

	config.Warehouse = WarehouseConfig{
		Dir: getEnv("CHATDEV_WAREHOUSE_DIR", firstNonEmpty(config.Warehouse.Dir, DefaultWarehouseDir)),
	}

	config.Build = BuildConfig{
		ActCommand: getEnv("CHATDEV_ACT_COMMAND", firstNonEmpty(config.Build.ActCommand, DefaultActCommand)),
		TimeoutMin: getEnvInt("CHATDEV_BUILD_TIMEOUT_MIN", DefaultBuildTimeoutMin),
	}

	return &config, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
