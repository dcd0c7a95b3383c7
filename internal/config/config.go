package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Queue    QueueConfig    `yaml:"queue"`
	Google   GoogleConfig   `yaml:"google"`
	Tracking TrackingConfig `yaml:"tracking"`
	Demo     DemoConfig     `yaml:"demo"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
	Env  string `yaml:"env"` // APP_ENV / NODE_ENV: switches verbose logging and dev-only helpers
}

// GetHost returns the server host, with ECS detection.
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// IsDev reports whether verbose, dev-only behavior should be enabled.
func (c ServerConfig) IsDev() bool {
	return c.Env == "development" || c.Env == "dev"
}

// DatabaseConfig holds the SQL store connection.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig holds the counter store and queue backend connection.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
}

// Addr returns the host:port Redis address.
func (c RedisConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// QueueConfig holds job queue configuration.
type QueueConfig struct {
	Prefix string `yaml:"prefix"` // namespace for queue keys
}

// GoogleConfig holds Gmail OAuth and push-notification configuration.
type GoogleConfig struct {
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	RedirectURI    string `yaml:"redirect_uri"`
	PubSubAudience string `yaml:"pubsub_audience"` // expected JWT audience for the push endpoint
}

// TrackingConfig holds the base URLs embedded in outgoing tracking links.
type TrackingConfig struct {
	WebAppURL  string `yaml:"web_app_url"`
	TrackAPIURL string `yaml:"track_api_url"`
	TestEmail  string `yaml:"test_email"` // override recipient when a sequence is in testMode
}

// DemoConfig holds business-hours bypass switches.
type DemoConfig struct {
	DemoMode            bool `yaml:"demo_mode"`             // bypass business-hours adjustment and cap delays at 8h
	BypassBusinessHours bool `yaml:"bypass_business_hours"` // equivalent to DemoMode for business hours only
}

// SkipBusinessHours reports whether the scheduler should ignore business-hours gating entirely.
func (c DemoConfig) SkipBusinessHours() bool {
	return c.DemoMode || c.BypassBusinessHours
}

// Load reads and parses the configuration file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Env == "" {
		cfg.Server.Env = "production"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Queue.Prefix == "" {
		cfg.Queue.Prefix = "sequencer"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.Server.Env = v
	} else if v := os.Getenv("NODE_ENV"); v != "" {
		cfg.Server.Env = v
	}
	if v := os.Getenv("DEMO_MODE"); v != "" {
		cfg.Demo.DemoMode = isTruthy(v)
	}
	if v := os.Getenv("BYPASS_BUSINESS_HOURS"); v != "" {
		cfg.Demo.BypassBusinessHours = isTruthy(v)
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}

	if v := os.Getenv("REDIS_HOST"); v != "" {
		cfg.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Redis.Port = p
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("QUEUE_PREFIX"); v != "" {
		cfg.Queue.Prefix = v
	}

	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		cfg.Google.ClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		cfg.Google.ClientSecret = v
	}
	if v := os.Getenv("GOOGLE_REDIRECT_URI"); v != "" {
		cfg.Google.RedirectURI = v
	}
	if v := os.Getenv("PUBSUB_AUDIENCE"); v != "" {
		cfg.Google.PubSubAudience = v
	}

	if v := os.Getenv("WEB_APP_URL"); v != "" {
		cfg.Tracking.WebAppURL = v
	}
	if v := os.Getenv("TRACK_API_URL"); v != "" {
		cfg.Tracking.TrackAPIURL = v
	}
	if v := os.Getenv("TEST_EMAIL"); v != "" {
		cfg.Tracking.TestEmail = v
	}

	return cfg, nil
}

func isTruthy(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// RequestTimeout is the default timeout applied to outbound Gmail API calls.
const RequestTimeout = 30 * time.Second
