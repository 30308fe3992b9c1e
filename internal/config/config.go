package config

import (
	"log"
	"log/slog"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server        Server        `yaml:"server"`
	Database      Database      `yaml:"database"`
	Redis         Redis         `yaml:"redis"`
	S3            S3            `yaml:"s3"`
	Auth          Auth          `yaml:"auth"`
	Realtime      Realtime      `yaml:"realtime"`
	Embedding     Embedding     `yaml:"embedding"`
	Chat          Chat          `yaml:"chat"`
	Notifications Notifications `yaml:"notifications"`
	Log           Log           `yaml:"log"`
}

// S3 holds S3/MinIO storage configuration
type S3 struct {
	Endpoint        string `yaml:"endpoint" env:"S3_ENDPOINT" env-default:"http://localhost:9000"`
	AccessKeyID     string `yaml:"access_key_id" env:"S3_ACCESS_KEY_ID" env-default:"minioadmin"`
	SecretAccessKey string `yaml:"secret_access_key" env:"S3_SECRET_ACCESS_KEY" env-default:"minioadmin"`
	Bucket          string `yaml:"bucket" env:"S3_BUCKET" env-default:"images"`
	Region          string `yaml:"region" env:"S3_REGION" env-default:"us-east-1"`
	PublicURL       string `yaml:"public_url" env:"S3_PUBLIC_URL" env-default:"http://localhost:9000/images"`
}

// Server holds HTTP server configuration
type Server struct {
	Host         string        `yaml:"host" env:"SERVER_HOST" env-default:"0.0.0.0"`
	Port         string        `yaml:"port" env:"SERVER_PORT" env-default:"8080"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT" env-default:"15s"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT" env-default:"60s"`

	// Origins allowed by CORS, comma separated
	AllowedOrigins string `yaml:"allowed_origins" env:"SERVER_ALLOWED_ORIGINS" env-default:"*"`
}

// Address returns the full server address
func (s Server) Address() string {
	return s.Host + ":" + s.Port
}

// Origins returns the CORS origins as a list
func (s Server) Origins() []string {
	var out []string
	for _, o := range strings.Split(s.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Database holds database configuration
type Database struct {
	// PostgreSQL
	PostgresDSN string `yaml:"postgres_dsn" env:"DATABASE_URL"`

	// Connection pool settings
	MaxConns     int32         `yaml:"max_conns" env:"DB_MAX_CONNS" env-default:"25"`
	MinConns     int32         `yaml:"min_conns" env:"DB_MIN_CONNS" env-default:"5"`
	ConnLifetime time.Duration `yaml:"conn_lifetime" env:"DB_CONN_LIFETIME" env-default:"5m"`

	// Apply the embedded schema on startup
	Migrate bool `yaml:"migrate" env:"DB_MIGRATE" env-default:"true"`
}

// Redis holds the realtime bus connection
type Redis struct {
	URL string `yaml:"url" env:"REDIS_URL"`
}

// Auth holds session token settings
type Auth struct {
	JWTSecret string        `yaml:"jwt_secret" env:"AUTH_JWT_SECRET" env-default:"dev-secret-change-me"`
	Issuer    string        `yaml:"issuer" env:"AUTH_ISSUER" env-default:"atom"`
	TokenTTL  time.Duration `yaml:"token_ttl" env:"AUTH_TOKEN_TTL" env-default:"24h"`
}

// Realtime holds websocket gateway configuration
type Realtime struct {
	// Bus is "redis" or "local". Redis is required when running more than one instance.
	Bus          string        `yaml:"bus" env:"REALTIME_BUS" env-default:"local"`
	PingInterval time.Duration `yaml:"ping_interval" env:"REALTIME_PING_INTERVAL" env-default:"25s"`
	PongTimeout  time.Duration `yaml:"pong_timeout" env:"REALTIME_PONG_TIMEOUT" env-default:"60s"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"REALTIME_WRITE_TIMEOUT" env-default:"10s"`
	SendBuffer   int           `yaml:"send_buffer" env:"REALTIME_SEND_BUFFER" env-default:"64"`
}

// Embedding holds the embedding service client configuration
type Embedding struct {
	BaseURL string        `yaml:"base_url" env:"EMBEDDING_BASE_URL" env-default:"http://localhost:8091"`
	Timeout time.Duration `yaml:"timeout" env:"EMBEDDING_TIMEOUT" env-default:"20s"`
}

// Chat holds message gateway settings
type Chat struct {
	SendRate  float64 `yaml:"send_rate" env:"CHAT_SEND_RATE" env-default:"5"`
	SendBurst int     `yaml:"send_burst" env:"CHAT_SEND_BURST" env-default:"10"`
}

// Notifications holds notification retention settings
type Notifications struct {
	PruneEnabled  bool          `yaml:"prune_enabled" env:"NOTIFICATIONS_PRUNE_ENABLED" env-default:"true"`
	PruneInterval time.Duration `yaml:"prune_interval" env:"NOTIFICATIONS_PRUNE_INTERVAL" env-default:"1h"`
	Retention     time.Duration `yaml:"retention" env:"NOTIFICATIONS_RETENTION" env-default:"720h"`
}

// Log holds logger settings
type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

// SlogLevel maps the configured level to slog
func (l Log) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(l.Level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Client holds terminal client settings
type Client struct {
	APIURL      string `yaml:"api_url" env:"ATOM_API_URL" env-default:"http://localhost:8080/api/v1"`
	RealtimeURL string `yaml:"realtime_url" env:"ATOM_REALTIME_URL" env-default:"ws://localhost:8080/realtime/v1/websocket"`
	Token       string `yaml:"token" env:"ATOM_TOKEN"`
	Log         Log    `yaml:"log"`
}

// LoadClient loads terminal client configuration from the environment
func LoadClient() (Client, error) {
	_ = godotenv.Load()

	var cfg Client
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// MustLoad loads configuration from environment and panics on error
func MustLoad() Config {
	// Load .env file if exists (for development)
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	return cfg
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (Config, error) {
	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
