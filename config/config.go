package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	AWS        AWSConfig
	Plugins    PluginsConfig
	Federation FederationConfig
	Security   SecurityConfig
	Search     SearchConfig
	RateLimit  RateLimitConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins []string
	PublicURL          string // used when building invitation links
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/cfp?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AWSConfig holds AWS credentials and the bucket used for plugin archives.
// An empty PluginsBucket disables archive backup.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	PluginsBucket        string
	PresignExpireMinutes int
}

// PluginsConfig controls the plugin subsystem.
type PluginsConfig struct {
	Dir               string
	GalleryURL        string
	RequireSignature  bool
	TrustedKeys       []string // base64 ed25519 public keys
	MaxArchiveBytes   int64
	MaxExtractedBytes int64
	MaxEntries        int
	HookTimeout       time.Duration
	DownloadTimeout   time.Duration
}

// FederationConfig holds outbound delivery tuning. Connection settings live in the database.
type FederationConfig struct {
	RequestTimeout   time.Duration
	SignatureMaxSkew time.Duration
	InProcessWorker  bool // run the delivery worker inside the API server
}

// SecurityConfig holds the PII encryption key (64 hex chars = AES-256). Empty means no encryption.
type SecurityConfig struct {
	EncryptionKey string
}

// SearchConfig holds Meilisearch settings. Empty host disables indexing.
type SearchConfig struct {
	MeiliHost      string
	MeiliMasterKey string
}

// RateLimitConfig configures the per-IP token bucket.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	IdleTTL           time.Duration
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 60),
			CORSAllowedOrigins: splitTrim(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"), ","),
			PublicURL:          strings.TrimRight(getEnv("PUBLIC_URL", "http://localhost:3000"), "/"),
		},
		Database: DatabaseConfig{
			URL:      os.Getenv("DATABASE_URL"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "cfp"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			PluginsBucket:        getEnv("AWS_S3_PLUGINS_BUCKET", ""),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Plugins: PluginsConfig{
			Dir:               getEnv("PLUGINS_DIR", "./data/plugins"),
			GalleryURL:        getEnv("PLUGIN_GALLERY_URL", ""),
			RequireSignature:  getEnvBool("PLUGINS_REQUIRE_SIGNATURE", false),
			TrustedKeys:       splitTrim(getEnv("PLUGINS_TRUSTED_KEYS", ""), ","),
			MaxArchiveBytes:   int64(getEnvInt("PLUGINS_MAX_ARCHIVE_MB", 20)) << 20,
			MaxExtractedBytes: int64(getEnvInt("PLUGINS_MAX_EXTRACTED_MB", 100)) << 20,
			MaxEntries:        getEnvInt("PLUGINS_MAX_ENTRIES", 2000),
			HookTimeout:       getEnvDuration("PLUGINS_HOOK_TIMEOUT", 10*time.Second),
			DownloadTimeout:   getEnvDuration("PLUGINS_DOWNLOAD_TIMEOUT", 60*time.Second),
		},
		Federation: FederationConfig{
			RequestTimeout:   getEnvDuration("FEDERATION_REQUEST_TIMEOUT", 15*time.Second),
			SignatureMaxSkew: getEnvDuration("FEDERATION_SIGNATURE_MAX_SKEW", 5*time.Minute),
			InProcessWorker:  getEnvBool("FEDERATION_INPROCESS_WORKER", true),
		},
		Security: SecurityConfig{
			EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		},
		Search: SearchConfig{
			MeiliHost:      getEnv("MEILISEARCH_HOST", ""),
			MeiliMasterKey: getEnv("MEILI_MASTER_KEY", ""),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvFloat("RATE_LIMIT_RPS", 5),
			Burst:             getEnvInt("RATE_LIMIT_BURST", 20),
			IdleTTL:           getEnvDuration("RATE_LIMIT_IDLE_TTL", 10*time.Minute),
		},
	}

	if cfg.Security.EncryptionKey != "" && len(cfg.Security.EncryptionKey) != 64 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be 64 hex characters, got %d", len(cfg.Security.EncryptionKey))
	}
	if cfg.Plugins.RequireSignature && len(cfg.Plugins.TrustedKeys) == 0 {
		return nil, fmt.Errorf("PLUGINS_REQUIRE_SIGNATURE is set but PLUGINS_TRUSTED_KEYS is empty")
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
