package config

import (
	"os"
	"strconv"
	"time"
)

// ClientConfig holds settings for the terminal client.
type ClientConfig struct {
	CommandPrefix rune
	Database      DatabaseConfig
	Redis         RedisConfig
	Blob          BlobConfig
	JWT           JWTConfig
	Sync          SyncConfig
}

// DatabaseConfig captures document store configuration.
type DatabaseConfig struct {
	Path string
}

// RedisConfig captures the realtime key/value store connection.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// BlobConfig captures blob storage credentials and transfer tuning.
type BlobConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	PartSize  uint64
	URLExpiry time.Duration
}

// JWTConfig defines token issuance parameters.
type JWTConfig struct {
	Secret     string
	Issuer     string
	Expiration time.Duration
}

// SyncConfig tunes the realtime synchronization layer.
type SyncConfig struct {
	MessagePageSize int
	SearchDebounce  time.Duration
	SearchLimit     int
	PresenceTTL     time.Duration
}

// LoadClientConfig builds the client configuration from environment variables with sensible defaults.
func LoadClientConfig() ClientConfig {
	prefix := envOrDefault("SKIFF_COMMAND_PREFIX", "/")
	runes := []rune(prefix)
	commandPrefix := '/'
	if len(runes) > 0 {
		commandPrefix = runes[0]
	}
	return ClientConfig{
		CommandPrefix: commandPrefix,
		Database:      DatabaseConfig{Path: envOrDefault("SKIFF_DB_PATH", "skiff.db")},
		Redis:         loadRedisConfig(),
		Blob:          loadBlobConfig(),
		JWT:           loadJWTConfig(),
		Sync:          loadSyncConfig(),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         envOrDefault("SKIFF_REDIS_ADDR", "localhost:6379"),
		Password:     envOrDefault("SKIFF_REDIS_PASSWORD", ""),
		DB:           envInt("SKIFF_REDIS_DB", 0),
		DialTimeout:  envDuration("SKIFF_REDIS_DIAL_TIMEOUT", 5*time.Second),
		ReadTimeout:  envDuration("SKIFF_REDIS_READ_TIMEOUT", 2*time.Second),
		WriteTimeout: envDuration("SKIFF_REDIS_WRITE_TIMEOUT", 2*time.Second),
	}
}

func loadBlobConfig() BlobConfig {
	return BlobConfig{
		Endpoint:  envOrDefault("SKIFF_BLOB_ENDPOINT", "localhost:9000"),
		AccessKey: envOrDefault("SKIFF_BLOB_ACCESS_KEY", ""),
		SecretKey: envOrDefault("SKIFF_BLOB_SECRET_KEY", ""),
		UseSSL:    envBool("SKIFF_BLOB_USE_SSL", false),
		Bucket:    envOrDefault("SKIFF_BLOB_BUCKET", "skiff-files"),
		PartSize:  uint64(envInt("SKIFF_BLOB_PART_SIZE", 5*1024*1024)),
		URLExpiry: envDuration("SKIFF_BLOB_URL_EXPIRY", 24*time.Hour),
	}
}

func loadJWTConfig() JWTConfig {
	return JWTConfig{
		Secret:     envOrDefault("SKIFF_JWT_SECRET", "replace-me"),
		Issuer:     envOrDefault("SKIFF_JWT_ISSUER", "skiff"),
		Expiration: envDuration("SKIFF_JWT_EXPIRATION", 24*time.Hour),
	}
}

func loadSyncConfig() SyncConfig {
	return SyncConfig{
		MessagePageSize: envInt("SKIFF_MESSAGE_PAGE_SIZE", 30),
		SearchDebounce:  envDuration("SKIFF_SEARCH_DEBOUNCE", 300*time.Millisecond),
		SearchLimit:     envInt("SKIFF_SEARCH_LIMIT", 10),
		PresenceTTL:     envDuration("SKIFF_PRESENCE_TTL", 30*time.Second),
	}
}

func envOrDefault(key, value string) string {
	if env, ok := os.LookupEnv(key); ok {
		return env
	}
	return value
}

func envDuration(key string, def time.Duration) time.Duration {
	if env, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(env); err == nil {
			return parsed
		}
	}
	return def
}

func envInt(key string, def int) int {
	if env, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(env); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if env, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(env); err == nil {
			return parsed
		}
	}
	return def
}
