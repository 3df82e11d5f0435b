// Package config loads the server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/mohammed-shakir/tilecache/pkg/invalidation/kafka"
)

type Config struct {
	Addr       string   `env:"ADDR" envDefault:":8090"`
	LogLevel   string   `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	LogConsole bool     `env:"LOG_CONSOLE" envDefault:"false"`
	LogSampleN int      `env:"LOG_SAMPLE_N" envDefault:"0" validate:"gte=0"`
	AuthTokens []string `env:"AUTH_TOKENS" envSeparator:","`

	// StoreDriver backs the layer, cube and pending job stores.
	StoreDriver string `env:"STORE_DRIVER" envDefault:"leveldb" validate:"oneof=leveldb redis"`
	LevelDBPath string `env:"LEVELDB_PATH" envDefault:"./data/meta"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	RedisPoolSize    int           `env:"REDIS_POOL_SIZE" envDefault:"64" validate:"gte=1"`
	RedisMinIdle     int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"4" validate:"gte=0"`
	RedisDialTimeout time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"2s"`
	RedisIOTimeout   time.Duration `env:"REDIS_IO_TIMEOUT" envDefault:"1s"`

	TileCacheDriver string        `env:"TILE_CACHE_DRIVER" envDefault:"disk" validate:"oneof=disk sqlite redis"`
	TileCacheDir    string        `env:"TILE_CACHE_DIR" envDefault:"./data/tiles"`
	TileCacheDB     string        `env:"TILE_CACHE_SQLITE" envDefault:"./data/tiles.db"`
	TileCacheTTL    time.Duration `env:"TILE_CACHE_TTL" envDefault:"0s"`
	TileLRUSize     int           `env:"TILE_LRU_SIZE" envDefault:"4096" validate:"gte=0"`
	ProxyCacheDir   string        `env:"PROXY_CACHE_DIR" envDefault:"./data/proxy"`

	RenderEngineURL    string `env:"RENDER_ENGINE_URL" envDefault:"http://localhost:8081" validate:"required,url"`
	StatusURL          string `env:"STATUS_URL" envDefault:"http://localhost:3000" validate:"required,url"`
	ProxyProvidersFile string `env:"PROXY_PROVIDERS_FILE"`
	FallbackRasterPath string `env:"FALLBACK_RASTER_PATH"`

	DatasourceDSN      string `env:"DATASOURCE_DSN" envDefault:"postgres://postgres@localhost:5432/{db}"`
	DatasourceMaxConns int    `env:"DATASOURCE_MAX_CONNS" envDefault:"4" validate:"gte=1"`

	JobAttemptTimeout time.Duration `env:"JOB_ATTEMPT_TIMEOUT" envDefault:"30s"`
	JobMaxAttempts    int           `env:"JOB_MAX_ATTEMPTS" envDefault:"5" validate:"gte=1"`
	JobStoreKey       string        `env:"JOB_STORE_KEY" envDefault:"jobs:pending"`

	HitEventsTopic string `env:"HIT_EVENTS_TOPIC"`

	// Misses in regions hotter than HotThreshold render at high priority.
	HotEnabled    bool          `env:"HOT_ENABLED" envDefault:"true"`
	HotThreshold  float64       `env:"HOT_THRESHOLD" envDefault:"10" validate:"gt=0"`
	HotHalfLife   time.Duration `env:"HOT_HALF_LIFE" envDefault:"1m"`
	HotResolution int           `env:"HOT_H3_RES" envDefault:"5" validate:"gte=0,lte=15"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `env:"OTEL_SERVICE_NAME" envDefault:"tilecache"`

	Invalidation kafka.InvalidationConfig
}

// FromEnv reads an optional .env file, then the process environment.
func FromEnv() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
