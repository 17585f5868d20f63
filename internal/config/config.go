package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"production"`
	APIAddr     string `env:"API_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	StoreDriver   string `env:"STORE_DRIVER" envDefault:"mongo"`
	MongoURI      string `env:"MONGO_URI" envDefault:"mongodb://localhost:27017"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"image-prompt"`
	PostgresDSN   string `env:"POSTGRES_DSN"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	RedisAddr     string `env:"REDIS_ADDR,notEmpty" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	// Extra independent instances for lock quorum; the primary Redis is always included.
	LockRedisAddrs []string `env:"LOCK_REDIS_ADDRS" envSeparator:","`

	QueueName       string        `env:"QUEUE_NAME" envDefault:"work:mutations"`
	QueuePartitions int           `env:"QUEUE_PARTITIONS" envDefault:"1"`
	DefaultVT       int           `env:"DEFAULT_VISIBILITY_TIMEOUT_SEC" envDefault:"60"`
	BlockTimeout    time.Duration `env:"QUEUE_BLOCK_TIMEOUT" envDefault:"5s"`
	MaxAttempts     int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	BackoffBase     time.Duration `env:"RETRY_BACKOFF_BASE" envDefault:"1s"`
	BackoffMax      time.Duration `env:"RETRY_BACKOFF_MAX" envDefault:"30s"`
	ReapInterval    time.Duration `env:"REAP_INTERVAL" envDefault:"15s"`
	Consumers       int           `env:"WORKER_CONSUMERS" envDefault:"1"`
	TombstoneTTL    time.Duration `env:"TOMBSTONE_TTL" envDefault:"24h"`

	CacheTTL       time.Duration `env:"CACHE_TTL" envDefault:"30s"`
	PageSize       int64         `env:"PAGE_SIZE" envDefault:"100"`
	RateLimit      int64         `env:"PUBLIC_RATE_LIMIT" envDefault:"100"`
	RateLimitEvery time.Duration `env:"PUBLIC_RATE_WINDOW" envDefault:"60s"`

	UploadLockTTL      time.Duration `env:"UPLOAD_LOCK_TTL" envDefault:"30s"`
	LockRetryCount     int           `env:"LOCK_RETRY_COUNT" envDefault:"0"`
	LockRetryDelay     time.Duration `env:"LOCK_RETRY_DELAY" envDefault:"200ms"`
	LockAcquireTimeout time.Duration `env:"LOCK_ACQUIRE_TIMEOUT" envDefault:"2s"`
	LockDriftFactor    float64       `env:"LOCK_DRIFT_FACTOR" envDefault:"0.01"`
}

func (c Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.DefaultVT) * time.Second
}

func (c Config) Development() bool { return c.AppEnv == "development" }

func (c Config) Validate() error {
	switch c.StoreDriver {
	case "mongo", "memory":
	case "postgres":
		if c.PostgresDSN == "" {
			return errors.New("POSTGRES_DSN is required for the postgres store")
		}
	default:
		return errors.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.QueuePartitions < 1 {
		return errors.New("QUEUE_PARTITIONS must be >= 1")
	}
	if c.MaxAttempts < 1 {
		return errors.New("MAX_ATTEMPTS must be >= 1")
	}
	if c.DefaultVT <= 0 {
		return errors.New("DEFAULT_VISIBILITY_TIMEOUT_SEC must be > 0")
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return errors.New("RETRY_BACKOFF_BASE must be > 0 and <= RETRY_BACKOFF_MAX")
	}
	if c.BlockTimeout <= 0 || c.LockAcquireTimeout <= 0 {
		return errors.New("QUEUE_BLOCK_TIMEOUT and LOCK_ACQUIRE_TIMEOUT must be > 0")
	}
	return nil
}

func Parse() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return c, errors.Wrap(err, "parse env")
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func Load() Config {
	c, err := Parse()
	if err != nil {
		log.Fatal(err)
	}
	return c
}
