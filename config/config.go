// Package config turns command-line flags and their environment variables into
// a validated Config. Invalid configuration is a startup error.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/maandhruv/collab-whiteboard/core"
)

type Config struct {
	Port     int    `validate:"min=1,max=65535"`
	LogLevel string `validate:"oneof=trace debug info warn warning error fatal panic"`

	StorageType      string `validate:"oneof=memory sqlite filesystem s3"`
	DatabaseURL      string `validate:"required_if=StorageType sqlite"`
	LocalStoragePath string `validate:"required_if=StorageType filesystem"`
	S3BucketName     string `validate:"required_if=StorageType s3"`
	S3Endpoint       string `validate:"omitempty,url"`
	StoreBreaker     bool

	SnapshotDelay     time.Duration `validate:"min=10ms,max=10m"`
	SnapshotRetention int           `validate:"min=1,max=1000"`
	CodeCacheSize     int           `validate:"min=1"`

	SyncRate       float64 `validate:"min=1"`
	SyncBurst      int     `validate:"min=1"`
	AwarenessRate  float64 `validate:"min=1"`
	AwarenessBurst int     `validate:"min=1"`

	JWTSecret      string
	AllowedOrigins []string `validate:"dive,required"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// LoadDotEnv loads variables from the given files (".env" when none are
// named). Missing files are ignored; variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:    "port",
			Usage:   "Port to listen on",
			EnvVars: []string{"PORT"},
			Value:   1234,
		},
		&cli.StringFlag{
			Name:    "loglevel",
			Usage:   "Logging level: trace, debug, info, warn, error, fatal, panic",
			EnvVars: []string{"LOG_LEVEL"},
			Value:   "info",
		},
		&cli.StringFlag{
			Name:    "storage",
			Usage:   "Durable store: memory, sqlite, filesystem, s3",
			EnvVars: []string{"STORAGE_TYPE"},
			Value:   "sqlite",
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "SQLite data source name",
			EnvVars: []string{"DATABASE_URL", "DATA_SOURCE_NAME"},
		},
		&cli.StringFlag{
			Name:    "local-storage-path",
			Usage:   "Base directory of the filesystem store",
			EnvVars: []string{"LOCAL_STORAGE_PATH"},
			Value:   "./data",
		},
		&cli.StringFlag{
			Name:    "s3-bucket",
			Usage:   "Bucket of the s3 store",
			EnvVars: []string{"S3_BUCKET_NAME"},
		},
		&cli.StringFlag{
			Name:    "s3-endpoint",
			Usage:   "Endpoint of an S3-compatible service",
			EnvVars: []string{"S3_ENDPOINT"},
		},
		&cli.BoolFlag{
			Name:    "store-breaker",
			Usage:   "Guard the durable store with a circuit breaker",
			EnvVars: []string{"STORE_BREAKER"},
			Value:   true,
		},
		&cli.DurationFlag{
			Name:    "snapshot-delay",
			Usage:   "Delay between the first unsaved change and the snapshot write",
			EnvVars: []string{"SNAPSHOT_DELAY"},
			Value:   5 * time.Second,
		},
		&cli.IntFlag{
			Name:    "snapshot-retention",
			Usage:   "Snapshots kept per room",
			EnvVars: []string{"SNAPSHOT_RETENTION"},
			Value:   core.DefaultSnapshotRetention,
		},
		&cli.IntFlag{
			Name:    "code-cache-size",
			Usage:   "Access codes cached in memory",
			EnvVars: []string{"CODE_CACHE_SIZE"},
			Value:   10000,
		},
		&cli.Float64Flag{
			Name:    "sync-rate",
			Usage:   "Sync frames per second a connection may send before it is closed",
			EnvVars: []string{"SYNC_RATE"},
			Value:   100,
		},
		&cli.IntFlag{
			Name:    "sync-burst",
			Usage:   "Sync frames a connection may send at once",
			EnvVars: []string{"SYNC_BURST"},
			Value:   500,
		},
		&cli.Float64Flag{
			Name:    "awareness-rate",
			Usage:   "Awareness frames per second relayed per connection; the rest are dropped",
			EnvVars: []string{"AWARENESS_RATE"},
			Value:   20,
		},
		&cli.IntFlag{
			Name:    "awareness-burst",
			Usage:   "Awareness frames a connection may send at once",
			EnvVars: []string{"AWARENESS_BURST"},
			Value:   50,
		},
		&cli.StringFlag{
			Name:    "jwt-secret",
			Usage:   "HMAC secret of bearer tokens naming room owners",
			EnvVars: []string{"JWT_SECRET"},
		},
		&cli.StringSliceFlag{
			Name:    "allowed-origins",
			Usage:   "CORS origins allowed in addition to localhost",
			EnvVars: []string{"ALLOWED_ORIGINS"},
		},
	}
}

// FromContext reads and validates the flags declared by Flags.
func FromContext(c *cli.Context) (*Config, error) {
	cfg := &Config{
		Port:              c.Int("port"),
		LogLevel:          strings.ToLower(c.String("loglevel")),
		StorageType:       strings.ToLower(c.String("storage")),
		DatabaseURL:       c.String("database-url"),
		LocalStoragePath:  c.String("local-storage-path"),
		S3BucketName:      c.String("s3-bucket"),
		S3Endpoint:        c.String("s3-endpoint"),
		StoreBreaker:      c.Bool("store-breaker"),
		SnapshotDelay:     c.Duration("snapshot-delay"),
		SnapshotRetention: c.Int("snapshot-retention"),
		CodeCacheSize:     c.Int("code-cache-size"),
		SyncRate:          c.Float64("sync-rate"),
		SyncBurst:         c.Int("sync-burst"),
		AwarenessRate:     c.Float64("awareness-rate"),
		AwarenessBurst:    c.Int("awareness-burst"),
		JWTSecret:         c.String("jwt-secret"),
		AllowedOrigins:    c.StringSlice("allowed-origins"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, formatFieldError(fe))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

func formatFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required_if":
		return fmt.Sprintf("%s is required when %s", fe.Field(), strings.Replace(fe.Param(), " ", "=", 1))
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "url":
		return fmt.Sprintf("%s must be a URL", fe.Field())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
