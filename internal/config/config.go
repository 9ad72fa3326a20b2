package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"gridoc/internal/content/gridfs"
	"gridoc/internal/content/s3"
	"gridoc/internal/logger"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"Server"`
	Log      logger.Options `mapstructure:"Log"`
	Metadata MetadataConfig `mapstructure:"Metadata"`
	Database DatabaseConfig `mapstructure:"Database"`
	Badger   BadgerConfig   `mapstructure:"Badger"`
	Content  ContentConfig  `mapstructure:"Content"`
	S3       s3.Config      `mapstructure:"S3"`
	Mongo    gridfs.Config  `mapstructure:"Mongo"`
	Lock     LockConfig     `mapstructure:"Lock"`
	Redis    RedisConfig    `mapstructure:"Redis"`
	Query    QueryConfig    `mapstructure:"Query"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"Port" validate:"required,numeric"`
	GRPCPort        string        `mapstructure:"GRPCPort" validate:"omitempty,numeric"`
	BasePath        string        `mapstructure:"BasePath"`
	AllowedOrigins  []string      `mapstructure:"AllowedOrigins"`
	ShutdownTimeout time.Duration `mapstructure:"ShutdownTimeout" validate:"gt=0"`
	RequestTimeout  time.Duration `mapstructure:"RequestTimeout" validate:"min=0"`
	MaxUploadBytes  int64         `mapstructure:"MaxUploadBytes" validate:"min=0"`
}

type MetadataConfig struct {
	Backend string `mapstructure:"Backend" validate:"required,oneof=postgres badger memory"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"Host"`
	Port            string        `mapstructure:"Port"`
	User            string        `mapstructure:"User"`
	Password        string        `mapstructure:"Password"`
	Name            string        `mapstructure:"Name"`
	SSLMode         string        `mapstructure:"SSLMode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
	MaxOpenConns    int           `mapstructure:"MaxOpenConns" validate:"min=0"`
	MaxIdleConns    int           `mapstructure:"MaxIdleConns" validate:"min=0"`
	ConnMaxLifetime time.Duration `mapstructure:"ConnMaxLifetime" validate:"min=0"`
	ConnectAttempts int           `mapstructure:"ConnectAttempts" validate:"min=1"`
	ConnectDelay    time.Duration `mapstructure:"ConnectDelay" validate:"min=0"`
}

type BadgerConfig struct {
	Dir      string `mapstructure:"Dir"`
	InMemory bool   `mapstructure:"InMemory"`
}

type ContentConfig struct {
	Backend string `mapstructure:"Backend" validate:"required,oneof=s3 gridfs memory"`
}

type LockConfig struct {
	Backend     string        `mapstructure:"Backend" validate:"required,oneof=local redis postgres"`
	TTL         time.Duration `mapstructure:"TTL" validate:"gt=0"`
	WaitTimeout time.Duration `mapstructure:"WaitTimeout" validate:"gt=0"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"Addr"`
	Password string `mapstructure:"Password"`
	DB       int    `mapstructure:"DB" validate:"min=0"`
}

type QueryConfig struct {
	DefaultLimit int `mapstructure:"DefaultLimit" validate:"min=1"`
	MaxLimit     int `mapstructure:"MaxLimit" validate:"min=1,gtefield=DefaultLimit"`
}

var defaults = map[string]any{
	"Server.Port":              "2525",
	"Server.GRPCPort":          "50051",
	"Server.BasePath":          "/api/v1",
	"Server.AllowedOrigins":    []string{"*"},
	"Server.ShutdownTimeout":   30 * time.Second,
	"Server.RequestTimeout":    30 * time.Minute,
	"Server.MaxUploadBytes":    int64(0),
	"Log.Level":                "info",
	"Log.Format":               "json",
	"Metadata.Backend":         "postgres",
	"Database.Host":            "",
	"Database.Port":            "5432",
	"Database.User":            "",
	"Database.Password":        "",
	"Database.Name":            "",
	"Database.SSLMode":         "disable",
	"Database.MaxOpenConns":    25,
	"Database.MaxIdleConns":    5,
	"Database.ConnMaxLifetime": 5 * time.Minute,
	"Database.ConnectAttempts": 5,
	"Database.ConnectDelay":    5 * time.Second,
	"Badger.Dir":               "./data/metadata",
	"Badger.InMemory":          false,
	"Content.Backend":          "s3",
	"S3.Endpoint":              "",
	"S3.Region":                "us-east-1",
	"S3.Bucket":                "",
	"S3.AccessKeyID":           "",
	"S3.SecretAccessKey":       "",
	"S3.KeyPrefix":             "revisions/",
	"S3.PartSize":              int64(8 << 20),
	"S3.UsePathStyle":          false,
	"Mongo.URI":                "",
	"Mongo.Database":           "gridoc",
	"Mongo.Bucket":             "uploads",
	"Mongo.ChunkSizeBytes":     int32(255 << 10),
	"Lock.Backend":             "local",
	"Lock.TTL":                 30 * time.Second,
	"Lock.WaitTimeout":         10 * time.Second,
	"Redis.Addr":               "localhost:6379",
	"Redis.Password":           "",
	"Redis.DB":                 0,
	"Query.DefaultLimit":       30,
	"Query.MaxLimit":           100,
}

// Environment variables that override the config file.
var envBindings = map[string]string{
	"Server.Port":            "HTTP_PORT",
	"Server.GRPCPort":        "GRPC_PORT",
	"Server.BasePath":        "BASE_PATH",
	"Server.AllowedOrigins":  "CORS_ALLOWED_ORIGINS",
	"Server.MaxUploadBytes":  "MAX_UPLOAD_BYTES",
	"Log.Level":              "LOG_LEVEL",
	"Log.Format":             "LOG_FORMAT",
	"Metadata.Backend":       "METADATA_BACKEND",
	"Database.Host":          "DATABASE_HOST",
	"Database.Port":          "DATABASE_PORT",
	"Database.User":          "DATABASE_USER",
	"Database.Password":      "DATABASE_PASSWORD",
	"Database.Name":          "DATABASE_NAME",
	"Database.SSLMode":       "DATABASE_SSLMODE",
	"Badger.Dir":             "BADGER_DIR",
	"Badger.InMemory":        "BADGER_IN_MEMORY",
	"Content.Backend":        "CONTENT_BACKEND",
	"S3.Endpoint":            "S3_ENDPOINT",
	"S3.Region":              "S3_REGION",
	"S3.Bucket":              "S3_BUCKET",
	"S3.AccessKeyID":         "S3_ACCESS_KEY_ID",
	"S3.SecretAccessKey":     "S3_SECRET_ACCESS_KEY",
	"S3.KeyPrefix":           "S3_KEY_PREFIX",
	"S3.UsePathStyle":        "S3_USE_PATH_STYLE",
	"Mongo.URI":              "MONGO_URI",
	"Mongo.Database":         "MONGO_DATABASE",
	"Mongo.Bucket":           "MONGO_BUCKET",
	"Lock.Backend":           "LOCK_BACKEND",
	"Redis.Addr":             "REDIS_ADDR",
	"Redis.Password":         "REDIS_PASSWORD",
	"Redis.DB":               "REDIS_DB",
	"Query.DefaultLimit":     "QUERY_DEFAULT_LIMIT",
	"Query.MaxLimit":         "QUERY_MAX_LIMIT",
}

var validate = validator.New()

// NewConfig loads the configuration from path, if it exists, and the environment.
func NewConfig(path string) (*Config, error) {
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks struct tags and the settings each selected backend needs.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			e := errs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
		}
		return err
	}

	switch c.Metadata.Backend {
	case "postgres":
		if c.Database.Host == "" || c.Database.Port == "" || c.Database.User == "" || c.Database.Name == "" {
			return fmt.Errorf("database configuration is incomplete: host=%s, port=%s, user=%s, name=%s",
				c.Database.Host, c.Database.Port, c.Database.User, c.Database.Name)
		}
	case "badger":
		if c.Badger.Dir == "" && !c.Badger.InMemory {
			return fmt.Errorf("badger: dir is required unless in-memory")
		}
	}

	switch c.Content.Backend {
	case "s3":
		if c.S3.Bucket == "" || c.S3.AccessKeyID == "" || c.S3.SecretAccessKey == "" {
			return fmt.Errorf("s3: bucket, access key id and secret access key are required")
		}
	case "gridfs":
		if c.Mongo.URI == "" || c.Mongo.Database == "" {
			return fmt.Errorf("mongo: uri and database are required")
		}
	}

	switch c.Lock.Backend {
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis: addr is required for the redis lock")
		}
	case "postgres":
		if c.Metadata.Backend != "postgres" {
			return fmt.Errorf("lock: postgres lock requires the postgres metadata backend")
		}
	}

	if c.Lock.TTL <= c.Lock.WaitTimeout && c.Lock.Backend == "redis" {
		return fmt.Errorf("lock: ttl (%s) must exceed wait timeout (%s)", c.Lock.TTL, c.Lock.WaitTimeout)
	}
	return nil
}

// GetDSN returns the lib/pq connection string.
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Name,
		c.SSLMode,
	)
}
