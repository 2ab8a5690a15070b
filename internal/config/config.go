package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the main configuration structure
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Compression CompressionConfig `mapstructure:"compression"`
	Client      ClientConfig      `mapstructure:"client"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig contains compression endpoint settings
type ServerConfig struct {
	Port           int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes" validate:"gt=0"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// CompressionConfig contains encoder settings
type CompressionConfig struct {
	DefaultQuality int  `mapstructure:"default_quality" validate:"min=1,max=100"`
	AutoOrient     bool `mapstructure:"auto_orient"`
}

// ClientConfig contains settings for the component calling the endpoint
type ClientConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"required,url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Variant string        `mapstructure:"variant" validate:"oneof=binary base64"`
	Quality int           `mapstructure:"quality" validate:"min=1,max=100"`
	Workers int           `mapstructure:"workers"`
}

// CacheConfig contains Redis result cache settings
type CacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr" validate:"required_if=Enabled true"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
	Prefix   string        `mapstructure:"prefix"`
}

// StorageConfig contains S3-compatible archive settings
type StorageConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Endpoint   string `mapstructure:"endpoint" validate:"required_if=Enabled true"`
	AccessKey  string `mapstructure:"access_key"`
	SecretKey  string `mapstructure:"secret_key"`
	Bucket     string `mapstructure:"bucket" validate:"required_if=Enabled true"`
	UseSSL     bool   `mapstructure:"use_ssl"`
	PublicBase string `mapstructure:"public_base"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    120 * time.Second,
			RequestTimeout: 20 * time.Second,
			MaxUploadBytes: 12 << 20, // 10 MiB image plus multipart overhead
			AllowedOrigins: []string{"*"},
		},
		Compression: CompressionConfig{
			DefaultQuality: 80,
			AutoOrient:     true,
		},
		Client: ClientConfig{
			BaseURL: "http://localhost:8080",
			Timeout: 30 * time.Second,
			Variant: "binary",
			Quality: 80,
			Workers: 4,
		},
		Cache: CacheConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			TTL:     time.Hour,
			Prefix:  "image-compressor:",
		},
		Storage: StorageConfig{
			Enabled:    false,
			Endpoint:   "localhost:9000",
			Bucket:     "compressed",
			PublicBase: "http://localhost:9000/compressed",
		},
		Logging: LoggingConfig{
			Level:      "info",
			FilePath:   "image-compressor.log",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	// A missing .env is fine, the process environment is used as-is.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.image-compressor")
		v.AddConfigPath("/etc/image-compressor")
	}

	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix("IMAGE_COMPRESSOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// setDefaults registers every key with viper so that AutomaticEnv can
// override keys that never appear in a config file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.request_timeout", d.Server.RequestTimeout)
	v.SetDefault("server.max_upload_bytes", d.Server.MaxUploadBytes)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)

	v.SetDefault("compression.default_quality", d.Compression.DefaultQuality)
	v.SetDefault("compression.auto_orient", d.Compression.AutoOrient)

	v.SetDefault("client.base_url", d.Client.BaseURL)
	v.SetDefault("client.timeout", d.Client.Timeout)
	v.SetDefault("client.variant", d.Client.Variant)
	v.SetDefault("client.quality", d.Client.Quality)
	v.SetDefault("client.workers", d.Client.Workers)

	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.addr", d.Cache.Addr)
	v.SetDefault("cache.password", d.Cache.Password)
	v.SetDefault("cache.db", d.Cache.DB)
	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("cache.prefix", d.Cache.Prefix)

	v.SetDefault("storage.enabled", d.Storage.Enabled)
	v.SetDefault("storage.endpoint", d.Storage.Endpoint)
	v.SetDefault("storage.access_key", d.Storage.AccessKey)
	v.SetDefault("storage.secret_key", d.Storage.SecretKey)
	v.SetDefault("storage.bucket", d.Storage.Bucket)
	v.SetDefault("storage.use_ssl", d.Storage.UseSSL)
	v.SetDefault("storage.public_base", d.Storage.PublicBase)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file_path", d.Logging.FilePath)
	v.SetDefault("logging.max_size", d.Logging.MaxSize)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age", d.Logging.MaxAge)
	v.SetDefault("logging.compress", d.Logging.Compress)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	// Validate timeouts
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 20 * time.Second
	}
	if c.Client.Timeout <= 0 {
		c.Client.Timeout = 30 * time.Second
	}
	if c.Client.Workers <= 0 {
		c.Client.Workers = 4
	}
	c.Client.BaseURL = strings.TrimRight(c.Client.BaseURL, "/")

	// Validate logging settings
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	return nil
}

// Addr returns the listen address for the compression endpoint
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
