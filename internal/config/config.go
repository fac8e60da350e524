// Package config loads the vault configuration from a YAML file with
// environment variable overrides. Environment always wins so containerized
// deployments can keep one config file per image.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Storage selects the metadata backend and file locations.
type Storage struct {
	Driver      string `yaml:"driver"`       // sqlite|postgres
	SQLitePath  string `yaml:"sqlite_path"`  // sqlite database file
	PostgresDSN string `yaml:"postgres_dsn"` // connection string when driver=postgres
	SidecarPath string `yaml:"sidecar_path"` // frame log path
}

// PixelSource selects the optional external home for bulk pixel data.
type PixelSource struct {
	Driver     string `yaml:"driver"` // fs|s3|memory, empty disables
	FSRoot     string `yaml:"fs_root"`
	S3Bucket   string `yaml:"s3_bucket"`
	S3Region   string `yaml:"s3_region"`
	S3Prefix   string `yaml:"s3_prefix"`
	S3Endpoint string `yaml:"s3_endpoint"`
}

// Logging controls the stderr logger.
type Logging struct {
	Level string `yaml:"level"` // debug|info|warn|error
}

// Config is the root document.
type Config struct {
	Storage     Storage     `yaml:"storage"`
	PixelSource PixelSource `yaml:"pixel_source"`
	Logging     Logging     `yaml:"logging"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Storage: Storage{Driver: "sqlite", SQLitePath: "./imagevault.db"},
		Logging: Logging{Level: "info"},
	}
}

// Load reads path, falling back to defaults when the file does not exist,
// then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setEnv := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setEnv(&c.Storage.Driver, "IMAGEVAULT_STORAGE_DRIVER")
	setEnv(&c.Storage.SQLitePath, "IMAGEVAULT_SQLITE_PATH")
	setEnv(&c.Storage.PostgresDSN, "IMAGEVAULT_POSTGRES_DSN")
	setEnv(&c.Storage.SidecarPath, "IMAGEVAULT_SIDECAR_PATH")
	setEnv(&c.PixelSource.Driver, "IMAGEVAULT_PIXELSOURCE_DRIVER")
	setEnv(&c.PixelSource.FSRoot, "IMAGEVAULT_PIXELSOURCE_FS_ROOT")
	setEnv(&c.PixelSource.S3Bucket, "IMAGEVAULT_PIXELSOURCE_S3_BUCKET")
	setEnv(&c.PixelSource.S3Region, "IMAGEVAULT_PIXELSOURCE_S3_REGION")
	setEnv(&c.PixelSource.S3Prefix, "IMAGEVAULT_PIXELSOURCE_S3_PREFIX")
	setEnv(&c.PixelSource.S3Endpoint, "IMAGEVAULT_PIXELSOURCE_S3_ENDPOINT")
	setEnv(&c.Logging.Level, "IMAGEVAULT_LOG_LEVEL")
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.PixelSource.Driver {
	case "", "fs", "s3", "memory":
	default:
		return fmt.Errorf("unknown pixel source driver %q", c.PixelSource.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("postgres driver requires postgres_dsn")
	}
	if c.PixelSource.Driver == "s3" && c.PixelSource.S3Bucket == "" {
		return fmt.Errorf("s3 pixel source requires s3_bucket")
	}
	return nil
}
