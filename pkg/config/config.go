package config

import (
	"fmt"
	"os"

	"github.com/beam-cloud/bigfs/pkg/storage"
	"github.com/beam-cloud/bigfs/pkg/vfs"
	"gopkg.in/yaml.v3"
)

const DefaultArchivePattern = "*.big"

// Config describes which containers make up an overlay and how it is
// served.
type Config struct {
	// Archives are registered in order, before any ArchiveDirs.
	Archives []ArchiveConfig `yaml:"archives"`

	// ArchiveDirs are scanned for containers after Archives.
	ArchiveDirs []ArchiveDirConfig `yaml:"archive_dirs"`

	// DiskRoot is the loose-file layer. Empty disables it.
	DiskRoot string `yaml:"disk_root"`

	Cache    CacheConfig `yaml:"cache"`
	LogLevel string      `yaml:"log_level"`
}

type ArchiveConfig struct {
	Path      string                  `yaml:"path"`
	Overwrite bool                    `yaml:"overwrite"`
	Priority  int                     `yaml:"priority"`
	S3        *storage.S3SourceOpts   `yaml:"s3"`
	HTTP      *storage.HTTPSourceOpts `yaml:"http"`
}

type ArchiveDirConfig struct {
	Dir       string `yaml:"dir"`
	Pattern   string `yaml:"pattern"`
	Overwrite bool   `yaml:"overwrite"`
}

type CacheConfig struct {
	// MaxCost bounds decoded content held in memory, in bytes. Zero uses
	// the overlay default, negative disables caching.
	MaxCost int64 `yaml:"max_cost"`
}

func Default() *Config {
	return &Config{
		LogLevel: "info",
	}
}

// Load reads a YAML config file, applies defaults and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	for i := range config.ArchiveDirs {
		if config.ArchiveDirs[i].Pattern == "" {
			config.ArchiveDirs[i].Pattern = DefaultArchivePattern
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	for i, a := range c.Archives {
		switch {
		case a.S3 != nil:
			if a.S3.Bucket == "" || a.S3.Key == "" {
				return fmt.Errorf("archive %d: s3 bucket and key are required", i)
			}
		case a.HTTP != nil:
			if a.HTTP.URL == "" {
				return fmt.Errorf("archive %d: http url is required", i)
			}
		case a.Path == "":
			return fmt.Errorf("archive %d: path, s3 or http is required", i)
		}
	}

	for i, d := range c.ArchiveDirs {
		if d.Dir == "" {
			return fmt.Errorf("archive_dir %d: dir is required", i)
		}
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	return nil
}

// ArchiveSpecs converts Archives into load requests for the overlay.
func (c *Config) ArchiveSpecs() []vfs.ArchiveSpec {
	specs := make([]vfs.ArchiveSpec, len(c.Archives))
	for i, a := range c.Archives {
		specs[i] = vfs.ArchiveSpec{
			Path:      a.Path,
			Overwrite: a.Overwrite,
			Priority:  a.Priority,
			S3:        a.S3,
			HTTP:      a.HTTP,
		}
	}
	return specs
}

func (c *Config) Options() vfs.Options {
	opts := vfs.Options{CacheMaxCost: c.Cache.MaxCost}
	if c.DiskRoot != "" {
		opts.Disk = vfs.NewLocalDisk(c.DiskRoot)
	}
	return opts
}
