// Package config loads the cache builder configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

const (
	defaultCacheFile    = "/var/cache/pkgcache/pkgcache.bin"
	defaultSrcCacheFile = "/var/cache/pkgcache/srcpkgcache.bin"
	defaultCacheLimit   = "256MiB"
	defaultLogLevel     = "info"
)

// Source is one record store source. Overlay sources are merged on top of
// the base cache on every build.
type Source struct {
	Store   string `yaml:"store" toml:"store"`
	Name    string `yaml:"name" toml:"name"`
	Overlay bool   `yaml:"overlay" toml:"overlay"`
}

type Config struct {
	CacheFile    string `yaml:"cacheFile" toml:"cache_file"`
	SrcCacheFile string `yaml:"srcCacheFile" toml:"src_cache_file"`
	CacheLimit   string `yaml:"cacheLimit" toml:"cache_limit"`
	MinFree      string `yaml:"minFree" toml:"min_free"`

	ForceRebuild bool `yaml:"forceRebuild" toml:"force_rebuild"`
	ReInstall    bool `yaml:"reinstall" toml:"reinstall"`
	AllowMem     bool `yaml:"allowMem" toml:"allow_mem"`

	Architecture  string   `yaml:"architecture" toml:"architecture"`
	Architectures []string `yaml:"architectures" toml:"architectures"`

	LogLevel string   `yaml:"logLevel" toml:"log_level"`
	Sources  []Source `yaml:"sources" toml:"sources"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var c Config
	c.fill()
	return c
}

// Load reads path as TOML when it ends in .toml and as YAML otherwise.
// A missing file yields the defaults.
func Load(path string) (Config, error) {
	var c Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, &c); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return Default(), nil
			}
			return c, fmt.Errorf("failed to parse configuration %s: %w", path, err)
		}
	default:
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		if err != nil {
			return c, err
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return c, fmt.Errorf("failed to parse configuration %s: %w", path, err)
		}
	}

	c.fill()
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func (c *Config) fill() {
	if c.CacheFile == "" {
		c.CacheFile = defaultCacheFile
	}
	if c.SrcCacheFile == "" {
		c.SrcCacheFile = defaultSrcCacheFile
	}
	if c.CacheLimit == "" {
		c.CacheLimit = defaultCacheLimit
	}
	if c.Architecture == "" {
		c.Architecture = nativeArch()
	}
	if len(c.Architectures) < 1 {
		c.Architectures = []string{c.Architecture}
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
}

// Validate checks the values that cannot be defaulted.
func (c Config) Validate() error {
	if _, err := c.Limit(); err != nil {
		return err
	}
	if _, err := c.MinFreeBytes(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	for i, s := range c.Sources {
		if s.Store == "" || s.Name == "" {
			return fmt.Errorf("source %d: store and name are required", i)
		}
	}
	return nil
}

// Limit returns the maximum cache size in bytes.
func (c Config) Limit() (int64, error) {
	n, err := humanize.ParseBytes(c.CacheLimit)
	if err != nil {
		return 0, fmt.Errorf("invalid cache limit %q: %w", c.CacheLimit, err)
	}
	if n == 0 || n > 1<<32-1 {
		return 0, fmt.Errorf("cache limit %s out of range", c.CacheLimit)
	}
	return int64(n), nil
}

// MinFreeBytes returns the free space required to persist caches.
func (c Config) MinFreeBytes() (uint64, error) {
	if c.MinFree == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.MinFree)
	if err != nil {
		return 0, fmt.Errorf("invalid minimum free space %q: %w", c.MinFree, err)
	}
	return n, nil
}

func (c Config) Level() (logrus.Level, error) {
	return logrus.ParseLevel(c.LogLevel)
}

// nativeArch names the running architecture the way Debian does.
func nativeArch() string {
	switch runtime.GOARCH {
	case "386":
		return "i386"
	case "arm":
		return "armhf"
	case "ppc64le":
		return "ppc64el"
	}
	return runtime.GOARCH
}
