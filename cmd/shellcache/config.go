package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	shellcache "github.com/always-cache/shellcache"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const envPrefix = "SHELLCACHE_"

type Config struct {
	// Release name. A new value installs a new version of the cache.
	Version string `yaml:"version" env:"VERSION"`
	// Origin URL to proxy to.
	Origin string `yaml:"origin" env:"ORIGIN"`
	// Hostname to send to the origin, if it differs from the origin URL.
	Host string `yaml:"host" env:"HOST"`
	// Directory to serve instead of a remote origin.
	Dir  string `yaml:"dir" env:"DIR"`
	Port int    `yaml:"port" env:"PORT"`
	// One of sqlite, bolt or memory.
	Store string `yaml:"store" env:"STORE"`
	// Database file for the sqlite and bolt stores.
	DB                  string        `yaml:"db" env:"DB"`
	Manifest            []string      `yaml:"manifest" env:"MANIFEST" envSeparator:","`
	ShellPath           string        `yaml:"shell" env:"SHELL_PATH"`
	FetchTimeout        time.Duration `yaml:"fetchTimeout" env:"FETCH_TIMEOUT"`
	PrecacheConcurrency int           `yaml:"precacheConcurrency" env:"PRECACHE_CONCURRENCY"`
	StrictPrecache      bool          `yaml:"strictPrecache" env:"STRICT_PRECACHE"`
	SkipWaiting         bool          `yaml:"skipWaiting" env:"SKIP_WAITING"`
	LogFile             string        `yaml:"logFile" env:"LOG_FILE"`
}

func defaultConfig() Config {
	return Config{
		Port:                8080,
		Store:               "sqlite",
		DB:                  "cache.db",
		ShellPath:           shellcache.DefaultShellPath,
		FetchTimeout:        shellcache.DefaultFetchTimeout,
		PrecacheConcurrency: shellcache.DefaultPrecacheConcurrency,
	}
}

// bindFlags registers the command line flags.
// Values land in the returned config, which is only applied for flags that were set.
func bindFlags(fs *pflag.FlagSet) *Config {
	c := defaultConfig()
	fs.StringVar(&c.Version, "version", c.Version, "Release version to cache")
	fs.StringVar(&c.Origin, "origin", c.Origin, "Origin URL to proxy to")
	fs.StringVar(&c.Host, "host", c.Host, "Hostname of origin")
	fs.StringVar(&c.Dir, "dir", c.Dir, "Directory to serve instead of an origin URL")
	fs.IntVarP(&c.Port, "port", "p", c.Port, "Port to listen on")
	fs.StringVar(&c.Store, "store", c.Store, "Cache store: sqlite, bolt or memory")
	fs.StringVar(&c.DB, "db", c.DB, "Cache DB file name (use 'memory' for in-memory db)")
	fs.StringSliceVar(&c.Manifest, "manifest", c.Manifest, "Resources to precache (default: the application shell)")
	fs.StringVar(&c.ShellPath, "shell", c.ShellPath, "Document served to offline navigations")
	fs.DurationVar(&c.FetchTimeout, "fetch-timeout", c.FetchTimeout, "Timeout for origin requests")
	fs.IntVar(&c.PrecacheConcurrency, "precache-concurrency", c.PrecacheConcurrency, "Parallel fetches during install")
	fs.BoolVar(&c.StrictPrecache, "strict", c.StrictPrecache, "Fail the install if any resource cannot be precached")
	fs.BoolVar(&c.SkipWaiting, "skip-waiting", c.SkipWaiting, "Activate new versions as soon as they are installed")
	fs.StringVar(&c.LogFile, "log-file", c.LogFile, "Log file to use (in addition to stdout)")
	return &c
}

// loadConfig layers defaults, the config file, SHELLCACHE_* environment variables
// and the flags that were set, in increasing order of precedence.
func loadConfig(filename string, fs *pflag.FlagSet, flags *Config) (Config, error) {
	config := defaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := env.ParseWithOptions(&config, env.Options{Prefix: envPrefix}); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	if fs != nil && flags != nil {
		config.applyFlags(fs, *flags)
	}
	return config, config.validate()
}

func (c *Config) applyFlags(fs *pflag.FlagSet, f Config) {
	fs.Visit(func(flag *pflag.Flag) {
		switch flag.Name {
		case "version":
			c.Version = f.Version
		case "origin":
			c.Origin = f.Origin
		case "host":
			c.Host = f.Host
		case "dir":
			c.Dir = f.Dir
		case "port":
			c.Port = f.Port
		case "store":
			c.Store = f.Store
		case "db":
			c.DB = f.DB
		case "manifest":
			c.Manifest = f.Manifest
		case "shell":
			c.ShellPath = f.ShellPath
		case "fetch-timeout":
			c.FetchTimeout = f.FetchTimeout
		case "precache-concurrency":
			c.PrecacheConcurrency = f.PrecacheConcurrency
		case "strict":
			c.StrictPrecache = f.StrictPrecache
		case "skip-waiting":
			c.SkipWaiting = f.SkipWaiting
		case "log-file":
			c.LogFile = f.LogFile
		}
	})
}

func (c Config) validate() error {
	if c.Version == "" {
		return errors.New("Please specify a version")
	}
	if c.Origin == "" && c.Dir == "" {
		return errors.New("Please specify origin or dir")
	}
	switch c.Store {
	case "sqlite", "bolt", "memory":
	default:
		return fmt.Errorf("Unknown store %q", c.Store)
	}
	return nil
}
