package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort               = 8080
	defaultDataDir            = "data"
	defaultInputDir           = "pdf"
	defaultCacheDir           = "cache"
	defaultMaxConcurrentTasks = 3
	defaultMaxPendingTasks    = 16
	defaultFileConcurrency    = 1
	defaultRetention          = 24 * time.Hour
	defaultMaxDistance        = 10

	envPrefix = "DOCBATCH_"
)

// Store drivers accepted in store.driver.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverRedis    = "redis"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config describes runtime configuration for the service.
type Config struct {
	Port               int           `yaml:"port"`
	DataDir            string        `yaml:"data_dir"`
	InputDir           string        `yaml:"input_dir"`
	CacheDir           string        `yaml:"cache_dir"`
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"`
	MaxPendingTasks    int           `yaml:"max_pending_tasks"`
	FileConcurrency    int           `yaml:"file_concurrency"`
	Retention          time.Duration `yaml:"retention"`
	LogLevel           string        `yaml:"log_level"`
	LogFormat          string        `yaml:"log_format"`
	Store              StoreConfig   `yaml:"store"`
	Parser             ParserConfig  `yaml:"parser"`
}

// StoreConfig selects where task snapshots are persisted.
type StoreConfig struct {
	Driver        string `yaml:"driver"`
	DSN           string `yaml:"dsn"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// ParserConfig tunes text extraction and term matching.
type ParserConfig struct {
	OCR         bool     `yaml:"ocr"`
	Languages   []string `yaml:"languages"`
	SearchTerms []string `yaml:"search_terms"`
	MaxDistance int      `yaml:"max_distance"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Port:               defaultPort,
		DataDir:            defaultDataDir,
		InputDir:           defaultInputDir,
		CacheDir:           defaultCacheDir,
		MaxConcurrentTasks: defaultMaxConcurrentTasks,
		MaxPendingTasks:    defaultMaxPendingTasks,
		FileConcurrency:    defaultFileConcurrency,
		Retention:          defaultRetention,
		LogLevel:           "info",
		LogFormat:          "console",
		Store:              StoreConfig{Driver: DriverFile},
		Parser: ParserConfig{
			OCR:         true,
			Languages:   []string{"rus", "eng"},
			MaxDistance: defaultMaxDistance,
		},
	}
}

// Load reads YAML config from the provided path, then applies an optional
// .env file and DOCBATCH_* environment overrides. A missing or empty file
// yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) > 0 {
		if err := yaml.Unmarshal(fileData, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml: %w", err)
		}
	}

	_ = godotenv.Load() // .env is optional
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return normalize(cfg)
}

func normalize(cfg Config) (Config, error) {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.InputDir == "" {
		cfg.InputDir = defaultInputDir
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = defaultCacheDir
	}
	if cfg.MaxConcurrentTasks < 1 {
		return cfg, fmt.Errorf("invalid max_concurrent_tasks: %d (must be >= 1)", cfg.MaxConcurrentTasks)
	}
	if cfg.MaxPendingTasks < 0 {
		return cfg, fmt.Errorf("invalid max_pending_tasks: %d (must be >= 0)", cfg.MaxPendingTasks)
	}
	if cfg.FileConcurrency < 1 {
		cfg.FileConcurrency = defaultFileConcurrency
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))

	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	switch cfg.Store.Driver {
	case "":
		cfg.Store.Driver = DriverFile
	case DriverMemory, DriverFile:
	case DriverRedis:
		if cfg.Store.RedisAddr == "" {
			return cfg, errors.New("store.redis_addr is required for the redis driver")
		}
	case DriverSQLite, DriverPostgres:
		if cfg.Store.DSN == "" {
			return cfg, fmt.Errorf("store.dsn is required for the %s driver", cfg.Store.Driver)
		}
	default:
		return cfg, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	if cfg.Parser.MaxDistance <= 0 {
		cfg.Parser.MaxDistance = defaultMaxDistance
	}
	cfg.Parser.Languages = normalizeList(cfg.Parser.Languages, strings.ToLower)
	cfg.Parser.SearchTerms = normalizeList(cfg.Parser.SearchTerms, nil)
	return cfg, nil
}

// applyEnv overrides cfg with DOCBATCH_* variables found through lookup.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(envPrefix + name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("env %s%s: %w", envPrefix, name, err)
		}
		*dst = n
		return nil
	}

	str("DATA_DIR", &cfg.DataDir)
	str("INPUT_DIR", &cfg.InputDir)
	str("CACHE_DIR", &cfg.CacheDir)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)
	str("STORE_DRIVER", &cfg.Store.Driver)
	str("STORE_DSN", &cfg.Store.DSN)
	str("REDIS_ADDR", &cfg.Store.RedisAddr)
	str("REDIS_PASSWORD", &cfg.Store.RedisPassword)

	for name, dst := range map[string]*int{
		"PORT":                 &cfg.Port,
		"MAX_CONCURRENT_TASKS": &cfg.MaxConcurrentTasks,
		"MAX_PENDING_TASKS":    &cfg.MaxPendingTasks,
		"FILE_CONCURRENCY":     &cfg.FileConcurrency,
		"REDIS_DB":             &cfg.Store.RedisDB,
	} {
		if err := num(name, dst); err != nil {
			return err
		}
	}

	if v, ok := lookup(envPrefix + "RETENTION"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("env %sRETENTION: %w", envPrefix, err)
		}
		cfg.Retention = d
	}
	if v, ok := lookup(envPrefix + "OCR"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("env %sOCR: %w", envPrefix, err)
		}
		cfg.Parser.OCR = b
	}
	if v, ok := lookup(envPrefix + "SEARCH_TERMS"); ok && v != "" {
		cfg.Parser.SearchTerms = strings.Split(v, ",")
	}
	return nil
}

// normalizeList trims entries, drops empties and duplicates, optionally
// mapping each entry first.
func normalizeList(in []string, mapFn func(string) string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		v := strings.TrimSpace(s)
		if mapFn != nil {
			v = mapFn(v)
		}
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
