// Package config loads quotad settings. Sources apply in order: built-in
// defaults, an optional YAML file, .env files, then environment variables.
// Command-line flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"imagegen-quota/internal/scheduler"
)

const (
	BackendBBolt = "bbolt"
	BackendRedis = "redis"
)

type Config struct {
	HTTPAddr      string          `yaml:"http_addr"`
	Backend       string          `yaml:"backend"`
	DBPath        string          `yaml:"db_path"`
	Redis         RedisConfig     `yaml:"redis"`
	Cache         CacheConfig     `yaml:"cache"`
	ResetSchedule string          `yaml:"reset_schedule"`
	Generator     GeneratorConfig `yaml:"generator"`
	Telegram      TelegramConfig  `yaml:"telegram"`
	Log           LogConfig       `yaml:"log"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type CacheConfig struct {
	MaxSize       int           `yaml:"max_size"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type GeneratorConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// TelegramConfig enables the admin bot when Token is set.
type TelegramConfig struct {
	Token       string `yaml:"token"`
	AdminChatID int64  `yaml:"admin_chat_id"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		Backend:  BackendBBolt,
		DBPath:   "./data/quota.db",
		Redis:    RedisConfig{Addr: "localhost:6379", Prefix: "imagegen:"},
		Cache: CacheConfig{
			MaxSize:       1000,
			TTL:           5 * time.Minute,
			SweepInterval: time.Minute,
		},
		ResetSchedule: scheduler.DefaultSchedule,
		Generator:     GeneratorConfig{Timeout: 60 * time.Second},
		Log:           LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults, .env and the environment are used.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	envFiles := []string{".env"}
	if path != "" {
		envFiles = append(envFiles, filepath.Join(filepath.Dir(path), ".env"))
	}
	if err := loadDotEnv(envFiles...); err != nil {
		return nil, err
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadDotEnv loads each file that exists. Variables already in the
// environment are never overwritten.
func loadDotEnv(paths ...string) error {
	seen := map[string]bool{}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(abs); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var errs []error
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	num := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(dst *time.Duration, key string) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str(&cfg.HTTPAddr, "QUOTA_HTTP_ADDR", "HTTP_ADDR")
	str(&cfg.Backend, "QUOTA_BACKEND")
	str(&cfg.DBPath, "QUOTA_DB_PATH", "DB_PATH")
	str(&cfg.Redis.Addr, "QUOTA_REDIS_ADDR")
	str(&cfg.Redis.Password, "QUOTA_REDIS_PASSWORD")
	num(&cfg.Redis.DB, "QUOTA_REDIS_DB")
	str(&cfg.Redis.Prefix, "QUOTA_REDIS_PREFIX")
	num(&cfg.Cache.MaxSize, "QUOTA_CACHE_MAX_SIZE")
	dur(&cfg.Cache.TTL, "QUOTA_CACHE_TTL")
	dur(&cfg.Cache.SweepInterval, "QUOTA_CACHE_SWEEP_INTERVAL")
	str(&cfg.ResetSchedule, "QUOTA_RESET_SCHEDULE")
	str(&cfg.Generator.URL, "QUOTA_GENERATOR_URL")
	dur(&cfg.Generator.Timeout, "QUOTA_GENERATOR_TIMEOUT")
	str(&cfg.Telegram.Token, "QUOTA_TELEGRAM_TOKEN", "BOT_TOKEN")
	str(&cfg.Log.Level, "QUOTA_LOG_LEVEL")
	str(&cfg.Log.Format, "QUOTA_LOG_FORMAT")

	var chatID string
	str(&chatID, "QUOTA_TELEGRAM_ADMIN_CHAT_ID", "ADMIN_CHAT_ID")
	if chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("admin chat id: %w", err))
		} else {
			cfg.Telegram.AdminChatID = id
		}
	}
	return errors.Join(errs...)
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendBBolt:
		if strings.TrimSpace(c.DBPath) == "" {
			errs = append(errs, errors.New("db_path is required for the bbolt backend"))
		}
	case BackendRedis:
		if strings.TrimSpace(c.Redis.Addr) == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if c.Cache.MaxSize <= 0 {
		errs = append(errs, errors.New("cache.max_size must be positive"))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}
	if c.Cache.SweepInterval <= 0 {
		errs = append(errs, errors.New("cache.sweep_interval must be positive"))
	}
	if err := scheduler.Validate(c.ResetSchedule); err != nil {
		errs = append(errs, fmt.Errorf("reset_schedule: %w", err))
	}
	if c.Telegram.Token != "" && c.Telegram.AdminChatID == 0 {
		errs = append(errs, errors.New("telegram.admin_chat_id is required when a bot token is set"))
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
