package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/alanbriolat/audio-relay/internal/remux"
	"github.com/alanbriolat/audio-relay/internal/stream"
	"github.com/alanbriolat/audio-relay/provider/extractor"
	"github.com/alanbriolat/audio-relay/provider/podcast"
	"github.com/alanbriolat/audio-relay/provider/youtube"
)

// Environment variables that override the configuration file. Their values are opaque.
const (
	EnvIndexKey     = "PODCASTINDEX_API_KEY"
	EnvIndexSecret  = "PODCASTINDEX_API_SECRET"
	EnvCookies      = "YTDLP_COOKIES"
	EnvCookiesFile  = "YTDLP_COOKIES_FILE"
	EnvListen       = "AUDIO_RELAY_LISTEN"
	EnvDatabasePath = "AUDIO_RELAY_DATABASE"
)

type Config struct {
	Listen   string        `yaml:"listen"`
	Database string        `yaml:"database"`
	Logging  LoggingConfig `yaml:"logging"`
	// HTTPTimeout bounds every outbound HTTP request that has no tighter deadline of its own.
	HTTPTimeout time.Duration    `yaml:"http_timeout"`
	Dispatch    DispatchConfig   `yaml:"dispatch"`
	Cache       CacheConfig      `yaml:"cache"`
	YouTube     youtube.Config   `yaml:"youtube"`
	Extractor   extractor.Config `yaml:"extractor"`
	Podcast     podcast.Config   `yaml:"podcast"`
	Feed        FeedConfig       `yaml:"feed"`
	Remux       remux.Config     `yaml:"remux"`
	Stream      stream.Config    `yaml:"stream"`
}

type LoggingConfig struct {
	// JSON switches from the coloured development encoder to production JSON logs.
	JSON  bool   `yaml:"json"`
	Level string `yaml:"level"`
}

type DispatchConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	BatchWorkers int           `yaml:"batch_workers"`
}

type CacheConfig struct {
	TTL    time.Duration `yaml:"ttl"`
	Margin time.Duration `yaml:"margin"`
}

type FeedConfig struct {
	UserAgent string `yaml:"user_agent"`
}

func Default() Config {
	return Config{
		Listen:      "127.0.0.1:8080",
		Database:    "audio-relay.db",
		Logging:     LoggingConfig{Level: "info"},
		HTTPTimeout: 20 * time.Second,
		Dispatch: DispatchConfig{
			Timeout:      2 * time.Minute,
			BatchWorkers: 4,
		},
		Cache: CacheConfig{
			TTL:    3 * time.Hour,
			Margin: 5 * time.Minute,
		},
		YouTube:   youtube.DefaultConfig(),
		Extractor: extractor.DefaultConfig(),
		Podcast:   podcast.DefaultConfig(),
		Feed:      FeedConfig{UserAgent: "audio-relay/1.0"},
		Remux:     remux.DefaultConfig(),
		Stream:    stream.DefaultConfig(),
	}
}

// Load reads a YAML configuration file over the defaults. An empty path gives the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Environ returns the process environment, with variables from envFile (if it exists) filling in anything that is
// not already set.
func Environ(envFile string) (map[string]string, error) {
	env := make(map[string]string)
	if envFile != "" {
		fileEnv, err := godotenv.Read(envFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", envFile, err)
		}
		for k, v := range fileEnv {
			env[k] = v
		}
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env, nil
}

// ApplyEnv overrides secrets and deployment settings from environment variables. Only non-empty values count.
func (c *Config) ApplyEnv(env map[string]string) {
	set := func(target *string, name string) {
		if v := env[name]; v != "" {
			*target = v
		}
	}
	set(&c.Podcast.Index.APIKey, EnvIndexKey)
	set(&c.Podcast.Index.APISecret, EnvIndexSecret)
	set(&c.Extractor.Cookies, EnvCookies)
	set(&c.Extractor.CookiesFile, EnvCookiesFile)
	set(&c.Listen, EnvListen)
	set(&c.Database, EnvDatabasePath)
}
