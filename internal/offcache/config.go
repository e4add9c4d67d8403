package offcache

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultManifest is the precache list of the calendar app.
var DefaultManifest = []string{
	"./index.html",
	"./style.css",
	"./script.js",
	"./manifest.json",
	"./images/icon-192x192.png",
	"./images/icon-512x512.png",
}

type Config struct {
	Server struct {
		Port   int    `yaml:"port" validate:"gte=0,lte=65535"`
		Origin string `yaml:"origin" validate:"required,url"`
	} `yaml:"server"`

	Cache struct {
		Version  string   `yaml:"version" validate:"required"`
		Manifest []string `yaml:"manifest" validate:"dive,required"`
		Ignore   []string `yaml:"ignore"`
		MaxBody  string   `yaml:"maxBody"`

		maxBodyBytes int64
	} `yaml:"cache"`

	Storage struct {
		Backend string `yaml:"backend" validate:"oneof=leveldb memory"`
		Path    string `yaml:"path"`
	} `yaml:"storage"`

	Network struct {
		Timeout string `yaml:"timeout"`

		timeoutDur time.Duration
	} `yaml:"network"`

	Update struct {
		CheckEvery string `yaml:"checkEvery"`

		checkEveryDur time.Duration
	} `yaml:"update"`

	Logging struct {
		Level      string `yaml:"level" validate:"oneof=debug info warn error"`
		Format     string `yaml:"format" validate:"oneof=json console"`
		StatsEvery string `yaml:"statsEvery"`

		statsEveryDur time.Duration
	} `yaml:"logging"`

	Admin struct {
		Port int `yaml:"port" validate:"gte=0,lte=65535"`
	} `yaml:"admin"`
}

var validate = validator.New()

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes yaml, fills defaults and validates the result.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if cfg.Cache.Manifest == nil {
		cfg.Cache.Manifest = append([]string(nil), DefaultManifest...)
	}
	if cfg.Cache.Ignore == nil {
		cfg.Cache.Ignore = []string{"favicon"}
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "leveldb"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Update.CheckEvery == "" {
		cfg.Update.CheckEvery = "60s"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if err := validate.Struct(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	u, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return Config{}, fmt.Errorf("server.origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Config{}, fmt.Errorf("server.origin: scheme must be http or https, got %q", u.Scheme)
	}

	if cfg.Cache.maxBodyBytes, err = parseBytes(cfg.Cache.MaxBody); err != nil {
		return Config{}, fmt.Errorf("cache.maxBody: %w", err)
	}
	if cfg.Network.timeoutDur, err = parseOptionalDuration(cfg.Network.Timeout); err != nil {
		return Config{}, fmt.Errorf("network.timeout: %w", err)
	}
	if cfg.Update.checkEveryDur, err = parseOptionalDuration(cfg.Update.CheckEvery); err != nil {
		return Config{}, fmt.Errorf("update.checkEvery: %w", err)
	}
	if cfg.Logging.statsEveryDur, err = parseOptionalDuration(cfg.Logging.StatsEvery); err != nil {
		return Config{}, fmt.Errorf("logging.statsEvery: %w", err)
	}

	return cfg, nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

// Release returns the generation described by the cache section.
func (c Config) Release() Release {
	return Release{
		Version:  c.Cache.Version,
		Manifest: append([]string(nil), c.Cache.Manifest...),
	}
}

func (c Config) MaxBodyBytes() int64           { return c.Cache.maxBodyBytes }
func (c Config) NetworkTimeout() time.Duration { return c.Network.timeoutDur }
func (c Config) UpdateInterval() time.Duration { return c.Update.checkEveryDur }
func (c Config) StatsInterval() time.Duration  { return c.Logging.statsEveryDur }
