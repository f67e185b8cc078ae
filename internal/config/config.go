// Package config loads the service configuration from built-in defaults, an
// optional YAML file and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/0xc0d3d00d/heatmap/internal/domain"
)

var ErrInvalidConfig = errors.New("invalid config")

const defaultMaxDays = 5

type Gateway struct {
	RestEndpoint string `yaml:"restEndpoint" env:"REST_ENDPOINT"`
	WsEndpoint   string `yaml:"wsEndpoint" env:"WS_ENDPOINT"`
	APIKey       string `yaml:"apiKey" env:"API_KEY"`
	SessionID    string `yaml:"sessionId" env:"SESSION_ID"`
}

type Redis struct {
	Addr    string        `yaml:"addr" env:"ADDR"`
	Key     string        `yaml:"key" env:"KEY"`
	Channel string        `yaml:"channel" env:"CHANNEL"`
	TTL     time.Duration `yaml:"ttl" env:"TTL"`
}

type Config struct {
	ListenAddress   string   `yaml:"listen" env:"ADDR"`
	LogLevel        string   `yaml:"logLevel" env:"LOG_LEVEL"`
	ComputeInterval int      `yaml:"computeInterval" env:"COMPUTE_INTERVAL"`
	DataPeriods     []string `yaml:"dataPeriods" env:"DATA_PERIODS" envSeparator:","`
	StaticKlinesDir string   `yaml:"staticKlinesDir" env:"STATIC_KLINES_DIR"`

	Gateway Gateway `yaml:"gateway" envPrefix:"GATEWAY_"`
	Redis   Redis   `yaml:"redis" envPrefix:"REDIS_"`
}

func Default() Config {
	return Config{
		ListenAddress:   ":8003",
		LogLevel:        "warn",
		ComputeInterval: 60,
		DataPeriods:     []string{"xm", "15m", "1h", "4h", "1d", "5d"},
		Gateway: Gateway{
			RestEndpoint: "http://127.0.0.1:8000",
			WsEndpoint:   "ws://127.0.0.1:8001",
			SessionID:    "mystream.heatmap-me",
		},
		Redis: Redis{
			Key:     "heatmap:snapshot",
			Channel: "heatmap:snapshots",
			TTL:     5 * time.Minute,
		},
	}
}

// Load reads .env when present, then the YAML file named by CONFIG_FILE, then the
// environment, and validates the result.
func Load(fs afero.Fs) (Config, error) {
	cfg := Default()

	// Ignore error if .env is missing
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return cfg, err
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	invalid := func(field string, value any, reason string) {
		errs = append(errs, fmt.Errorf("%w: %s = %v: %s", ErrInvalidConfig, field, value, reason))
	}

	if _, err := c.Level(); err != nil {
		invalid("logLevel", c.LogLevel, "should be one of [debug,info,warn,error]")
	}
	if c.ComputeInterval <= 0 {
		invalid("computeInterval", c.ComputeInterval, "should be a positive number of seconds")
	}

	if len(c.DataPeriods) == 0 {
		invalid("dataPeriods", c.DataPeriods, "should not be empty")
	}
	for i, p := range c.DataPeriods {
		if reason := checkPeriod(p); reason != "" {
			invalid(fmt.Sprintf("dataPeriods[%d]", i), p, reason)
		}
	}

	if err := checkEndpoint(c.Gateway.RestEndpoint, "http", "https"); err != nil {
		invalid("gateway.restEndpoint", c.Gateway.RestEndpoint, err.Error())
	}
	if err := checkEndpoint(c.Gateway.WsEndpoint, "ws", "wss"); err != nil {
		invalid("gateway.wsEndpoint", c.Gateway.WsEndpoint, err.Error())
	}
	if c.Gateway.SessionID == "" {
		invalid("gateway.sessionId", c.Gateway.SessionID, "should not be empty")
	}

	if c.Redis.Addr != "" && c.Redis.Key == "" {
		invalid("redis.key", c.Redis.Key, "should not be empty")
	}

	return errors.Join(errs...)
}

func checkPeriod(p string) string {
	m := domain.PeriodPattern.FindStringSubmatch(p)
	if m == nil {
		return "unsupported format"
	}
	if m[1] == "x" {
		if m[2] != "m" {
			return "value should be one of [x,15,30,45] for 'm' unit"
		}
		return ""
	}
	value, _ := strconv.Atoi(m[1])
	switch m[2] {
	case "m":
		if value != 15 && value != 30 && value != 45 {
			return "value should be one of [x,15,30,45] for 'm' unit"
		}
	case "h":
		if value > 23 {
			return "value should be in range [1..23] for 'h' unit"
		}
	case "d":
		if value > 30 {
			return "value should be in range [1..30] for 'd' unit"
		}
	}
	return ""
}

func checkEndpoint(endpoint string, schemes ...string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("should be an absolute %v url", schemes)
}

func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(c.LogLevel))
	return level, err
}

// MaxDays returns the longest configured day period, or 5 when no day period is configured.
func (c Config) MaxDays() int {
	maxDays := 0
	for _, p := range c.DataPeriods {
		m := domain.PeriodPattern.FindStringSubmatch(p)
		if m == nil || m[2] != "d" {
			continue
		}
		if value, err := strconv.Atoi(m[1]); err == nil && value > maxDays {
			maxDays = value
		}
	}
	if maxDays == 0 {
		return defaultMaxDays
	}
	return maxDays
}

func (c Config) ComputeEvery() time.Duration {
	return time.Duration(c.ComputeInterval) * time.Second
}
