package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const envPrefix = "RELAYWOOT_"

// Config is the resolved configuration of a site. Values come from
// defaults, then the YAML file, then RELAYWOOT_* environment variables.
type Config struct {
	Addr            string
	SiteID          string
	StateDSN        string
	ClockFile       string
	SpoolDir        string
	RedisURL        string
	Peers           []string
	MaxLog          int
	Relay           bool
	MaxBodyBytes    int64
	RateLimitMax    int
	RateLimitWindow time.Duration
	Log             LogConfig

	// Warnings lists environment values that were ignored. They are
	// reported once a logger exists.
	Warnings []string
}

type LogConfig struct {
	Level  string
	Format string
}

// FileConfig is the on-disk layout.
type FileConfig struct {
	Server struct {
		Addr            string        `yaml:"addr"`
		MaxBodyBytes    int64         `yaml:"max_body_bytes"`
		RateLimitMax    int           `yaml:"rate_limit_max"`
		RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	} `yaml:"server"`

	Site struct {
		ID        string `yaml:"id"`
		StateDSN  string `yaml:"state_dsn"`
		ClockFile string `yaml:"clock_file"`
		MaxLog    int    `yaml:"max_log"`
		Relay     *bool  `yaml:"relay"`
	} `yaml:"site"`

	Transport struct {
		Peers    []string `yaml:"peers"`
		RedisURL string   `yaml:"redis_url"`
		SpoolDir string   `yaml:"spool_dir"`
	} `yaml:"transport"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func Default() *Config {
	return &Config{
		Addr:            ":8080",
		StateDSN:        "memory://",
		MaxLog:          10000,
		Relay:           true,
		MaxBodyBytes:    1 << 20,
		RateLimitWindow: time.Minute,
		Log:             LogConfig{Level: "info", Format: "json"},
	}
}

// Load resolves the configuration. An empty path skips the file. A site id
// left unset everywhere gets a random one, which only suits throwaway sites.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		var file FileConfig
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
		cfg.applyFile(file)
	}
	cfg.applyEnv()
	if cfg.SiteID == "" {
		cfg.SiteID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("addr is required")
	}
	if c.MaxLog < 0 {
		return fmt.Errorf("max_log must not be negative")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unsupported log format %q", c.Log.Format)
	}
	return nil
}

func (c *Config) applyFile(file FileConfig) {
	if file.Server.Addr != "" {
		c.Addr = file.Server.Addr
	}
	if file.Server.MaxBodyBytes > 0 {
		c.MaxBodyBytes = file.Server.MaxBodyBytes
	}
	if file.Server.RateLimitMax > 0 {
		c.RateLimitMax = file.Server.RateLimitMax
	}
	if file.Server.RateLimitWindow > 0 {
		c.RateLimitWindow = file.Server.RateLimitWindow
	}
	if file.Site.ID != "" {
		c.SiteID = file.Site.ID
	}
	if file.Site.StateDSN != "" {
		c.StateDSN = file.Site.StateDSN
	}
	if file.Site.ClockFile != "" {
		c.ClockFile = file.Site.ClockFile
	}
	if file.Site.MaxLog != 0 {
		c.MaxLog = file.Site.MaxLog
	}
	if file.Site.Relay != nil {
		c.Relay = *file.Site.Relay
	}
	if len(file.Transport.Peers) > 0 {
		c.Peers = cleanList(file.Transport.Peers)
	}
	if file.Transport.RedisURL != "" {
		c.RedisURL = file.Transport.RedisURL
	}
	if file.Transport.SpoolDir != "" {
		c.SpoolDir = file.Transport.SpoolDir
	}
	if file.Log.Level != "" {
		c.Log.Level = file.Log.Level
	}
	if file.Log.Format != "" {
		c.Log.Format = file.Log.Format
	}
}

func (c *Config) applyEnv() {
	c.Addr = c.stringEnv("ADDR", c.Addr)
	c.SiteID = c.stringEnv("SITE_ID", c.SiteID)
	c.StateDSN = c.stringEnv("STATE_DSN", c.StateDSN)
	c.ClockFile = c.stringEnv("CLOCK_FILE", c.ClockFile)
	c.SpoolDir = c.stringEnv("SPOOL_DIR", c.SpoolDir)
	c.RedisURL = c.stringEnv("REDIS_URL", c.RedisURL)
	if raw := strings.TrimSpace(os.Getenv(envPrefix + "PEERS")); raw != "" {
		c.Peers = cleanList(strings.Split(raw, ","))
	}
	c.MaxLog = c.intEnv("MAX_LOG", c.MaxLog)
	c.Relay = c.boolEnv("RELAY", c.Relay)
	c.MaxBodyBytes = c.int64Env("MAX_BODY_BYTES", c.MaxBodyBytes)
	c.RateLimitMax = c.intEnv("RATE_LIMIT_MAX", c.RateLimitMax)
	c.RateLimitWindow = c.durationEnv("RATE_LIMIT_WINDOW", c.RateLimitWindow)
	c.Log.Level = c.stringEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = c.stringEnv("LOG_FORMAT", c.Log.Format)
}

func (c *Config) stringEnv(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(envPrefix + name)); raw != "" {
		return raw
	}
	return fallback
}

func (c *Config) intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		c.warnf("invalid %s%s=%q, using fallback %d", envPrefix, name, raw, fallback)
		return fallback
	}
	return value
}

func (c *Config) int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		c.warnf("invalid %s%s=%q, using fallback %d", envPrefix, name, raw, fallback)
		return fallback
	}
	return value
}

func (c *Config) boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		c.warnf("invalid %s%s=%q, using fallback %t", envPrefix, name, raw, fallback)
		return fallback
	}
	return value
}

func (c *Config) durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		c.warnf("invalid %s%s=%q, using fallback %s", envPrefix, name, raw, fallback.String())
		return fallback
	}
	return value
}

func (c *Config) warnf(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// SaveDefault writes a starter configuration with a freshly generated site
// id, so the site keeps its identity across restarts.
func SaveDefault(path string) error {
	def := Default()
	var file FileConfig
	file.Server.Addr = def.Addr
	file.Server.MaxBodyBytes = def.MaxBodyBytes
	file.Server.RateLimitWindow = def.RateLimitWindow
	file.Site.ID = uuid.NewString()
	file.Site.StateDSN = "file://relaywoot-state.json"
	file.Site.ClockFile = "relaywoot-clock.json"
	file.Site.MaxLog = def.MaxLog
	relay := def.Relay
	file.Site.Relay = &relay
	file.Transport.Peers = []string{}
	file.Log.Level = def.Log.Level
	file.Log.Format = def.Log.Format

	data, err := yaml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}
	out := "# relaywoot site configuration\n" +
		"# RELAYWOOT_* environment variables override these values\n\n" +
		string(data)
	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
