package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Env string `yaml:"env"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`

	API struct {
		BaseURL       string        `yaml:"base_url"`
		Timeout       time.Duration `yaml:"timeout"`
		RetryAttempts int           `yaml:"retry_attempts"`
		RetryBackoff  time.Duration `yaml:"retry_backoff"` // base for base*2^attempt
		RefreshPath   string        `yaml:"refresh_path"`
		PaceRPS       float64       `yaml:"pace_rps"` // 0 disables client-side pacing
		PaceBurst     int           `yaml:"pace_burst"`
	} `yaml:"api"`

	Auth struct {
		AccessToken  string `yaml:"access_token"`
		RefreshToken string `yaml:"refresh_token"`
		Role         string `yaml:"role"` // rider | driver | admin; empty = read from token claims
	} `yaml:"auth"`

	Queue struct {
		Store         string         `yaml:"store"` // memory | redis | sqlite
		StorageKey    string         `yaml:"storage_key"`
		DrainEvery    time.Duration  `yaml:"drain_every"`
		DeadLetterCap int            `yaml:"dead_letter_cap"`
		Caps          map[string]int `yaml:"caps"` // per action kind
	} `yaml:"queue"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		Database int    `yaml:"database"`
	} `yaml:"redis"`

	SQLite struct {
		Path string `yaml:"path"`
	} `yaml:"sqlite"`

	RateLimit struct {
		Tick         time.Duration `yaml:"tick"`
		DefaultDelay time.Duration `yaml:"default_delay"`
	} `yaml:"ratelimit"`

	Realtime struct {
		URL           string        `yaml:"url"` // ws(s)://host/ws; empty derives from api.base_url
		PollEvery     time.Duration `yaml:"poll_every"`
		RecentWindow  time.Duration `yaml:"recent_window"`
		MaxReconnects int           `yaml:"max_reconnects"`
	} `yaml:"realtime"`

	Connectivity struct {
		HealthPath string        `yaml:"health_path"`
		CheckEvery time.Duration `yaml:"check_every"`
	} `yaml:"connectivity"`

	DeadLetter struct {
		RocketMQ struct {
			Enabled    bool   `yaml:"enabled"`
			NameServer string `yaml:"name_server"`
			Group      string `yaml:"group"`
			Topic      string `yaml:"topic"`
			Tag        string `yaml:"tag,omitempty"`
		} `yaml:"rocketmq"`
		Breaker struct {
			Threshold int           `yaml:"threshold"`
			Window    time.Duration `yaml:"window"`
			OpenFor   time.Duration `yaml:"open_for"`
		} `yaml:"breaker"`
	} `yaml:"dead_letter"`
}

// Load supports comma-separated config files: "-c common.yml,ridecore.yml"
func Load(pathList string) (*Config, error) {
	if strings.TrimSpace(pathList) == "" {
		return nil, errors.New("config path required (e.g. -c ./config.yml or -c common.yml,ridecore.yml)")
	}
	var c Config
	paths := strings.Split(pathList, ",")
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, err
		}
	}
	c.applyDefaults()
	return &c, c.validate()
}

func (c *Config) applyDefaults() {
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":2112"
	}
	if c.API.BaseURL == "" {
		c.API.BaseURL = "http://localhost:5000/api/v1"
	}
	c.API.BaseURL = strings.TrimRight(c.API.BaseURL, "/")
	if c.API.Timeout == 0 {
		c.API.Timeout = 10 * time.Second
	}
	if c.API.RetryAttempts <= 0 {
		c.API.RetryAttempts = 2
	}
	if c.API.RetryBackoff == 0 {
		c.API.RetryBackoff = 250 * time.Millisecond
	}
	if c.API.RefreshPath == "" {
		c.API.RefreshPath = "/auth/refresh"
	}
	if c.API.PaceRPS > 0 && c.API.PaceBurst <= 0 {
		c.API.PaceBurst = 1
	}
	if c.Queue.Store == "" {
		c.Queue.Store = "memory"
	}
	if c.Queue.StorageKey == "" {
		c.Queue.StorageKey = "action_queue_v1"
	}
	if c.Queue.DrainEvery == 0 {
		c.Queue.DrainEvery = 5 * time.Second
	}
	if c.Queue.DeadLetterCap <= 0 {
		c.Queue.DeadLetterCap = 200
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.SQLite.Path == "" {
		c.SQLite.Path = "ridecore.db"
	}
	if c.RateLimit.Tick == 0 {
		c.RateLimit.Tick = 500 * time.Millisecond
	}
	if c.RateLimit.DefaultDelay == 0 {
		c.RateLimit.DefaultDelay = 5 * time.Second
	}
	if c.Realtime.URL == "" {
		c.Realtime.URL = deriveSocketURL(c.API.BaseURL)
	}
	if c.Realtime.PollEvery == 0 {
		c.Realtime.PollEvery = 8 * time.Second
	}
	if c.Realtime.RecentWindow == 0 {
		c.Realtime.RecentWindow = 10 * time.Second
	}
	if c.Realtime.MaxReconnects <= 0 {
		c.Realtime.MaxReconnects = 8
	}
	if c.Connectivity.HealthPath == "" {
		c.Connectivity.HealthPath = "/health"
	}
	if c.Connectivity.CheckEvery == 0 {
		c.Connectivity.CheckEvery = 5 * time.Second
	}
}

func (c *Config) validate() error {
	switch c.Queue.Store {
	case "memory", "redis", "sqlite":
	default:
		return errors.New("queue.store must be one of memory, redis, sqlite")
	}
	if r := c.DeadLetter.RocketMQ; r.Enabled && (r.NameServer == "" || r.Group == "" || r.Topic == "") {
		return errors.New("dead_letter.rocketmq requires name_server, group and topic when enabled")
	}
	return nil
}

// deriveSocketURL turns http://host/api/v1 into ws://host/ws.
func deriveSocketURL(base string) string {
	u := strings.TrimSuffix(base, "/api/v1")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}
