package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Config struct {
	OpenFlow struct {
		Listen string `yaml:"listen"`
	} `yaml:"openflow"`

	Poll struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"poll"`

	Tables struct {
		Firewall uint8 `yaml:"firewall"`
		Mirror   uint8 `yaml:"mirror"`
		Tripwire uint8 `yaml:"tripwire"`
	} `yaml:"tables"`

	Mirror struct {
		Port     uint32 `yaml:"port"`
		Priority uint16 `yaml:"priority"`
	} `yaml:"mirror"`

	Firewall struct {
		Priority uint16 `yaml:"priority"`
		Expiry   struct {
			Enabled  bool   `yaml:"enabled"`
			MinBytes uint64 `yaml:"min_bytes"`
		} `yaml:"expiry"`
	} `yaml:"firewall"`

	IDS struct {
		Address string `yaml:"address"`
		Port    int    `yaml:"port"`
		Filter  string `yaml:"filter"`
	} `yaml:"ids"`

	API struct {
		Enabled bool   `yaml:"enabled"`
		Host    string `yaml:"host"`
		Port    int    `yaml:"port"`
	} `yaml:"api"`

	NATS struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
		Subject string `yaml:"subject"`
	} `yaml:"nats"`

	Log struct {
		Level      string `yaml:"level"`
		Dir        string `yaml:"dir"`
		Filename   string `yaml:"filename"`
		MaxAge     int    `yaml:"max_age"`
		RotateTime int    `yaml:"rotate_time"`
	} `yaml:"log"`
}

// Default 返回所有字段都填好默认值的配置
func Default() *Config {
	cfg := &Config{}
	cfg.OpenFlow.Listen = ":6633"
	cfg.Poll.Interval = 10 * time.Second
	cfg.Tables.Firewall = 0
	cfg.Tables.Mirror = 1
	cfg.Tables.Tripwire = 2
	cfg.Mirror.Port = 3
	cfg.Mirror.Priority = 1
	cfg.Firewall.Priority = 0xffff
	cfg.Firewall.Expiry.MinBytes = 1
	cfg.IDS.Address = "0.0.0.0"
	cfg.IDS.Port = 514
	cfg.API.Host = "127.0.0.1"
	cfg.API.Port = 8080
	cfg.NATS.URL = "nats://127.0.0.1:4222"
	cfg.NATS.Subject = "morepork.events"
	cfg.Log.Level = "WARN"
	cfg.Log.Dir = "logs"
	cfg.Log.Filename = "morepork.log"
	cfg.Log.MaxAge = 24
	cfg.Log.RotateTime = 1
	return cfg
}

func (c *Config) Validate() error {
	if c.OpenFlow.Listen == "" {
		return fmt.Errorf("openflow listen address is required")
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if !(c.Tables.Firewall < c.Tables.Mirror && c.Tables.Mirror < c.Tables.Tripwire) {
		return fmt.Errorf("tables must be ordered firewall < mirror < tripwire, got %d, %d, %d",
			c.Tables.Firewall, c.Tables.Mirror, c.Tables.Tripwire)
	}
	if c.Tables.Tripwire >= 0xff {
		return fmt.Errorf("tripwire table %d out of range", c.Tables.Tripwire)
	}
	if c.Mirror.Port == 0 {
		return fmt.Errorf("mirror port must be positive")
	}
	if c.IDS.Port <= 0 || c.IDS.Port > 65535 {
		return fmt.Errorf("invalid ids port %d", c.IDS.Port)
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("invalid api port %d", c.API.Port)
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats url is required when nats is enabled")
	}
	if c.Log.MaxAge <= 0 || c.Log.RotateTime <= 0 {
		return fmt.Errorf("log max_age and rotate_time must be positive")
	}
	return nil
}

// LoadConfig 在默认值之上加载配置文件，文件不存在时使用默认值
func LoadConfig(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		logrus.Warnf("Config file %s not found, using defaults", filename)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}
