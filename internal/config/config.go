// Package config provides YAML-based configuration loading for Courier.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Courier configuration, loaded from config.yaml.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Channels   []ChannelConfig  `yaml:"channels"`
	GenAI      GenAIConfig      `yaml:"genai"`
	Media      MediaConfig      `yaml:"media"`
	Digest     DigestConfig     `yaml:"digest"`
}

// ServerConfig holds settings for the HTTP gateway.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// DatabaseConfig holds connection settings for the MySQL server.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
}

// DispatcherConfig tunes the outbound campaign scheduler.
type DispatcherConfig struct {
	TickIntervalSec  int `yaml:"tick_interval_sec"`
	DefaultJitterSec int `yaml:"default_jitter_sec"`
}

// ChannelConfig declares one connected messaging endpoint.
type ChannelConfig struct {
	Name     string        `yaml:"name"`
	Tenant   string        `yaml:"tenant"`
	Provider string        `yaml:"provider"` // "discord" or "slack"
	Mode     string        `yaml:"mode"`     // "push", "webhook", or "" (none)
	Discord  DiscordConfig `yaml:"discord"`
	Slack    SlackConfig   `yaml:"slack"`
}

// DiscordConfig holds credentials for a Discord channel instance.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// SlackConfig holds credentials for a Slack channel instance.
type SlackConfig struct {
	BotToken   string `yaml:"bot_token"`
	WebhookURL string `yaml:"webhook_url"`
}

// GenAIConfig holds settings for the content generation provider.
type GenAIConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// MediaConfig holds settings for inbound media materialization.
type MediaConfig struct {
	Dir string `yaml:"dir"`
}

// DigestConfig schedules the daily campaign digest.
type DigestConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.Database == "" {
		c.Database.Database = "courier"
	}
	if c.Dispatcher.TickIntervalSec == 0 {
		c.Dispatcher.TickIntervalSec = 5
	}
	if c.Media.Dir == "" {
		c.Media.Dir = "media"
	}
	if c.GenAI.Model == "" {
		c.GenAI.Model = "claude-sonnet-4-5"
	}
	if c.Digest.Enabled && c.Digest.Cron == "" {
		c.Digest.Cron = "0 8 * * *"
	}
	for i := range c.Channels {
		if c.Channels[i].Tenant == "" {
			c.Channels[i].Tenant = "default"
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	seen := make(map[string]bool)
	for i, ch := range c.Channels {
		if ch.Name == "" {
			errs = append(errs, fmt.Sprintf("channels[%d].name is required", i))
		}
		if seen[ch.Name] {
			errs = append(errs, fmt.Sprintf("channels[%d].name %q is duplicated", i, ch.Name))
		}
		seen[ch.Name] = true
		switch ch.Provider {
		case "discord":
			if ch.Discord.BotToken == "" {
				errs = append(errs, fmt.Sprintf("channels[%d]: discord.bot_token is required", i))
			}
		case "slack":
			if ch.Slack.BotToken == "" {
				errs = append(errs, fmt.Sprintf("channels[%d]: slack.bot_token is required", i))
			}
		default:
			errs = append(errs, fmt.Sprintf("channels[%d].provider %q is not supported", i, ch.Provider))
		}
		switch ch.Mode {
		case "", "push", "webhook":
		default:
			errs = append(errs, fmt.Sprintf("channels[%d].mode %q is not supported", i, ch.Mode))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
