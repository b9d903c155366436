// Package config loads the chat client configuration from defaults, an
// optional TOML file and TEAMLY_-prefixed environment variables, in that
// order of precedence (lowest first).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config represents the client configuration.
type Config struct {
	API struct {
		BaseURL string `koanf:"base_url"`
	} `koanf:"api"`

	Chat struct {
		SocketURL string `koanf:"socket_url"`
	} `koanf:"chat"`

	Auth struct {
		Token string `koanf:"token"`
	} `koanf:"auth"`

	Reconnect struct {
		Attempts uint64        `koanf:"attempts"`
		Delay    time.Duration `koanf:"delay"`
		DelayMax time.Duration `koanf:"delay_max"`
	} `koanf:"reconnect"`

	LogLevel string `koanf:"log_level"`
}

// Load reads the configuration. An empty configPath falls back to the
// default locations before environment variables are applied.
func Load(configPath string) (*Config, error) {
	var k = koanf.New(".")

	k.Load(confmap.Provider(map[string]interface{}{
		"api.base_url":        "http://localhost:8080",
		"chat.socket_url":     "ws://localhost:8080/chat",
		"reconnect.attempts":  5,
		"reconnect.delay":     "1s",
		"reconnect.delay_max": "5s",
		"log_level":           "info",
	}, "."), nil)

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		defaultPaths := []string{"./teamly.toml", "$HOME/.teamly.toml"}
		for _, path := range defaultPaths {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	k.Load(env.Provider("TEAMLY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "TEAMLY_")), "_", ".", -1)
	}), nil)

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	return &config, nil
}

// Validate checks the fields the session cannot run without.
func Validate(config *Config) error {
	if config.Chat.SocketURL == "" {
		return fmt.Errorf("chat socket_url is required")
	}
	if config.API.BaseURL == "" {
		return fmt.Errorf("api base_url is required")
	}
	if config.Auth.Token == "" {
		return fmt.Errorf("auth token is required")
	}
	return nil
}
