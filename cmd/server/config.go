package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration, loaded from yaml with environment
// variable overrides
type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Room struct {
		EmptyGraceSeconds int `yaml:"empty_grace_seconds"`
	} `yaml:"room"`
	WebSocket struct {
		WriteTimeoutSeconds int   `yaml:"write_timeout_seconds"`
		ReadTimeoutSeconds  int   `yaml:"read_timeout_seconds"`
		PingIntervalSeconds int   `yaml:"ping_interval_seconds"`
		MaxMessageSize      int64 `yaml:"max_message_size"`
	} `yaml:"websocket"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func loadConfig(path string) (*Config, error) {
	var config Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if config.Server.Addr == "" {
		config.Server.Addr = getEnv("SERVER_ADDR", ":8080")
	}
	if config.Room.EmptyGraceSeconds == 0 {
		config.Room.EmptyGraceSeconds = getEnvAsInt("ROOM_EMPTY_GRACE_SECONDS", 60)
	}
	if config.WebSocket.WriteTimeoutSeconds == 0 {
		config.WebSocket.WriteTimeoutSeconds = 10
	}
	if config.WebSocket.ReadTimeoutSeconds == 0 {
		config.WebSocket.ReadTimeoutSeconds = 60
	}
	if config.WebSocket.PingIntervalSeconds == 0 {
		config.WebSocket.PingIntervalSeconds = 30
	}
	if config.WebSocket.MaxMessageSize == 0 {
		config.WebSocket.MaxMessageSize = 64 * 1024
	}

	return &config, nil
}

func (c *Config) emptyGrace() time.Duration {
	return time.Duration(c.Room.EmptyGraceSeconds) * time.Second
}
