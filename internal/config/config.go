// Package config loads the bridge's environment-variable configuration.
//
// Per SPEC_FULL.md §6, configuration is environment-native (no config
// file), so viper is wired with explicit BindEnv calls against the literal
// variable names rather than the nested-prefix style the rest of the
// example pack uses for file-backed config.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/eviqo/eviqo-mqtt-bridge/internal/bridgeerr"
)

// Config is the fully-resolved, validated configuration for one run of the bridge.
type Config struct {
	Email    string
	Password string

	MQTTURL string

	TopicPrefix         string
	DiscoveryPrefix     string
	PollInterval        time.Duration
	LogLevel            string
	WSReconnectInterval time.Duration

	Debug           bool
	RemoveDiscovery bool
}

// Load reads the recognized EVIQO_* environment variables, applies defaults
// and validates the required fields. A missing required value is an
// ErrConfig, fatal at startup per §7.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	bindings := map[string]string{
		"email":                 "EVIQO_EMAIL",
		"password":              "EVIQO_PASSWORD",
		"mqtt_url":              "EVIQO_MQTT_URL",
		"topic_prefix":          "EVIQO_TOPIC_PREFIX",
		"discovery_prefix":      "HASS_DISCOVERY_PREFIX",
		"poll_interval_ms":      "EVIQO_POLL_INTERVAL",
		"log_level":             "EVIQO_LOG_LEVEL",
		"ws_reconnect_interval": "EVIQO_WS_RECONNECT_INTERVAL",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", env, err)
		}
	}

	v.SetDefault("topic_prefix", "eviqo")
	v.SetDefault("discovery_prefix", "homeassistant")
	v.SetDefault("poll_interval_ms", 30000)
	v.SetDefault("log_level", "info")
	v.SetDefault("ws_reconnect_interval", 86400000)

	cfg := &Config{
		Email:               v.GetString("email"),
		Password:            v.GetString("password"),
		MQTTURL:             substituteAutoTokens(v.GetString("mqtt_url")),
		TopicPrefix:         v.GetString("topic_prefix"),
		DiscoveryPrefix:     v.GetString("discovery_prefix"),
		PollInterval:        time.Duration(v.GetInt("poll_interval_ms")) * time.Millisecond,
		LogLevel:            v.GetString("log_level"),
		WSReconnectInterval: time.Duration(v.GetInt64("ws_reconnect_interval")) * time.Millisecond,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.Email == "":
		return fmt.Errorf("config: EVIQO_EMAIL is required: %w", bridgeerr.ErrConfig)
	case c.Password == "":
		return fmt.Errorf("config: EVIQO_PASSWORD is required: %w", bridgeerr.ErrConfig)
	case c.MQTTURL == "":
		return fmt.Errorf("config: EVIQO_MQTT_URL is required: %w", bridgeerr.ErrConfig)
	}
	return nil
}

// ApplyCLIFlags layers CLI overrides (--debug, --remove-discovery) on top of
// the environment-derived config. CLI parsing itself lives in cmd/bridge —
// this keeps the override surface a single explicit call.
func (c *Config) ApplyCLIFlags(debug, removeDiscovery bool) {
	if debug {
		c.Debug = true
		c.LogLevel = "debug"
	}
	c.RemoveDiscovery = removeDiscovery
}
