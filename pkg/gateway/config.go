// Copyright 2024-2026 Immanuel Fodor
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gateway

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/immanuelfodor/matrix-encrypted-webhooks/pkg/gateway/payloadfmt"
)

const (
	defaultPort        = 8000
	defaultStorePath   = "/config/store"
	defaultPickleKey   = "matrix-webhookd"
	defaultSendTimeout = 30 * time.Second
)

// Config holds all process configuration, read once from the
// environment at startup and immutable afterwards.
type Config struct {
	ServerURL  string
	UserID     id.UserID
	Password   string
	DeviceName string
	AdminRoom  id.RoomID
	SSLVerify  bool
	PickleKey  string
	StorePath  string

	Routes []Route

	Format        payloadfmt.Mode
	UseMarkdown   bool
	AllowUnicode  bool
	DisplaySender bool

	Port        int
	SendTimeout time.Duration
	LogLevel    zerolog.Level
}

// LoadConfig reads and validates the configuration from the
// environment. Any error here is fatal at startup.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	var missing []string
	required := func(name string) string {
		value := os.Getenv(name)
		if value == "" {
			missing = append(missing, name)
		}
		return value
	}

	cfg.ServerURL = required("MATRIX_SERVER")
	cfg.UserID = id.UserID(required("MATRIX_USERID"))
	cfg.Password = required("MATRIX_PASSWORD")
	cfg.DeviceName = required("MATRIX_DEVICE")
	cfg.AdminRoom = id.RoomID(required("MATRIX_ADMIN_ROOM"))
	tokens := required("KNOWN_TOKENS")
	formatName := required("MESSAGE_FORMAT")
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	var err error
	if cfg.Routes, err = ParseRoutes(tokens); err != nil {
		return nil, fmt.Errorf("KNOWN_TOKENS: %w", err)
	}
	if cfg.Format, err = payloadfmt.ParseMode(formatName); err != nil {
		return nil, fmt.Errorf("MESSAGE_FORMAT: %w", err)
	}

	if cfg.SSLVerify, err = envBool("MATRIX_SSLVERIFY", true); err != nil {
		return nil, err
	}
	if cfg.UseMarkdown, err = envBool("USE_MARKDOWN", false); err != nil {
		return nil, err
	}
	if cfg.AllowUnicode, err = envBool("ALLOW_UNICODE", true); err != nil {
		return nil, err
	}
	if cfg.DisplaySender, err = envBool("DISPLAY_APP_NAME", false); err != nil {
		return nil, err
	}

	cfg.StorePath = envDefault("LOGIN_STORE_PATH", defaultStorePath)
	cfg.PickleKey = envDefault("MATRIX_PICKLE_KEY", defaultPickleKey)

	cfg.Port = defaultPort
	if value := os.Getenv("WEBHOOK_PORT"); value != "" {
		port, err := strconv.Atoi(value)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("WEBHOOK_PORT: invalid port %q", value)
		}
		cfg.Port = port
	}

	cfg.SendTimeout = defaultSendTimeout
	if value := os.Getenv("SEND_TIMEOUT"); value != "" {
		if cfg.SendTimeout, err = time.ParseDuration(value); err != nil {
			return nil, fmt.Errorf("SEND_TIMEOUT: %w", err)
		}
	}

	cfg.LogLevel = zerolog.InfoLevel
	if value := os.Getenv("LOG_LEVEL"); value != "" {
		if cfg.LogLevel, err = zerolog.ParseLevel(strings.ToLower(value)); err != nil {
			return nil, fmt.Errorf("LOG_LEVEL: %w", err)
		}
	}

	return cfg, nil
}

// ListenAddr returns the webhook listener address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// FormatOptions returns the payload formatter options for this config.
func (c *Config) FormatOptions() payloadfmt.Options {
	return payloadfmt.Options{Mode: c.Format, AllowUnicode: c.AllowUnicode}
}

func envDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

// envBool parses a boolean env var, accepting Go forms plus the
// True/False convention of the original service.
func envBool(name string, fallback bool) (bool, error) {
	value := os.Getenv(name)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(strings.ToLower(value))
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q", name, value)
	}
	return parsed, nil
}
