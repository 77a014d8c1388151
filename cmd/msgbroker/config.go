// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/luxfi/msgchannel"
)

// Config is the msgbroker configuration file.
type Config struct {
	// Listen lists the broker URLs to serve, e.g. "ws://:8000/msg_channel".
	Listen []string `yaml:"listen"`

	Log LogConfig `yaml:"log"`

	// Context, when ID is set, runs a JavaScript context inside the broker
	// that answers executeScript and postMessage on that id.
	Context ContextConfig `yaml:"context"`

	// Bridge, when Addr is set, serves a JSON-RPC bridge to one context.
	Bridge BridgeConfig `yaml:"bridge"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Development bool   `yaml:"development"`
}

type ContextConfig struct {
	ID string `yaml:"id"`
}

type BridgeConfig struct {
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
	Context string `yaml:"context"`
}

// DefaultConfig serves the WebSocket broker on port 8000.
func DefaultConfig() *Config {
	return &Config{
		Listen: []string{"ws://:8000" + msgchannel.DefaultBrokerPath},
		Log:    LogConfig{Level: "info", Format: "json"},
		Bridge: BridgeConfig{Path: "/rpc"},
	}
}

// LoadConfig reads a YAML config on top of DefaultConfig. Unknown fields are
// rejected.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer file.Close()

	cfg := DefaultConfig()
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var issues []string
	if len(c.Listen) == 0 {
		issues = append(issues, "listen must name at least one broker url")
	}
	for i, raw := range c.Listen {
		u, err := url.Parse(raw)
		if err != nil {
			issues = append(issues, fmt.Sprintf("listen[%d]: %v", i, err))
			continue
		}
		if !msgchannel.HasTransport(u.Scheme) {
			issues = append(issues, fmt.Sprintf("listen[%d]: unknown scheme %q", i, u.Scheme))
		}
	}
	if c.Bridge.Addr != "" && c.Bridge.Context == "" {
		issues = append(issues, "bridge.context is required when bridge.addr is set")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); c.Log.Level != "" && err != nil {
		issues = append(issues, "log.level: "+err.Error())
	}
	if len(issues) > 0 {
		return fmt.Errorf("config: %s", strings.Join(issues, "; "))
	}
	return nil
}

func (c LogConfig) build() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if c.Level != "" {
		lvl, err := zapcore.ParseLevel(c.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	if c.Format != "" {
		zc.Encoding = c.Format
	}
	return zc.Build()
}
