// Copyright (C) 2026 Expgate Authors (maintainers@expgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/expgate/expgate/services/rollout/datatypes"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the engine's YAML configuration file schema.
//
// Durations are strings in Go duration syntax ("30s", "15m", "1h").
type Config struct {
	Server struct {
		Port  int  `yaml:"port" validate:"gte=0,lte=65535"`
		Debug bool `yaml:"debug"`
	} `yaml:"server"`

	Audit struct {
		Path       string `yaml:"path"`
		InMemory   bool   `yaml:"in_memory"`
		SyncWrites bool   `yaml:"sync_writes"`
	} `yaml:"audit"`

	Gate struct {
		Interval         string  `yaml:"interval"`
		DwellTime        string  `yaml:"dwell_time"`
		WarningStreak    int     `yaml:"warning_streak" validate:"gte=0"`
		EscalationStreak int     `yaml:"escalation_streak" validate:"gte=0"`
		Alpha            float64 `yaml:"alpha" validate:"gte=0,lt=1"`
	} `yaml:"gate"`

	Manager struct {
		Cooldown string `yaml:"cooldown"`
	} `yaml:"manager"`

	Collector struct {
		SessionRetention  string `yaml:"session_retention"`
		RankReservoirSize int    `yaml:"rank_reservoir_size" validate:"gte=0"`
	} `yaml:"collector"`

	Notify struct {
		WebhookURL string `yaml:"webhook_url"`
		QueueDepth int    `yaml:"queue_depth" validate:"gte=0"`
	} `yaml:"notify"`

	Influx struct {
		URL      string `yaml:"url"`
		Token    string `yaml:"token"`
		Org      string `yaml:"org"`
		Bucket   string `yaml:"bucket"`
		Interval string `yaml:"interval"`
	} `yaml:"influx"`

	Otel struct {
		Endpoint string `yaml:"endpoint"`
	} `yaml:"otel"`

	// Experiments installed at startup and on config reload. Each is
	// validated individually; a bad definition is skipped with an error
	// log rather than failing the rest of the file.
	Experiments []datatypes.ExperimentDefinition `yaml:"experiments"`
}

var configValidate = validator.New(validator.WithRequiredStructEnabled())

// LoadConfig reads and validates the configuration file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := configValidate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	return &cfg, nil
}

// durationOr parses a duration string, falling back to def when empty or
// invalid.
func durationOr(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
