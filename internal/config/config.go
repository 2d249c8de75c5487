// Package config loads per-process tuning from a YAML file, following
// internal/sim/tuning.Load's read-then-unmarshal shape.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every overridable constant named across spec.md §4 plus the
// process-level wiring a single agent binary needs. Each has a default
// matching the spec value; a YAML file only needs to set the fields it
// wants to override. Durations are plain millisecond ints in the YAML
// surface, following tuning.Tuning's TickDurationMs convention, with
// time.Duration accessors for callers.
type Config struct {
	GameID     string `yaml:"game_id"`
	NodeID     string `yaml:"node_id"`
	BindAddr   string `yaml:"bind_addr"`
	HTTPAddr   string `yaml:"http_addr"`
	CombatAddr string `yaml:"combat_addr"`
	DataDir    string `yaml:"data_dir"`

	// ControlEndpoint agents never run combat (spec.md §6 GLOSSARY "Control
	// endpoint... never runs combat"); CoordQ/CoordR are meaningless when
	// this is true.
	ControlEndpoint bool `yaml:"control_endpoint"`
	CoordQ          int  `yaml:"coord_q"`
	CoordR          int  `yaml:"coord_r"`

	SpawnerURL  string `yaml:"spawner_url"`
	RegistryURL string `yaml:"registry_url"`

	OverloadThreshold  float64 `yaml:"overload_threshold"`
	OverloadDurationMs int     `yaml:"overload_duration_ms"`
	CaptureTickMs      int     `yaml:"capture_tick_ms"`

	AckIntervalMs           int `yaml:"ack_interval_ms"`
	MetricsReportIntervalMs int `yaml:"metrics_report_interval_ms"`

	FinisherFloodMs int `yaml:"finisher_flood_ms"`

	UpdatesStreamIntervalMs int `yaml:"updates_stream_interval_ms"`
}

// Defaults returns a Config pre-filled with spec.md §4's fixed constants,
// so a YAML file with no overrides still produces a spec-compliant agent.
func Defaults() Config {
	return Config{
		BindAddr:                "127.0.0.1:7300",
		HTTPAddr:                "127.0.0.1:8300",
		CombatAddr:              "0.0.0.0:7400",
		DataDir:                 "./data",
		OverloadThreshold:       0.20,
		OverloadDurationMs:      5000,
		CaptureTickMs:           1000,
		AckIntervalMs:           100,
		MetricsReportIntervalMs: 5000,
		FinisherFloodMs:         10000,
		UpdatesStreamIntervalMs: 2000,
	}
}

// Load reads path, unmarshals it over Defaults(), and validates the
// required identity/networking fields.
func Load(path string) (Config, error) {
	c := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("config: %w", err)
	}
	if err := c.validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (c Config) validate() error {
	if c.GameID == "" {
		return fmt.Errorf("config: game_id is required")
	}
	if c.BindAddr == "" {
		return fmt.Errorf("config: bind_addr is required")
	}
	return nil
}

func (c Config) OverloadDuration() time.Duration      { return time.Duration(c.OverloadDurationMs) * time.Millisecond }
func (c Config) CaptureTickPeriod() time.Duration     { return time.Duration(c.CaptureTickMs) * time.Millisecond }
func (c Config) AckInterval() time.Duration           { return time.Duration(c.AckIntervalMs) * time.Millisecond }
func (c Config) MetricsReportInterval() time.Duration { return time.Duration(c.MetricsReportIntervalMs) * time.Millisecond }
func (c Config) FinisherFloodDuration() time.Duration { return time.Duration(c.FinisherFloodMs) * time.Millisecond }
func (c Config) UpdatesStreamInterval() time.Duration { return time.Duration(c.UpdatesStreamIntervalMs) * time.Millisecond }
