// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// benchConfig is the benchmark configuration. Flags override values read
// from the config file.
type benchConfig struct {
	Threads     int           `yaml:"threads"`
	Channels    int           `yaml:"channels"`
	Subchannels int           `yaml:"subchannels"`
	Concurrency int           `yaml:"concurrency"`
	ReqSize     int           `yaml:"req_size"`
	RespSize    int           `yaml:"resp_size"`
	Duration    time.Duration `yaml:"duration"`
	WindowMS    float64       `yaml:"window_ms"`
	Credits     int           `yaml:"credits"`
	Reorder     bool          `yaml:"reorder"`
	Compress    bool          `yaml:"compress"`
	Otel        bool          `yaml:"otel"`
	// TraceRatio is the share of requests traced when Otel is set.
	TraceRatio float64 `yaml:"trace_ratio"`
}

func defaultConfig() benchConfig {
	return benchConfig{
		Threads:     2,
		Channels:    2,
		Subchannels: 4,
		Concurrency: 8,
		ReqSize:     32,
		RespSize:    32,
		Duration:    3 * time.Second,
		WindowMS:    100,
		Credits:     32,
		TraceRatio:  0.001,
	}
}

// loadConfig reads path over the defaults. An empty path yields the
// defaults.
func loadConfig(path string) (benchConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c benchConfig) validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positive("threads", c.Threads)
	positive("channels", c.Channels)
	positive("subchannels", c.Subchannels)
	positive("concurrency", c.Concurrency)
	positive("credits", c.Credits)
	if c.ReqSize < 0 || c.RespSize < 0 {
		errs = append(errs, fmt.Errorf("message sizes must not be negative"))
	}
	if c.Duration <= 0 {
		errs = append(errs, fmt.Errorf("duration must be positive, got %v", c.Duration))
	}
	if c.WindowMS < 0 {
		errs = append(errs, fmt.Errorf("window_ms must not be negative"))
	}
	if c.TraceRatio < 0 || c.TraceRatio > 1 {
		errs = append(errs, fmt.Errorf("trace_ratio must be within [0, 1], got %v", c.TraceRatio))
	}
	return errors.Join(errs...)
}
