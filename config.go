// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Collector and oracle configuration.
package cachetiming

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jmpleo/aes-cache-timing-attack-pi4/util"
	"gopkg.in/yaml.v3"
)

type CollectorConfig struct {
	// Probe length in bytes, NonceLen..MaxMessageLen.
	MessageLen int `yaml:"message_len"`
	// Timings at or above the cutoff are discarded as scheduler noise.
	OutlierCutoff uint64 `yaml:"outlier_cutoff"`
	// First sample count at which a snapshot is reported. Reports then
	// follow at every power of two.
	ReportThreshold int64 `yaml:"report_threshold"`
	// How long to wait for the response to a probe before resending.
	ResponseTimeout time.Duration `yaml:"response_timeout"`
	// Wait used while draining queued stale datagrams.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	// Pause after a transient send/receive error.
	RetryDelay time.Duration `yaml:"retry_delay"`
	// PRNG seed for probe contents. Zero seeds from the clock.
	Seed uint64 `yaml:"seed"`

	// Replaces time.Sleep for RetryDelay pauses. Used by tests.
	Sleep func(time.Duration) `yaml:"-"`
}

func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		MessageLen:      NonceLen,
		OutlierCutoff:   20000,
		ReportThreshold: 1 << 14,
		ResponseTimeout: 100 * time.Millisecond,
		DrainTimeout:    0,
		RetryDelay:      10 * time.Millisecond,
	}
}

func (c *CollectorConfig) Validate() error {
	if err := ValidateMessageLen(c.MessageLen); err != nil {
		return err
	}
	if c.OutlierCutoff == 0 {
		return errors.New("outlier_cutoff must be positive")
	}
	if c.ReportThreshold <= 0 {
		return errors.New("report_threshold must be positive")
	}
	if c.ResponseTimeout <= 0 {
		return errors.New("response_timeout must be positive")
	}
	if c.DrainTimeout < 0 || c.RetryDelay < 0 {
		return errors.New("drain_timeout and retry_delay must not be negative")
	}
	return nil
}

type OracleConfig struct {
	// Bind address, without port.
	Addr string `yaml:"addr"`
	Port int    `yaml:"port"`
}

// Setup retry policy as it appears in the config file.
type BackoffConfig struct {
	Delay       time.Duration `yaml:"delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

func (b BackoffConfig) Backoff() util.Backoff {
	return util.Backoff{Delay: b.Delay, MaxAttempts: b.MaxAttempts}
}

type Config struct {
	Collector CollectorConfig `yaml:"collector"`
	Oracle    OracleConfig    `yaml:"oracle"`
	Setup     BackoffConfig   `yaml:"setup"`
}

func DefaultConfig() Config {
	return Config{
		Collector: DefaultCollectorConfig(),
		Oracle:    OracleConfig{Addr: "0.0.0.0", Port: DefaultPort},
		Setup:     BackoffConfig{Delay: util.DefaultBackoff.Delay},
	}
}

// Exported for testing.
// Fields missing from src keep their default values.
func LoadConfigIo(src io.Reader) (Config, error) {
	cfg := DefaultConfig()
	decoder := yaml.NewDecoder(src)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("YAML decoder failed: %v", err)
	}
	if err := cfg.Collector.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid collector config: %v", err)
	}
	if cfg.Oracle.Port <= 0 || cfg.Oracle.Port > 65535 {
		return Config{}, fmt.Errorf("invalid oracle port %d", cfg.Oracle.Port)
	}
	return cfg, nil
}

func LoadConfig(filename string) (Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return Config{}, fmt.Errorf("Error opening config file: %v", err)
	}
	defer f.Close()
	return LoadConfigIo(f)
}
