// Package config loads config.yaml.
package config

import (
	"AtagDetServer/engine"
	iface "AtagDetServer/interface"
	"AtagDetServer/session"
	"errors"
	"fmt"
	"os"
	"runtime"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	RPCPort         int    `yaml:"RPCPort"`
	HTTPPort        int    `yaml:"HTTPPort"`
	MetricsPort     int    `yaml:"MetricsPort"`
	WorkersNum      int    `yaml:"workersNum"`
	LogMode         string `yaml:"logMode"`
	MaxPayloadBytes int    `yaml:"maxPayloadBytes"`
	// IdleTimeout releases a websocket-attached session after this long
	// without frames.
	IdleTimeout time.Duration `yaml:"idleTimeout"`

	UseRegServer  bool   `yaml:"UseRegServer"`
	RegServerPort int    `yaml:"RegServerPort"`
	RegServerHost string `yaml:"RegServerHost"`

	Family     string                 `yaml:"family"`
	MaxHamming int                    `yaml:"maxHamming"`
	Detector   iface.DetectorOptions  `yaml:"detector"`
	Intrinsics iface.CameraIntrinsics `yaml:"intrinsics"`
	TagSizes   map[int]float64        `yaml:"tagSizes"`
}

// Default returns the configuration used for keys missing from the file.
func Default() Config {
	return Config{
		RPCPort:         50051,
		HTTPPort:        8080,
		MetricsPort:     9090,
		WorkersNum:      1,
		LogMode:         "production",
		MaxPayloadBytes: session.DefaultMaxPayloadBytes,
		IdleTimeout:     30 * time.Second,
		Family:          engine.DefaultFamily,
		MaxHamming:      2,
		Detector:        session.DefaultOptions,
		Intrinsics:      session.DefaultIntrinsics,
	}
}

var ErrInvalid = errors.New("invalid config")

func Load(path string) (Config, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, nil, err
	}
	return Parse(data)
}

// Parse overlays data on Default and validates the result. Recoverable
// problems are fixed and reported as warnings.
func Parse(data []byte) (Config, []string, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, nil, fmt.Errorf("parse config: %w", err)
	}
	warnings, err := cfg.Validate()
	if err != nil {
		return Config{}, warnings, err
	}
	return cfg, warnings, nil
}

func (c *Config) Validate() ([]string, error) {
	var warnings []string
	for name, port := range map[string]int{"RPCPort": c.RPCPort, "HTTPPort": c.HTTPPort, "MetricsPort": c.MetricsPort} {
		if port < 0 || port > 65535 {
			return warnings, fmt.Errorf("%w: %s %d out of range", ErrInvalid, name, port)
		}
	}
	if !slices.Contains(engine.Families, c.Family) {
		return warnings, fmt.Errorf("%w: unknown family %q", ErrInvalid, c.Family)
	}
	if c.MaxHamming < 0 || c.MaxHamming > 3 {
		return warnings, fmt.Errorf("%w: maxHamming must be within 0..3", ErrInvalid)
	}
	if c.Detector.Decimate < 1 {
		return warnings, fmt.Errorf("%w: detector.decimate must be >= 1", ErrInvalid)
	}
	if c.Detector.Sigma < 0 {
		return warnings, fmt.Errorf("%w: detector.sigma must be >= 0", ErrInvalid)
	}
	for id, size := range c.TagSizes {
		if size <= 0 {
			return warnings, fmt.Errorf("%w: tagSizes[%d] must be > 0", ErrInvalid, id)
		}
	}

	cpuNum := runtime.NumCPU()
	if c.WorkersNum <= 0 {
		c.WorkersNum = 1
		warnings = append(warnings, "Invalid workersNum in config, defaulting to 1")
	} else if c.WorkersNum > cpuNum {
		warnings = append(warnings, "workersNum exceeds CPU cores, which may lead to performance degradation")
	}
	if c.Detector.Threads <= 0 {
		c.Detector.Threads = 1
		warnings = append(warnings, "Invalid detector.threads in config, defaulting to 1")
	}
	if c.UseRegServer && c.RegServerHost == "" {
		c.UseRegServer = false
		warnings = append(warnings, "UseRegServer set without RegServerHost, skipping registration")
	}
	return warnings, nil
}
