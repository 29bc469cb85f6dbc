// Package config loads mplx settings from a YAML or TOML file and the
// environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"mplx/pkg/vm"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the full set of settings. Zero fields keep the VM defaults.
type Config struct {
	JIT   JIT   `yaml:"jit" toml:"jit"`
	Trace Trace `yaml:"trace" toml:"trace"`
	VM    VM    `yaml:"vm" toml:"vm"`
	Store Store `yaml:"store" toml:"store"`
}

type JIT struct {
	// Mode is off, on or auto.
	Mode      string `yaml:"mode" toml:"mode"`
	Threshold uint64 `yaml:"threshold" toml:"threshold"`
	Verify    bool   `yaml:"verify" toml:"verify"`
	// Dump writes every compiled unit to stderr.
	Dump          bool `yaml:"dump" toml:"dump"`
	FusePopReturn bool `yaml:"fuse_pop_return" toml:"fuse_pop_return"`
}

type Trace struct {
	Steps bool `yaml:"steps" toml:"steps"`
	Calls bool `yaml:"calls" toml:"calls"`
	Limit int  `yaml:"limit" toml:"limit"`
}

type VM struct {
	StackSlots int `yaml:"stack_slots" toml:"stack_slots"`
}

type Store struct {
	// Path of the run history database; empty disables it.
	Path string `yaml:"path" toml:"path"`
}

// Default is the configuration used without a file
func Default() *Config {
	return &Config{
		JIT: JIT{Mode: "off", Threshold: vm.DefaultThreshold},
		VM:  VM{StackSlots: vm.DefaultStackSlots},
	}
}

// Load reads path on top of Default, choosing the format by extension, and
// then applies the environment. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := cfg.parse(data, path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", displayName(path), err)
	}
	return cfg, nil
}

func displayName(path string) string {
	if path == "" {
		return "environment"
	}
	return path
}

func (c *Config) parse(data []byte, path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), c); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		return fmt.Errorf("%s: unknown config format (want .yaml, .yml or .toml)", path)
	}
	return nil
}

// ApplyEnv overrides settings from MPLX_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("MPLX_JIT"); ok {
		c.JIT.Mode = v
	}
	if v, ok := lookup("MPLX_JIT_THRESHOLD"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MPLX_JIT_THRESHOLD: %w", err)
		}
		c.JIT.Threshold = n
	}
	for _, b := range []struct {
		name string
		dst  *bool
	}{
		{"MPLX_JIT_DUMP", &c.JIT.Dump},
		{"MPLX_JIT_VERIFY", &c.JIT.Verify},
		{"MPLX_TRACE", &c.Trace.Steps},
	} {
		v, ok := lookup(b.name)
		if !ok {
			continue
		}
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", b.name, err)
		}
		*b.dst = on
	}
	if v, ok := lookup("MPLX_STACK_SLOTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MPLX_STACK_SLOTS: %w", err)
		}
		c.VM.StackSlots = n
	}
	return nil
}

// Validate rejects settings the VM cannot use
func (c *Config) Validate() error {
	if _, err := vm.ParseMode(c.JIT.Mode); err != nil {
		return err
	}
	if c.VM.StackSlots < 0 {
		return fmt.Errorf("stack_slots %d is negative", c.VM.StackSlots)
	}
	if c.Trace.Limit < 0 {
		return fmt.Errorf("trace limit %d is negative", c.Trace.Limit)
	}
	return nil
}

// Options converts the configuration to VM options. Dump and Logger are
// left for the caller to set.
func (c *Config) Options() (vm.Options, error) {
	mode, err := vm.ParseMode(c.JIT.Mode)
	if err != nil {
		return vm.Options{}, err
	}
	return vm.Options{
		Mode:          mode,
		Threshold:     c.JIT.Threshold,
		Verify:        c.JIT.Verify,
		FusePopReturn: c.JIT.FusePopReturn,
		Trace:         c.Trace.Steps,
		TraceCalls:    c.Trace.Calls,
		TraceLimit:    c.Trace.Limit,
		StackSlots:    c.VM.StackSlots,
	}, nil
}
