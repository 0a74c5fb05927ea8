// Package config loads the VM tuning knobs: nursery size, minor-GC
// promotion age, major-GC trigger ratio, max call-stack depth, and the
// interpreter's safe-point checkpoint interval. Configuration is an
// optional YAML file overlaid on built-in defaults.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"loxcore/internal/heap"
)

// Config is the root of loxcore.yaml.
type Config struct {
	GC      GCConfig      `yaml:"gc"`
	Threads ThreadConfig  `yaml:"threads"`
	Limits  LimitsConfig  `yaml:"limits"`
}

type GCConfig struct {
	NurseryLimitBytes int64   `yaml:"nursery_limit_bytes"`
	PromotionAge      int     `yaml:"promotion_age"`
	MajorTriggerRatio float64 `yaml:"major_trigger_ratio"`
}

type ThreadConfig struct {
	// CheckpointInstructions is how many bytecode instructions a thread
	// executes between signal-delivery/safe-point checks.
	CheckpointInstructions int `yaml:"checkpoint_instructions"`
}

type LimitsConfig struct {
	// MaxCallDepth bounds interpreter recursion before RecursionError is
	// raised.
	MaxCallDepth int `yaml:"max_call_depth"`
}

// Default returns the built-in tuning defaults.
func Default() Config {
	return Config{
		GC: GCConfig{
			NurseryLimitBytes: 1 << 20,
			PromotionAge:      3,
			MajorTriggerRatio: 2.0,
		},
		Threads: ThreadConfig{CheckpointInstructions: 256},
		Limits:  LimitsConfig{MaxCallDepth: 4096},
	}
}

// Load reads path if it exists, overlaying Default(); a missing file is
// not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// HeapConfig projects the GC section into internal/heap's own Config shape.
func (c Config) HeapConfig() heap.Config {
	return heap.Config{
		NurseryLimit:      c.GC.NurseryLimitBytes,
		PromotionAge:      c.GC.PromotionAge,
		MajorTriggerRatio: c.GC.MajorTriggerRatio,
	}
}

// Env exposes the process environment as the VM-level ENV mapping, read
// once at startup.
func Env() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return out
}
