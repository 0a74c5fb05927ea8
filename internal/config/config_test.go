package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	assert.Equal(t, int64(1<<20), cfg.GC.NurseryLimitBytes)
	assert.Equal(t, 3, cfg.GC.PromotionAge)
	assert.Equal(t, 2.0, cfg.GC.MajorTriggerRatio)
	assert.Equal(t, 256, cfg.Threads.CheckpointInstructions)
	assert.Equal(t, 4096, cfg.Limits.MaxCallDepth)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysYAMLOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loxcore.yaml")
	yamlSrc := "gc:\n  promotion_age: 7\nlimits:\n  max_call_depth: 100\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlSrc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.GC.PromotionAge)
	assert.Equal(t, 100, cfg.Limits.MaxCallDepth)
	// untouched fields keep their default
	assert.Equal(t, int64(1<<20), cfg.GC.NurseryLimitBytes)
}

func TestHeapConfigProjectsGCSection(t *testing.T) {
	cfg := Default()
	hc := cfg.HeapConfig()
	assert.Equal(t, cfg.GC.NurseryLimitBytes, hc.NurseryLimit)
	assert.Equal(t, cfg.GC.PromotionAge, hc.PromotionAge)
	assert.Equal(t, cfg.GC.MajorTriggerRatio, hc.MajorTriggerRatio)
}

func TestEnvReflectsProcessEnvironment(t *testing.T) {
	require.NoError(t, os.Setenv("LOXCORE_TEST_VAR", "hello"))
	defer os.Unsetenv("LOXCORE_TEST_VAR")

	env := Env()
	assert.Equal(t, "hello", env["LOXCORE_TEST_VAR"])
}
