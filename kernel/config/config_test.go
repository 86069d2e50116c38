package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/colloquy-dev/colloquy/kernel/floor"
	"github.com/stretchr/testify/require"
)

func TestDefaultsMatchesComponentDefaults(t *testing.T) {
	r := Defaults()
	require.Equal(t, int64(floor.DefaultTMinMS), r.Floor.TMinMS)
	require.Equal(t, int64(floor.DefaultTMaxMS), r.Floor.TMaxMS)
	require.Equal(t, int64(50), r.PreemptTargetMS)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, Defaults(), r)
}

func TestLoadOverridesOnlySpecifiedKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kernel.yaml")
	yamlDoc := `
floor:
  T_min_ms: 111
turn:
  flush_bytes: 64
bus:
  queue_depth: 999
tool:
  max_streams: 4
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))

	r, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, int64(111), r.Floor.TMinMS)
	require.Equal(t, int64(floor.DefaultTMaxMS), r.Floor.TMaxMS) // untouched key keeps default
	require.Equal(t, 64, r.Turn.FlushBytes)
	require.Equal(t, 999, r.BusQueueDepth)
	require.Equal(t, 4, r.MaxToolStreams)
}

func TestLoadByteBudgetWiresBothTriggerAndTurnConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kernel.yaml")
	yamlDoc := `
turn:
  byte_budget: 2048
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))

	r, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, int64(2048), r.Floor.TriggerCfg.ByteBudget)
	require.Equal(t, int64(2048), r.Turn.ByteBudget)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kernel.yaml")
	require.NoError(t, os.WriteFile(path, []byte("floor: [this is not a mapping"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
