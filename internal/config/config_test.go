package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validDoc = `
version: 4
device:
  name: rpi
init:
  mode: normal
  cet-delay: 4
default-timing:
  rclr: 1.0
  caution: 4.0
  extend: 5.0
  go: 12.5
  pclr: 4.0
  walk: 5.0
  max-go: 23.0
phases:
  - {id: 1, flash-mode: red, load-switches: {vehicle: 1}}
  - {id: 2, flash-mode: red, load-switches: {vehicle: 2, ped: 9}}
  - {id: 3, flash-mode: yellow, load-switches: {vehicle: 3}}
  - {id: 4, flash-mode: red, load-switches: {vehicle: 4}}
  - {id: 5, flash-mode: red, load-switches: {vehicle: 5}}
  - {id: 6, flash-mode: red, load-switches: {vehicle: 6, ped: 10}}
  - {id: 7, flash-mode: yellow, load-switches: {vehicle: 7}}
  - {id: 8, flash-mode: red, load-switches: {vehicle: 8}}
rings:
  - [1, 2, 3, 4]
  - [5, 6, 7, 8]
barriers:
  - [1, 2, 5, 6]
  - [3, 4, 7, 8]
inputs:
  - {id: 1, action: recall, recall-type: latch, targets: [2]}
  - {id: 2, action: time-freeze, targets: []}
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadValidDocument(t *testing.T) {
	cfg, err := Load(writeFile(t, "controller.yaml", validDoc))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Version)
	assert.Len(t, cfg.Phases, 8)
	assert.Equal(t, 12.5, cfg.DefaultTiming.Go)
	require.NotNil(t, cfg.Phases[1].LoadSwitches.Ped)
	assert.Equal(t, 9, *cfg.Phases[1].LoadSwitches.Ped)

	// Defaults for absent optional keys.
	assert.Equal(t, "info", cfg.Device.LogLevel)
	assert.Equal(t, 3, cfg.Bus.ResponseAttempts)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	doc := validDoc + "\nfuture-feature:\n  enabled: true\n"
	_, err := Load(writeFile(t, "c.yaml", doc))
	require.Error(t, err)
}

func TestLoadRejectsWrongVersion(t *testing.T) {
	doc := "version: 3\n" + `
device: {name: old}
`
	_, err := Load(writeFile(t, "c.yaml", doc))
	require.ErrorContains(t, err, "version")
}

func TestLoadMergesFragments(t *testing.T) {
	base := `
version: 4
init: {mode: normal}
default-timing: {rclr: 1.0, caution: 4.0, go: 12.5, max-go: 23.0}
phases:
  - {id: 1, flash-mode: red, load-switches: {vehicle: 1}}
  - {id: 2, flash-mode: red, load-switches: {vehicle: 2}}
rings:
  - [1]
  - [2]
barriers:
  - [1]
  - [2]
`
	extra := `
version: 4
device: {name: split}
`
	cfg, err := Load(writeFile(t, "base.yaml", base), writeFile(t, "extra.yaml", extra))
	require.NoError(t, err)
	assert.Equal(t, "split", cfg.Device.Name)
}

func TestLoadRejectsDuplicateRootNodes(t *testing.T) {
	a := "version: 4\ndevice: {name: one}\n"
	b := "version: 4\ndevice: {name: two}\n"
	_, err := Load(writeFile(t, "a.yaml", a), writeFile(t, "b.yaml", b))
	require.ErrorContains(t, err, "duplicate root node")
}

func TestValidateCatchesPartitionErrors(t *testing.T) {
	t.Run("phase in two rings", func(t *testing.T) {
		cfg, err := Load(writeFile(t, "c.yaml", validDoc))
		require.NoError(t, err)
		cfg.Rings[1][0] = 1
		assert.ErrorContains(t, Validate(cfg), "appears in")
	})

	t.Run("phase missing from barriers", func(t *testing.T) {
		cfg, err := Load(writeFile(t, "c.yaml", validDoc))
		require.NoError(t, err)
		cfg.Barriers[1] = cfg.Barriers[1][:3]
		assert.ErrorContains(t, Validate(cfg), "missing from the barrier partition")
	})

	t.Run("undefined phase in ring", func(t *testing.T) {
		cfg, err := Load(writeFile(t, "c.yaml", validDoc))
		require.NoError(t, err)
		cfg.Rings[0][0] = 12
		assert.ErrorContains(t, Validate(cfg), "not defined")
	})
}

func TestValidateCatchesCollisions(t *testing.T) {
	t.Run("duplicate phase id", func(t *testing.T) {
		cfg, err := Load(writeFile(t, "c.yaml", validDoc))
		require.NoError(t, err)
		cfg.Phases[1].ID = 1
		assert.ErrorContains(t, Validate(cfg), "defined twice")
	})

	t.Run("load switch collision", func(t *testing.T) {
		cfg, err := Load(writeFile(t, "c.yaml", validDoc))
		require.NoError(t, err)
		cfg.Phases[2].LoadSwitches.Vehicle = 1
		assert.ErrorContains(t, Validate(cfg), "already used")
	})
}

func TestValidateInputs(t *testing.T) {
	t.Run("recall requires recall-type", func(t *testing.T) {
		cfg, err := Load(writeFile(t, "c.yaml", validDoc))
		require.NoError(t, err)
		cfg.Inputs[0].RecallType = ""
		assert.Error(t, Validate(cfg))
	})

	t.Run("unknown action", func(t *testing.T) {
		cfg, err := Load(writeFile(t, "c.yaml", validDoc))
		require.NoError(t, err)
		cfg.Inputs[1].Action = "self-destruct"
		assert.ErrorContains(t, Validate(cfg), "unknown input action")
	})

	t.Run("undefined target", func(t *testing.T) {
		cfg, err := Load(writeFile(t, "c.yaml", validDoc))
		require.NoError(t, err)
		cfg.Inputs[0].Targets = []int{15}
		assert.ErrorContains(t, Validate(cfg), "target phase 15")
	})
}

func TestValidateCETRequiresDelay(t *testing.T) {
	cfg, err := Load(writeFile(t, "c.yaml", validDoc))
	require.NoError(t, err)
	cfg.Init.Mode = "cet"
	cfg.Init.CETDelay = 0
	assert.ErrorContains(t, Validate(cfg), "cet-delay")
}

func TestValidateRandomActuation(t *testing.T) {
	cfg, err := Load(writeFile(t, "c.yaml", validDoc))
	require.NoError(t, err)
	cfg.RandomActuation.Enabled = true
	cfg.RandomActuation.Min = 8
	cfg.RandomActuation.Max = 4
	assert.ErrorContains(t, Validate(cfg), "random-actuation")
}
