package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := getConfig(filepath.Join(t.TempDir(), "nope.ini"))
	require.NoError(t, err)
	assert.Equal(t, "localhost:5025", cfg.Server.ListenAddr)
	assert.Equal(t, 204800.0, cfg.Lockin.SampleFrequency)
	assert.Equal(t, []string{"PXI5412_12", "PXI5412_14"}, cfg.generatorList())
	assert.Equal(t, []string{"PXI4462_3", "PXI4462_4"}, cfg.analyserList())
}

func TestConfigFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf.ini")
	require.NoError(t, os.WriteFile(path, []byte(`
identification = Test rig

[server]
listen_addr = 0.0.0.0:7777

[devices]
generators = G1, G2, G3

[lockin]
integration_time = 0.25

[scheduler]
result_buffer_cap = 10
`), 0644))

	cfg, err := getConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "Test rig", cfg.Identification)
	assert.Equal(t, "0.0.0.0:7777", cfg.Server.ListenAddr)
	assert.Equal(t, []string{"G1", "G2", "G3"}, cfg.generatorList())
	assert.Equal(t, 0.25, cfg.Lockin.IntegrationTime)
	assert.Equal(t, 10, cfg.Scheduler.ResultBufferCap)

	// Anything the file does not mention keeps its default.
	assert.Equal(t, 204800.0, cfg.Lockin.SampleFrequency)
	assert.Equal(t, 3, cfg.Scheduler.MaxChannels)
}

func TestConfigFileLocationPrecedence(t *testing.T) {
	t.Setenv(configFileEnvVar, "/from/env.ini")
	assert.Equal(t, "/from/flag.ini", getConfigFileLocation("/from/flag.ini"))
	assert.Equal(t, "/from/env.ini", getConfigFileLocation(""))

	t.Setenv(configFileEnvVar, "")
	assert.Equal(t, configFileDefaultLocation, getConfigFileLocation(""))
}
