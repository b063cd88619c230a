package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearGridEnv isolates each test from the ambient environment.
func clearGridEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"GRID_HOST", "GRID_PORT", "GRID_TLS", "GRID_USERNAME",
		"GRID_PASSWORD", "GRID_NODE_NAME", "GRID_JOB_CWD",
	} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func TestDefaults(t *testing.T) {
	clearGridEnv(t)
	require := require.New(t)
	assert := assert.New(t)

	cfg, err := FromEnv()
	require.NoError(err)

	assert.Equal(DefaultHost, cfg.Host)
	assert.Equal(DefaultPort, cfg.Port)
	assert.False(cfg.UseTLS)
	assert.Empty(cfg.Username)
	assert.Empty(cfg.Password)

	hostname, err := os.Hostname()
	require.NoError(err)
	assert.Equal(hostname, cfg.NodeName)
	assert.NotEmpty(cfg.JobCwd)
}

func TestOverrides(t *testing.T) {
	clearGridEnv(t)
	require := require.New(t)
	assert := assert.New(t)

	t.Setenv("GRID_HOST", "broker.example.com")
	t.Setenv("GRID_PORT", "8883")
	t.Setenv("GRID_TLS", "1")
	t.Setenv("GRID_USERNAME", "operator")
	t.Setenv("GRID_PASSWORD", "hunter2")
	t.Setenv("GRID_NODE_NAME", "nodeA")
	t.Setenv("GRID_JOB_CWD", "/var/empty")

	cfg, err := FromEnv()
	require.NoError(err)

	assert.Equal("broker.example.com", cfg.Host)
	assert.Equal(8883, cfg.Port)
	assert.True(cfg.UseTLS)
	assert.Equal("operator", cfg.Username)
	assert.Equal("hunter2", cfg.Password)
	assert.Equal("nodeA", cfg.NodeName)
	assert.Equal("/var/empty", cfg.JobCwd)
	assert.Equal("broker.example.com:8883", cfg.BrokerAddr())
}

func TestBadPort(t *testing.T) {
	clearGridEnv(t)

	for _, port := range []string{"nope", "-1", "0", "70000"} {
		t.Setenv("GRID_PORT", port)
		_, err := FromEnv()
		assert.Error(t, err, "port %q", port)
	}
}

func TestReservedNodeName(t *testing.T) {
	clearGridEnv(t)

	for _, name := range []string{"grid", "GRID", "Grid"} {
		t.Setenv("GRID_NODE_NAME", name)
		_, err := FromEnv()
		assert.ErrorIs(t, err, ErrReservedNodeName, "name %q", name)
	}
}
