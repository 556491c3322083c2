package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	cfg, err := parseConfig([]string{"--local-port", "8000", "--to", "bore.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.LocalHost)
	assert.EqualValues(t, 7835, cfg.ControlPort)
	assert.Equal(t, 2*time.Second, cfg.ReconnectDelay)

	cc, err := clientConfig(cfg)
	require.NoError(t, err)
	assert.EqualValues(t, 8000, cc.LocalPort)
	assert.Zero(t, cc.Port)
	assert.Nil(t, cc.TLS)
}

func TestParseConfigRequiresTarget(t *testing.T) {
	_, err := parseConfig([]string{"--local-port", "8000"})
	assert.EqualError(t, err, "--to is required")

	_, err = parseConfig([]string{"--to", "x"})
	assert.Error(t, err)
}

func TestParseConfigEnv(t *testing.T) {
	t.Setenv("BORE_TO", "tunnel.example.net")
	t.Setenv("BORE_LOCAL_PORT", "3000")
	t.Setenv("BORE_PORT", "41000")
	cfg, err := parseConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, "tunnel.example.net", cfg.To)
	assert.EqualValues(t, 41000, cfg.Port)
}
