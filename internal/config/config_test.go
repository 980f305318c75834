package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:  "expand single env var",
			input: "data_dir: ${TEST_DATA_DIR}",
			envVars: map[string]string{
				"TEST_DATA_DIR": "/var/lib/execcore",
			},
			expected: "data_dir: /var/lib/execcore",
		},
		{
			name:     "missing env var returns empty string",
			input:    "data_dir: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "data_dir: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			result := expandEnvVars(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	configContent := `app:
  mode: "paper"
  data_dir: "${TEST_DATA_DIR}"

trading:
  max_open_positions: 5
  cooldown_s: 10
  reconciliation_interval_s: 120
  single_trade_per_symbol: true

risk:
  max_position_size_usd: 5000
  max_portfolio_exposure_usd: 20000
  min_buying_power_reserve: 0.2

event_bus:
  event_bus_queue_size: 256
  event_bus_backpressure_policy: "drop"

recovery:
  critical_subsystems: ["journal"]
  failure_threshold: 2

system:
  log_level: "DEBUG"
`

	_, err = tmpFile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpFile.Close()

	os.Setenv("TEST_DATA_DIR", "/tmp/execcore-test")
	defer os.Unsetenv("TEST_DATA_DIR")

	cfg, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err, "LoadConfig() error")

	assert.Equal(t, "/tmp/execcore-test", cfg.App.DataDir)
	assert.Equal(t, 5, cfg.Trading.MaxOpenPositions)
	assert.True(t, cfg.Trading.SingleTradePerSymbol)
	assert.Equal(t, "drop", cfg.EventBus.BackpressurePolicy)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.App.Mode = "bogus"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app.mode")
}

func TestConfig_ValidateRejectsEmptyCriticalSubsystems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Recovery.CriticalSubsystems = nil
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recovery.critical_subsystems")
}

func TestConfig_ValidateRejectsBadBackpressurePolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EventBus.BackpressurePolicy = "explode"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event_bus_backpressure_policy")
}

func TestConfig_String(t *testing.T) {
	cfg := DefaultConfig()
	output := cfg.String()
	assert.Contains(t, output, "mode: paper")
}
