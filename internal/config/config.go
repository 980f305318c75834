// Package config handles configuration management with validation for the execution core.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure for the execution core.
type Config struct {
	App        AppConfig        `yaml:"app"`
	Trading    TradingConfig    `yaml:"trading"`
	Protection ProtectionConfig `yaml:"protection"`
	Risk       RiskConfig       `yaml:"risk"`
	EventBus   EventBusConfig   `yaml:"event_bus"`
	Recovery   RecoveryConfig   `yaml:"recovery"`
	System     SystemConfig     `yaml:"system"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Mode    string `yaml:"mode" validate:"required,oneof=live paper backtest"`
	DataDir string `yaml:"data_dir" validate:"required"` // base directory for the transaction log, trade journal, and snapshots
	RunID   string `yaml:"run_id"`                       // optional; generated if empty, see internal/ids.GetRunID
}

// TradingConfig contains the execution core's own trading parameters (not strategy parameters).
type TradingConfig struct {
	MaxOpenPositions           int  `yaml:"max_open_positions" validate:"required,min=1"`
	CooldownSeconds            int  `yaml:"cooldown_s" validate:"min=0"`
	ReconciliationIntervalSecs int  `yaml:"reconciliation_interval_s" validate:"min=1"`
	SingleTradePerSymbol       bool `yaml:"single_trade_per_symbol"`
}

// ProtectionConfig holds the thresholds consumed by the ProtectionStack (§4.10).
type ProtectionConfig struct {
	DailyLossLimitUSD      float64 `yaml:"daily_loss_limit_usd" validate:"min=0"`
	MaxDrawdownPct         float64 `yaml:"max_drawdown_pct" validate:"min=0,max=1"`
	StoplossGuardMaxLosses int     `yaml:"stoploss_guard_max_losses" validate:"min=1"`
	TimeWindowStart        string  `yaml:"time_window_start"` // "HH:MM" local
	TimeWindowEnd          string  `yaml:"time_window_end"`   // "HH:MM" local
	VolatilityMaxStd       float64 `yaml:"volatility_max_std" validate:"min=0"`
}

// RiskConfig holds the sizing limits for RiskManager (§4.10).
// MaxPositionSizeUSD and MinBuyingPowerReserve are passed to it;
// MaxPortfolioExposureUSD is validated but not passed to RiskManager, whose
// exposure limit is a fraction of portfolio value.
type RiskConfig struct {
	MaxPositionSizeUSD      float64 `yaml:"max_position_size_usd" validate:"required,min=0"`
	MaxPortfolioExposureUSD float64 `yaml:"max_portfolio_exposure_usd" validate:"required,min=0"`
	MinBuyingPowerReserve   float64 `yaml:"min_buying_power_reserve" validate:"min=0"`
}

// EventBusConfig controls the bus's bounded queue (§4.4).
type EventBusConfig struct {
	QueueSize          int    `yaml:"event_bus_queue_size" validate:"required,min=1"`
	BackpressurePolicy string `yaml:"event_bus_backpressure_policy" validate:"required,oneof=block drop"`
}

// RecoveryConfig controls SubsystemHealthMonitor (§4.12).
type RecoveryConfig struct {
	CriticalSubsystems []string `yaml:"critical_subsystems" validate:"required,min=1"`
	FailureThreshold   int      `yaml:"failure_threshold" validate:"required,min=1"`
}

// SystemConfig contains system settings.
type SystemConfig struct {
	LogLevel string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateAppConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateTradingConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateRiskConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateEventBusConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateRecoveryConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	validModes := []string{"live", "paper", "backtest"}
	if !contains(validModes, c.App.Mode) {
		return ValidationError{
			Field:   "app.mode",
			Value:   c.App.Mode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validModes, ", ")),
		}
	}
	if c.App.DataDir == "" {
		return ValidationError{Field: "app.data_dir", Message: "data directory is required"}
	}
	return nil
}

func (c *Config) validateTradingConfig() error {
	if c.Trading.MaxOpenPositions <= 0 {
		return ValidationError{
			Field:   "trading.max_open_positions",
			Value:   c.Trading.MaxOpenPositions,
			Message: "must be positive",
		}
	}
	if c.Trading.CooldownSeconds < 0 {
		return ValidationError{
			Field:   "trading.cooldown_s",
			Value:   c.Trading.CooldownSeconds,
			Message: "must not be negative",
		}
	}
	if c.Trading.ReconciliationIntervalSecs <= 0 {
		return ValidationError{
			Field:   "trading.reconciliation_interval_s",
			Value:   c.Trading.ReconciliationIntervalSecs,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateRiskConfig() error {
	if c.Risk.MaxPositionSizeUSD <= 0 {
		return ValidationError{
			Field:   "risk.max_position_size_usd",
			Value:   c.Risk.MaxPositionSizeUSD,
			Message: "must be positive",
		}
	}
	if c.Risk.MaxPortfolioExposureUSD <= 0 {
		return ValidationError{
			Field:   "risk.max_portfolio_exposure_usd",
			Value:   c.Risk.MaxPortfolioExposureUSD,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateEventBusConfig() error {
	if c.EventBus.QueueSize <= 0 {
		return ValidationError{
			Field:   "event_bus.event_bus_queue_size",
			Value:   c.EventBus.QueueSize,
			Message: "must be positive",
		}
	}
	validPolicies := []string{"block", "drop"}
	if !contains(validPolicies, c.EventBus.BackpressurePolicy) {
		return ValidationError{
			Field:   "event_bus.event_bus_backpressure_policy",
			Value:   c.EventBus.BackpressurePolicy,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validPolicies, ", ")),
		}
	}
	return nil
}

func (c *Config) validateRecoveryConfig() error {
	if len(c.Recovery.CriticalSubsystems) == 0 {
		return ValidationError{
			Field:   "recovery.critical_subsystems",
			Message: "at least one critical subsystem must be configured",
		}
	}
	if c.Recovery.FailureThreshold <= 0 {
		return ValidationError{
			Field:   "recovery.failure_threshold",
			Value:   c.Recovery.FailureThreshold,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// String returns a YAML representation of the configuration.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration, the basis for both tests and LoadConfig's
// unmarshal target (so a config file only needs to override what it cares about).
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Mode:    "paper",
			DataDir: "./data",
		},
		Trading: TradingConfig{
			MaxOpenPositions:           10,
			CooldownSeconds:            30,
			ReconciliationIntervalSecs: 300,
			SingleTradePerSymbol:       true,
		},
		Protection: ProtectionConfig{
			DailyLossLimitUSD:      1000,
			MaxDrawdownPct:         0.1,
			StoplossGuardMaxLosses: 3,
			TimeWindowStart:        "09:30",
			TimeWindowEnd:          "16:00",
			VolatilityMaxStd:       0.05,
		},
		Risk: RiskConfig{
			MaxPositionSizeUSD:      10000,
			MaxPortfolioExposureUSD: 50000,
			MinBuyingPowerReserve:   0.1,
		},
		EventBus: EventBusConfig{
			QueueSize:          1024,
			BackpressurePolicy: "drop",
		},
		Recovery: RecoveryConfig{
			CriticalSubsystems: []string{"journal"},
			FailureThreshold:   3,
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
	}
}
