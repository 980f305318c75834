package bootstrap

import (
	"fmt"

	"execcore/internal/core"
	"execcore/pkg/logging"
)

// InitLogger builds the process-wide logger from configuration and sets it as
// the package-level default so pkg/logging's convenience functions route to it.
func InitLogger(cfg *Config) (core.ILogger, error) {
	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	withRunContext := logger.WithField("run_id", cfg.App.RunID).WithField("mode", cfg.App.Mode)
	logging.SetGlobalLogger(withRunContext)

	return withRunContext, nil
}
