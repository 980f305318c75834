package logging

import (
	"testing"
)

func TestZapLogger_OTelBridge(t *testing.T) {
	// NewZapLogger's otelzap core runs against whatever global log provider
	// is installed (a no-op by default); this test only needs the bridge to
	// not crash against that default, not a configured OTel pipeline.
	logger, err := NewZapLogger("DEBUG")
	if err != nil {
		t.Fatalf("Zap logger creation failed: %v", err)
	}

	logger.Info("Test OTel bridging", "key", "value")
	logger.Debug("Debug message", "status", "testing")

	_ = logger.Sync() // some writers don't support sync (like stdout in some envs), ignore error
}
