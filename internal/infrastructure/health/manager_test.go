package health

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execcore/pkg/logging"
)

func newMonitor(t *testing.T) *SubsystemHealthMonitor {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	return NewSubsystemHealthMonitor(logger)
}

func TestShouldHalt_FalseWhenNoSubsystemsRegistered(t *testing.T) {
	m := newMonitor(t)
	assert.False(t, m.ShouldHalt())
}

func TestShouldHalt_TrueOnceCriticalSubsystemExceedsThreshold(t *testing.T) {
	m := newMonitor(t)
	m.Register("journal_writer", true, 2)

	m.RecordFailure("journal_writer", errors.New("disk full"))
	assert.False(t, m.ShouldHalt())
	m.RecordFailure("journal_writer", errors.New("disk full"))
	assert.False(t, m.ShouldHalt())
	m.RecordFailure("journal_writer", errors.New("disk full"))
	assert.True(t, m.ShouldHalt())
}

func TestShouldHalt_FalseWhenNonCriticalSubsystemFails(t *testing.T) {
	m := newMonitor(t)
	m.Register("metrics_exporter", false, 1)
	m.RecordFailure("metrics_exporter", errors.New("timeout"))
	m.RecordFailure("metrics_exporter", errors.New("timeout"))
	assert.False(t, m.ShouldHalt())
}

func TestRecordSuccess_ResetsConsecutiveFailureCounter(t *testing.T) {
	m := newMonitor(t)
	m.Register("journal_writer", true, 1)
	m.RecordFailure("journal_writer", errors.New("disk full"))
	m.RecordSuccess("journal_writer")
	m.RecordFailure("journal_writer", errors.New("disk full"))
	assert.False(t, m.ShouldHalt())
}

func TestStatus_ReportsRegisteredSubsystems(t *testing.T) {
	m := newMonitor(t)
	m.Register("journal_writer", true, 3)
	m.RecordFailure("journal_writer", errors.New("disk full"))

	statuses := m.Status()
	require.Len(t, statuses, 1)
	assert.Equal(t, "journal_writer", statuses[0].Name)
	assert.True(t, statuses[0].Critical)
	assert.Equal(t, 1, statuses[0].ConsecutiveFailures)
	assert.True(t, statuses[0].Healthy())
}
