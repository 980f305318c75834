// Package health implements SubsystemHealthMonitor (spec §4.12): a
// per-subsystem consecutive-failure counter that trips a halt signal once a
// critical subsystem's failures exceed its threshold. Adapted from the
// teacher's pull-based HealthManager (Register/GetStatus/IsHealthy) into the
// spec's push-based "record outcome, ask should_halt" shape, since the spec's
// counter is driven by the caller reporting each operation's outcome, not by
// polling a check function on demand.
package health

import (
	"sync"

	"execcore/internal/core"
)

// SubsystemStatus is one subsystem's current health as seen by the monitor.
type SubsystemStatus struct {
	Name                string
	Critical            bool
	ConsecutiveFailures int
	Threshold           int
	LastError           string
}

// Healthy reports whether this subsystem is below its failure threshold.
func (s SubsystemStatus) Healthy() bool {
	return s.ConsecutiveFailures < s.Threshold
}

type subsystem struct {
	critical            bool
	threshold           int
	consecutiveFailures int
	lastError           string
}

// SubsystemHealthMonitor tracks consecutive failures per subsystem and
// decides whether the runtime must halt (spec §4.12).
type SubsystemHealthMonitor struct {
	logger core.ILogger

	mu         sync.RWMutex
	subsystems map[string]*subsystem
}

// NewSubsystemHealthMonitor constructs an empty monitor.
func NewSubsystemHealthMonitor(logger core.ILogger) *SubsystemHealthMonitor {
	return &SubsystemHealthMonitor{
		logger:     logger.WithField("component", "health_monitor"),
		subsystems: make(map[string]*subsystem),
	}
}

// Register declares a subsystem and its failure threshold. critical
// subsystems (e.g. the journal writer) are the ones ShouldHalt checks.
func (m *SubsystemHealthMonitor) Register(name string, critical bool, threshold int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subsystems[name] = &subsystem{critical: critical, threshold: threshold}
}

// RecordSuccess resets name's consecutive-failure counter to zero.
func (m *SubsystemHealthMonitor) RecordSuccess(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subsystems[name]
	if !ok {
		return
	}
	s.consecutiveFailures = 0
	s.lastError = ""
}

// RecordFailure increments name's consecutive-failure counter and records
// err. Unregistered subsystems are tracked implicitly as non-critical with
// an unbounded threshold, so a report for an unregistered name never halts
// the runtime.
func (m *SubsystemHealthMonitor) RecordFailure(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subsystems[name]
	if !ok {
		s = &subsystem{threshold: -1}
		m.subsystems[name] = s
	}
	s.consecutiveFailures++
	if err != nil {
		s.lastError = err.Error()
	}
	if s.critical && s.threshold >= 0 && s.consecutiveFailures > s.threshold {
		m.logger.Error("critical subsystem exceeded failure threshold",
			"subsystem", name, "consecutive_failures", s.consecutiveFailures, "threshold", s.threshold)
	}
}

// ShouldHalt reports whether any critical subsystem has exceeded its
// threshold (spec §4.12): the outer runtime loop must exit non-zero.
func (m *SubsystemHealthMonitor) ShouldHalt() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.subsystems {
		if s.critical && s.threshold >= 0 && s.consecutiveFailures > s.threshold {
			return true
		}
	}
	return false
}

// Status returns a point-in-time snapshot of every tracked subsystem: each
// registered one, plus any unregistered name RecordFailure has seen.
func (m *SubsystemHealthMonitor) Status() []SubsystemStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SubsystemStatus, 0, len(m.subsystems))
	for name, s := range m.subsystems {
		out = append(out, SubsystemStatus{
			Name: name, Critical: s.critical, ConsecutiveFailures: s.consecutiveFailures,
			Threshold: s.threshold, LastError: s.lastError,
		})
	}
	return out
}
