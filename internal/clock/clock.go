// Package clock provides the injectable time source every other component
// depends on instead of reading the wall clock directly (spec §4.1, §9 "Global state").
package clock

import (
	"sync"
	"time"
)

// Clock is the interface every core component takes by injection.
type Clock interface {
	// Now returns the current time in UTC.
	Now() time.Time
	// NowLocal returns the current time converted to the given location.
	NowLocal(loc *time.Location) time.Time
	// IsMarketHours reports whether Now() falls within [start, end) local time,
	// inclusive of the open boundary and exclusive of the close boundary (§8
	// Boundary behaviors: "clock exactly at session boundary").
	IsMarketHours(start, end time.Time, loc *time.Location) bool
}

// Real is the wall-clock implementation used in live and paper mode.
type Real struct{}

// NewReal constructs the wall-clock Clock.
func NewReal() *Real { return &Real{} }

// Now returns time.Now() in UTC.
func (Real) Now() time.Time { return time.Now().UTC() }

// NowLocal converts the current wall-clock time into loc.
func (Real) NowLocal(loc *time.Location) time.Time { return time.Now().In(loc) }

// IsMarketHours checks the current wall-clock time against the window.
func (r Real) IsMarketHours(start, end time.Time, loc *time.Location) bool {
	return inWindow(r.NowLocal(loc), start, end)
}

// Simulated is the deterministic implementation used by backtest mode and by
// tests. It never reads the wall clock; time only moves via Advance.
type Simulated struct {
	mu      sync.Mutex
	current time.Time
}

// NewSimulated constructs a Simulated clock pinned at start.
func NewSimulated(start time.Time) *Simulated {
	return &Simulated{current: start.UTC()}
}

// Now returns the clock's current simulated time.
func (s *Simulated) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// NowLocal converts the simulated time into loc.
func (s *Simulated) NowLocal(loc *time.Location) time.Time {
	return s.Now().In(loc)
}

// IsMarketHours checks the simulated time against the window.
func (s *Simulated) IsMarketHours(start, end time.Time, loc *time.Location) bool {
	return inWindow(s.NowLocal(loc), start, end)
}

// Advance moves the simulated clock forward by delta. Negative deltas are
// rejected by the caller's own test logic; the clock itself does not forbid
// them since tests sometimes want to rewind for boundary checks.
func (s *Simulated) Advance(delta time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = s.current.Add(delta)
}

// Set pins the simulated clock to an exact instant.
func (s *Simulated) Set(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = t.UTC()
}

func inWindow(now, start, end time.Time) bool {
	nowMins := now.Hour()*60 + now.Minute()
	startMins := start.Hour()*60 + start.Minute()
	endMins := end.Hour()*60 + end.Minute()
	return nowMins >= startMins && nowMins < endMins
}
