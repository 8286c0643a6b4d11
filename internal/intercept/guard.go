// Package intercept holds the switch that lets the reporting path allocate
// without going through the runtime's allocation interception.
package intercept

import "go.uber.org/atomic"

// Guard is the process-wide "use the real allocator" flag. While it is set
// the interceptors pass allocations straight through.
type Guard struct {
	suppressed atomic.Bool
}

// Default is the guard consulted by the runtime's interceptors.
var Default = &Guard{}

func (g *Guard) Suppressed() bool {
	return g.suppressed.Load()
}

// Suppress sets the flag and returns a func restoring the value it had
// before. Callers defer the returned func so every exit path releases it.
func (g *Guard) Suppress() (release func()) {
	prev := g.suppressed.Swap(true)
	return func() {
		g.suppressed.Store(prev)
	}
}
