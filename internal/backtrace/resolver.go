package backtrace

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/VladMinzatu/asan-backtrace/internal/config"
	"github.com/VladMinzatu/asan-backtrace/internal/intercept"
	"github.com/VladMinzatu/asan-backtrace/internal/procmaps"
	"github.com/VladMinzatu/asan-backtrace/internal/symbolizer"
)

const (
	// MaxNameLen is the longest module name printed in a frame.
	MaxNameLen = 1023
	// SelfPlaceholder replaces the runtime's own file name in reports.
	SelfPlaceholder = "_asan_rtl_"
)

// Resolver turns one pc into a Location, preferring the symbolizer and
// falling back to the mappings table.
type Resolver struct {
	table      *procmaps.Table
	symbolizer symbolizer.Symbolizer
	guard      *intercept.Guard
	cfg        config.Config
}

// NewResolver builds a resolver. sym may be nil, in which case only the
// mappings table is used.
func NewResolver(table *procmaps.Table, sym symbolizer.Symbolizer, guard *intercept.Guard, cfg config.Config) *Resolver {
	if guard == nil {
		guard = intercept.Default
	}
	return &Resolver{table: table, symbolizer: sym, guard: guard, cfg: cfg}
}

// Resolve describes pc, the idx-th frame of a trace, as precisely as the
// available information allows. It never fails: the weakest result is a
// bare frame.
func (r *Resolver) Resolve(pc uint64, idx int) Location {
	loc := Location{Index: idx, PC: pc}

	if r.cfg.Symbolize && r.symbolizer != nil {
		frame, err := r.symbolize(pc, idx)
		if err == nil {
			loc.Kind = Symbolized
			loc.Function = frame.Function
			loc.File = FilterSelfReference(frame.File, r.cfg.RuntimeFile)
			loc.Line = frame.Line
			loc.Module = frame.Module
			loc.Offset = frame.Offset
			return loc
		}
		slog.Debug("Symbolization failed, falling back to mappings", "pc", fmt.Sprintf("0x%x", pc), "error", err)
	}

	if m, ok := r.table.Lookup(pc); ok {
		loc.Kind = Module
		loc.Module = FilterSelfReference(copyUntilNewline(m.Name, MaxNameLen), r.cfg.RuntimeFile)
		loc.Offset = m.Offset
	}
	return loc
}

func (r *Resolver) symbolize(pc uint64, idx int) (*symbolizer.Frame, error) {
	opts := r.cfg.Demangle.Options()
	// later frames of the same trace see the same set of modules
	if idx == 0 {
		opts |= symbolizer.OptUpdateLibs
	}
	release := r.guard.Suppress()
	defer release()
	return r.symbolizer.Symbolize(pc, opts)
}

// Print resolves pc and writes its line to w.
func (r *Resolver) Print(w io.Writer, pc uint64, idx int) (Location, error) {
	loc := r.Resolve(pc, idx)
	if _, err := fmt.Fprintln(w, loc.String()); err != nil {
		return loc, fmt.Errorf("writing frame #%d: %w", idx, err)
	}
	return loc, nil
}

// FilterSelfReference hides the runtime's own source file behind a
// placeholder. An empty runtimeFile disables the filter.
func FilterSelfReference(name, runtimeFile string) string {
	if runtimeFile != "" && strings.Contains(name, runtimeFile) {
		return SelfPlaceholder
	}
	return name
}

// copyUntilNewline returns s up to its first newline, at most max bytes.
func copyUntilNewline(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		s = s[:max]
	}
	return strings.Clone(s)
}
