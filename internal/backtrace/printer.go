package backtrace

import (
	"io"

	"github.com/VladMinzatu/asan-backtrace/internal/config"
	"github.com/VladMinzatu/asan-backtrace/internal/procmaps"
)

// Printer renders captured backtraces to the diagnostic stream.
type Printer struct {
	out         io.Writer
	resolver    *Resolver
	entryPoints map[string]struct{}
}

func NewPrinter(out io.Writer, resolver *Resolver, cfg config.Config) *Printer {
	entryPoints := make(map[string]struct{}, len(cfg.EntryPoints))
	for _, name := range cfg.EntryPoints {
		entryPoints[name] = struct{}{}
	}
	return &Printer{out: out, resolver: resolver, entryPoints: entryPoints}
}

// Init loads the mappings table. It must run before the first PrintStack;
// calling it again has no effect.
func (p *Printer) Init(src procmaps.Source) error {
	return p.resolver.table.Init(src)
}

// PrintStack prints addrs in order. A zero address ends the trace, and so
// does the program's entry point, which is printed before stopping. It
// returns the printed frames; only a failing writer stops it early with an
// error.
func (p *Printer) PrintStack(addrs []uint64) ([]Location, error) {
	var locs []Location
	for i, pc := range addrs {
		if pc == 0 {
			break
		}
		loc, err := p.resolver.Print(p.out, pc, i)
		if err != nil {
			return locs, err
		}
		locs = append(locs, loc)
		if p.isEntryPoint(loc) {
			break
		}
	}
	return locs, nil
}

func (p *Printer) isEntryPoint(loc Location) bool {
	if loc.Kind != Symbolized {
		return false
	}
	_, ok := p.entryPoints[loc.Function]
	return ok
}
