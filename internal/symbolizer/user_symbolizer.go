package symbolizer

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/VladMinzatu/asan-backtrace/internal/procmaps"
)

type module struct {
	start, end uint64
	// base is where the module's first byte (file offset 0) is mapped.
	base uint64
	path string
}

// ELFSymbolizer symbolizes addresses of the modules loaded into a process
// using the debug information of their ELF files.
type ELFSymbolizer struct {
	source   procmaps.Source
	resolver SymbolResolver

	mu      sync.Mutex
	modules []module
	loaded  bool
}

func NewELFSymbolizer(source procmaps.Source, resolver SymbolResolver) *ELFSymbolizer {
	return &ELFSymbolizer{source: source, resolver: resolver}
}

func (s *ELFSymbolizer) Symbolize(pc uint64, opts Options) (*Frame, error) {
	s.mu.Lock()
	if opts&OptUpdateLibs != 0 || !s.loaded {
		if err := s.refresh(); err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("updating module list: %w", err)
		}
	}
	m, ok := s.findModule(pc)
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: 0x%x is not in a file-backed executable mapping", ErrNoSymbol, pc)
	}

	sym, err := s.resolver.ResolvePC(m.path, pc, m.base)
	if err != nil {
		return nil, fmt.Errorf("%w: 0x%x in %s: %v", ErrNoSymbol, pc, m.path, err)
	}
	file := sym.File
	if file == "" {
		file = "??"
	}
	return &Frame{
		Function: Demangle(sym.Name, opts),
		File:     file,
		Module:   m.path,
		Line:     sym.Line,
		Offset:   pc - m.base,
	}, nil
}

func (s *ELFSymbolizer) refresh() error {
	records, err := s.source.Records()
	if err != nil {
		return err
	}
	bases := make(map[string]uint64)
	for _, r := range records {
		if !isFileBacked(r.Path) {
			continue
		}
		base := r.Start - r.Offset
		if b, ok := bases[r.Path]; !ok || base < b {
			bases[r.Path] = base
		}
	}
	var modules []module
	for _, r := range records {
		if !isFileBacked(r.Path) || len(r.Perms) < 3 || r.Perms[2] != 'x' {
			continue
		}
		modules = append(modules, module{start: r.Start, end: r.End, base: bases[r.Path], path: r.Path})
	}
	s.modules = modules
	s.loaded = true
	slog.Debug("Updated symbolizer module list", "modules", len(modules))
	return nil
}

func (s *ELFSymbolizer) findModule(pc uint64) (module, bool) {
	for _, m := range s.modules {
		if pc >= m.start && pc < m.end {
			return m, true
		}
	}
	return module{}, false
}

// pseudo mappings such as [vdso] or [heap] have no file behind them
func isFileBacked(path string) bool {
	return strings.HasPrefix(path, "/")
}
