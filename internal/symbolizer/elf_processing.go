package symbolizer

import (
	"debug/dwarf"
	"debug/elf"
	"debug/gosym"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultModuleCacheSize is how many modules keep their symbol data loaded.
const DefaultModuleCacheSize = 64

// use this interface to resolve symbols from ELF files
type SymbolResolver interface {
	// ResolvePC resolves pc inside the module at path loaded at base.
	ResolvePC(path string, pc uint64, base uint64) (*Symbol, error)
}

type SymbolLoader interface {
	LoadFrom(path string) (internalSymbolResolver, error)
}

type internalSymbolResolver interface {
	ResolvePC(pc uint64, base uint64) (*Symbol, error)
}

// CachingSymbolResolver loads symbol data per module on first use and keeps
// the most recently used modules loaded.
type CachingSymbolResolver struct {
	cache        *lru.Cache[string, internalSymbolResolver]
	symbolLoader SymbolLoader
	mu           sync.Mutex
}

func NewCachingSymbolResolver(size int, loader SymbolLoader) (*CachingSymbolResolver, error) {
	cache, err := lru.New[string, internalSymbolResolver](size)
	if err != nil {
		return nil, fmt.Errorf("creating module cache: %w", err)
	}
	return &CachingSymbolResolver{cache: cache, symbolLoader: loader}, nil
}

func (c *CachingSymbolResolver) ResolvePC(path string, pc uint64, base uint64) (*Symbol, error) {
	// held across the load so concurrent frames in one module load it once
	c.mu.Lock()
	defer c.mu.Unlock()
	if resolver, ok := c.cache.Get(path); ok {
		return resolver.ResolvePC(pc, base)
	}
	resolver, err := c.symbolLoader.LoadFrom(path)
	if err != nil {
		return nil, err
	}
	c.cache.Add(path, resolver)
	return resolver.ResolvePC(pc, base)
}

// ELFSymbolLoader reads Go line tables, DWARF and ELF symbol tables.
type ELFSymbolLoader struct{}

func (ELFSymbolLoader) LoadFrom(path string) (internalSymbolResolver, error) {
	return loadSymbolData(path)
}

func loadSymbolData(path string) (*SymbolData, error) {
	slog.Info("Loading symbol data", "path", path)
	ef, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer ef.Close()

	data := &SymbolData{MinVaddr: minLoadVaddr(ef)}
	data.ElfSymbols = readElfSymbols(ef)

	dwarfData, err := ef.DWARF()
	if err != nil {
		slog.Debug("Dwarf data not available", "path", path, "error", err)
	}
	data.DwarfData = dwarfData

	goSymTab, err := readGoSymbolTable(ef)
	if err != nil {
		slog.Debug("Go symbol table not available", "path", path, "error", err)
	}
	data.GoSymTab = goSymTab

	if data.ElfSymbols == nil && data.DwarfData == nil && data.GoSymTab == nil {
		return nil, fmt.Errorf("%s: no symbol data available", path)
	}
	return data, nil
}

// ResolvePC tries the Go line table, then DWARF, then the ELF symbol tables.
func (d *SymbolData) ResolvePC(pc uint64, base uint64) (*Symbol, error) {
	target := pc - base + d.MinVaddr
	var errs []error
	if d.GoSymTab != nil {
		sym, err := d.resolvePCFromGoSymbolTable(target)
		if err == nil {
			return sym, nil
		}
		errs = append(errs, err)
	}
	if d.DwarfData != nil {
		sym, err := d.resolvePCFromDwarfData(target)
		if err == nil {
			return sym, nil
		}
		errs = append(errs, err)
	}
	if d.ElfSymbols != nil {
		sym, err := d.resolvePCFromElfSymbols(target)
		if err == nil {
			return sym, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, errors.New("no symbol data available")
	}
	return nil, errors.Join(errs...)
}

func (d *SymbolData) resolvePCFromGoSymbolTable(target uint64) (*Symbol, error) {
	slog.Debug("Resolving PC from Go symbol table", "pc", target)
	file, line, fn := d.GoSymTab.PCToLine(target)
	if fn == nil {
		return nil, errors.New("pc not found in gopclntab")
	}
	var offset uint64
	if target >= fn.Entry {
		offset = target - fn.Entry
	}
	return &Symbol{Name: fn.Name, File: file, Line: line, Addr: target, Offset: offset}, nil
}

func (d *SymbolData) resolvePCFromDwarfData(target uint64) (*Symbol, error) {
	slog.Debug("Resolving PC from DWARF data", "pc", target)

	rdr := d.DwarfData.Reader()
	var cu *dwarf.Entry
	for {
		ent, err := rdr.Next()
		if err != nil {
			return nil, err
		}
		if ent == nil {
			break
		}
		if ent.Tag == dwarf.TagCompileUnit {
			cu = ent
			continue
		}
		if ent.Tag != dwarf.TagSubprogram {
			continue
		}
		if !d.subprogramContains(ent, target) {
			continue
		}

		name := ""
		if v, ok := ent.Val(dwarf.AttrLinkageName).(string); ok && v != "" {
			name = v
		}
		if name == "" {
			if v, ok := ent.Val(dwarf.AttrName).(string); ok {
				name = v
			}
		}
		if name == "" {
			return nil, errors.New("dwarf subprogram without name")
		}
		// Compute offset from entry if we have lowpc. Otherwise set 0
		var offset uint64
		if low, ok := ent.Val(dwarf.AttrLowpc).(uint64); ok && target >= low {
			offset = target - low
		}
		sym := &Symbol{Name: name, Addr: target, Offset: offset}
		if cu != nil {
			sym.File, sym.Line = d.lineFor(cu, target)
		}
		return sym, nil
	}
	return nil, errors.New("pc not found in DWARF")
}

func (d *SymbolData) subprogramContains(ent *dwarf.Entry, target uint64) bool {
	// Prefer explicit ranges API (handles DWARF v5 rnglists and v2/v4 ranges)
	if ranges, err := d.DwarfData.Ranges(ent); err == nil && len(ranges) > 0 {
		for _, r := range ranges {
			if target >= r[0] && target < r[1] {
				return true
			}
		}
		return false
	}
	var lowpc, highpc uint64
	if v, ok := ent.Val(dwarf.AttrLowpc).(uint64); ok {
		lowpc = v
	}
	switch v := ent.Val(dwarf.AttrHighpc).(type) {
	case uint64:
		highpc = v
	case int64:
		if lowpc != 0 && v > 0 {
			highpc = lowpc + uint64(v)
		}
	}
	return lowpc != 0 && highpc != 0 && target >= lowpc && target < highpc
}

func (d *SymbolData) lineFor(cu *dwarf.Entry, target uint64) (string, int) {
	lr, err := d.DwarfData.LineReader(cu)
	if err != nil || lr == nil {
		return "", 0
	}
	var le dwarf.LineEntry
	if err := lr.SeekPC(target, &le); err != nil || le.File == nil {
		return "", 0
	}
	return le.File.Name, le.Line
}

func (d *SymbolData) resolvePCFromElfSymbols(target uint64) (*Symbol, error) {
	slog.Debug("Resolving PC from ELF symbols", "pc", target)
	var best *elf.Symbol
	for i := range d.ElfSymbols {
		s := &d.ElfSymbols[i]
		if s.Value == 0 || elf.ST_TYPE(s.Info) != elf.STT_FUNC {
			continue
		}
		if s.Value <= target && (best == nil || s.Value > best.Value) {
			best = s
		}
	}
	if best == nil {
		return nil, errors.New("no matching symbol")
	}
	if best.Size != 0 && target >= best.Value+best.Size {
		return nil, fmt.Errorf("pc 0x%x past the end of %s", target, best.Name)
	}
	return &Symbol{Name: best.Name, Addr: target, Offset: target - best.Value}, nil
}

func readElfSymbols(ef *elf.File) []elf.Symbol {
	var syms []elf.Symbol
	if st, err := ef.Symbols(); err == nil {
		syms = append(syms, st...)
	}
	if st, err := ef.DynamicSymbols(); err == nil {
		syms = append(syms, st...)
	}
	return syms
}

func readGoSymbolTable(ef *elf.File) (*gosym.Table, error) {
	pcln := ef.Section(".gopclntab")
	if pcln == nil {
		return nil, errors.New("no .gopclntab section")
	}
	pclnData, err := pcln.Data()
	if err != nil {
		return nil, fmt.Errorf("read .gopclntab: %v", err)
	}

	var symtabData []byte
	if symsec := ef.Section(".gosymtab"); symsec != nil {
		if data, err2 := symsec.Data(); err2 == nil {
			symtabData = data
		}
	}

	var textAddr uint64
	if text := ef.Section(".text"); text != nil {
		textAddr = text.Addr
	}
	lt := gosym.NewLineTable(pclnData, textAddr)
	// gosym.Table can be created with nil symtab; PCToFunc still works since
	// Go embeds function names in pclntab.
	return gosym.NewTable(symtabData, lt)
}

// minLoadVaddr returns the lowest PT_LOAD virtual address, page aligned.
func minLoadVaddr(ef *elf.File) uint64 {
	var minVaddr uint64
	found := false
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if !found || prog.Vaddr < minVaddr {
			minVaddr = prog.Vaddr
			found = true
		}
	}
	return minVaddr &^ (pageSize - 1)
}

const pageSize = 0x1000
