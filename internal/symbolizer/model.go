package symbolizer

import (
	"debug/dwarf"
	"debug/elf"
	"debug/gosym"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNoSymbol reports that there is no debug information for an address.
var ErrNoSymbol = errors.New("no symbol for address")

// Frame is the symbolic description of one program counter.
type Frame struct {
	Function string
	File     string
	Module   string
	Line     int
	// Offset is the module-relative address of the pc.
	Offset uint64
}

// Options is the bitmask passed with every Symbolize call.
type Options uint32

const (
	// OptUpdateLibs asks the symbolizer to re-read the list of loaded modules.
	OptUpdateLibs Options = 1 << iota
	OptDemangle
	OptDemangleParams
	OptDemangleVerbose

	OptNone Options = 0
)

type Symbolizer interface {
	Symbolize(pc uint64, opts Options) (*Frame, error)
}

type DemangleLevel int

const (
	DemangleNone DemangleLevel = iota
	DemangleBasic
	DemangleParams
	DemangleVerbose
)

var demangleLevelNames = []string{"none", "basic", "params", "verbose"}

func (l DemangleLevel) String() string {
	if l < 0 || int(l) >= len(demangleLevelNames) {
		return fmt.Sprintf("DemangleLevel(%d)", int(l))
	}
	return demangleLevelNames[l]
}

// Options returns the demangling bit for the level.
func (l DemangleLevel) Options() Options {
	switch l {
	case DemangleBasic:
		return OptDemangle
	case DemangleParams:
		return OptDemangleParams
	case DemangleVerbose:
		return OptDemangleVerbose
	}
	return OptNone
}

// UnmarshalText accepts a level name or its number (0-3).
func (l *DemangleLevel) UnmarshalText(text []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(text)))
	for i, name := range demangleLevelNames {
		if s == name {
			*l = DemangleLevel(i)
			return nil
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n >= len(demangleLevelNames) {
		return fmt.Errorf("invalid demangle level %q, want one of %s or 0-3", s, strings.Join(demangleLevelNames, ", "))
	}
	*l = DemangleLevel(n)
	return nil
}

func (l DemangleLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Symbol is what a module's debug information says about an address.
type Symbol struct {
	Name string
	File string
	Line int
	// Addr is the address in the module's link-time address space.
	Addr uint64
	// Offset from the start of the function.
	Offset uint64
}

type SymbolData struct {
	ElfSymbols []elf.Symbol
	DwarfData  *dwarf.Data
	GoSymTab   *gosym.Table
	// MinVaddr is the lowest PT_LOAD virtual address of the module.
	MinVaddr uint64
}
