package backtrace

import (
	"fmt"
	"time"
)

// Kind tells how precisely a frame was resolved.
type Kind int

const (
	// Bare frames carry only the pc.
	Bare Kind = iota
	// Module frames carry the containing mapping and the offset into it.
	Module
	// Symbolized frames carry function, file and line.
	Symbolized
)

func (k Kind) String() string {
	switch k {
	case Module:
		return "module"
	case Symbolized:
		return "symbolized"
	}
	return "bare"
}

// Location is one resolved frame of a backtrace.
type Location struct {
	Index    int
	PC       uint64
	Kind     Kind
	Function string
	File     string
	Line     int
	Module   string
	Offset   uint64
}

// String renders the frame in the report format, without a newline. The
// bare form is indented less than the others.
func (l Location) String() string {
	switch l.Kind {
	case Symbolized:
		return fmt.Sprintf("    #%d 0x%x in %s %s:%d", l.Index, l.PC, l.Function, l.File, l.Line)
	case Module:
		return fmt.Sprintf("    #%d 0x%x (%s+0x%x)", l.Index, l.PC, l.Module, l.Offset)
	}
	return fmt.Sprintf("  #%d 0x%x", l.Index, l.PC)
}

// Trace is one printed backtrace.
type Trace struct {
	Timestamp time.Time
	Frames    []Location
}
