package procmaps

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

const (
	// MaxEntries bounds the number of mappings a Table accepts.
	MaxEntries = 4096
	// MaxRawSize bounds the size of the raw listing a Table keeps.
	MaxRawSize = 1 << 20
)

var (
	ErrTooManyMappings = errors.New("too many memory mappings")
	ErrMapsTooLarge    = errors.New("memory mappings listing too large")
)

// Table is a snapshot of a process's memory layout used to map addresses
// back to the region that contains them. It is populated once by Init and is
// read-only afterwards.
type Table struct {
	once    sync.Once
	initErr error

	maxEntries int
	maxRawSize int

	entries []Entry
	raw     []byte
}

func NewTable() *Table {
	return &Table{maxEntries: MaxEntries, maxRawSize: MaxRawSize}
}

// Init populates the table from src. Only the first call reads the source;
// later calls return the first call's result. A capacity overflow is fatal:
// the table stays empty rather than holding a truncated address space.
func (t *Table) Init(src Source) error {
	t.once.Do(func() {
		t.initErr = t.populate(src)
	})
	return t.initErr
}

func (t *Table) populate(src Source) error {
	records, err := src.Records()
	if err != nil {
		return fmt.Errorf("reading memory mappings: %w", err)
	}
	entries := make([]Entry, 0, min(len(records), t.maxEntries))
	var raw []byte
	for _, r := range records {
		if r.Start >= r.End {
			slog.Warn("Skipping empty or inverted mapping", "start", fmt.Sprintf("0x%x", r.Start), "end", fmt.Sprintf("0x%x", r.End), "path", r.Path)
			continue
		}
		if len(entries) == t.maxEntries {
			return fmt.Errorf("%w: capacity %d", ErrTooManyMappings, t.maxEntries)
		}
		line := renderRecord(r)
		if len(raw)+len(line) > t.maxRawSize {
			return fmt.Errorf("%w: exceeds %d bytes", ErrMapsTooLarge, t.maxRawSize)
		}
		nameOff := len(raw) + len(line) - len(r.Path) - 1
		raw = append(raw, line...)
		entries = append(entries, Entry{Start: r.Start, End: r.End, nameOff: nameOff, nameLen: len(r.Path)})
	}
	t.entries = entries
	t.raw = raw
	slog.Debug("Loaded memory mappings", "entries", len(entries), "bytes", len(raw))
	return nil
}

// renderRecord formats r the way /proc/<pid>/maps does, newline included.
func renderRecord(r Record) string {
	dev := r.Dev
	if dev == "" {
		dev = "00:00"
	}
	perms := r.Perms
	if perms == "" {
		perms = "----"
	}
	prefix := fmt.Sprintf("%08x-%08x %s %08x %s %d", r.Start, r.End, perms, r.Offset, dev, r.Inode)
	if r.Path == "" {
		return prefix + "\n"
	}
	return prefix + " " + r.Path + "\n"
}

// Lookup returns the first region, in table order, with Start <= pc < End.
// Offsets inside the first region (the main program image) are reported as
// the absolute pc, so in a table holding a single library that library's
// offsets are absolute too.
func (t *Table) Lookup(pc uint64) (Match, bool) {
	// linear scan: only used while printing a report
	for i, e := range t.entries {
		if pc >= e.Start && pc < e.End {
			offset := pc - e.Start
			if i == 0 {
				offset = pc
			}
			return Match{Index: i, Start: e.Start, End: e.End, Name: t.name(e), Offset: offset}, true
		}
	}
	return Match{}, false
}

func (t *Table) name(e Entry) string {
	return string(t.raw[e.nameOff : e.nameOff+e.nameLen])
}

func (t *Table) Len() int {
	return len(t.entries)
}

// Entry returns the i-th region and its name.
func (t *Table) Entry(i int) (Entry, string) {
	e := t.entries[i]
	return e, t.name(e)
}

// Print writes the raw mappings listing to w.
func (t *Table) Print(w io.Writer) error {
	_, err := w.Write(t.raw)
	return err
}
