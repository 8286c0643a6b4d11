package procmaps

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

type mockSource struct {
	records []Record
	err     error
	calls   int
}

func (m *mockSource) Records() ([]Record, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.records, nil
}

func newTestTable(t *testing.T, records ...Record) *Table {
	t.Helper()
	tab := NewTable()
	if err := tab.Init(&mockSource{records: records}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return tab
}

func TestTable_Lookup(t *testing.T) {
	tab := newTestTable(t,
		Record{Start: 0x400000, End: 0x452000, Perms: "r-xp", Path: "/usr/bin/myprog"},
		Record{Start: 0x7f8a9b000000, End: 0x7f8a9b002000, Perms: "r-xp", Offset: 0x1000, Path: "/usr/lib/libc.so.6"},
		Record{Start: 0x7f8a9b100000, End: 0x7f8a9b102000, Perms: "rw-p", Path: "[heap]"},
		Record{Start: 0x7f8a9b200000, End: 0x7f8a9b201000, Perms: "rw-p"},
	)

	tests := []struct {
		name       string
		pc         uint64
		wantOK     bool
		wantIndex  int
		wantName   string
		wantOffset uint64
	}{
		{name: "first mapping reports absolute pc", pc: 0x400123, wantOK: true, wantIndex: 0, wantName: "/usr/bin/myprog", wantOffset: 0x400123},
		{name: "second mapping", pc: 0x7f8a9b000100, wantOK: true, wantIndex: 1, wantName: "/usr/lib/libc.so.6", wantOffset: 0x100},
		{name: "start boundary", pc: 0x7f8a9b000000, wantOK: true, wantIndex: 1, wantName: "/usr/lib/libc.so.6", wantOffset: 0},
		{name: "just before end", pc: 0x7f8a9b001fff, wantOK: true, wantIndex: 1, wantName: "/usr/lib/libc.so.6", wantOffset: 0x1fff},
		{name: "heap", pc: 0x7f8a9b100100, wantOK: true, wantIndex: 2, wantName: "[heap]", wantOffset: 0x100},
		{name: "anonymous mapping", pc: 0x7f8a9b200010, wantOK: true, wantIndex: 3, wantName: "", wantOffset: 0x10},
		{name: "end is exclusive", pc: 0x7f8a9b002000, wantOK: false},
		{name: "before first region", pc: 0x1000, wantOK: false},
		{name: "after last region", pc: 0xffffffffffffffff, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tab.Lookup(tt.pc)
			if ok != tt.wantOK {
				t.Fatalf("Lookup(0x%x) ok = %v, want %v", tt.pc, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if got.Index != tt.wantIndex {
				t.Errorf("Lookup() Index = %d, want %d", got.Index, tt.wantIndex)
			}
			if got.Name != tt.wantName {
				t.Errorf("Lookup() Name = %q, want %q", got.Name, tt.wantName)
			}
			if got.Offset != tt.wantOffset {
				t.Errorf("Lookup() Offset = 0x%x, want 0x%x", got.Offset, tt.wantOffset)
			}
		})
	}
}

func TestTable_LookupReturnsFirstMatch(t *testing.T) {
	tab := newTestTable(t,
		Record{Start: 0x1000, End: 0x2000, Path: "/bin/first"},
		Record{Start: 0x3000, End: 0x5000, Path: "/lib/outer"},
		Record{Start: 0x3000, End: 0x4000, Path: "/lib/inner"},
	)
	got, ok := tab.Lookup(0x3500)
	if !ok {
		t.Fatal("Lookup() found nothing")
	}
	if got.Name != "/lib/outer" {
		t.Errorf("Lookup() Name = %q, want /lib/outer", got.Name)
	}
}

func TestTable_NameKeepsRawBytes(t *testing.T) {
	tab := newTestTable(t,
		Record{Start: 0x400000, End: 0x401000, Path: "/bin/prog"},
		Record{Start: 0x1000, End: 0x2000, Path: "/lib/libc.so\n(deleted)"},
	)
	got, ok := tab.Lookup(0x1500)
	if !ok {
		t.Fatal("Lookup() found nothing")
	}
	if got.Name != "/lib/libc.so\n(deleted)" {
		t.Errorf("Lookup() Name = %q", got.Name)
	}
	if got.Offset != 0x500 {
		t.Errorf("Lookup() Offset = 0x%x, want 0x500", got.Offset)
	}
}

func TestTable_InitOnce(t *testing.T) {
	src := &mockSource{records: []Record{
		{Start: 0x1000, End: 0x2000, Path: "/bin/prog"},
		{Start: 0x3000, End: 0x4000, Path: "/lib/libc.so.6"},
	}}
	tab := NewTable()
	if err := tab.Init(src); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	before, _ := tab.Lookup(0x3100)

	src.records = append(src.records, Record{Start: 0x5000, End: 0x6000, Path: "/lib/late.so"})
	if err := tab.Init(src); err != nil {
		t.Fatalf("second Init() error = %v", err)
	}
	if src.calls != 1 {
		t.Errorf("source read %d times, want 1", src.calls)
	}
	if tab.Len() != 2 {
		t.Errorf("Len() = %d after second Init, want 2", tab.Len())
	}
	after, _ := tab.Lookup(0x3100)
	if before != after {
		t.Errorf("Lookup changed after second Init: %+v != %+v", before, after)
	}
}

func TestTable_InitErrors(t *testing.T) {
	many := make([]Record, MaxEntries+1)
	for i := range many {
		many[i] = Record{Start: uint64(i+1) * 0x1000, End: uint64(i+2) * 0x1000}
	}

	tests := []struct {
		name    string
		src     *mockSource
		wantErr error
	}{
		{name: "source error", src: &mockSource{err: errors.New("boom")}},
		{name: "too many mappings", src: &mockSource{records: many}, wantErr: ErrTooManyMappings},
		{
			name: "listing too large",
			src: &mockSource{records: []Record{
				{Start: 0x1000, End: 0x2000, Path: "/" + strings.Repeat("x", MaxRawSize)},
			}},
			wantErr: ErrMapsTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tab := NewTable()
			err := tab.Init(tt.src)
			if err == nil {
				t.Fatal("Init() succeeded, want error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Init() error = %v, want %v", err, tt.wantErr)
			}
			if tab.Len() != 0 {
				t.Errorf("table populated after failed Init: %d entries", tab.Len())
			}
			if _, ok := tab.Lookup(0x1500); ok {
				t.Error("Lookup() succeeded on a failed table")
			}
		})
	}
}

func TestTable_AcceptsExactCapacity(t *testing.T) {
	records := make([]Record, MaxEntries)
	for i := range records {
		records[i] = Record{Start: uint64(i+1) * 0x1000, End: uint64(i+2) * 0x1000}
	}
	tab := newTestTable(t, records...)
	if tab.Len() != MaxEntries {
		t.Errorf("Len() = %d, want %d", tab.Len(), MaxEntries)
	}
}

func TestTable_SkippedRecordsDoNotCountAgainstCapacity(t *testing.T) {
	records := make([]Record, 0, MaxEntries+1)
	for i := 0; i < MaxEntries; i++ {
		records = append(records, Record{Start: uint64(i+1) * 0x1000, End: uint64(i+2) * 0x1000})
	}
	records = append(records, Record{Start: 0x5000, End: 0x5000, Path: "/empty"})

	tab := newTestTable(t, records...)
	if tab.Len() != MaxEntries {
		t.Errorf("Len() = %d, want %d", tab.Len(), MaxEntries)
	}
}

func TestTable_LookupSingleMappingIsAbsolute(t *testing.T) {
	tab := newTestTable(t, Record{Start: 0x1000, End: 0x2000, Path: "/lib/libc.so\n(deleted)"})
	got, ok := tab.Lookup(0x1500)
	if !ok {
		t.Fatal("Lookup(0x1500) found nothing")
	}
	if got.Index != 0 || got.Offset != 0x1500 {
		t.Errorf("Lookup(0x1500) = index %d offset 0x%x, want index 0 offset 0x1500", got.Index, got.Offset)
	}
}

func TestTable_SkipsInvertedMappings(t *testing.T) {
	tab := newTestTable(t,
		Record{Start: 0x2000, End: 0x1000, Path: "/bad"},
		Record{Start: 0x3000, End: 0x3000, Path: "/empty"},
		Record{Start: 0x4000, End: 0x5000, Path: "/good"},
	)
	if tab.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tab.Len())
	}
	_, name := tab.Entry(0)
	if name != "/good" {
		t.Errorf("Entry(0) name = %q, want /good", name)
	}
}

func TestTable_Print(t *testing.T) {
	tab := newTestTable(t,
		Record{Start: 0x400000, End: 0x452000, Perms: "r-xp", Dev: "08:02", Inode: 173521, Path: "/usr/bin/prog"},
		Record{Start: 0x7ffd000, End: 0x7ffe000, Perms: "rw-p"},
	)
	var buf bytes.Buffer
	if err := tab.Print(&buf); err != nil {
		t.Fatalf("Print() error = %v", err)
	}
	want := "00400000-00452000 r-xp 00000000 08:02 173521 /usr/bin/prog\n" +
		"07ffd000-07ffe000 rw-p 00000000 00:00 0\n"
	if buf.String() != want {
		t.Errorf("Print() =\n%q\nwant\n%q", buf.String(), want)
	}

	// the printed listing parses back into the same regions
	records, err := NewTextSource(&mockLineReader{lines: strings.Split(buf.String(), "\n")}).Records()
	if err != nil {
		t.Fatalf("Records() error = %v", err)
	}
	if len(records) != 2 || records[0].Path != "/usr/bin/prog" || records[1].Start != 0x7ffd000 {
		t.Errorf("unexpected round trip: %+v", records)
	}
}
