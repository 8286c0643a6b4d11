package procmaps

// Record is one mapping as yielded by a Source, in /proc/<pid>/maps order.
type Record struct {
	Start, End uint64
	Perms      string
	Offset     uint64
	Dev        string
	Inode      uint64
	Path       string
}

// Source yields the memory mappings of a process.
type Source interface {
	Records() ([]Record, error)
}

// Entry is a region kept by the Table. The name lives in the table's raw
// listing and is addressed by span.
type Entry struct {
	Start, End uint64
	nameOff    int
	nameLen    int
}

// Match is the result of a successful Table lookup.
type Match struct {
	Index  int
	Start  uint64
	End    uint64
	Name   string
	Offset uint64
}
