package procmaps

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// ProcfsSource reads the mappings of a live process through procfs.
type ProcfsSource struct {
	fs  procfs.FS
	pid int
}

// NewProcfsSource opens procfs at mountPoint (procfs.DefaultMountPoint for
// the host) for the given pid.
func NewProcfsSource(mountPoint string, pid int) (*ProcfsSource, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("opening procfs at %s: %w", mountPoint, err)
	}
	return &ProcfsSource{fs: fs, pid: pid}, nil
}

func (s *ProcfsSource) Records() ([]Record, error) {
	slog.Debug("Reading proc maps for pid", "pid", s.pid)
	proc, err := s.fs.Proc(s.pid)
	if err != nil {
		return nil, fmt.Errorf("process %d: %w", s.pid, err)
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return nil, fmt.Errorf("maps of process %d: %w", s.pid, err)
	}
	records := make([]Record, 0, len(maps))
	for _, m := range maps {
		records = append(records, Record{
			Start:  uint64(m.StartAddr),
			End:    uint64(m.EndAddr),
			Perms:  formatPerms(m.Perms),
			Offset: uint64(m.Offset),
			Dev:    fmt.Sprintf("%02x:%02x", unix.Major(m.Dev), unix.Minor(m.Dev)),
			Inode:  m.Inode,
			Path:   m.Pathname,
		})
	}
	return records, nil
}

func formatPerms(p *procfs.ProcMapPermissions) string {
	if p == nil {
		return "----"
	}
	b := []byte("---p")
	if p.Read {
		b[0] = 'r'
	}
	if p.Write {
		b[1] = 'w'
	}
	if p.Execute {
		b[2] = 'x'
	}
	if p.Shared {
		b[3] = 's'
	}
	return string(b)
}
