package procmaps

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

type LineReader interface {
	ReadLines() ([]string, error)
}

type DataLoader struct {
	Path string
}

func NewDataLoader(path string) *DataLoader {
	return &DataLoader{Path: path}
}

func (d *DataLoader) ReadLines() ([]string, error) {
	slog.Debug("Loading lines from (pseudo-)file", "path", d.Path)
	f, err := os.Open(d.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	s := bufio.NewScanner(f)
	// a single mapping path may be long; never more than the whole listing
	s.Buffer(make([]byte, 0, 64*1024), MaxRawSize)
	for s.Scan() {
		lines = append(lines, s.Text())
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// TextSource parses a listing in /proc/<pid>/maps format.
type TextSource struct {
	reader LineReader
}

func NewTextSource(reader LineReader) *TextSource {
	return &TextSource{reader: reader}
}

// NewFileSource reads a saved maps listing, or /proc/<pid>/maps itself.
func NewFileSource(path string) *TextSource {
	return NewTextSource(NewDataLoader(path))
}

func (s *TextSource) Records() ([]Record, error) {
	lines, err := s.reader.ReadLines()
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		r, err := parseMapEntry(line)
		if err != nil {
			slog.Warn("Failed to parse map entry", "line", line, "error", err)
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

// Example format:
//
//	55d4b2000000-55d4b2021000 r--p 00000000 08:01 131073 /usr/bin/myprog
func parseMapEntry(line string) (Record, error) {
	parts := strings.Fields(line)
	if len(parts) < 5 {
		return Record{}, fmt.Errorf("not enough fields: %d in line \"%s\"", len(parts), line)
	}
	// pathname is optional and may be in parts[5:] - may contain spaces, mind you!
	var path string
	if len(parts) >= 6 {
		path = strings.Join(parts[5:], " ")
	}
	se := strings.SplitN(parts[0], "-", 2)
	if len(se) != 2 {
		return Record{}, fmt.Errorf("invalid address range format in line %s", line)
	}
	start, err1 := strconv.ParseUint(se[0], 16, 64)
	end, err2 := strconv.ParseUint(se[1], 16, 64)
	offv, err3 := strconv.ParseUint(parts[2], 16, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return Record{}, fmt.Errorf("failed to parse numeric addresses in line %s", line)
	}
	inode, err := strconv.ParseUint(parts[4], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("failed to parse inode in line %s", line)
	}
	return Record{
		Start:  start,
		End:    end,
		Perms:  parts[1],
		Offset: offv,
		Dev:    parts[3],
		Inode:  inode,
		Path:   path,
	}, nil
}
