package collector

import (
	"bufio"
	"io"
	"log/slog"
	"strconv"
	"strings"
)

const maxLineSize = 1 << 20

// LineSource reads one trace per line: whitespace separated hexadecimal
// addresses, with or without a 0x prefix. Tokens that do not parse are
// skipped.
type LineSource struct {
	scanner *bufio.Scanner
	line    int
}

func NewLineSource(r io.Reader) *LineSource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &LineSource{scanner: scanner}
}

func (s *LineSource) ReadTrace() ([]uint64, error) {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	s.line++
	return parseAddresses(strings.Fields(s.scanner.Text()), s.line), nil
}

func parseAddresses(fields []string, line int) []uint64 {
	addrs := make([]uint64, 0, len(fields))
	for _, f := range fields {
		hex := strings.TrimPrefix(strings.TrimPrefix(f, "0x"), "0X")
		pc, err := strconv.ParseUint(hex, 16, 64)
		if err != nil {
			slog.Warn("Skipping invalid address", "line", line, "token", f)
			continue
		}
		addrs = append(addrs, pc)
	}
	return addrs
}
