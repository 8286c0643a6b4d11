package exporter

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/VladMinzatu/asan-backtrace/internal/backtrace"
)

// BuildFoldedStacks aggregates traces into folded-stack lines keyed by the
// root-to-leaf frame names.
func BuildFoldedStacks(traces []backtrace.Trace) map[string]uint64 {
	agg := make(map[string]uint64)
	for _, t := range traces {
		if len(t.Frames) == 0 {
			continue
		}
		names := make([]string, 0, len(t.Frames))
		for i := len(t.Frames) - 1; i >= 0; i-- { // flamegraphs expect root->leaf order
			names = append(names, escapeFoldedName(frameName(t.Frames[i])))
		}
		agg[strings.Join(names, ";")]++
	}
	return agg
}

func frameName(l backtrace.Location) string {
	switch l.Kind {
	case backtrace.Symbolized:
		return l.Function
	case backtrace.Module:
		return fmt.Sprintf("%s+0x%x", l.Module, l.Offset)
	}
	return fmt.Sprintf("0x%x", l.PC)
}

func escapeFoldedName(name string) string {
	// semicolons separate frames and newlines separate lines. Replace them with safe characters.
	name = strings.ReplaceAll(name, ";", "_")  // frame separator in folded stacks format
	name = strings.ReplaceAll(name, "\n", " ") // line separator
	name = strings.TrimSpace(name)
	if name == "" {
		return "<unknown>"
	}
	return name
}

// WriteFoldedStacks writes agg one stack per line, most frequent first.
func WriteFoldedStacks(agg map[string]uint64, w io.Writer) error {
	type kv struct {
		k string
		v uint64
	}
	var items []kv
	for k, v := range agg {
		items = append(items, kv{k, v})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].v == items[j].v {
			return items[i].k < items[j].k
		}
		return items[i].v > items[j].v
	})

	for _, it := range items {
		if _, err := fmt.Fprintf(w, "%s %d\n", it.k, it.v); err != nil {
			return err
		}
	}
	return nil
}
