package pprof

import (
	"io"
	"sort"
	"strconv"

	"github.com/VladMinzatu/asan-backtrace/internal/backtrace"
	"github.com/google/pprof/profile"
)

// BuildProfile turns printed traces into a pprof profile with one sample per
// trace. Frames resolved to a module get a mapping for it; symbolized frames
// also get a function and line.
func BuildProfile(traces []backtrace.Trace) (*profile.Profile, error) {
	if len(traces) == 0 {
		p := &profile.Profile{}
		return p, nil
	}

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "backtraces", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "backtraces", Unit: "count"},
		Period:     1,
	}

	funcs := map[string]*profile.Function{}
	mappings := map[string]*profile.Mapping{}
	locMap := map[uint64]*profile.Location{}
	nextFuncID := uint64(1)
	nextLocID := uint64(1)

	addFunction := func(name, file string) *profile.Function {
		key := name + "\x00" + file
		if f, ok := funcs[key]; ok {
			return f
		}
		fn := &profile.Function{
			ID:         nextFuncID,
			Name:       name,
			SystemName: name,
			Filename:   file,
		}
		nextFuncID++
		funcs[key] = fn
		p.Function = append(p.Function, fn)
		return fn
	}

	addMapping := func(module string) *profile.Mapping {
		if m, ok := mappings[module]; ok {
			return m
		}
		m := &profile.Mapping{
			ID:   uint64(len(p.Mapping) + 1),
			File: module,
		}
		mappings[module] = m
		p.Mapping = append(p.Mapping, m)
		return m
	}

	addLocationFor := func(frame backtrace.Location) *profile.Location {
		if loc, ok := locMap[frame.PC]; ok {
			return loc
		}
		loc := &profile.Location{
			ID:      nextLocID,
			Address: frame.PC,
		}
		if frame.Module != "" {
			loc.Mapping = addMapping(frame.Module)
		}
		if frame.Kind == backtrace.Symbolized {
			fn := addFunction(frame.Function, frame.File)
			loc.Line = []profile.Line{{Function: fn, Line: int64(frame.Line)}}
		}
		nextLocID++
		locMap[frame.PC] = loc
		p.Location = append(p.Location, loc)
		return loc
	}

	for i, t := range traces {
		if len(t.Frames) == 0 {
			continue
		}
		// frames are innermost first, which is the order pprof expects
		locs := make([]*profile.Location, 0, len(t.Frames))
		for _, frame := range t.Frames {
			locs = append(locs, addLocationFor(frame))
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Value:    []int64{1},
			Location: locs,
			Label:    map[string][]string{"trace": {strconv.Itoa(i)}},
		})
	}

	sorted := make([]backtrace.Trace, len(traces))
	copy(sorted, traces)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
	start := sorted[0].Timestamp
	end := sorted[len(sorted)-1].Timestamp
	p.TimeNanos = start.UnixNano()
	p.DurationNanos = end.Sub(start).Nanoseconds()

	if err := p.CheckValid(); err != nil {
		return nil, err
	}
	return p, nil
}

// WriteProfile writes p in the gzipped protobuf encoding pprof reads.
func WriteProfile(p *profile.Profile, w io.Writer) error {
	return p.Write(w)
}
