package exporter

import (
	"github.com/VladMinzatu/asan-backtrace/internal/backtrace"
	collectorpb "go.opentelemetry.io/proto/otlp/collector/profiles/v1development"
	v1 "go.opentelemetry.io/proto/otlp/common/v1"
	profilespb "go.opentelemetry.io/proto/otlp/profiles/v1development"
	resourceV1 "go.opentelemetry.io/proto/otlp/resource/v1"
)

type NowFunc func() uint64 // produces unix nsec

// BuildOltpProfile packs traces into OTLP profiles data. Every table starts
// with the zero entry the format reserves; mappings, functions and locations
// are shared between traces.
func BuildOltpProfile(traces []backtrace.Trace, now NowFunc) *profilespb.ProfilesData {
	nowNsec := now()
	stringTable := []string{""}
	mappingTable := []*profilespb.Mapping{{}}
	locationTable := []*profilespb.Location{{}}
	functionTable := []*profilespb.Function{{}}
	stackTable := []*profilespb.Stack{{}}

	mappingIdx := map[string]int32{}
	functionIdx := map[string]int32{}
	locationIdx := map[uint64]int32{}
	profileSamples := make([]*profilespb.Sample, 0, len(traces))

	sampleType := &profilespb.ValueType{
		TypeStrindex: strIndex(&stringTable, "backtraces"),
		UnitStrindex: strIndex(&stringTable, "count"),
	}

	addMapping := func(module string) int32 {
		if idx, ok := mappingIdx[module]; ok {
			return idx
		}
		mappingTable = append(mappingTable, &profilespb.Mapping{
			FilenameStrindex: strIndex(&stringTable, module),
		})
		idx := int32(len(mappingTable) - 1)
		mappingIdx[module] = idx
		return idx
	}

	addFunction := func(name, file string) int32 {
		key := name + "\x00" + file
		if idx, ok := functionIdx[key]; ok {
			return idx
		}
		nameIdx := strIndex(&stringTable, name)
		functionTable = append(functionTable, &profilespb.Function{
			NameStrindex:       nameIdx,
			SystemNameStrindex: nameIdx,
			FilenameStrindex:   strIndex(&stringTable, file),
		})
		idx := int32(len(functionTable) - 1)
		functionIdx[key] = idx
		return idx
	}

	addLocation := func(frame backtrace.Location) int32 {
		if idx, ok := locationIdx[frame.PC]; ok {
			return idx
		}
		loc := &profilespb.Location{Address: frame.PC}
		if frame.Module != "" {
			loc.MappingIndex = addMapping(frame.Module)
		}
		if frame.Kind == backtrace.Symbolized {
			loc.Lines = []*profilespb.Line{
				{
					FunctionIndex: addFunction(frame.Function, frame.File),
					Line:          int64(frame.Line),
				},
			}
		}
		locationTable = append(locationTable, loc)
		idx := int32(len(locationTable) - 1)
		locationIdx[frame.PC] = idx
		return idx
	}

	buildStack := func(frames []backtrace.Location) int32 {
		locIndices := make([]int32, 0, len(frames))
		for _, frame := range frames {
			locIndices = append(locIndices, addLocation(frame))
		}
		stackTable = append(stackTable, &profilespb.Stack{LocationIndices: locIndices})
		return int32(len(stackTable) - 1)
	}

	for _, t := range traces {
		if len(t.Frames) == 0 {
			continue
		}
		pbSample := &profilespb.Sample{
			StackIndex:         buildStack(t.Frames),
			Values:             []int64{1},
			AttributeIndices:   []int32{},
			LinkIndex:          0,
			TimestampsUnixNano: []uint64{uint64(t.Timestamp.UnixNano())},
		}
		profileSamples = append(profileSamples, pbSample)
	}

	profile := &profilespb.Profile{
		TimeUnixNano: nowNsec,
		DurationNano: uint64(0),
		SampleType:   sampleType,
		Samples:      profileSamples,
	}

	resourceProfiles := &profilespb.ResourceProfiles{
		Resource: &resourceV1.Resource{},
		ScopeProfiles: []*profilespb.ScopeProfiles{
			{
				Scope: &v1.InstrumentationScope{
					Name:    "asan-backtrace",
					Version: "v1",
				},
				Profiles: []*profilespb.Profile{profile},
			},
		},
	}

	dictionary := &profilespb.ProfilesDictionary{
		MappingTable:  mappingTable,
		LocationTable: locationTable,
		FunctionTable: functionTable,
		StackTable:    stackTable,
		StringTable:   stringTable,
	}

	return &profilespb.ProfilesData{
		ResourceProfiles: []*profilespb.ResourceProfiles{resourceProfiles},
		Dictionary:       dictionary,
	}
}

func strIndex(table *[]string, s string) int32 {
	for i, v := range *table {
		if v == s {
			return int32(i)
		}
	}
	*table = append(*table, s)
	return int32(len(*table) - 1)
}

// BuildExportRequest wraps data in the request body an OTLP profiles
// collector accepts.
func BuildExportRequest(data *profilespb.ProfilesData) *collectorpb.ExportProfilesServiceRequest {
	return &collectorpb.ExportProfilesServiceRequest{
		ResourceProfiles: data.ResourceProfiles,
		Dictionary:       data.Dictionary,
	}
}
