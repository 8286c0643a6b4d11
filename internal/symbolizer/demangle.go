package symbolizer

import "github.com/ianlancetaylor/demangle"

var (
	demangleBasic   = []demangle.Option{demangle.NoParams, demangle.NoEnclosingParams, demangle.NoTemplateParams}
	demangleParams  = []demangle.Option{demangle.NoClones}
	demangleVerbose = []demangle.Option{demangle.Verbose}
)

// Demangle applies the demangling level selected in opts to name. Names that
// are not mangled are returned unchanged.
func Demangle(name string, opts Options) string {
	switch {
	case opts&OptDemangleVerbose != 0:
		return demangle.Filter(name, demangleVerbose...)
	case opts&OptDemangleParams != 0:
		return demangle.Filter(name, demangleParams...)
	case opts&OptDemangle != 0:
		return demangle.Filter(name, demangleBasic...)
	}
	return name
}
