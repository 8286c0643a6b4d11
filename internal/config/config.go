package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/VladMinzatu/asan-backtrace/internal/symbolizer"
)

// Config controls how backtraces are resolved and rendered.
type Config struct {
	// Symbolize enables the symbolizer; when off only module+offset is shown.
	Symbolize bool                     `env:"ASAN_SYMBOLIZE"         envDefault:"true"`
	Demangle  symbolizer.DemangleLevel `env:"ASAN_DEMANGLE"          envDefault:"basic"`
	// RuntimeFile is the runtime's own source file, hidden from reports.
	RuntimeFile string `env:"ASAN_RUNTIME_FILE"      envDefault:"asan_rtl.cc"`
	// EntryPoints are the function names at which a backtrace stops.
	EntryPoints     []string `env:"ASAN_ENTRY_POINTS"      envDefault:"main,main(),main.main" envSeparator:","`
	ModuleCacheSize int      `env:"ASAN_MODULE_CACHE_SIZE" envDefault:"64"`
}

// Parse reads the configuration from the process environment.
func Parse() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return cfg, fmt.Errorf("parsing environment: %w", err)
	}
	return cfg, cfg.Validate()
}

// ParseEnvironment reads the configuration from the given variables only.
func ParseEnvironment(environ map[string]string) (Config, error) {
	if environ == nil {
		environ = map[string]string{}
	}
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Environment: environ})
	if err != nil {
		return cfg, fmt.Errorf("parsing environment: %w", err)
	}
	return cfg, cfg.Validate()
}

// Default returns the built-in defaults, ignoring the environment.
func Default() Config {
	cfg, err := ParseEnvironment(nil)
	if err != nil {
		panic(fmt.Sprintf("invalid default config: %v", err))
	}
	return cfg
}

// RegisterFlags binds command-line flags to c; values already in c are the
// flag defaults, so flags override the environment.
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.BoolVar(&c.Symbolize, "symbolize", c.Symbolize, "Resolve function, file and line from debug information.")
	f.TextVar(&c.Demangle, "demangle", c.Demangle, "Demangling level: none, basic, params or verbose (0-3).")
	f.StringVar(&c.RuntimeFile, "runtime-file", c.RuntimeFile, "Runtime source file name replaced by a placeholder in reports.")
	f.Func("entry-points", "Comma separated function names that end a backtrace (default "+strings.Join(c.EntryPoints, ",")+").", func(s string) error {
		c.EntryPoints = splitList(s)
		return nil
	})
	f.IntVar(&c.ModuleCacheSize, "module-cache-size", c.ModuleCacheSize, "Number of modules whose symbol data is kept loaded.")
}

func (c Config) Validate() error {
	if c.ModuleCacheSize <= 0 {
		return errors.New("module cache size must be positive")
	}
	if c.Demangle < symbolizer.DemangleNone || c.Demangle > symbolizer.DemangleVerbose {
		return fmt.Errorf("invalid demangle level %d", int(c.Demangle))
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
