package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/procfs"
	"google.golang.org/protobuf/proto"

	"github.com/VladMinzatu/asan-backtrace/internal/backtrace"
	"github.com/VladMinzatu/asan-backtrace/internal/collector"
	"github.com/VladMinzatu/asan-backtrace/internal/config"
	"github.com/VladMinzatu/asan-backtrace/internal/diag"
	"github.com/VladMinzatu/asan-backtrace/internal/exporter"
	"github.com/VladMinzatu/asan-backtrace/internal/intercept"
	"github.com/VladMinzatu/asan-backtrace/internal/pprof"
	"github.com/VladMinzatu/asan-backtrace/internal/procmaps"
	"github.com/VladMinzatu/asan-backtrace/internal/symbolizer"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	fs := flag.NewFlagSet("asan-backtrace", flag.ExitOnError)
	pid := fs.Int("pid", os.Getpid(), "Process whose memory mappings are used.")
	mapsFile := fs.String("maps", "", "Read mappings from this file instead of /proc/<pid>/maps.")
	format := fs.String("format", "text", "Output format: text, pprof, otlp or folded.")
	output := fs.String("o", "", "Write the exported profile to this file instead of stdout.")
	printMaps := fs.Bool("print-maps", false, "Print the mappings table before the backtraces.")
	verbose := fs.Bool("v", false, "Enable debug logging.")
	cfg.RegisterFlags(fs)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: asan-backtrace [flags] [addr...]\n\nAddresses are hexadecimal. Without arguments, one backtrace per line is read from stdin.\n\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])

	if *verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	switch *format {
	case "text", "pprof", "otlp", "folded":
	default:
		slog.Error("Unknown output format", "format", *format)
		os.Exit(1)
	}

	source, err := mappingSource(*mapsFile, *pid)
	if err != nil {
		slog.Error("Failed to open memory mappings", "error", err)
		os.Exit(1)
	}

	table := procmaps.NewTable()
	resolver, err := symbolDataResolver(cfg, source)
	if err != nil {
		slog.Error("Failed to initialise symbolizer", "error", err)
		os.Exit(1)
	}
	report := diag.Stderr()
	printer := backtrace.NewPrinter(report, backtrace.NewResolver(table, resolver, intercept.Default, cfg), cfg)
	if err := printer.Init(source); err != nil {
		slog.Error("Failed to load memory mappings", "error", err)
		os.Exit(1)
	}

	if *printMaps {
		if err := table.Print(report); err != nil {
			slog.Error("Failed to print memory mappings", "error", err)
			os.Exit(1)
		}
	}

	var input io.Reader = os.Stdin
	if fs.NArg() > 0 {
		input = strings.NewReader(strings.Join(fs.Args(), " "))
	}
	c, err := collector.NewCollector(collector.NewLineSource(input), printer)
	if err != nil {
		slog.Error("Failed to initialise collector", "error", err)
		os.Exit(1)
	}
	if err := c.Start(); err != nil {
		slog.Error("Failed to start collector", "error", err)
		os.Exit(1)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		c.Stop() // closes the traces channel
	}()

	var traces []backtrace.Trace
	for tr := range c.Traces() {
		traces = append(traces, tr)
	}
	if err := c.Stop(); err != nil {
		slog.Error("Backtrace printing failed", "error", err)
		os.Exit(1)
	}

	if *format == "text" {
		return
	}
	if err := export(*format, *output, traces); err != nil {
		slog.Error("Failed to export backtraces", "format", *format, "error", err)
		os.Exit(1)
	}
}

func mappingSource(mapsFile string, pid int) (procmaps.Source, error) {
	if mapsFile != "" {
		return procmaps.NewFileSource(mapsFile), nil
	}
	return procmaps.NewProcfsSource(procfs.DefaultMountPoint, pid)
}

func symbolDataResolver(cfg config.Config, source procmaps.Source) (symbolizer.Symbolizer, error) {
	if !cfg.Symbolize {
		return nil, nil
	}
	cache, err := symbolizer.NewCachingSymbolResolver(cfg.ModuleCacheSize, symbolizer.ELFSymbolLoader{})
	if err != nil {
		return nil, err
	}
	return symbolizer.NewELFSymbolizer(source, cache), nil
}

func export(format, output string, traces []backtrace.Trace) error {
	var w io.Writer = os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	switch format {
	case "pprof":
		prof, err := pprof.BuildProfile(traces)
		if err != nil {
			return err
		}
		return pprof.WriteProfile(prof, w)
	case "otlp":
		data := exporter.BuildOltpProfile(traces, func() uint64 { return uint64(time.Now().UnixNano()) })
		b, err := proto.Marshal(exporter.BuildExportRequest(data))
		if err != nil {
			return err
		}
		_, err = w.Write(b)
		return err
	case "folded":
		return exporter.WriteFoldedStacks(exporter.BuildFoldedStacks(traces), w)
	}
	return fmt.Errorf("unknown format %q", format)
}
