package collector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/VladMinzatu/asan-backtrace/internal/backtrace"
)

// TraceSource yields raw backtraces, one address list per call, and io.EOF
// once exhausted.
type TraceSource interface {
	ReadTrace() ([]uint64, error)
}

type StackPrinter interface {
	PrintStack(addrs []uint64) ([]backtrace.Location, error)
}

// Collector prints every trace its source yields and hands the printed
// frames to the consumer of Traces.
type Collector struct {
	source  TraceSource
	printer StackPrinter
	now     func() time.Time

	tracesCh chan backtrace.Trace

	started bool
	err     error
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewCollector(source TraceSource, printer StackPrinter) (*Collector, error) {
	if source == nil {
		return nil, errors.New("invalid source; must not be nil")
	}
	if printer == nil {
		return nil, errors.New("invalid printer; must not be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Collector{
		source:   source,
		printer:  printer,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		tracesCh: make(chan backtrace.Trace, 1),
	}, nil
}

// Traces is closed once the source is exhausted, printing fails or the
// collector is stopped.
func (c *Collector) Traces() <-chan backtrace.Trace { return c.tracesCh }

func (c *Collector) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("collector already started")
	}
	c.started = true

	c.wg.Add(1)
	go c.collect()
	return nil
}

// Stop ends collection and returns the error that ended it early, if any. A
// source blocked in ReadTrace is abandoned rather than waited for.
func (c *Collector) Stop() error {
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = false
	return c.err
}

type readResult struct {
	addrs []uint64
	err   error
}

func (c *Collector) read(out chan<- readResult) {
	for {
		addrs, err := c.source.ReadTrace()
		select {
		case out <- readResult{addrs: addrs, err: err}:
		case <-c.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Collector) collect() {
	defer c.wg.Done()
	defer close(c.tracesCh)

	reads := make(chan readResult)
	go c.read(reads)

	for {
		var r readResult
		select {
		case <-c.ctx.Done():
			return
		case r = <-reads:
		}

		if errors.Is(r.err, io.EOF) {
			return
		}
		if r.err != nil {
			slog.Warn("Failed to read trace", "error", r.err)
			c.setErr(r.err)
			return
		}
		if len(r.addrs) == 0 {
			continue
		}

		ts := c.now()
		locs, err := c.printer.PrintStack(r.addrs)
		if err != nil {
			c.setErr(err)
			return
		}

		select {
		case c.tracesCh <- backtrace.Trace{Timestamp: ts, Frames: locs}:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Collector) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}
