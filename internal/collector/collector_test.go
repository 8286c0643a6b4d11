package collector

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/VladMinzatu/asan-backtrace/internal/backtrace"
)

type mockSource struct {
	traces [][]uint64
	err    error
	block  chan struct{}
}

func (m *mockSource) ReadTrace() ([]uint64, error) {
	if len(m.traces) == 0 {
		if m.block != nil {
			<-m.block
		}
		if m.err != nil {
			return nil, m.err
		}
		return nil, io.EOF
	}
	tr := m.traces[0]
	m.traces = m.traces[1:]
	return tr, nil
}

type mockPrinter struct {
	mu      sync.Mutex
	printed [][]uint64
	err     error
}

func (m *mockPrinter) PrintStack(addrs []uint64) ([]backtrace.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.printed = append(m.printed, addrs)
	locs := make([]backtrace.Location, 0, len(addrs))
	for i, pc := range addrs {
		locs = append(locs, backtrace.Location{Index: i, PC: pc})
	}
	return locs, nil
}

func drain(t *testing.T, c *Collector) []backtrace.Trace {
	t.Helper()
	var traces []backtrace.Trace
	timeout := time.After(2 * time.Second)
	for {
		select {
		case tr, ok := <-c.Traces():
			if !ok {
				return traces
			}
			traces = append(traces, tr)
		case <-timeout:
			t.Fatalf("timed out waiting for traces channel to close")
		}
	}
}

func TestNewCollector_Invalid(t *testing.T) {
	if _, err := NewCollector(nil, &mockPrinter{}); err == nil {
		t.Fatalf("expected error for nil source")
	}
	if _, err := NewCollector(&mockSource{}, nil); err == nil {
		t.Fatalf("expected error for nil printer")
	}
}

func TestCollector_EmitsTracesInOrder(t *testing.T) {
	src := &mockSource{traces: [][]uint64{{0x1000, 0x2000}, {}, {0x3000}}}
	pr := &mockPrinter{}
	c, err := NewCollector(src, pr)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	fixed := time.Unix(100, 0)
	c.now = func() time.Time { return fixed }

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	traces := drain(t, c)
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if len(traces) != 2 {
		t.Fatalf("expected 2 traces (empty one skipped), got %d", len(traces))
	}
	if len(traces[0].Frames) != 2 || traces[0].Frames[1].PC != 0x2000 {
		t.Fatalf("unexpected first trace: %+v", traces[0])
	}
	if traces[1].Frames[0].PC != 0x3000 {
		t.Fatalf("unexpected second trace: %+v", traces[1])
	}
	if !traces[0].Timestamp.Equal(fixed) {
		t.Fatalf("unexpected timestamp: %v", traces[0].Timestamp)
	}
	if len(pr.printed) != 2 {
		t.Fatalf("printer called %d times, want 2", len(pr.printed))
	}
}

func TestCollector_StartTwice(t *testing.T) {
	c, _ := NewCollector(&mockSource{}, &mockPrinter{})
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()
	if err := c.Start(); err == nil {
		t.Fatalf("expected error on second Start")
	}
}

func TestCollector_PrinterErrorEndsCollection(t *testing.T) {
	writeErr := errors.New("broken pipe")
	src := &mockSource{traces: [][]uint64{{0x1000}, {0x2000}}}
	c, _ := NewCollector(src, &mockPrinter{err: writeErr})
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if traces := drain(t, c); len(traces) != 0 {
		t.Fatalf("expected no traces, got %d", len(traces))
	}
	if err := c.Stop(); !errors.Is(err, writeErr) {
		t.Fatalf("Stop error = %v, want %v", err, writeErr)
	}
}

func TestCollector_SourceError(t *testing.T) {
	readErr := errors.New("read failed")
	src := &mockSource{traces: [][]uint64{{0x1000}}, err: readErr}
	c, _ := NewCollector(src, &mockPrinter{})
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if traces := drain(t, c); len(traces) != 1 {
		t.Fatalf("expected the trace read before the error, got %d", len(traces))
	}
	if err := c.Stop(); !errors.Is(err, readErr) {
		t.Fatalf("Stop error = %v, want %v", err, readErr)
	}
}

func TestCollector_StopWhileSourceBlocked(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	c, _ := NewCollector(&mockSource{block: block}, &mockPrinter{})
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop did not return while the source was blocked")
	}
	if traces := drain(t, c); len(traces) != 0 {
		t.Fatalf("expected no traces, got %d", len(traces))
	}
}
