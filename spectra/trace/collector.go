package trace

import (
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/go-analyze/bulk"

	"github.com/PatchLens/go-spectra-lens/spectra/store"
)

// CollectorConfig configures a Collector.
type CollectorConfig struct {
	// Sequence controls chunking and spilling of worker traces and interned subtraces.
	Sequence store.SequenceConfig
	// CountHits enables per (class, counter) hit counting for classes registered with RegisterClass.
	CountHits bool
}

// WorkerTrace is the subtrace id stream recorded by one worker.
type WorkerTrace struct {
	Worker string
	Trace  *IntTrace
}

// Run is the result of draining a Collector.
type Run struct {
	Traces    []WorkerTrace
	Subtraces *SubtraceMap
	// NextID is one past the largest subtrace id present in Subtraces.
	NextID SubtraceID
}

// Subtrace returns the events of an interned subtrace. Id 0 yields an empty list.
func (r *Run) Subtrace(id SubtraceID) ([]RawEvent, error) {
	if id == 0 {
		return nil, nil
	}
	events, ok, err := r.Subtraces.Get(id)
	if err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("unknown subtrace id: %d", id)
	}
	return events, nil
}

// SubtraceCount returns the number of subtrace ids, including the empty subtrace 0.
func (r *Run) SubtraceCount() int {
	return int(r.NextID)
}

// Close releases all traces and subtraces of the run.
func (r *Run) Close() {
	for _, wt := range r.Traces {
		wt.Trace.Close()
	}
	r.Subtraces.Close()
}

// Collector receives instrumentation callbacks from many workers and produces one compressed subtrace
// id stream per worker. Each worker records into its own Worker handle, the only shared state is the
// interning table and the hit counters.
type Collector struct {
	cfg   CollectorConfig
	table *SubtraceTable

	mu       sync.Mutex // guards workers and counters
	workers  []*Worker
	counters map[int32][]int64
	failure  atomic.Pointer[error]
}

// NewCollector creates a Collector.
func NewCollector(cfg CollectorConfig) *Collector {
	return &Collector{
		cfg:      cfg,
		table:    NewSubtraceTable(cfg.Sequence),
		counters: make(map[int32][]int64),
	}
}

// NewWorker registers a recording handle. A Worker must only be used by one goroutine at a time.
func (c *Collector) NewWorker(name string) *Worker {
	w := &Worker{c: c, name: name, trace: NewCompressedTrace[int32](c.cfg.Sequence)}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.workers = append(c.workers, w)
	return w
}

func (c *Collector) fail(err error) error {
	if c.failure.CompareAndSwap(nil, &err) {
		log.Printf("%strace collection failed: %v", store.ErrorLogPrefix, err)
	}
	return fmt.Errorf("%w: %w", ErrCollectorFailed, err)
}

// failed returns the first latched failure without taking the collector lock.
func (c *Collector) failed() error {
	if err := c.failure.Load(); err != nil {
		return *err
	}
	return nil
}

// RegisterClass allocates hit counters for a class with counterCount probes.
func (c *Collector) RegisterClass(classID int32, counterCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing := c.counters[classID]; len(existing) < counterCount {
		c.counters[classID] = append(existing, make([]int64, counterCount-len(existing))...)
	}
}

func (c *Collector) countHit(classID, counterID int32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if counters := c.counters[classID]; counterID >= 0 && int(counterID) < len(counters) {
		counters[counterID]++
	}
}

// DrainCounters returns the hit counters of a class and resets them to zero.
func (c *Collector) DrainCounters(classID int32) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	counters := c.counters[classID]
	if counters == nil {
		return nil
	}
	c.counters[classID] = make([]int64, len(counters))
	return counters
}

// Drain stops the world for all workers, flushes their open subtraces and hands over the recorded
// traces together with the interned subtraces. Workers continue recording into fresh traces.
// Callers must ensure no worker is recording while Drain runs.
func (c *Collector) Drain() (*Run, error) {
	if err := c.failed(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCollectorFailed, err)
	}

	c.mu.Lock()
	workers := slices.Clone(c.workers)
	c.mu.Unlock()

	var errs []error
	for _, w := range workers {
		if err := w.flush(); err != nil {
			errs = append(errs, fmt.Errorf("worker %s: %w", w.name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, c.fail(err)
	}

	run := &Run{Traces: make([]WorkerTrace, 0, len(workers))}
	for _, w := range workers {
		run.Traces = append(run.Traces, WorkerTrace{Worker: w.name, Trace: w.trace})
		w.trace = NewCompressedTrace[int32](c.cfg.Sequence)
	}
	// workers that never recorded anything carry no information
	run.Traces = bulk.SliceFilterInPlace(func(wt WorkerTrace) bool {
		if wt.Trace.Size() == 0 {
			wt.Trace.Close()
			return false
		}
		return true
	}, run.Traces)
	run.NextID, run.Subtraces = c.table.DrainAll()
	return run, nil
}

// Worker records the events of a single thread of execution.
type Worker struct {
	c        *Collector
	name     string
	subtrace []RawEvent
	trace    *IntTrace
}

// Name returns the worker name given at registration.
func (w *Worker) Name() string {
	return w.name
}

func (w *Worker) record(classID, counterID int32, kind BranchKind) {
	w.subtrace = append(w.subtrace, RawEvent{ClassID: classID, CounterID: counterID, Kind: kind})
	if w.c.cfg.CountHits {
		w.c.countHit(classID, counterID)
	}
}

// OnStatement records a statement hit.
func (w *Worker) OnStatement(classID, counterID int32) {
	w.record(classID, counterID, BranchNone)
}

// OnBranch records a branch outcome. Probes without a real counter are dropped.
func (w *Worker) OnBranch(classID, counterID int32, kind BranchKind) {
	if counterID == FakeCounterID {
		return
	}
	w.record(classID, counterID, kind)
}

// OnJump records a taken conditional.
func (w *Worker) OnJump(classID, counterID int32) {
	w.OnBranch(classID, counterID, BranchTrue)
}

// OnSwitch records a switch case hit.
func (w *Worker) OnSwitch(classID, counterID int32) {
	w.OnBranch(classID, counterID, BranchSwitch)
}

// DecisionPoint closes the open subtrace, interning it and appending its id to the worker trace.
// An empty subtrace appends nothing.
func (w *Worker) DecisionPoint() error {
	if err := w.c.failed(); err != nil {
		return fmt.Errorf("%w: %w", ErrCollectorFailed, err)
	}
	if err := w.flush(); err != nil {
		return w.c.fail(err)
	}
	return nil
}

func (w *Worker) flush() error {
	if len(w.subtrace) == 0 {
		return nil
	}
	id, err := w.c.table.InternOrEmpty(w.subtrace)
	if err != nil {
		return err
	}
	w.subtrace = w.subtrace[:0]
	return w.trace.Append(id)
}
