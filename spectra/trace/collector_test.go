package trace

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PatchLens/go-spectra-lens/spectra/store"
)

func TestCollectorSingleWorker(t *testing.T) {
	t.Parallel()

	c := NewCollector(CollectorConfig{})
	w := c.NewWorker("main")
	for i := 0; i < 2; i++ {
		w.OnStatement(0, 0) // A
		w.OnStatement(0, 1) // B
		w.OnStatement(0, 2) // C
		require.NoError(t, w.DecisionPoint())
	}
	require.NoError(t, w.DecisionPoint()) // empty subtrace appends nothing

	run, err := c.Drain()
	require.NoError(t, err)
	defer run.Close()

	require.Len(t, run.Traces, 1)
	assert.Equal(t, "main", run.Traces[0].Worker)
	assert.Equal(t, []int32{1, 1}, expand(t, run.Traces[0].Trace))
	assert.Equal(t, SubtraceID(2), run.NextID)
	assert.Equal(t, 2, run.SubtraceCount())
	events, err := run.Subtrace(1)
	require.NoError(t, err)
	assert.Equal(t, []RawEvent{stmt(0, 0), stmt(0, 1), stmt(0, 2)}, events)
}

func TestCollectorBranches(t *testing.T) {
	t.Parallel()

	c := NewCollector(CollectorConfig{})
	w := c.NewWorker("w")
	w.OnStatement(1, 0)
	w.OnJump(1, 1)
	w.OnBranch(1, FakeCounterID, BranchFalse) // dropped
	w.OnBranch(1, 2, BranchFalse)
	w.OnSwitch(1, 3)
	// left open, flushed by Drain

	run, err := c.Drain()
	require.NoError(t, err)
	defer run.Close()

	require.Len(t, run.Traces, 1)
	assert.Equal(t, []int32{1}, expand(t, run.Traces[0].Trace))
	events, err := run.Subtrace(1)
	require.NoError(t, err)
	assert.Equal(t, []RawEvent{
		{ClassID: 1, CounterID: 0, Kind: BranchNone},
		{ClassID: 1, CounterID: 1, Kind: BranchTrue},
		{ClassID: 1, CounterID: 2, Kind: BranchFalse},
		{ClassID: 1, CounterID: 3, Kind: BranchSwitch},
	}, events)
}

func TestCollectorDrainResets(t *testing.T) {
	t.Parallel()

	c := NewCollector(CollectorConfig{})
	w := c.NewWorker("w")
	idle := c.NewWorker("idle")
	w.OnStatement(2, 0)
	require.NoError(t, w.DecisionPoint())

	first, err := c.Drain()
	require.NoError(t, err)
	defer first.Close()
	require.Len(t, first.Traces, 1) // idle worker recorded nothing
	assert.Equal(t, "w", first.Traces[0].Worker)

	w.OnStatement(2, 1)
	require.NoError(t, w.DecisionPoint())
	idle.OnStatement(2, 0)
	require.NoError(t, idle.DecisionPoint())

	second, err := c.Drain()
	require.NoError(t, err)
	defer second.Close()
	require.Len(t, second.Traces, 2)
	assert.Equal(t, []int32{1}, expand(t, second.Traces[0].Trace))
	assert.Equal(t, []int32{2}, expand(t, second.Traces[1].Trace))
	events, err := second.Subtrace(2)
	require.NoError(t, err)
	assert.Equal(t, []RawEvent{stmt(2, 0)}, events)
}

func TestCollectorConcurrentWorkers(t *testing.T) {
	t.Parallel()

	c := NewCollector(CollectorConfig{
		Sequence: store.SequenceConfig{Storage: store.NewMemStorage(), ChunkSize: 8, MaxMemChunks: 1},
	})
	const workers = 6
	const loops = 200

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		w := c.NewWorker(fmt.Sprintf("worker-%d", i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < loops; n++ {
				w.OnStatement(0, 0)
				w.OnStatement(0, int32(1+n%3))
				assert.NoError(t, w.DecisionPoint())
			}
		}()
	}
	wg.Wait()

	run, err := c.Drain()
	require.NoError(t, err)
	defer run.Close()

	require.Len(t, run.Traces, workers)
	assert.Equal(t, SubtraceID(4), run.NextID)
	for _, wt := range run.Traces {
		ids := expand(t, wt.Trace)
		require.Len(t, ids, loops)
		for n, id := range ids {
			events, err := run.Subtrace(id)
			require.NoError(t, err)
			assert.Equal(t, []RawEvent{stmt(0, 0), stmt(0, int32(1+n%3))}, events)
		}
	}
}

func TestCollectorCounters(t *testing.T) {
	t.Parallel()

	c := NewCollector(CollectorConfig{CountHits: true})
	c.RegisterClass(3, 2)
	w := c.NewWorker("w")
	w.OnStatement(3, 0)
	w.OnStatement(3, 0)
	w.OnJump(3, 1)
	w.OnStatement(4, 0) // unregistered class

	assert.Equal(t, []int64{2, 1}, c.DrainCounters(3))
	assert.Equal(t, []int64{0, 0}, c.DrainCounters(3))
	assert.Nil(t, c.DrainCounters(4))
}

func TestCollectorLatchedFailure(t *testing.T) {
	t.Parallel()

	c := NewCollector(CollectorConfig{
		Sequence: store.SequenceConfig{Storage: failingStorage{store.NewMemStorage()}, ChunkSize: 1, MaxMemChunks: 1},
	})
	w := c.NewWorker("w")
	var err error
	for i := int32(0); i < 10 && err == nil; i++ {
		w.OnStatement(i, 0)
		err = w.DecisionPoint()
	}
	require.ErrorIs(t, err, ErrCollectorFailed)

	w.OnStatement(99, 0)
	require.ErrorIs(t, w.DecisionPoint(), ErrCollectorFailed)
	_, err = c.Drain()
	require.ErrorIs(t, err, ErrCollectorFailed)
}

type failingStorage struct {
	store.Storage
}

func (failingStorage) SaveState(string, []byte) error {
	return store.ErrReadOnly
}

func TestCollectorDecisionPointSkipsCollectorLock(t *testing.T) {
	t.Parallel()

	c := NewCollector(CollectorConfig{})
	w := c.NewWorker("w")

	c.mu.Lock()
	done := make(chan error, 1)
	go func() {
		w.OnStatement(1, 0)
		done <- w.DecisionPoint()
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("DecisionPoint blocked on the collector lock")
	}
	c.mu.Unlock()

	first := errors.New("first")
	require.ErrorIs(t, c.fail(first), ErrCollectorFailed)
	require.ErrorIs(t, c.fail(errors.New("second")), ErrCollectorFailed)
	assert.Equal(t, first, c.failed())
	require.ErrorIs(t, w.DecisionPoint(), first)
}
