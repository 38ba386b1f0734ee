package trace

import (
	"fmt"
	"slices"
	"sync"

	"github.com/PatchLens/go-spectra-lens/spectra/store"
)

// SubtraceMap holds the full event list of every interned subtrace, keyed by id.
type SubtraceMap = store.BufferedMap[[]RawEvent]

// SubtraceTable assigns stable ids to distinct subtraces. Ids start at 1 and are dense.
// It is safe for concurrent use.
type SubtraceTable struct {
	cfg store.SequenceConfig

	mu        sync.Mutex
	counter   SubtraceID
	ids       map[subtraceKey]SubtraceID
	subtraces *SubtraceMap
}

// NewSubtraceTable creates an empty table. Full subtrace lists spill according to cfg.
func NewSubtraceTable(cfg store.SequenceConfig) *SubtraceTable {
	return &SubtraceTable{
		cfg:       cfg,
		ids:       make(map[subtraceKey]SubtraceID),
		subtraces: store.NewBufferedMap[[]RawEvent](cfg),
	}
}

// InternOrEmpty returns the id of events, assigning the next id when the subtrace was not seen before.
// An empty subtrace maps to 0 without synchronization.
func (t *SubtraceTable) InternOrEmpty(events []RawEvent) (SubtraceID, error) {
	if len(events) == 0 {
		return 0, nil
	}
	key := keyOf(events)

	t.mu.Lock()
	if id, ok := t.ids[key]; ok {
		t.mu.Unlock()
		return id, nil
	}
	t.counter++
	id := t.counter
	if err := t.subtraces.Put(id, slices.Clone(events)); err != nil {
		t.counter--
		t.mu.Unlock()
		return 0, fmt.Errorf("store subtrace %d: %w", id, err)
	}
	t.ids[key] = id
	subtraces := t.subtraces
	t.mu.Unlock()

	if err := subtraces.SpillExcess(); err != nil {
		return id, fmt.Errorf("spill subtraces: %w", err)
	}
	return id, nil
}

// Get returns the events of an interned subtrace. Id 0 yields an empty list.
func (t *SubtraceTable) Get(id SubtraceID) ([]RawEvent, error) {
	if id == 0 {
		return nil, nil
	}
	t.mu.Lock()
	subtraces := t.subtraces
	t.mu.Unlock()

	events, ok, err := subtraces.Get(id)
	if err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("unknown subtrace id: %d", id)
	}
	return events, nil
}

// Len returns the number of interned subtraces.
func (t *SubtraceTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(t.counter)
}

// DrainAll hands over every interned subtrace and resets the table. The returned id is the next id
// that would have been assigned.
func (t *SubtraceTable) DrainAll() (SubtraceID, *SubtraceMap) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := t.counter + 1
	drained := t.subtraces
	t.counter = 0
	t.ids = make(map[subtraceKey]SubtraceID)
	t.subtraces = store.NewBufferedMap[[]RawEvent](t.cfg)
	return next, drained
}
