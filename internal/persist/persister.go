// Package persist stores ontology state durably so a collapsed group can
// still be expanded correctly after a process restart. The graph store
// remains authoritative at runtime; persistence is write-behind and never
// sits inside an ontology's serialization unit.
package persist

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ontocollab/internal/graph"
)

// Mutation is one committed change handed to the persister. For concept,
// relationship and individual upserts the matching field is set. Snapshot is
// set instead for changes whose effects span many entities (group collapse/
// expand, cascading deletes); it replaces the ontology's stored state.
type Mutation struct {
	OntologyID string
	// Seq is the commit sequence assigned by the hub; enqueue order
	// matches commit order, so the worker sees Seq strictly increasing
	// per ontology.
	Seq          uint64
	Op           string
	Concept      *graph.Concept
	Relationship *graph.Relationship
	Individual   *graph.Individual
	Snapshot     *graph.Snapshot
}

// Persister is the durable backend.
type Persister interface {
	Apply(ctx context.Context, m Mutation) error
	LoadOntology(ctx context.Context, ontologyID string) (*graph.Snapshot, error)
	Close() error
}

// WriteBehind decouples the commit path from the backend: Enqueue never
// blocks, a worker applies mutations in order, failures are logged and
// dropped (the in-memory store stays authoritative; the next snapshot-class
// mutation repairs the stored state).
type WriteBehind struct {
	backend Persister
	logger  *zap.Logger
	queue   chan Mutation
	timeout time.Duration

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

// NewWriteBehind wraps a backend with an asynchronous queue.
func NewWriteBehind(backend Persister, queueSize int, timeout time.Duration, logger *zap.Logger) *WriteBehind {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	w := &WriteBehind{
		backend: backend,
		logger:  logger,
		queue:   make(chan Mutation, queueSize),
		timeout: timeout,
		done:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Enqueue hands a mutation to the worker. Never blocks; with a full queue
// the mutation is dropped and logged.
func (w *WriteBehind) Enqueue(m Mutation) {
	select {
	case w.queue <- m:
	default:
		w.logger.Warn("persist queue full, mutation dropped",
			zap.String("ontology_id", m.OntologyID),
			zap.String("op", m.Op))
	}
}

func (w *WriteBehind) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			// Drain what is already queued before stopping.
			for {
				select {
				case m := <-w.queue:
					w.apply(m)
				default:
					return
				}
			}
		case m := <-w.queue:
			w.apply(m)
		}
	}
}

func (w *WriteBehind) apply(m Mutation) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := w.backend.Apply(ctx, m); err != nil {
		w.logger.Error("persist apply failed",
			zap.String("ontology_id", m.OntologyID),
			zap.String("op", m.Op),
			zap.Error(err))
	}
}

// Close stops the worker after draining and closes the backend.
func (w *WriteBehind) Close() error {
	w.once.Do(func() { close(w.done) })
	w.wg.Wait()
	return w.backend.Close()
}

// Memory is an in-process persister for tests and standalone runs.
type Memory struct {
	mu        sync.RWMutex
	snapshots map[string]*graph.Snapshot
}

// NewMemory creates an empty in-memory persister.
func NewMemory() *Memory {
	return &Memory{snapshots: make(map[string]*graph.Snapshot)}
}

// Apply folds the mutation into the stored snapshot.
func (m *Memory) Apply(_ context.Context, mut Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mut.Snapshot != nil {
		m.snapshots[mut.OntologyID] = mut.Snapshot
		return nil
	}
	snap := m.snapshots[mut.OntologyID]
	if snap == nil {
		snap = &graph.Snapshot{OntologyID: mut.OntologyID}
		m.snapshots[mut.OntologyID] = snap
	}
	deleting := mut.Op == string(graph.OpDelete)
	switch {
	case mut.Concept != nil:
		snap.Concepts = upsertByID(snap.Concepts, mut.Concept, func(c *graph.Concept) string { return c.ID }, deleting)
	case mut.Relationship != nil:
		snap.Relationships = upsertByID(snap.Relationships, mut.Relationship, func(r *graph.Relationship) string { return r.ID }, deleting)
	case mut.Individual != nil:
		snap.Individuals = upsertByID(snap.Individuals, mut.Individual, func(i *graph.Individual) string { return i.ID }, deleting)
	}
	return nil
}

func upsertByID[T any](list []*T, item *T, id func(*T) string, deleting bool) []*T {
	for i, cur := range list {
		if id(cur) == id(item) {
			if deleting {
				return append(list[:i], list[i+1:]...)
			}
			list[i] = item
			return list
		}
	}
	if deleting {
		return list
	}
	return append(list, item)
}

// LoadOntology returns the stored snapshot, or an empty one.
func (m *Memory) LoadOntology(_ context.Context, ontologyID string) (*graph.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if snap, ok := m.snapshots[ontologyID]; ok {
		return snap, nil
	}
	return &graph.Snapshot{OntologyID: ontologyID}, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
