package hub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/ontocollab/internal/graph"
	"github.com/ontocollab/internal/grouping"
	"github.com/ontocollab/internal/permission"
	"github.com/ontocollab/internal/persist"
	"github.com/ontocollab/internal/search"
	"github.com/ontocollab/internal/session"
)

// Config tunes hub buffering.
type Config struct {
	// SendBuffer is the per-connection event buffer. A subscriber that
	// falls further behind than this drops events and is told to resync.
	SendBuffer int
	// RecentEvents is how many committed events are retained per ontology
	// for catch-up reads.
	RecentEvents int
	// MaxTrackedOntologies bounds the recent-event LRU.
	MaxTrackedOntologies int
	Session              session.Config
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SendBuffer:           64,
		RecentEvents:         128,
		MaxTrackedOntologies: 256,
		Session:              session.DefaultConfig(),
	}
}

// Hub owns the per-ontology broadcast rooms and the session registry.
type Hub struct {
	cfg      Config
	store    *graph.Store
	engine   *grouping.Engine
	gate     *permission.Gate
	sessions *session.Registry
	writer   *persist.WriteBehind // optional
	relay    *Relay               // optional
	index    *search.Index        // optional
	loader   persist.Persister    // optional
	logger   *zap.Logger

	mu     sync.RWMutex
	rooms  map[string]*room
	recent *lru.Cache[string, *eventRing]

	loadedMu sync.Mutex
	loaded   map[string]bool
}

type room struct {
	// mu serializes commit+fanout so all subscribers observe commit order.
	mu   sync.Mutex
	seq  uint64
	subs map[string]*subscriber
}

type subscriber struct {
	connectionID string
	userID       string
	ch           chan Event
	closed       atomic.Bool
	needsResync  atomic.Bool
}

// Subscription is a client's handle on an ontology's event stream.
type Subscription struct {
	sub *subscriber
}

// C is the event channel. It is closed when the connection leaves or is
// evicted.
func (s *Subscription) C() <-chan Event { return s.sub.ch }

// ConnectionID returns the server-assigned connection id.
func (s *Subscription) ConnectionID() string { return s.sub.connectionID }

// Option wires optional collaborators into the hub.
type Option func(*Hub)

// WithWriteBehind attaches a durable write-behind queue; committed entities
// are enqueued after broadcast.
func WithWriteBehind(w *persist.WriteBehind) Option { return func(h *Hub) { h.writer = w } }

// WithRelay attaches a NATS relay for cross-instance fan-out.
func WithRelay(r *Relay) Option { return func(h *Hub) { h.relay = r } }

// WithSearchIndex keeps a concept search index in sync with commits.
func WithSearchIndex(i *search.Index) Option { return func(h *Hub) { h.index = i } }

// WithLoader hydrates an ontology from persisted state the first time a
// connection touches it after a restart.
func WithLoader(p persist.Persister) Option { return func(h *Hub) { h.loader = p } }

// New creates a hub. Call Run to start the presence eviction sweep.
func New(cfg Config, store *graph.Store, engine *grouping.Engine, gate *permission.Gate, logger *zap.Logger, opts ...Option) (*Hub, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultConfig().SendBuffer
	}
	if cfg.RecentEvents <= 0 {
		cfg.RecentEvents = DefaultConfig().RecentEvents
	}
	if cfg.MaxTrackedOntologies <= 0 {
		cfg.MaxTrackedOntologies = DefaultConfig().MaxTrackedOntologies
	}
	recent, err := lru.New[string, *eventRing](cfg.MaxTrackedOntologies)
	if err != nil {
		return nil, fmt.Errorf("recent-event cache: %w", err)
	}
	h := &Hub{
		cfg:    cfg,
		store:  store,
		engine: engine,
		gate:   gate,
		logger: logger,
		rooms:  make(map[string]*room),
		recent: recent,
		loaded: make(map[string]bool),
	}
	h.sessions = session.NewRegistry(cfg.Session, logger, h.onEvicted)
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Run starts background work (presence eviction) until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.sessions.Start(ctx)
}

// Sessions exposes the registry for transport-level bookkeeping.
func (h *Hub) Sessions() *session.Registry { return h.sessions }

// ensureLoaded hydrates the in-memory store from the persister once per
// ontology. Races are resolved under loadedMu; a failed load is retried on
// the next touch.
func (h *Hub) ensureLoaded(ctx context.Context, ontologyID string) error {
	if h.loader == nil {
		return nil
	}
	h.loadedMu.Lock()
	defer h.loadedMu.Unlock()
	if h.loaded[ontologyID] {
		return nil
	}
	snap, err := h.loader.LoadOntology(ctx, ontologyID)
	if err != nil {
		return fmt.Errorf("load ontology %s: %w", ontologyID, err)
	}
	if snap != nil && (len(snap.Concepts) > 0 || len(snap.Relationships) > 0 || len(snap.Individuals) > 0 || len(snap.Groups) > 0) {
		h.store.LoadSnapshot(snap)
	}
	h.loaded[ontologyID] = true
	return nil
}

func (h *Hub) room(ontologyID string) *room {
	h.mu.RLock()
	rm, ok := h.rooms[ontologyID]
	h.mu.RUnlock()
	if ok {
		return rm
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if rm, ok = h.rooms[ontologyID]; ok {
		return rm
	}
	rm = &room{subs: make(map[string]*subscriber)}
	h.rooms[ontologyID] = rm
	return rm
}

// Join subscribes a connection to an ontology's broadcast group. Requires
// View permission. Returns the subscription, the server-assigned connection
// id and the current presence list; everyone else gets UserJoined.
func (h *Hub) Join(ctx context.Context, ontologyID, userID, connectionID string) (*Subscription, []session.Session, error) {
	if d := h.gate.Authorize(ctx, userID, ontologyID, permission.ActionView); !d.Allowed {
		return nil, nil, fmt.Errorf("join %s: %s: %w", ontologyID, d.DeniedReason, permission.ErrDenied)
	}
	if err := h.ensureLoaded(ctx, ontologyID); err != nil {
		return nil, nil, err
	}

	sub := &subscriber{
		connectionID: connectionID,
		userID:       userID,
		ch:           make(chan Event, h.cfg.SendBuffer),
	}

	rm := h.room(ontologyID)
	rm.mu.Lock()
	rm.subs[connectionID] = sub
	joined := h.sessions.Add(connectionID, userID, ontologyID)
	presence := h.sessions.List(ontologyID)
	rm.seq++
	ev := Event{
		Type:       EventUserJoined,
		OntologyID: ontologyID,
		Seq:        rm.seq,
		User:       &joined,
	}
	h.fanout(rm, ontologyID, ev, connectionID)
	rm.mu.Unlock()

	h.logger.Info("connection joined ontology",
		zap.String("ontology_id", ontologyID),
		zap.String("user_id", userID),
		zap.String("connection_id", connectionID),
		zap.Int("present", len(presence)))
	return &Subscription{sub: sub}, presence, nil
}

// Leave unsubscribes a connection and tells the remaining members.
func (h *Hub) Leave(connectionID string) {
	sess, ok := h.sessions.Remove(connectionID)
	if !ok {
		return
	}
	h.dropSubscriber(sess, "leave")
}

// onEvicted runs from the registry sweep when a connection went silent
// past the eviction window. Same UserLeft as an explicit leave.
func (h *Hub) onEvicted(sess session.Session) {
	h.dropSubscriber(sess, "heartbeat timeout")
}

func (h *Hub) dropSubscriber(sess session.Session, reason string) {
	rm := h.room(sess.OntologyID)
	rm.mu.Lock()
	sub, ok := rm.subs[sess.ConnectionID]
	if ok {
		delete(rm.subs, sess.ConnectionID)
	}
	var ev Event
	if ok {
		rm.seq++
		ev = Event{
			Type:       EventUserLeft,
			OntologyID: sess.OntologyID,
			Seq:        rm.seq,
			User:       &sess,
		}
		h.fanout(rm, sess.OntologyID, ev, sess.ConnectionID)
	}
	rm.mu.Unlock()

	if ok {
		if sub.closed.CompareAndSwap(false, true) {
			close(sub.ch)
		}
		h.logger.Info("connection left ontology",
			zap.String("ontology_id", sess.OntologyID),
			zap.String("connection_id", sess.ConnectionID),
			zap.String("reason", reason))
	}
}

// Heartbeat refreshes the connection's liveness, independent of mutations.
func (h *Hub) Heartbeat(connectionID string) bool {
	return h.sessions.Touch(connectionID)
}

// UpdateCurrentView records and broadcasts which view the connection is on.
func (h *Hub) UpdateCurrentView(connectionID, view string) error {
	sess, ok := h.sessions.SetView(connectionID, view)
	if !ok {
		return fmt.Errorf("connection %s: %w", connectionID, graph.ErrNotFound)
	}
	rm := h.room(sess.OntologyID)
	rm.mu.Lock()
	rm.seq++
	ev := Event{
		Type:       EventUserViewChanged,
		OntologyID: sess.OntologyID,
		Seq:        rm.seq,
		User:       &sess,
		View:       view,
	}
	h.fanout(rm, sess.OntologyID, ev, sess.ConnectionID)
	rm.mu.Unlock()
	return nil
}

// Presence returns the current presence list for an ontology.
func (h *Hub) Presence(ontologyID string) []session.Session {
	return h.sessions.List(ontologyID)
}

func actionForOp(op graph.Op) permission.Action {
	switch op {
	case graph.OpCreate:
		return permission.ActionAdd
	case graph.OpUpdate:
		return permission.ActionEdit
	case graph.OpDelete:
		// Deletion needs the full-access class; the gate maps roles.
		return permission.ActionManage
	}
	return permission.ActionManage
}

// ProposeConceptChange authorizes, commits and broadcasts a concept
// mutation. The committed form is returned to the proposer and broadcast to
// every other subscriber.
func (h *Hub) ProposeConceptChange(ctx context.Context, ontologyID, userID, connectionID string, change graph.ConceptChange) (*graph.Concept, error) {
	if d := h.gate.Authorize(ctx, userID, ontologyID, actionForOp(change.Op)); !d.Allowed {
		return nil, fmt.Errorf("%s: %w", d.DeniedReason, permission.ErrDenied)
	}
	h.sessions.Touch(connectionID)

	rm := h.room(ontologyID)
	rm.mu.Lock()
	committed, err := h.store.ApplyConceptChange(ontologyID, change)
	if err != nil {
		rm.mu.Unlock()
		return nil, err
	}
	rm.seq++
	ev := Event{
		Type:               EventConceptChanged,
		OntologyID:         ontologyID,
		Seq:                rm.seq,
		OriginConnectionID: connectionID,
		Op:                 change.Op,
		Concept:            committed,
	}
	h.fanout(rm, ontologyID, ev, connectionID)
	h.afterCommit(ev)
	rm.mu.Unlock()
	return committed, nil
}

// ProposeRelationshipChange authorizes, commits and broadcasts a
// relationship mutation.
func (h *Hub) ProposeRelationshipChange(ctx context.Context, ontologyID, userID, connectionID string, change graph.RelationshipChange) (*graph.Relationship, error) {
	if d := h.gate.Authorize(ctx, userID, ontologyID, actionForOp(change.Op)); !d.Allowed {
		return nil, fmt.Errorf("%s: %w", d.DeniedReason, permission.ErrDenied)
	}
	h.sessions.Touch(connectionID)

	rm := h.room(ontologyID)
	rm.mu.Lock()
	committed, err := h.store.ApplyRelationshipChange(ontologyID, change)
	if err != nil {
		rm.mu.Unlock()
		return nil, err
	}
	rm.seq++
	ev := Event{
		Type:               EventRelationshipChanged,
		OntologyID:         ontologyID,
		Seq:                rm.seq,
		OriginConnectionID: connectionID,
		Op:                 change.Op,
		Relationship:       committed,
	}
	h.fanout(rm, ontologyID, ev, connectionID)
	h.afterCommit(ev)
	rm.mu.Unlock()
	return committed, nil
}

// ProposeIndividualChange authorizes, commits and broadcasts an individual
// mutation.
func (h *Hub) ProposeIndividualChange(ctx context.Context, ontologyID, userID, connectionID string, change graph.IndividualChange) (*graph.Individual, error) {
	if d := h.gate.Authorize(ctx, userID, ontologyID, actionForOp(change.Op)); !d.Allowed {
		return nil, fmt.Errorf("%s: %w", d.DeniedReason, permission.ErrDenied)
	}
	h.sessions.Touch(connectionID)

	rm := h.room(ontologyID)
	rm.mu.Lock()
	committed, err := h.store.ApplyIndividualChange(ontologyID, change)
	if err != nil {
		rm.mu.Unlock()
		return nil, err
	}
	rm.seq++
	ev := Event{
		Type:               EventIndividualChanged,
		OntologyID:         ontologyID,
		Seq:                rm.seq,
		OriginConnectionID: connectionID,
		Op:                 change.Op,
		Individual:         committed,
	}
	h.fanout(rm, ontologyID, ev, connectionID)
	h.afterCommit(ev)
	rm.mu.Unlock()
	return committed, nil
}

// ProposeGroupChange authorizes and routes a group mutation through the
// grouping engine, then broadcasts the committed outcome.
func (h *Hub) ProposeGroupChange(ctx context.Context, ontologyID, userID, connectionID string, change GroupChange) (*Event, error) {
	if d := h.gate.Authorize(ctx, userID, ontologyID, permission.ActionEdit); !d.Allowed {
		return nil, fmt.Errorf("%s: %w", d.DeniedReason, permission.ErrDenied)
	}
	h.sessions.Touch(connectionID)

	rm := h.room(ontologyID)
	rm.mu.Lock()
	ev := Event{
		Type:               EventGroupChanged,
		OntologyID:         ontologyID,
		OriginConnectionID: connectionID,
		GroupOp:            change.Op,
	}
	var err error
	switch change.Op {
	case GroupOpCreate:
		ev.Collapse, err = h.engine.CreateGroup(ontologyID, change.ParentConceptID, change.ChildConceptIDs)
	case GroupOpCollapse:
		ev.Collapse, err = h.engine.CollapseGroup(ontologyID, change.GroupID)
	case GroupOpExpand:
		ev.Expand, err = h.engine.ExpandGroup(ontologyID, change.GroupID)
	case GroupOpDelete:
		ev.Expand, err = h.engine.DeleteGroup(ontologyID, change.GroupID)
	default:
		err = fmt.Errorf("unknown group op %q: %w", change.Op, graph.ErrConflict)
	}
	if err != nil {
		rm.mu.Unlock()
		return nil, err
	}
	rm.seq++
	ev.Seq = rm.seq
	h.fanout(rm, ontologyID, ev, connectionID)
	h.afterCommit(ev)
	rm.mu.Unlock()
	return &ev, nil
}

// CanCreateGroup is the speculative, read-only grouping check.
func (h *Hub) CanCreateGroup(ctx context.Context, ontologyID, userID, parentID string, childIDs []string) (bool, error) {
	if d := h.gate.Authorize(ctx, userID, ontologyID, permission.ActionView); !d.Allowed {
		return false, fmt.Errorf("%s: %w", d.DeniedReason, permission.ErrDenied)
	}
	return h.engine.CanCreateGroup(ontologyID, parentID, childIDs), nil
}

// Snapshot returns the full committed state for resynchronizing clients.
func (h *Hub) Snapshot(ctx context.Context, ontologyID, userID string) (*graph.Snapshot, error) {
	if d := h.gate.Authorize(ctx, userID, ontologyID, permission.ActionView); !d.Allowed {
		return nil, fmt.Errorf("%s: %w", d.DeniedReason, permission.ErrDenied)
	}
	if err := h.ensureLoaded(ctx, ontologyID); err != nil {
		return nil, err
	}
	return h.store.Snapshot(ontologyID), nil
}

// fanout delivers ev to every subscriber except the originator. Called with
// the room lock held; sends never block, a full buffer drops the event and
// flags the connection for resync.
func (h *Hub) fanout(rm *room, ontologyID string, ev Event, excludeConnID string) {
	h.remember(ontologyID, ev)
	for id, sub := range rm.subs {
		if id == excludeConnID {
			continue
		}
		if !sub.deliver(ev) {
			h.logger.Warn("subscriber buffer full, event dropped",
				zap.String("ontology_id", ontologyID),
				zap.String("connection_id", id),
				zap.Uint64("seq", ev.Seq))
		}
	}
}

// deliver attempts a non-blocking send. The first event delivered after a
// drop carries Resync so the client refetches a snapshot.
func (s *subscriber) deliver(ev Event) bool {
	if s.closed.Load() {
		return false
	}
	if s.needsResync.Load() {
		ev.Resync = true
	}
	select {
	case s.ch <- ev:
		if ev.Resync {
			s.needsResync.Store(false)
		}
		return true
	default:
		s.needsResync.Store(true)
		return false
	}
}

// afterCommit runs the non-critical followers of a commit: durable
// write-behind, cross-instance relay, search index maintenance. Called with
// the room lock still held so the followers observe commits in commit
// order; the backends are last-write-wins per entity, so an inverted pair
// of enqueues would leave a stale version on disk. Every follower enqueue
// is non-blocking.
func (h *Hub) afterCommit(ev Event) {
	if h.writer != nil {
		h.writer.Enqueue(persist.Mutation{
			OntologyID:   ev.OntologyID,
			Seq:          ev.Seq,
			Op:           string(ev.Op),
			Concept:      ev.Concept,
			Relationship: ev.Relationship,
			Individual:   ev.Individual,
			Snapshot:     h.snapshotForGroupOp(ev),
		})
	}
	if h.relay != nil {
		h.relay.Publish(ev)
	}
	if h.index != nil && ev.Concept != nil {
		if ev.Op == graph.OpDelete {
			h.index.RemoveConcept(ev.OntologyID, ev.Concept.ID)
		} else {
			h.index.IndexConcept(ev.Concept)
		}
	}
}

// snapshotForGroupOp captures the post-commit snapshot for events whose
// effects span many entities: group operations (hidden flags, synthetic
// edges, group records) and node deletions (relationship cascades).
func (h *Hub) snapshotForGroupOp(ev Event) *graph.Snapshot {
	multi := ev.Type == EventGroupChanged ||
		(ev.Op == graph.OpDelete && (ev.Concept != nil || ev.Individual != nil))
	if !multi {
		return nil
	}
	return h.store.Snapshot(ev.OntologyID)
}
