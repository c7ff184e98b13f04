package graph

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Op is the kind of change applied to an entity.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// ConceptChange is a proposed mutation of a concept. For update and delete,
// Concept.Version carries the client's assumed version; zero skips the check.
type ConceptChange struct {
	Op      Op      `json:"op"`
	Concept Concept `json:"concept"`
}

// RelationshipChange is a proposed mutation of a relationship.
type RelationshipChange struct {
	Op           Op           `json:"op"`
	Relationship Relationship `json:"relationship"`
}

// IndividualChange is a proposed mutation of an individual.
type IndividualChange struct {
	Op         Op         `json:"op"`
	Individual Individual `json:"individual"`
}

// Store holds the state of every active ontology. Mutations for one
// ontology are strictly serialized behind that ontology's lock; ontologies
// never contend with each other.
type Store struct {
	logger *zap.Logger

	mu         sync.RWMutex
	ontologies map[string]*ontologyState
}

type ontologyState struct {
	mu            sync.RWMutex
	concepts      map[string]*Concept
	relationships map[string]*Relationship
	individuals   map[string]*Individual
	groups        map[string]*ConceptGroup
}

// NewStore creates an empty store.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		logger:     logger,
		ontologies: make(map[string]*ontologyState),
	}
}

func (s *Store) ontology(id string) *ontologyState {
	s.mu.RLock()
	ont, ok := s.ontologies[id]
	s.mu.RUnlock()
	if ok {
		return ont
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ont, ok = s.ontologies[id]; ok {
		return ont
	}
	ont = &ontologyState{
		concepts:      make(map[string]*Concept),
		relationships: make(map[string]*Relationship),
		individuals:   make(map[string]*Individual),
		groups:        make(map[string]*ConceptGroup),
	}
	s.ontologies[id] = ont
	return ont
}

// ApplyConceptChange validates and commits a concept mutation, returning the
// committed copy with server-assigned id and version.
func (s *Store) ApplyConceptChange(ontologyID string, change ConceptChange) (*Concept, error) {
	ont := s.ontology(ontologyID)
	ont.mu.Lock()
	defer ont.mu.Unlock()

	c := change.Concept
	c.OntologyID = ontologyID

	switch change.Op {
	case OpCreate:
		if c.ID == "" {
			c.ID = uuid.New().String()
		} else if _, exists := ont.concepts[c.ID]; exists {
			return nil, fmt.Errorf("concept %s: %w", c.ID, ErrConflict)
		}
		now := time.Now().UTC()
		c.Version = 1
		c.Hidden = false
		c.CreatedAt = now
		c.UpdatedAt = now
		ont.concepts[c.ID] = c.clone()
		return &c, nil

	case OpUpdate:
		cur, ok := ont.concepts[c.ID]
		if !ok {
			return nil, fmt.Errorf("concept %s: %w", c.ID, ErrNotFound)
		}
		if c.Version != 0 && c.Version != cur.Version {
			return nil, fmt.Errorf("concept %s at version %d, client assumed %d: %w",
				c.ID, cur.Version, c.Version, ErrStaleState)
		}
		cur.Name = c.Name
		cur.Category = c.Category
		cur.Color = c.Color
		cur.Definition = c.Definition
		cur.PositionX = c.PositionX
		cur.PositionY = c.PositionY
		cur.Version++
		cur.UpdatedAt = time.Now().UTC()
		return cur.clone(), nil

	case OpDelete:
		cur, ok := ont.concepts[c.ID]
		if !ok {
			return nil, fmt.Errorf("concept %s: %w", c.ID, ErrNotFound)
		}
		if c.Version != 0 && c.Version != cur.Version {
			return nil, fmt.Errorf("concept %s at version %d, client assumed %d: %w",
				c.ID, cur.Version, c.Version, ErrStaleState)
		}
		// A grouped concept cannot be deleted; the group must be dissolved
		// first or its collapse record would dangle.
		for _, g := range ont.groups {
			if g.ParentConceptID == c.ID || g.HasChild(c.ID) {
				return nil, fmt.Errorf("concept %s belongs to group %s: %w", c.ID, g.ID, ErrConflict)
			}
		}
		delete(ont.concepts, c.ID)
		// Cascade so no client ever observes a dangling edge.
		for id, r := range ont.relationships {
			if r.SourceConceptID == c.ID || r.TargetConceptID == c.ID {
				delete(ont.relationships, id)
			}
		}
		return cur.clone(), nil
	}
	return nil, fmt.Errorf("unknown concept op %q: %w", change.Op, ErrConflict)
}

// ApplyRelationshipChange validates and commits a relationship mutation.
// Both endpoints must resolve to an existing concept or individual in the
// same ontology.
func (s *Store) ApplyRelationshipChange(ontologyID string, change RelationshipChange) (*Relationship, error) {
	ont := s.ontology(ontologyID)
	ont.mu.Lock()
	defer ont.mu.Unlock()

	r := change.Relationship
	r.OntologyID = ontologyID

	switch change.Op {
	case OpCreate:
		if r.Kind == "" {
			r.Kind = RelationKindInternal
		}
		if r.Kind == RelationKindRerouted {
			// Synthetic edges are owned by the grouping engine.
			return nil, fmt.Errorf("rerouted edges cannot be created directly: %w", ErrConflict)
		}
		if !ont.nodeExists(r.SourceConceptID) {
			return nil, fmt.Errorf("source %s: %w", r.SourceConceptID, ErrInvalidReference)
		}
		if !ont.nodeExists(r.TargetConceptID) {
			return nil, fmt.Errorf("target %s: %w", r.TargetConceptID, ErrInvalidReference)
		}
		if r.ID == "" {
			r.ID = uuid.New().String()
		} else if _, exists := ont.relationships[r.ID]; exists {
			return nil, fmt.Errorf("relationship %s: %w", r.ID, ErrConflict)
		}
		r.Version = 1
		r.Hidden = false
		ont.relationships[r.ID] = r.clone()
		return &r, nil

	case OpUpdate:
		cur, ok := ont.relationships[r.ID]
		if !ok {
			return nil, fmt.Errorf("relationship %s: %w", r.ID, ErrNotFound)
		}
		if r.Version != 0 && r.Version != cur.Version {
			return nil, fmt.Errorf("relationship %s at version %d, client assumed %d: %w",
				r.ID, cur.Version, r.Version, ErrStaleState)
		}
		cur.RelationType = r.RelationType
		cur.Version++
		return cur.clone(), nil

	case OpDelete:
		cur, ok := ont.relationships[r.ID]
		if !ok {
			return nil, fmt.Errorf("relationship %s: %w", r.ID, ErrNotFound)
		}
		if r.Version != 0 && r.Version != cur.Version {
			return nil, fmt.Errorf("relationship %s at version %d, client assumed %d: %w",
				r.ID, cur.Version, r.Version, ErrStaleState)
		}
		delete(ont.relationships, r.ID)
		return cur.clone(), nil
	}
	return nil, fmt.Errorf("unknown relationship op %q: %w", change.Op, ErrConflict)
}

// ApplyIndividualChange validates and commits an individual mutation.
func (s *Store) ApplyIndividualChange(ontologyID string, change IndividualChange) (*Individual, error) {
	ont := s.ontology(ontologyID)
	ont.mu.Lock()
	defer ont.mu.Unlock()

	ind := change.Individual
	ind.OntologyID = ontologyID

	switch change.Op {
	case OpCreate:
		if _, ok := ont.concepts[ind.ConceptTypeID]; !ok {
			return nil, fmt.Errorf("concept type %s: %w", ind.ConceptTypeID, ErrInvalidReference)
		}
		if ind.ID == "" {
			ind.ID = uuid.New().String()
		} else if _, exists := ont.individuals[ind.ID]; exists {
			return nil, fmt.Errorf("individual %s: %w", ind.ID, ErrConflict)
		}
		ind.Version = 1
		ind.Hidden = false
		ont.individuals[ind.ID] = ind.clone()
		return &ind, nil

	case OpUpdate:
		cur, ok := ont.individuals[ind.ID]
		if !ok {
			return nil, fmt.Errorf("individual %s: %w", ind.ID, ErrNotFound)
		}
		if ind.Version != 0 && ind.Version != cur.Version {
			return nil, fmt.Errorf("individual %s at version %d, client assumed %d: %w",
				ind.ID, cur.Version, ind.Version, ErrStaleState)
		}
		cur.Name = ind.Name
		cur.PositionX = ind.PositionX
		cur.PositionY = ind.PositionY
		cur.Version++
		return cur.clone(), nil

	case OpDelete:
		cur, ok := ont.individuals[ind.ID]
		if !ok {
			return nil, fmt.Errorf("individual %s: %w", ind.ID, ErrNotFound)
		}
		if ind.Version != 0 && ind.Version != cur.Version {
			return nil, fmt.Errorf("individual %s at version %d, client assumed %d: %w",
				ind.ID, cur.Version, ind.Version, ErrStaleState)
		}
		delete(ont.individuals, ind.ID)
		for id, r := range ont.relationships {
			if r.SourceConceptID == ind.ID || r.TargetConceptID == ind.ID {
				delete(ont.relationships, id)
			}
		}
		return cur.clone(), nil
	}
	return nil, fmt.Errorf("unknown individual op %q: %w", change.Op, ErrConflict)
}

func (o *ontologyState) nodeExists(id string) bool {
	if _, ok := o.concepts[id]; ok {
		return true
	}
	_, ok := o.individuals[id]
	return ok
}

// Snapshot returns a deep copy of the ontology's full state, entities sorted
// by id for deterministic output.
func (s *Store) Snapshot(ontologyID string) *Snapshot {
	ont := s.ontology(ontologyID)
	ont.mu.RLock()
	defer ont.mu.RUnlock()

	snap := &Snapshot{OntologyID: ontologyID}
	for _, c := range ont.concepts {
		snap.Concepts = append(snap.Concepts, c.clone())
	}
	for _, r := range ont.relationships {
		snap.Relationships = append(snap.Relationships, r.clone())
	}
	for _, i := range ont.individuals {
		snap.Individuals = append(snap.Individuals, i.clone())
	}
	for _, g := range ont.groups {
		snap.Groups = append(snap.Groups, g.clone())
	}
	sort.Slice(snap.Concepts, func(i, j int) bool { return snap.Concepts[i].ID < snap.Concepts[j].ID })
	sort.Slice(snap.Relationships, func(i, j int) bool { return snap.Relationships[i].ID < snap.Relationships[j].ID })
	sort.Slice(snap.Individuals, func(i, j int) bool { return snap.Individuals[i].ID < snap.Individuals[j].ID })
	sort.Slice(snap.Groups, func(i, j int) bool { return snap.Groups[i].ID < snap.Groups[j].ID })
	return snap
}

// LoadSnapshot seeds an ontology from persisted state, replacing whatever is
// in memory for that ontology.
func (s *Store) LoadSnapshot(snap *Snapshot) {
	ont := s.ontology(snap.OntologyID)
	ont.mu.Lock()
	defer ont.mu.Unlock()

	ont.concepts = make(map[string]*Concept, len(snap.Concepts))
	for _, c := range snap.Concepts {
		ont.concepts[c.ID] = c.clone()
	}
	ont.relationships = make(map[string]*Relationship, len(snap.Relationships))
	for _, r := range snap.Relationships {
		ont.relationships[r.ID] = r.clone()
	}
	ont.individuals = make(map[string]*Individual, len(snap.Individuals))
	for _, i := range snap.Individuals {
		ont.individuals[i.ID] = i.clone()
	}
	ont.groups = make(map[string]*ConceptGroup, len(snap.Groups))
	for _, g := range snap.Groups {
		ont.groups[g.ID] = g.clone()
	}
	s.logger.Info("ontology loaded from snapshot",
		zap.String("ontology_id", snap.OntologyID),
		zap.Int("concepts", len(snap.Concepts)),
		zap.Int("relationships", len(snap.Relationships)),
		zap.Int("groups", len(snap.Groups)))
}

// Mutate runs fn inside the ontology's serialization unit. The transaction
// view passed to fn is only valid for the duration of the call. Used by the
// grouping engine so a collapse or expand commits atomically.
//
// Tx writes apply directly to the ontology state, nothing is staged: an
// error returned by fn after its first write leaves the earlier writes in
// place. Callers must front-load every check that can fail so the write
// phase is infallible.
func (s *Store) Mutate(ontologyID string, fn func(tx *Tx) error) error {
	ont := s.ontology(ontologyID)
	ont.mu.Lock()
	defer ont.mu.Unlock()
	return fn(&Tx{ontologyID: ontologyID, ont: ont})
}

// View runs fn with read-only access under the ontology's read lock.
func (s *Store) View(ontologyID string, fn func(tx *Tx) error) error {
	ont := s.ontology(ontologyID)
	ont.mu.RLock()
	defer ont.mu.RUnlock()
	return fn(&Tx{ontologyID: ontologyID, ont: ont, readOnly: true})
}
