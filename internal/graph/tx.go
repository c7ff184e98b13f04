package graph

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Tx is a transactional view of one ontology, handed out by Store.Mutate and
// Store.View. Reads return copies; writes land directly in the store and are
// atomic with respect to other mutations because the ontology lock is held
// for the whole transaction.
type Tx struct {
	ontologyID string
	ont        *ontologyState
	readOnly   bool
}

// OntologyID returns the ontology this transaction is bound to.
func (tx *Tx) OntologyID() string { return tx.ontologyID }

// Concept returns a copy of the concept with the given id.
func (tx *Tx) Concept(id string) (Concept, bool) {
	c, ok := tx.ont.concepts[id]
	if !ok {
		return Concept{}, false
	}
	return *c, true
}

// ConceptExists reports whether a concept with the given id exists.
func (tx *Tx) ConceptExists(id string) bool {
	_, ok := tx.ont.concepts[id]
	return ok
}

// Relationship returns a copy of the relationship with the given id.
func (tx *Tx) Relationship(id string) (Relationship, bool) {
	r, ok := tx.ont.relationships[id]
	if !ok {
		return Relationship{}, false
	}
	return *r, true
}

// Group returns a copy of the group with the given id.
func (tx *Tx) Group(id string) (ConceptGroup, bool) {
	g, ok := tx.ont.groups[id]
	if !ok {
		return ConceptGroup{}, false
	}
	return *g.clone(), true
}

// Groups returns copies of all groups, sorted by id.
func (tx *Tx) Groups() []ConceptGroup {
	out := make([]ConceptGroup, 0, len(tx.ont.groups))
	for _, g := range tx.ont.groups {
		out = append(out, *g.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// VisibleRelationshipsTouching returns copies of every non-hidden
// relationship with at least one endpoint in ids, in id order so collapse
// records are captured deterministically.
func (tx *Tx) VisibleRelationshipsTouching(ids map[string]struct{}) []Relationship {
	var out []Relationship
	for _, r := range tx.ont.relationships {
		if r.Hidden {
			continue
		}
		_, src := ids[r.SourceConceptID]
		_, dst := ids[r.TargetConceptID]
		if src || dst {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NodePos is a visible node's position, used for expand layout.
type NodePos struct {
	ID string
	X  float64
	Y  float64
}

// VisibleNodePositions returns the positions of all currently-visible
// concepts and individuals, sorted by id.
func (tx *Tx) VisibleNodePositions() []NodePos {
	var out []NodePos
	for _, c := range tx.ont.concepts {
		if !c.Hidden {
			out = append(out, NodePos{ID: c.ID, X: c.PositionX, Y: c.PositionY})
		}
	}
	for _, i := range tx.ont.individuals {
		if !i.Hidden {
			out = append(out, NodePos{ID: i.ID, X: i.PositionX, Y: i.PositionY})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetConceptHidden toggles a concept's visibility.
func (tx *Tx) SetConceptHidden(id string, hidden bool) error {
	if err := tx.writable(); err != nil {
		return err
	}
	c, ok := tx.ont.concepts[id]
	if !ok {
		return fmt.Errorf("concept %s: %w", id, ErrNotFound)
	}
	c.Hidden = hidden
	return nil
}

// SetConceptPosition moves a concept.
func (tx *Tx) SetConceptPosition(id string, x, y float64) error {
	if err := tx.writable(); err != nil {
		return err
	}
	c, ok := tx.ont.concepts[id]
	if !ok {
		return fmt.Errorf("concept %s: %w", id, ErrNotFound)
	}
	c.PositionX = x
	c.PositionY = y
	return nil
}

// SetRelationshipHidden toggles a relationship's visibility.
func (tx *Tx) SetRelationshipHidden(id string, hidden bool) error {
	if err := tx.writable(); err != nil {
		return err
	}
	r, ok := tx.ont.relationships[id]
	if !ok {
		return fmt.Errorf("relationship %s: %w", id, ErrNotFound)
	}
	r.Hidden = hidden
	return nil
}

// AddRelationship inserts a relationship, assigning an id when empty.
// Endpoint existence is the caller's contract here: the grouping engine
// synthesizes rerouted edges from endpoints it has already resolved.
func (tx *Tx) AddRelationship(r Relationship) (Relationship, error) {
	if err := tx.writable(); err != nil {
		return Relationship{}, err
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	} else if _, exists := tx.ont.relationships[r.ID]; exists {
		return Relationship{}, fmt.Errorf("relationship %s: %w", r.ID, ErrConflict)
	}
	r.OntologyID = tx.ontologyID
	if r.Version == 0 {
		r.Version = 1
	}
	tx.ont.relationships[r.ID] = r.clone()
	return r, nil
}

// RemoveRelationship deletes a relationship if present.
func (tx *Tx) RemoveRelationship(id string) {
	if tx.readOnly {
		return
	}
	delete(tx.ont.relationships, id)
}

// PutGroup inserts or replaces a group, assigning an id when empty.
func (tx *Tx) PutGroup(g ConceptGroup) (ConceptGroup, error) {
	if err := tx.writable(); err != nil {
		return ConceptGroup{}, err
	}
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	g.OntologyID = tx.ontologyID
	g.Version++
	tx.ont.groups[g.ID] = g.clone()
	return g, nil
}

// RemoveGroup deletes a group record.
func (tx *Tx) RemoveGroup(id string) {
	if tx.readOnly {
		return
	}
	delete(tx.ont.groups, id)
}

func (tx *Tx) writable() error {
	if tx.readOnly {
		return fmt.Errorf("read-only transaction: %w", ErrConflict)
	}
	return nil
}
