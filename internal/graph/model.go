// Package graph provides the canonical server-side state of an ontology:
// concepts, relationships, individuals and concept groups.
// All mutations for one ontology are strictly serialized; reads return
// deep copies so no caller can mutate committed state.
package graph

import "time"

// RelationKind tags the variant of a relationship edge.
type RelationKind string

const (
	// RelationKindInternal is an ordinary concept-to-concept edge.
	RelationKindInternal RelationKind = "internal"
	// RelationKindRerouted is a synthetic edge shown in place of a hidden
	// boundary edge while its group is collapsed.
	RelationKindRerouted RelationKind = "rerouted"
	// RelationKindInstanceOf links an individual to its concept type.
	RelationKindInstanceOf RelationKind = "instance_of"
	// RelationKindIndividual is an edge between individuals.
	RelationKindIndividual RelationKind = "individual"
)

// Concept is a node representing a class or category in the ontology.
type Concept struct {
	ID         string    `json:"id"`
	OntologyID string    `json:"ontology_id"`
	Name       string    `json:"name"`
	Category   string    `json:"category,omitempty"`
	Color      string    `json:"color,omitempty"`
	Definition string    `json:"definition,omitempty"`
	PositionX  float64   `json:"position_x"`
	PositionY  float64   `json:"position_y"`
	Hidden     bool      `json:"hidden,omitempty"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Relationship is a directed, typed edge between two nodes of the ontology.
type Relationship struct {
	ID              string       `json:"id"`
	OntologyID      string       `json:"ontology_id"`
	SourceConceptID string       `json:"source_concept_id"`
	TargetConceptID string       `json:"target_concept_id"`
	RelationType    string       `json:"relation_type"`
	Kind            RelationKind `json:"kind"`
	// ReroutedFromID is the id of the hidden boundary relationship this
	// synthetic edge stands in for. Set only when Kind is rerouted.
	ReroutedFromID string `json:"rerouted_from_id,omitempty"`
	Hidden         bool   `json:"hidden,omitempty"`
	Version        int64  `json:"version"`
}

// Individual is an instance of a concept. It participates in the graph the
// same way a concept does for visibility purposes but cannot be grouped.
type Individual struct {
	ID            string  `json:"id"`
	OntologyID    string  `json:"ontology_id"`
	ConceptTypeID string  `json:"concept_type_id"`
	Name          string  `json:"name"`
	PositionX     float64 `json:"position_x"`
	PositionY     float64 `json:"position_y"`
	Hidden        bool    `json:"hidden,omitempty"`
	Version       int64   `json:"version"`
}

// CollapsedRelationship is one entry of a group's collapse record, captured
// at the moment of collapse so the operation can be reversed exactly.
type CollapsedRelationship struct {
	RelationshipID  string `json:"relationship_id"`
	RelationType    string `json:"relation_type"`
	SourceConceptID string `json:"source_concept_id"`
	TargetConceptID string `json:"target_concept_id"`
	// ExternalConceptID is the endpoint outside the group set. Empty for
	// internal edges.
	ExternalConceptID string `json:"external_concept_id,omitempty"`
	// IsFromGroupedChild reports whether the grouped endpoint is the
	// edge's source, which fixes the direction of the rerouted edge.
	IsFromGroupedChild bool `json:"is_from_grouped_child"`
	ShouldBeRerouted   bool `json:"should_be_rerouted"`
	// ReroutedEdgeID is the id of the synthetic edge currently standing in
	// for this record. Reused across collapse toggles so replay is exact.
	ReroutedEdgeID string `json:"rerouted_edge_id,omitempty"`
}

// ConceptGroup is a user-defined collapse of concepts under a representative
// parent node.
type ConceptGroup struct {
	ID              string   `json:"id"`
	OntologyID      string   `json:"ontology_id"`
	ParentConceptID string   `json:"parent_concept_id"`
	ChildConceptIDs []string `json:"child_concept_ids"`
	IsCollapsed     bool     `json:"is_collapsed"`
	// CollapsedRelationships is capture-ordered and loss-less: replaying it
	// reconstructs exactly the pre-collapse edge set.
	CollapsedRelationships []CollapsedRelationship `json:"collapsed_relationships"`
	Version                int64                   `json:"version"`
}

// Snapshot is a deep copy of one ontology's visible and hidden state.
type Snapshot struct {
	OntologyID    string          `json:"ontology_id"`
	Concepts      []*Concept      `json:"concepts"`
	Relationships []*Relationship `json:"relationships"`
	Individuals   []*Individual   `json:"individuals"`
	Groups        []*ConceptGroup `json:"groups"`
}

func (c *Concept) clone() *Concept {
	cp := *c
	return &cp
}

func (r *Relationship) clone() *Relationship {
	cp := *r
	return &cp
}

func (i *Individual) clone() *Individual {
	cp := *i
	return &cp
}

func (g *ConceptGroup) clone() *ConceptGroup {
	cp := *g
	cp.ChildConceptIDs = append([]string(nil), g.ChildConceptIDs...)
	cp.CollapsedRelationships = append([]CollapsedRelationship(nil), g.CollapsedRelationships...)
	return &cp
}

// HasChild reports whether id is a member of the group's child set.
func (g *ConceptGroup) HasChild(id string) bool {
	for _, c := range g.ChildConceptIDs {
		if c == id {
			return true
		}
	}
	return false
}
