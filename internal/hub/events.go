// Package hub multiplexes one broadcast channel per ontology: it validates
// mutation proposals through the permission gate, applies them through the
// graph store or grouping engine, and fans the committed event out to every
// other subscriber in commit order.
package hub

import (
	"github.com/ontocollab/internal/graph"
	"github.com/ontocollab/internal/grouping"
	"github.com/ontocollab/internal/session"
)

// EventType discriminates broadcast events.
type EventType string

const (
	EventConceptChanged      EventType = "concept.changed"
	EventRelationshipChanged EventType = "relationship.changed"
	EventIndividualChanged   EventType = "individual.changed"
	EventGroupChanged        EventType = "group.changed"
	EventUserJoined          EventType = "user.joined"
	EventUserLeft            EventType = "user.left"
	EventUserViewChanged     EventType = "user.view_changed"
	EventPresenceList        EventType = "presence.list"
)

// GroupOp is the operation applied to a concept group.
type GroupOp string

const (
	GroupOpCreate   GroupOp = "create"
	GroupOpCollapse GroupOp = "collapse"
	GroupOpExpand   GroupOp = "expand"
	GroupOpDelete   GroupOp = "delete"
)

// GroupChange is a proposed group mutation.
type GroupChange struct {
	Op              GroupOp  `json:"op"`
	GroupID         string   `json:"group_id,omitempty"`
	ParentConceptID string   `json:"parent_concept_id,omitempty"`
	ChildConceptIDs []string `json:"child_concept_ids,omitempty"`
}

// Event is one broadcast message. Exactly one payload field is set,
// according to Type; the rest stay nil on the wire.
type Event struct {
	Type       EventType `json:"type"`
	OntologyID string    `json:"ontology_id"`
	// Seq is the per-ontology commit sequence; delivery order equals Seq
	// order for every subscriber.
	Seq uint64 `json:"seq"`
	// Resync is set on the first event delivered after this connection
	// dropped one or more events; the client must refetch a snapshot.
	Resync bool `json:"resync,omitempty"`
	// OriginConnectionID identifies the proposer so it can reconcile its
	// optimistic local copy when ids or versions differ.
	OriginConnectionID string `json:"origin_connection_id,omitempty"`

	Op           graph.Op                 `json:"op,omitempty"`
	GroupOp      GroupOp                  `json:"group_op,omitempty"`
	Concept      *graph.Concept           `json:"concept,omitempty"`
	Relationship *graph.Relationship      `json:"relationship,omitempty"`
	Individual   *graph.Individual        `json:"individual,omitempty"`
	Collapse     *grouping.CollapseResult `json:"collapse,omitempty"`
	Expand       *grouping.ExpandResult   `json:"expand,omitempty"`
	User         *session.Session         `json:"user,omitempty"`
	Presence     []session.Session        `json:"presence,omitempty"`
	View         string                   `json:"view,omitempty"`
}
