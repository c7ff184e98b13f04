// Package grouping implements collapse and expand of concept clusters:
// validation (overlap, containment cycles, nesting depth), boundary-edge
// rerouting with loss-less capture records, and deterministic placement of
// revealed nodes on expand.
package grouping

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ontocollab/internal/graph"
)

// DefaultMaxDepth bounds how deeply groups may nest inside each other.
const DefaultMaxDepth = 5

// Engine validates and applies group operations against the graph store.
// All operations run inside the store's per-ontology serialization unit, so
// a collapse or expand is atomic: either every hide/reroute lands or none.
type Engine struct {
	store    *graph.Store
	logger   *zap.Logger
	maxDepth int
}

// ExpandResult reports what an ExpandGroup made visible and which synthetic
// edges it removed, plus the deterministic positions chosen for revealed
// concepts.
type ExpandResult struct {
	Group                   *graph.ConceptGroup `json:"group"`
	RevealedConceptIDs      []string            `json:"revealed_concept_ids"`
	RemovedSyntheticEdgeIDs []string            `json:"removed_synthetic_edge_ids"`
	RestoredRelationshipIDs []string            `json:"restored_relationship_ids"`
	Positions               map[string]Point    `json:"positions"`
}

// CollapseResult reports the synthetic edges created by a collapse.
type CollapseResult struct {
	Group            *graph.ConceptGroup   `json:"group"`
	HiddenConceptIDs []string              `json:"hidden_concept_ids"`
	ReroutedEdges    []*graph.Relationship `json:"rerouted_edges"`
}

// NewEngine creates a grouping engine over the store. maxDepth <= 0 selects
// DefaultMaxDepth.
func NewEngine(store *graph.Store, logger *zap.Logger, maxDepth int) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Engine{store: store, logger: logger, maxDepth: maxDepth}
}

// CanCreateGroup reports whether a group with the given parent and children
// would be valid. It is side-effect-free and never returns an error: any
// disqualifying condition answers false. Clients may call it speculatively
// while a drag gesture is still in progress.
func (e *Engine) CanCreateGroup(ontologyID, parentID string, childIDs []string) bool {
	ok := false
	_ = e.store.View(ontologyID, func(tx *graph.Tx) error {
		ok = e.validate(tx, parentID, childIDs) == nil
		return nil
	})
	return ok
}

// validate applies every CreateGroup precondition against the transaction
// view. Returns nil when the group may be created.
func (e *Engine) validate(tx *graph.Tx, parentID string, childIDs []string) error {
	if len(childIDs) == 0 {
		return fmt.Errorf("group needs at least one child: %w", graph.ErrInvalidReference)
	}
	if !tx.ConceptExists(parentID) {
		return fmt.Errorf("parent %s: %w", parentID, graph.ErrNotFound)
	}
	seen := make(map[string]struct{}, len(childIDs))
	for _, id := range childIDs {
		if id == parentID {
			return fmt.Errorf("parent %s cannot be its own child: %w", parentID, graph.ErrCircularReference)
		}
		if !tx.ConceptExists(id) {
			return fmt.Errorf("child %s: %w", id, graph.ErrNotFound)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("child %s listed twice: %w", id, graph.ErrConflict)
		}
		seen[id] = struct{}{}
	}

	groups := tx.Groups()
	childrenOf := make(map[string][]string, len(groups))
	for _, g := range groups {
		childrenOf[g.ParentConceptID] = append(childrenOf[g.ParentConceptID], g.ChildConceptIDs...)
		// No concept may sit in two active child sets. The parent being
		// another group's child is legal nesting, as long as the cycle
		// check below passes.
		for _, id := range childIDs {
			if g.HasChild(id) {
				return fmt.Errorf("concept %s already in group %s: %w", id, g.ID, graph.ErrAlreadyGrouped)
			}
		}
	}

	// The parent must not be reachable from any candidate child through
	// the existing containment forest, or collapsing would swallow the
	// group's own representative.
	for _, id := range childIDs {
		if reaches(childrenOf, id, parentID) {
			return fmt.Errorf("parent %s is contained under child %s: %w", parentID, id, graph.ErrCircularReference)
		}
	}

	// Nesting depth after insertion: one level for the new group plus the
	// deepest chain hanging under any of its children.
	deepest := 0
	for _, id := range childIDs {
		if d := subtreeDepth(childrenOf, id, make(map[string]bool)); d > deepest {
			deepest = d
		}
	}
	// Plus the chain of groups the parent already sits under.
	above := ancestorDepth(groups, parentID, make(map[string]bool))
	if 1+deepest+above > e.maxDepth {
		return fmt.Errorf("nesting depth %d exceeds bound %d: %w", 1+deepest+above, e.maxDepth, graph.ErrDepthExceeded)
	}
	return nil
}

// reaches walks the containment forest from start and reports whether target
// is a transitive member. Iterative DFS with a visited set.
func reaches(childrenOf map[string][]string, start, target string) bool {
	stack := []string{start}
	visited := map[string]bool{}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[n] {
			continue
		}
		visited[n] = true
		for _, c := range childrenOf[n] {
			if c == target {
				return true
			}
			stack = append(stack, c)
		}
	}
	return false
}

// subtreeDepth returns the length of the longest group chain rooted at node.
func subtreeDepth(childrenOf map[string][]string, node string, visited map[string]bool) int {
	if visited[node] {
		return 0
	}
	visited[node] = true
	children, ok := childrenOf[node]
	if !ok {
		return 0
	}
	max := 0
	for _, c := range children {
		if d := subtreeDepth(childrenOf, c, visited); d > max {
			max = d
		}
	}
	return 1 + max
}

// ancestorDepth counts how many group levels already sit above node.
func ancestorDepth(groups []graph.ConceptGroup, node string, visited map[string]bool) int {
	if visited[node] {
		return 0
	}
	visited[node] = true
	max := 0
	for _, g := range groups {
		if g.HasChild(node) {
			if d := 1 + ancestorDepth(groups, g.ParentConceptID, visited); d > max {
				max = d
			}
		}
	}
	return max
}

// CreateGroup validates and collapses a new group in one atomic step. The
// client-side CanCreateGroup answer is never trusted; every precondition is
// re-checked under the ontology lock.
func (e *Engine) CreateGroup(ontologyID, parentID string, childIDs []string) (*CollapseResult, error) {
	var result *CollapseResult
	err := e.store.Mutate(ontologyID, func(tx *graph.Tx) error {
		if err := e.validate(tx, parentID, childIDs); err != nil {
			return err
		}

		set := make(map[string]struct{}, len(childIDs)+1)
		set[parentID] = struct{}{}
		for _, id := range childIDs {
			set[id] = struct{}{}
		}

		group := graph.ConceptGroup{
			ParentConceptID: parentID,
			ChildConceptIDs: append([]string(nil), childIDs...),
			IsCollapsed:     true,
		}

		var rerouted []*graph.Relationship
		for _, rel := range tx.VisibleRelationshipsTouching(set) {
			_, srcIn := set[rel.SourceConceptID]
			_, dstIn := set[rel.TargetConceptID]

			rec := graph.CollapsedRelationship{
				RelationshipID:  rel.ID,
				RelationType:    rel.RelationType,
				SourceConceptID: rel.SourceConceptID,
				TargetConceptID: rel.TargetConceptID,
			}

			if srcIn && dstIn {
				// Internal edge: hide, never delete.
				if err := tx.SetRelationshipHidden(rel.ID, true); err != nil {
					return err
				}
				rec.ShouldBeRerouted = false
			} else {
				// Boundary edge: hide the original and stand in a
				// synthetic edge between the parent and the external
				// endpoint, preserving direction and type. Duplicate
				// reroutes to the same external node are kept apart so
				// expansion is exact.
				if err := tx.SetRelationshipHidden(rel.ID, true); err != nil {
					return err
				}
				rec.ShouldBeRerouted = true
				rec.IsFromGroupedChild = srcIn
				synth := graph.Relationship{
					RelationType:   rel.RelationType,
					Kind:           graph.RelationKindRerouted,
					ReroutedFromID: rel.ID,
				}
				if srcIn {
					rec.ExternalConceptID = rel.TargetConceptID
					synth.SourceConceptID = parentID
					synth.TargetConceptID = rel.TargetConceptID
				} else {
					rec.ExternalConceptID = rel.SourceConceptID
					synth.SourceConceptID = rel.SourceConceptID
					synth.TargetConceptID = parentID
				}
				committed, err := tx.AddRelationship(synth)
				if err != nil {
					return err
				}
				rec.ReroutedEdgeID = committed.ID
				rerouted = append(rerouted, &committed)
			}
			group.CollapsedRelationships = append(group.CollapsedRelationships, rec)
		}

		for _, id := range childIDs {
			if err := tx.SetConceptHidden(id, true); err != nil {
				return err
			}
		}

		committed, err := tx.PutGroup(group)
		if err != nil {
			return err
		}
		result = &CollapseResult{
			Group:            &committed,
			HiddenConceptIDs: append([]string(nil), childIDs...),
			ReroutedEdges:    rerouted,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("group created",
		zap.String("ontology_id", ontologyID),
		zap.String("group_id", result.Group.ID),
		zap.String("parent_id", parentID),
		zap.Int("children", len(childIDs)),
		zap.Int("records", len(result.Group.CollapsedRelationships)))
	return result, nil
}

// ExpandGroup reverses a collapse: reveals the children, restores every
// recorded relationship that still exists, removes every synthetic edge, and
// places revealed concepts at deterministic non-colliding positions around
// the parent. The group record survives for later re-collapse.
func (e *Engine) ExpandGroup(ontologyID, groupID string) (*ExpandResult, error) {
	var result *ExpandResult
	err := e.store.Mutate(ontologyID, func(tx *graph.Tx) error {
		group, ok := tx.Group(groupID)
		if !ok {
			return fmt.Errorf("group %s: %w", groupID, graph.ErrGroupNotFound)
		}
		if !group.IsCollapsed {
			// Already expanded; answer with the current record so the
			// toggle stays idempotent.
			result = &ExpandResult{Group: &group, Positions: map[string]Point{}}
			return nil
		}
		parent, ok := tx.Concept(group.ParentConceptID)
		if !ok {
			return fmt.Errorf("group parent %s: %w", group.ParentConceptID, graph.ErrNotFound)
		}
		if parent.Hidden {
			// The parent sits inside an enclosing collapsed group;
			// revealing children around a hidden node would orphan them
			// visually. The outer group must be expanded first.
			return fmt.Errorf("group %s parent %s is hidden by an enclosing group: %w",
				groupID, group.ParentConceptID, graph.ErrConflict)
		}

		res := &ExpandResult{Positions: map[string]Point{}}
		kept := group.CollapsedRelationships[:0]
		for _, rec := range group.CollapsedRelationships {
			if rec.ShouldBeRerouted && rec.ReroutedEdgeID != "" {
				if _, exists := tx.Relationship(rec.ReroutedEdgeID); exists {
					tx.RemoveRelationship(rec.ReroutedEdgeID)
					res.RemovedSyntheticEdgeIDs = append(res.RemovedSyntheticEdgeIDs, rec.ReroutedEdgeID)
				}
			}
			if _, exists := tx.Relationship(rec.RelationshipID); !exists {
				// The underlying edge was deleted while the group was
				// collapsed; the record is stale, not fatal.
				e.logger.Warn("dropping stale collapse record",
					zap.String("group_id", group.ID),
					zap.String("relationship_id", rec.RelationshipID))
				continue
			}
			if err := tx.SetRelationshipHidden(rec.RelationshipID, false); err != nil {
				return err
			}
			res.RestoredRelationshipIDs = append(res.RestoredRelationshipIDs, rec.RelationshipID)
			// Keep the capture so re-collapse replays without re-deriving;
			// the stand-in edge id is minted fresh at the next collapse.
			rec.ReroutedEdgeID = ""
			kept = append(kept, rec)
		}
		group.CollapsedRelationships = append([]graph.CollapsedRelationship(nil), kept...)

		visible := tx.VisibleNodePositions()
		placed := PlaceRevealed(Point{X: parent.PositionX, Y: parent.PositionY}, group.ChildConceptIDs, visible)

		for _, id := range group.ChildConceptIDs {
			if err := tx.SetConceptHidden(id, false); err != nil {
				return err
			}
			p := placed[id]
			if err := tx.SetConceptPosition(id, p.X, p.Y); err != nil {
				return err
			}
			res.RevealedConceptIDs = append(res.RevealedConceptIDs, id)
			res.Positions[id] = p
		}

		group.IsCollapsed = false
		committed, err := tx.PutGroup(group)
		if err != nil {
			return err
		}
		res.Group = &committed
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CollapseGroup re-applies a group's recorded hide/reroute steps without
// re-deriving them, so toggling is loss-less. Stale records for
// relationships deleted while the group was expanded are dropped and logged.
// Collapsing an already-collapsed group is a no-op.
func (e *Engine) CollapseGroup(ontologyID, groupID string) (*CollapseResult, error) {
	var result *CollapseResult
	err := e.store.Mutate(ontologyID, func(tx *graph.Tx) error {
		group, ok := tx.Group(groupID)
		if !ok {
			return fmt.Errorf("group %s: %w", groupID, graph.ErrGroupNotFound)
		}
		if group.IsCollapsed {
			result = &CollapseResult{Group: &group}
			return nil
		}

		res := &CollapseResult{}
		kept := group.CollapsedRelationships[:0]
		for _, rec := range group.CollapsedRelationships {
			if _, exists := tx.Relationship(rec.RelationshipID); !exists {
				e.logger.Warn("dropping stale collapse record",
					zap.String("group_id", group.ID),
					zap.String("relationship_id", rec.RelationshipID))
				continue
			}
			if err := tx.SetRelationshipHidden(rec.RelationshipID, true); err != nil {
				return err
			}
			if rec.ShouldBeRerouted {
				synth := graph.Relationship{
					ID:             rec.ReroutedEdgeID, // empty mints a new id
					RelationType:   rec.RelationType,
					Kind:           graph.RelationKindRerouted,
					ReroutedFromID: rec.RelationshipID,
				}
				if rec.IsFromGroupedChild {
					synth.SourceConceptID = group.ParentConceptID
					synth.TargetConceptID = rec.ExternalConceptID
				} else {
					synth.SourceConceptID = rec.ExternalConceptID
					synth.TargetConceptID = group.ParentConceptID
				}
				committed, err := tx.AddRelationship(synth)
				if err != nil {
					return err
				}
				rec.ReroutedEdgeID = committed.ID
				res.ReroutedEdges = append(res.ReroutedEdges, &committed)
			}
			kept = append(kept, rec)
		}
		group.CollapsedRelationships = append([]graph.CollapsedRelationship(nil), kept...)

		for _, id := range group.ChildConceptIDs {
			if err := tx.SetConceptHidden(id, true); err != nil {
				return err
			}
			res.HiddenConceptIDs = append(res.HiddenConceptIDs, id)
		}

		group.IsCollapsed = true
		committed, err := tx.PutGroup(group)
		if err != nil {
			return err
		}
		res.Group = &committed
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteGroup fully expands the group if needed and discards its record.
// Used when the user dissolves a group rather than toggling it.
func (e *Engine) DeleteGroup(ontologyID, groupID string) (*ExpandResult, error) {
	res, err := e.ExpandGroup(ontologyID, groupID)
	if err != nil {
		return nil, err
	}
	err = e.store.Mutate(ontologyID, func(tx *graph.Tx) error {
		if _, ok := tx.Group(groupID); !ok {
			return fmt.Errorf("group %s: %w", groupID, graph.ErrGroupNotFound)
		}
		tx.RemoveGroup(groupID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("group deleted",
		zap.String("ontology_id", ontologyID),
		zap.String("group_id", groupID))
	return res, nil
}
