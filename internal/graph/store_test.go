package graph

import (
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"
)

const testOntology = "ont-1"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(zaptest.NewLogger(t))
}

func mustCreateConcept(t *testing.T, s *Store, name string) *Concept {
	t.Helper()
	c, err := s.ApplyConceptChange(testOntology, ConceptChange{
		Op:      OpCreate,
		Concept: Concept{Name: name, Category: "class"},
	})
	if err != nil {
		t.Fatalf("create concept %s: %v", name, err)
	}
	return c
}

func TestConceptCreateAssignsIDAndVersion(t *testing.T) {
	s := newTestStore(t)

	c := mustCreateConcept(t, s, "Animal")
	if c.ID == "" {
		t.Error("expected server-assigned id")
	}
	if c.Version != 1 {
		t.Errorf("expected version 1, got %d", c.Version)
	}
	if c.OntologyID != testOntology {
		t.Errorf("expected ontology %s, got %s", testOntology, c.OntologyID)
	}
}

func TestConceptCreateDuplicateIDConflicts(t *testing.T) {
	s := newTestStore(t)

	c := mustCreateConcept(t, s, "Animal")
	_, err := s.ApplyConceptChange(testOntology, ConceptChange{
		Op:      OpCreate,
		Concept: Concept{ID: c.ID, Name: "Other"},
	})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestConceptUpdateBumpsVersion(t *testing.T) {
	s := newTestStore(t)

	c := mustCreateConcept(t, s, "Animal")
	updated, err := s.ApplyConceptChange(testOntology, ConceptChange{
		Op:      OpUpdate,
		Concept: Concept{ID: c.ID, Name: "Beast", Version: 1},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != "Beast" {
		t.Errorf("expected name Beast, got %s", updated.Name)
	}
	if updated.Version != 2 {
		t.Errorf("expected version 2, got %d", updated.Version)
	}
}

func TestConceptUpdateStaleVersionRejected(t *testing.T) {
	s := newTestStore(t)

	c := mustCreateConcept(t, s, "Animal")
	if _, err := s.ApplyConceptChange(testOntology, ConceptChange{
		Op:      OpUpdate,
		Concept: Concept{ID: c.ID, Name: "Beast", Version: 1},
	}); err != nil {
		t.Fatalf("first update: %v", err)
	}

	// A second writer still assuming version 1 must lose.
	_, err := s.ApplyConceptChange(testOntology, ConceptChange{
		Op:      OpUpdate,
		Concept: Concept{ID: c.ID, Name: "Creature", Version: 1},
	})
	if !errors.Is(err, ErrStaleState) {
		t.Errorf("expected ErrStaleState, got %v", err)
	}
}

func TestConceptUpdateMissingNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.ApplyConceptChange(testOntology, ConceptChange{
		Op:      OpUpdate,
		Concept: Concept{ID: "missing", Name: "X"},
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestConceptDeleteCascadesRelationships(t *testing.T) {
	s := newTestStore(t)

	a := mustCreateConcept(t, s, "A")
	b := mustCreateConcept(t, s, "B")
	if _, err := s.ApplyRelationshipChange(testOntology, RelationshipChange{
		Op: OpCreate,
		Relationship: Relationship{
			RelationType:    "is-a",
			SourceConceptID: a.ID,
			TargetConceptID: b.ID,
		},
	}); err != nil {
		t.Fatalf("create relationship: %v", err)
	}

	if _, err := s.ApplyConceptChange(testOntology, ConceptChange{
		Op:      OpDelete,
		Concept: Concept{ID: a.ID},
	}); err != nil {
		t.Fatalf("delete concept: %v", err)
	}

	snap := s.Snapshot(testOntology)
	if len(snap.Relationships) != 0 {
		t.Errorf("expected relationships cascaded, got %d", len(snap.Relationships))
	}
	if len(snap.Concepts) != 1 {
		t.Errorf("expected one remaining concept, got %d", len(snap.Concepts))
	}
}

func TestConceptDeleteGroupedRejected(t *testing.T) {
	s := newTestStore(t)

	parent := mustCreateConcept(t, s, "Parent")
	child := mustCreateConcept(t, s, "Child")

	err := s.Mutate(testOntology, func(tx *Tx) error {
		_, err := tx.PutGroup(ConceptGroup{
			ID:              "g1",
			OntologyID:      testOntology,
			ParentConceptID: parent.ID,
			ChildConceptIDs: []string{child.ID},
			IsCollapsed:     true,
		})
		return err
	})
	if err != nil {
		t.Fatalf("put group: %v", err)
	}

	for _, id := range []string{parent.ID, child.ID} {
		_, err := s.ApplyConceptChange(testOntology, ConceptChange{
			Op:      OpDelete,
			Concept: Concept{ID: id},
		})
		if !errors.Is(err, ErrConflict) {
			t.Errorf("delete of grouped concept %s: expected ErrConflict, got %v", id, err)
		}
	}
}

func TestRelationshipCreateValidatesEndpoints(t *testing.T) {
	s := newTestStore(t)

	a := mustCreateConcept(t, s, "A")
	_, err := s.ApplyRelationshipChange(testOntology, RelationshipChange{
		Op: OpCreate,
		Relationship: Relationship{
			RelationType:    "is-a",
			SourceConceptID: a.ID,
			TargetConceptID: "nope",
		},
	})
	if !errors.Is(err, ErrInvalidReference) {
		t.Errorf("expected ErrInvalidReference, got %v", err)
	}
}

func TestRelationshipCreateReroutedKindRejected(t *testing.T) {
	s := newTestStore(t)

	a := mustCreateConcept(t, s, "A")
	b := mustCreateConcept(t, s, "B")
	_, err := s.ApplyRelationshipChange(testOntology, RelationshipChange{
		Op: OpCreate,
		Relationship: Relationship{
			Kind:            RelationKindRerouted,
			RelationType:    "is-a",
			SourceConceptID: a.ID,
			TargetConceptID: b.ID,
		},
	})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for direct rerouted creation, got %v", err)
	}
}

func TestRelationshipAcceptsIndividualEndpoint(t *testing.T) {
	s := newTestStore(t)

	a := mustCreateConcept(t, s, "Person")
	ind, err := s.ApplyIndividualChange(testOntology, IndividualChange{
		Op:         OpCreate,
		Individual: Individual{Name: "Ada", ConceptTypeID: a.ID},
	})
	if err != nil {
		t.Fatalf("create individual: %v", err)
	}

	r, err := s.ApplyRelationshipChange(testOntology, RelationshipChange{
		Op: OpCreate,
		Relationship: Relationship{
			Kind:            RelationKindInstanceOf,
			RelationType:    "instance-of",
			SourceConceptID: ind.ID,
			TargetConceptID: a.ID,
		},
	})
	if err != nil {
		t.Fatalf("create instance-of edge: %v", err)
	}
	if r.Kind != RelationKindInstanceOf {
		t.Errorf("expected instance_of kind, got %s", r.Kind)
	}
}

func TestIndividualCreateRequiresConceptType(t *testing.T) {
	s := newTestStore(t)

	_, err := s.ApplyIndividualChange(testOntology, IndividualChange{
		Op:         OpCreate,
		Individual: Individual{Name: "Ada", ConceptTypeID: "missing"},
	})
	if !errors.Is(err, ErrInvalidReference) {
		t.Errorf("expected ErrInvalidReference, got %v", err)
	}
}

func TestIndividualDeleteCascadesEdges(t *testing.T) {
	s := newTestStore(t)

	a := mustCreateConcept(t, s, "Person")
	ind, err := s.ApplyIndividualChange(testOntology, IndividualChange{
		Op:         OpCreate,
		Individual: Individual{Name: "Ada", ConceptTypeID: a.ID},
	})
	if err != nil {
		t.Fatalf("create individual: %v", err)
	}
	if _, err := s.ApplyRelationshipChange(testOntology, RelationshipChange{
		Op: OpCreate,
		Relationship: Relationship{
			Kind:            RelationKindInstanceOf,
			RelationType:    "instance-of",
			SourceConceptID: ind.ID,
			TargetConceptID: a.ID,
		},
	}); err != nil {
		t.Fatalf("create edge: %v", err)
	}

	if _, err := s.ApplyIndividualChange(testOntology, IndividualChange{
		Op:         OpDelete,
		Individual: Individual{ID: ind.ID},
	}); err != nil {
		t.Fatalf("delete individual: %v", err)
	}

	snap := s.Snapshot(testOntology)
	if len(snap.Relationships) != 0 {
		t.Errorf("expected edges cascaded, got %d", len(snap.Relationships))
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := newTestStore(t)

	c := mustCreateConcept(t, s, "Animal")
	snap := s.Snapshot(testOntology)
	snap.Concepts[0].Name = "Mutated"

	again := s.Snapshot(testOntology)
	if again.Concepts[0].Name != "Animal" {
		t.Errorf("snapshot mutation leaked into the store: %s", again.Concepts[0].Name)
	}
	_ = c
}

func TestSnapshotSortedByID(t *testing.T) {
	s := newTestStore(t)

	for _, name := range []string{"C", "A", "B"} {
		mustCreateConcept(t, s, name)
	}
	snap := s.Snapshot(testOntology)
	for i := 1; i < len(snap.Concepts); i++ {
		if snap.Concepts[i-1].ID >= snap.Concepts[i].ID {
			t.Fatalf("concepts not sorted by id at %d", i)
		}
	}
}

func TestLoadSnapshotReplacesState(t *testing.T) {
	s := newTestStore(t)

	mustCreateConcept(t, s, "Obsolete")
	s.LoadSnapshot(&Snapshot{
		OntologyID: testOntology,
		Concepts:   []*Concept{{ID: "c1", OntologyID: testOntology, Name: "Fresh", Version: 3}},
	})

	snap := s.Snapshot(testOntology)
	if len(snap.Concepts) != 1 || snap.Concepts[0].Name != "Fresh" {
		t.Fatalf("expected loaded state only, got %+v", snap.Concepts)
	}
	if snap.Concepts[0].Version != 3 {
		t.Errorf("expected persisted version preserved, got %d", snap.Concepts[0].Version)
	}
}

func TestOntologiesAreIsolated(t *testing.T) {
	s := newTestStore(t)

	mustCreateConcept(t, s, "OnlyHere")
	other := s.Snapshot("ont-2")
	if len(other.Concepts) != 0 {
		t.Errorf("expected empty ontology, got %d concepts", len(other.Concepts))
	}
}

func TestReasonCodes(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{ErrNotFound, "NOT_FOUND"},
		{ErrStaleState, "STALE_STATE"},
		{ErrCircularReference, "CIRCULAR_REFERENCE"},
		{ErrAlreadyGrouped, "ALREADY_GROUPED"},
		{ErrGroupNotFound, "GROUP_NOT_FOUND"},
	}
	for _, tc := range cases {
		if got := ReasonCode(tc.err); got != tc.want {
			t.Errorf("ReasonCode(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
