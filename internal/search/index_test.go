package search

import (
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/ontocollab/internal/graph"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	cfg := DefaultConfig()
	cfg.InMemory = true
	idx, err := NewIndex(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestSearchFindsFuzzyMatches(t *testing.T) {
	idx := newTestIndex(t)

	idx.IndexConcept(&graph.Concept{ID: "c1", OntologyID: "ont-1", Name: "Photosynthesis", Category: "process"})
	idx.IndexConcept(&graph.Concept{ID: "c2", OntologyID: "ont-1", Name: "Respiration", Category: "process"})

	// One transposition away from the indexed name.
	hits, err := idx.Search("ont-1", "Fotosynthesis", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	if hits[0].ConceptID != "c1" || hits[0].Name != "Photosynthesis" {
		t.Errorf("unexpected hit: %+v", hits[0])
	}
}

func TestSearchFiltersByOntology(t *testing.T) {
	idx := newTestIndex(t)

	idx.IndexConcept(&graph.Concept{ID: "c1", OntologyID: "ont-1", Name: "Membrane"})
	idx.IndexConcept(&graph.Concept{ID: "c2", OntologyID: "ont-2", Name: "Membrane"})

	hits, err := idx.Search("ont-1", "Membrane", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	if hits[0].OntologyID != "ont-1" {
		t.Errorf("cross-ontology leak: %+v", hits[0])
	}
}

func TestRemoveConceptDropsFromResults(t *testing.T) {
	idx := newTestIndex(t)

	idx.IndexConcept(&graph.Concept{ID: "c1", OntologyID: "ont-1", Name: "Mitochondria"})
	idx.RemoveConcept("ont-1", "c1")

	hits, err := idx.Search("ont-1", "Mitochondria", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("removed concept still returned: %+v", hits)
	}
}

func TestReindexFromSnapshot(t *testing.T) {
	idx := newTestIndex(t)

	snap := &graph.Snapshot{
		OntologyID: "ont-1",
		Concepts: []*graph.Concept{
			{ID: "c1", OntologyID: "ont-1", Name: "Enzyme"},
			{ID: "c2", OntologyID: "ont-1", Name: "Substrate"},
		},
	}
	if err := idx.Reindex(snap); err != nil {
		t.Fatalf("reindex: %v", err)
	}

	hits, err := idx.Search("ont-1", "Enzyme", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].ConceptID != "c1" {
		t.Errorf("expected c1, got %+v", hits)
	}
}
