// Package search provides fuzzy text search over concept names and
// definitions, backing the editor's search box. Kept in sync with the graph
// store by the hub's commit path.
package search

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"go.uber.org/zap"

	"github.com/ontocollab/internal/graph"
)

// Config holds configuration for the concept index.
type Config struct {
	IndexPath string // path of the Bleve index on disk
	InMemory  bool   // memory-only index for tests and standalone runs
	Fuzziness int    // Levenshtein distance for fuzzy matching
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		IndexPath: "./data/concepts.bleve",
		InMemory:  false,
		Fuzziness: 2,
	}
}

// Index is a fuzzy search index over concepts, filtered per ontology.
type Index struct {
	index  bleve.Index
	cfg    Config
	logger *zap.Logger
	mu     sync.RWMutex
}

// Hit is one search result.
type Hit struct {
	ConceptID  string  `json:"concept_id"`
	OntologyID string  `json:"ontology_id"`
	Name       string  `json:"name"`
	Category   string  `json:"category,omitempty"`
	Score      float64 `json:"score"`
}

type conceptDoc struct {
	ConceptID  string `json:"concept_id"`
	OntologyID string `json:"ontology_id"`
	Name       string `json:"name"`
	Category   string `json:"category"`
	Definition string `json:"definition"`
}

// NewIndex opens or creates the index.
func NewIndex(cfg Config, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Fuzziness == 0 {
		cfg.Fuzziness = DefaultConfig().Fuzziness
	}

	idx := &Index{cfg: cfg, logger: logger}

	var err error
	if cfg.InMemory {
		idx.index, err = bleve.NewMemOnly(idx.createMapping())
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(cfg.IndexPath), 0755); mkErr != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", mkErr)
		}
		var opened bleve.Index
		opened, err = bleve.Open(cfg.IndexPath)
		if err == bleve.ErrorIndexPathDoesNotExist {
			opened, err = bleve.New(cfg.IndexPath, idx.createMapping())
		}
		idx.index = opened
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create/open bleve index: %w", err)
	}

	logger.Info("concept index opened",
		zap.String("path", cfg.IndexPath),
		zap.Bool("in_memory", cfg.InMemory))
	return idx, nil
}

func (idx *Index) createMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()

	name := bleve.NewTextFieldMapping()
	name.Store = true
	name.IncludeTermVectors = true
	doc.AddFieldMappingsAt("name", name)

	definition := bleve.NewTextFieldMapping()
	definition.Store = false
	doc.AddFieldMappingsAt("definition", definition)

	category := bleve.NewTextFieldMapping()
	category.Store = true
	category.IncludeInAll = false
	doc.AddFieldMappingsAt("category", category)

	ontology := bleve.NewKeywordFieldMapping()
	ontology.Store = true
	ontology.IncludeInAll = false
	doc.AddFieldMappingsAt("ontology_id", ontology)

	conceptID := bleve.NewKeywordFieldMapping()
	conceptID.Store = true
	conceptID.IncludeInAll = false
	doc.AddFieldMappingsAt("concept_id", conceptID)

	m := bleve.NewIndexMapping()
	m.AddDocumentMapping("concept", doc)
	m.DefaultAnalyzer = "standard"
	return m
}

func docID(ontologyID, conceptID string) string {
	return ontologyID + "/" + conceptID
}

// IndexConcept adds or updates a concept.
func (idx *Index) IndexConcept(c *graph.Concept) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	err := idx.index.Index(docID(c.OntologyID, c.ID), conceptDoc{
		ConceptID:  c.ID,
		OntologyID: c.OntologyID,
		Name:       c.Name,
		Category:   c.Category,
		Definition: c.Definition,
	})
	if err != nil {
		idx.logger.Warn("failed to index concept",
			zap.String("concept_id", c.ID),
			zap.Error(err))
	}
}

// RemoveConcept deletes a concept from the index.
func (idx *Index) RemoveConcept(ontologyID, conceptID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if err := idx.index.Delete(docID(ontologyID, conceptID)); err != nil {
		idx.logger.Warn("failed to remove concept from index",
			zap.String("concept_id", conceptID),
			zap.Error(err))
	}
}

// Reindex replaces the ontology's documents from a snapshot, batched.
func (idx *Index) Reindex(snap *graph.Snapshot) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	batch := idx.index.NewBatch()
	for _, c := range snap.Concepts {
		err := batch.Index(docID(c.OntologyID, c.ID), conceptDoc{
			ConceptID:  c.ID,
			OntologyID: c.OntologyID,
			Name:       c.Name,
			Category:   c.Category,
			Definition: c.Definition,
		})
		if err != nil {
			idx.logger.Warn("failed to add concept to batch",
				zap.String("concept_id", c.ID),
				zap.Error(err))
		}
	}
	if err := idx.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to execute batch index: %w", err)
	}
	return nil
}

// Search runs a fuzzy+prefix search over one ontology's concepts.
func (idx *Index) Search(ontologyID, term string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 20
	}

	fuzzy := query.NewFuzzyQuery(term)
	fuzzy.SetField("name")
	fuzzy.SetFuzziness(idx.cfg.Fuzziness)

	prefix := query.NewPrefixQuery(term)
	prefix.SetField("name")

	definition := query.NewMatchQuery(term)
	definition.SetField("definition")

	text := query.NewDisjunctionQuery([]query.Query{fuzzy, prefix, definition})

	ontology := query.NewTermQuery(ontologyID)
	ontology.SetField("ontology_id")

	req := bleve.NewSearchRequest(query.NewConjunctionQuery([]query.Query{text, ontology}))
	req.Size = limit
	req.Fields = []string{"concept_id", "ontology_id", "name", "category"}

	idx.mu.RLock()
	res, err := idx.index.Search(req)
	idx.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("concept search failed: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := Hit{Score: h.Score}
		if v, ok := h.Fields["concept_id"].(string); ok {
			hit.ConceptID = v
		}
		if v, ok := h.Fields["ontology_id"].(string); ok {
			hit.OntologyID = v
		}
		if v, ok := h.Fields["name"].(string); ok {
			hit.Name = v
		}
		if v, ok := h.Fields["category"].(string); ok {
			hit.Category = v
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// Close releases the index.
func (idx *Index) Close() error {
	return idx.index.Close()
}
