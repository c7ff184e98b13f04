package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/dgo/v240"
	"github.com/dgraph-io/dgo/v240/protos/api"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ontocollab/internal/graph"
	"github.com/ontocollab/internal/jsonx"
)

// DgraphConfig holds configuration for the Dgraph persister.
type DgraphConfig struct {
	Address        string
	MaxRetries     int
	RetryInterval  time.Duration
	RequestTimeout time.Duration
}

// DefaultDgraphConfig returns sensible defaults.
func DefaultDgraphConfig() DgraphConfig {
	return DgraphConfig{
		Address:        "localhost:9080",
		MaxRetries:     5,
		RetryInterval:  2 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// Dgraph persists ontology entities as one node per entity, the entity body
// serialized to a doc predicate. Kept deliberately schema-light: the core
// only needs enough to reconstruct state after a restart.
type Dgraph struct {
	conn   *grpc.ClientConn
	dg     *dgo.Dgraph
	logger *zap.Logger
}

const (
	kindConcept      = "concept"
	kindRelationship = "relationship"
	kindIndividual   = "individual"
	kindGroup        = "group"
)

// timeoutInterceptor enforces a per-call deadline so a slow Dgraph query
// can never stall the write-behind worker indefinitely.
func timeoutInterceptor(timeout time.Duration) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{},
		cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// NewDgraph connects with retry and installs the schema.
func NewDgraph(ctx context.Context, cfg DgraphConfig, logger *zap.Logger) (*Dgraph, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var conn *grpc.ClientConn
	var err error
	for i := 0; i < cfg.MaxRetries; i++ {
		conn, err = grpc.DialContext(ctx, cfg.Address,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithBlock(),
			grpc.WithUnaryInterceptor(timeoutInterceptor(cfg.RequestTimeout)),
		)
		if err == nil {
			break
		}
		logger.Warn("failed to connect to Dgraph, retrying",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(cfg.RetryInterval)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Dgraph after %d attempts: %w", cfg.MaxRetries, err)
	}

	p := &Dgraph{
		conn:   conn,
		dg:     dgo.NewDgraphClient(api.NewDgraphClient(conn)),
		logger: logger,
	}
	if err := p.initSchema(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logger.Info("Dgraph persister connected", zap.String("address", cfg.Address))
	return p, nil
}

func (p *Dgraph) initSchema(ctx context.Context) error {
	schema := `
		type OntologyEntity {
			entity_id
			ontology_id
			entity_kind
			doc
			stored_at
		}

		entity_id: string @index(exact) .
		ontology_id: string @index(exact) .
		entity_kind: string @index(exact) .
		doc: string .
		stored_at: datetime @index(hour) .
	`
	if err := p.dg.Alter(ctx, &api.Operation{Schema: schema}); err != nil {
		return fmt.Errorf("failed to alter schema: %w", err)
	}
	return nil
}

// Apply routes one committed mutation into Dgraph.
func (p *Dgraph) Apply(ctx context.Context, m Mutation) error {
	if m.Snapshot != nil {
		return p.replaceOntology(ctx, m.Snapshot)
	}
	deleting := m.Op == string(graph.OpDelete)
	switch {
	case m.Concept != nil:
		if deleting {
			return p.deleteEntity(ctx, m.OntologyID, kindConcept, m.Concept.ID)
		}
		return p.upsertEntity(ctx, m.OntologyID, kindConcept, m.Concept.ID, m.Concept)
	case m.Relationship != nil:
		if deleting {
			return p.deleteEntity(ctx, m.OntologyID, kindRelationship, m.Relationship.ID)
		}
		return p.upsertEntity(ctx, m.OntologyID, kindRelationship, m.Relationship.ID, m.Relationship)
	case m.Individual != nil:
		if deleting {
			return p.deleteEntity(ctx, m.OntologyID, kindIndividual, m.Individual.ID)
		}
		return p.upsertEntity(ctx, m.OntologyID, kindIndividual, m.Individual.ID, m.Individual)
	}
	return nil
}

// upsertEntity writes the entity doc, creating the node on first sight.
func (p *Dgraph) upsertEntity(ctx context.Context, ontologyID, kind, id string, doc interface{}) error {
	data, err := jsonx.MarshalToString(doc)
	if err != nil {
		return fmt.Errorf("marshal %s %s: %w", kind, id, err)
	}

	query := fmt.Sprintf(`query {
		ent as var(func: eq(entity_id, %q)) @filter(eq(ontology_id, %q) AND eq(entity_kind, %q))
	}`, id, ontologyID, kind)

	now := time.Now().UTC().Format(time.RFC3339)
	create := &api.Mutation{
		Cond: "@if(eq(len(ent), 0))",
		SetNquads: []byte(fmt.Sprintf(`_:e <dgraph.type> "OntologyEntity" .
_:e <entity_id> %q .
_:e <ontology_id> %q .
_:e <entity_kind> %q .
_:e <doc> %q .
_:e <stored_at> %q^^<xs:dateTime> .
`, id, ontologyID, kind, data, now)),
	}
	update := &api.Mutation{
		Cond: "@if(gt(len(ent), 0))",
		SetNquads: []byte(fmt.Sprintf(`uid(ent) <doc> %q .
uid(ent) <stored_at> %q^^<xs:dateTime> .
`, data, now)),
	}

	req := &api.Request{
		Query:     query,
		Mutations: []*api.Mutation{create, update},
		CommitNow: true,
	}
	if _, err := p.dg.NewTxn().Do(ctx, req); err != nil {
		return fmt.Errorf("upsert %s %s: %w", kind, id, err)
	}
	return nil
}

func (p *Dgraph) deleteEntity(ctx context.Context, ontologyID, kind, id string) error {
	query := fmt.Sprintf(`query {
		ent as var(func: eq(entity_id, %q)) @filter(eq(ontology_id, %q) AND eq(entity_kind, %q))
	}`, id, ontologyID, kind)
	del := &api.Mutation{
		Cond:      "@if(gt(len(ent), 0))",
		DelNquads: []byte("uid(ent) * * .\n"),
	}
	req := &api.Request{
		Query:     query,
		Mutations: []*api.Mutation{del},
		CommitNow: true,
	}
	if _, err := p.dg.NewTxn().Do(ctx, req); err != nil {
		return fmt.Errorf("delete %s %s: %w", kind, id, err)
	}
	return nil
}

// replaceOntology rewrites every stored entity of the ontology from the
// snapshot. Used for group operations and cascades, whose effects span many
// entities; per-entity diffing is not worth the bookkeeping.
func (p *Dgraph) replaceOntology(ctx context.Context, snap *graph.Snapshot) error {
	// Drop existing nodes first.
	query := fmt.Sprintf(`query {
		ent as var(func: eq(ontology_id, %q))
	}`, snap.OntologyID)
	del := &api.Mutation{
		Cond:      "@if(gt(len(ent), 0))",
		DelNquads: []byte("uid(ent) * * .\n"),
	}
	req := &api.Request{
		Query:     query,
		Mutations: []*api.Mutation{del},
		CommitNow: true,
	}
	if _, err := p.dg.NewTxn().Do(ctx, req); err != nil {
		return fmt.Errorf("replace ontology %s (drop): %w", snap.OntologyID, err)
	}

	for _, c := range snap.Concepts {
		if err := p.upsertEntity(ctx, snap.OntologyID, kindConcept, c.ID, c); err != nil {
			return err
		}
	}
	for _, r := range snap.Relationships {
		if err := p.upsertEntity(ctx, snap.OntologyID, kindRelationship, r.ID, r); err != nil {
			return err
		}
	}
	for _, i := range snap.Individuals {
		if err := p.upsertEntity(ctx, snap.OntologyID, kindIndividual, i.ID, i); err != nil {
			return err
		}
	}
	for _, g := range snap.Groups {
		if err := p.upsertEntity(ctx, snap.OntologyID, kindGroup, g.ID, g); err != nil {
			return err
		}
	}
	return nil
}

// LoadOntology reads back every stored entity of the ontology. The group
// docs carry the serialized CollapsedRelationships, so a group collapsed
// before a restart expands correctly afterwards.
func (p *Dgraph) LoadOntology(ctx context.Context, ontologyID string) (*graph.Snapshot, error) {
	query := `query Load($ontology: string) {
		entities(func: eq(ontology_id, $ontology)) {
			entity_id
			entity_kind
			doc
		}
	}`
	resp, err := p.dg.NewReadOnlyTxn().QueryWithVars(ctx, query, map[string]string{"$ontology": ontologyID})
	if err != nil {
		return nil, fmt.Errorf("load ontology %s: %w", ontologyID, err)
	}

	var result struct {
		Entities []struct {
			EntityID   string `json:"entity_id"`
			EntityKind string `json:"entity_kind"`
			Doc        string `json:"doc"`
		} `json:"entities"`
	}
	if err := jsonx.Unmarshal(resp.Json, &result); err != nil {
		return nil, fmt.Errorf("load ontology %s: %w", ontologyID, err)
	}

	snap := &graph.Snapshot{OntologyID: ontologyID}
	for _, ent := range result.Entities {
		switch ent.EntityKind {
		case kindConcept:
			var c graph.Concept
			if err := jsonx.UnmarshalFromString(ent.Doc, &c); err != nil {
				p.logger.Warn("skipping corrupt concept doc", zap.String("entity_id", ent.EntityID), zap.Error(err))
				continue
			}
			snap.Concepts = append(snap.Concepts, &c)
		case kindRelationship:
			var r graph.Relationship
			if err := jsonx.UnmarshalFromString(ent.Doc, &r); err != nil {
				p.logger.Warn("skipping corrupt relationship doc", zap.String("entity_id", ent.EntityID), zap.Error(err))
				continue
			}
			snap.Relationships = append(snap.Relationships, &r)
		case kindIndividual:
			var i graph.Individual
			if err := jsonx.UnmarshalFromString(ent.Doc, &i); err != nil {
				p.logger.Warn("skipping corrupt individual doc", zap.String("entity_id", ent.EntityID), zap.Error(err))
				continue
			}
			snap.Individuals = append(snap.Individuals, &i)
		case kindGroup:
			var g graph.ConceptGroup
			if err := jsonx.UnmarshalFromString(ent.Doc, &g); err != nil {
				p.logger.Warn("skipping corrupt group doc", zap.String("entity_id", ent.EntityID), zap.Error(err))
				continue
			}
			snap.Groups = append(snap.Groups, &g)
		}
	}
	return snap, nil
}

// Close tears down the gRPC connection.
func (p *Dgraph) Close() error {
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
