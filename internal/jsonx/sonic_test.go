// Package jsonx tests round-trips and benchmarks the Sonic wrapper on the
// payload shapes the sync socket actually carries.
package jsonx

import (
	"bytes"
	"strings"
	"testing"
)

type edgePayload struct {
	ID           string `json:"id"`
	SourceID     string `json:"source_id"`
	TargetID     string `json:"target_id"`
	RelationType string `json:"relation_type"`
	Version      int64  `json:"version"`
}

type eventPayload struct {
	Type       string        `json:"type"`
	OntologyID string        `json:"ontology_id"`
	Seq        uint64        `json:"seq"`
	Resync     bool          `json:"resync,omitempty"`
	Edges      []edgePayload `json:"edges,omitempty"`
}

func sampleEvent() eventPayload {
	ev := eventPayload{
		Type:       "relationship.changed",
		OntologyID: "ont-1",
		Seq:        42,
	}
	for i := 0; i < 8; i++ {
		ev.Edges = append(ev.Edges, edgePayload{
			ID:           "edge",
			SourceID:     "src",
			TargetID:     "dst",
			RelationType: "is-a",
			Version:      int64(i),
		})
	}
	return ev
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	in := sampleEvent()
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out eventPayload
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Seq != in.Seq || len(out.Edges) != len(in.Edges) {
		t.Errorf("round trip lost data: %+v", out)
	}
}

func TestDecoderReadsFromReader(t *testing.T) {
	var out eventPayload
	r := strings.NewReader(`{"type":"concept.changed","ontology_id":"ont-1","seq":7}`)
	if err := NewReader(r).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Type != "concept.changed" || out.Seq != 7 {
		t.Errorf("decoded %+v", out)
	}
	if err := NewReader(strings.NewReader("{broken")).Decode(&out); err == nil {
		t.Error("malformed input accepted")
	}
}

func TestEncodeToWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeTo(&buf, sampleEvent()); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out eventPayload
	if err := Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal encoded output: %v", err)
	}
	if out.OntologyID != "ont-1" {
		t.Errorf("encoded output lost data: %+v", out)
	}
}

func BenchmarkMarshalEvent(b *testing.B) {
	ev := sampleEvent()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := Marshal(ev); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkUnmarshalEvent(b *testing.B) {
	data, err := Marshal(sampleEvent())
	if err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		var out eventPayload
		if err := Unmarshal(data, &out); err != nil {
			b.Fatal(err)
		}
	}
}
