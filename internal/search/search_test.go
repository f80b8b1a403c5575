package search

import (
	"testing"

	"helix/api/internal/graph"
)

func record(id, room, content, leaves string) NodeRecord {
	return NodeRecord{
		ID: id, RoomID: room, AuthorID: "alice",
		Content: content, Leaves: leaves, Status: "placed",
	}
}

func TestMemoryIndexMatchesContentAndLeaves(t *testing.T) {
	idx := NewMemoryIndex()
	for _, rec := range []NodeRecord{
		record("n1", "r1", "Latency budget discussion", ""),
		record("n2", "r1", "unrelated", "summary: latency regression found"),
		record("n3", "r2", "latency in another room", ""),
	} {
		if err := idx.IndexNode(rec); err != nil {
			t.Fatalf("index: %v", err)
		}
	}

	results, total, err := idx.Search(Query{Text: "LATENCY", RoomID: "r1"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if total != 2 || len(results) != 2 {
		t.Fatalf("total=%d len=%d, want 2 hits in r1", total, len(results))
	}

	results, total, _ = idx.Search(Query{Text: "latency"})
	if total != 3 {
		t.Fatalf("unscoped total = %d, want 3", total)
	}
	_ = results
}

func TestMemoryIndexPagination(t *testing.T) {
	idx := NewMemoryIndex()
	for _, id := range []string{"a", "b", "c", "d"} {
		if err := idx.IndexNode(record("n_"+id, "r1", "same text", "")); err != nil {
			t.Fatalf("index: %v", err)
		}
	}
	results, total, err := idx.Search(Query{Text: "same", Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if total != 4 || len(results) != 2 {
		t.Fatalf("total=%d page=%d, want 4/2", total, len(results))
	}
	// Deterministic page boundaries.
	if results[0].ID != "n_c" || results[1].ID != "n_d" {
		t.Fatalf("page = %s,%s", results[0].ID, results[1].ID)
	}
}

func TestMemoryIndexClampsPagination(t *testing.T) {
	idx := NewMemoryIndex()
	if err := idx.IndexNode(record("n1", "r1", "only record", "")); err != nil {
		t.Fatalf("index: %v", err)
	}

	results, total, err := idx.Search(Query{Text: "only", Limit: -1})
	if err != nil {
		t.Fatalf("negative limit: %v", err)
	}
	if total != 1 || len(results) != 1 {
		t.Fatalf("negative limit: total=%d len=%d, want the default page", total, len(results))
	}

	results, total, err = idx.Search(Query{Text: "only", Offset: -5})
	if err != nil {
		t.Fatalf("negative offset: %v", err)
	}
	if total != 1 || len(results) != 1 {
		t.Fatalf("negative offset: total=%d len=%d, want first page", total, len(results))
	}
}

func TestMemoryIndexDelete(t *testing.T) {
	idx := NewMemoryIndex()
	if err := idx.IndexNode(record("n1", "r1", "findable", "")); err != nil {
		t.Fatalf("index: %v", err)
	}
	if err := idx.DeleteNode("n1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, total, _ := idx.Search(Query{Text: "findable"})
	if total != 0 {
		t.Fatalf("deleted node still indexed: %d hits", total)
	}
}

func TestServiceFallsBackWithoutMeili(t *testing.T) {
	svc := NewService(nil)
	svc.IndexNode(record("n1", "r1", "payload over the wire", ""))

	resp := svc.Search(Query{Text: "wire", RoomID: "r1"})
	if resp.Total != 1 || len(resp.Results) != 1 {
		t.Fatalf("resp = %+v, want one hit from memory fallback", resp)
	}
	if resp.Query != "wire" {
		t.Fatalf("query echo = %q", resp.Query)
	}

	svc.DeleteNode("n1")
	if resp := svc.Search(Query{Text: "wire"}); resp.Total != 0 {
		t.Fatalf("hit after delete: %+v", resp)
	}
}

func TestRecordFromNodeFoldsLeaves(t *testing.T) {
	n := graph.Node{
		ID: "n1", RoomID: "r1", AuthorID: "alice",
		Content: "main point", Status: graph.StatusConfirmed,
		Leaves: []graph.Leaf{
			{ID: "l1", Content: "first attachment"},
			{ID: "l2", Content: "second attachment"},
		},
	}
	rec := RecordFromNode(n)
	if rec.Leaves != "first attachment\nsecond attachment" {
		t.Fatalf("leaves = %q", rec.Leaves)
	}
	if rec.Status != "confirmed" {
		t.Fatalf("status = %q", rec.Status)
	}
}
