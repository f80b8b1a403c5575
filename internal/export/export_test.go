package export

import (
	"strings"
	"testing"
	"time"

	"helix/api/internal/graph"
)

func node(id, author, content string, depth int, ts time.Time) graph.Node {
	return graph.Node{
		ID: id, RoomID: "r1", AuthorID: author, Content: content,
		Status:    graph.StatusPlaced,
		Point:     graph.TemporalPoint{Timestamp: ts, ThreadDepth: depth},
		CreatedAt: ts, UpdatedAt: ts,
	}
}

func TestBuildTranscriptOrdersAndIndents(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	nodes := []graph.Node{
		node("n2", "bob", "a reply", 1, base.Add(time.Minute)),
		node("n1", "alice", "the opener", 0, base),
		node("n3", "alice", "a follow-up", 2, base.Add(2*time.Minute)),
	}

	tr := BuildTranscript("r1", "design review", nodes, base.Add(time.Hour))
	lines := strings.Split(strings.TrimSpace(tr.Body), "\n")

	opener := -1
	reply := -1
	for i, line := range lines {
		if strings.Contains(line, "the opener") {
			opener = i
			if strings.HasPrefix(line, " ") {
				t.Errorf("root node indented: %q", line)
			}
		}
		if strings.Contains(line, "a reply") {
			reply = i
			if !strings.HasPrefix(line, "  -") {
				t.Errorf("depth-1 node not indented: %q", line)
			}
		}
	}
	if opener == -1 || reply == -1 || opener > reply {
		t.Fatalf("submission order broken: opener=%d reply=%d", opener, reply)
	}
	if !strings.HasPrefix(tr.Body, "# design review") {
		t.Fatalf("missing title header: %q", tr.Body[:40])
	}
}

func TestBuildTranscriptSkipsTombstonedAndRendersLeaves(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gone := node("n1", "alice", "retracted claim", 0, base)
	gone.Tombstoned = true
	kept := node("n2", "bob", "standing point", 0, base.Add(time.Second))
	kept.Leaves = []graph.Leaf{{ID: "l1", Content: "generated summary"}}

	tr := BuildTranscript("r1", "t", []graph.Node{gone, kept}, base)
	if strings.Contains(tr.Body, "retracted claim") {
		t.Fatal("tombstoned node rendered")
	}
	if !strings.Contains(tr.Body, "generated summary") {
		t.Fatal("leaf content missing")
	}
}

func TestObjectKeyIsStable(t *testing.T) {
	tr := Transcript{
		RoomID:      "room_1",
		GeneratedAt: time.Date(2026, 3, 1, 12, 30, 45, 0, time.UTC),
	}
	want := "transcripts/room_1/20260301T123045Z.md"
	if got := tr.ObjectKey(); got != want {
		t.Fatalf("key = %q, want %q", got, want)
	}
}
